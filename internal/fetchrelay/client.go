package fetchrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"taskrelay/internal/channel"
	"taskrelay/internal/protocol"
	"taskrelay/internal/shared/async"
	jsonx "taskrelay/internal/shared/json"
	"taskrelay/internal/shared/logging"
	"taskrelay/internal/utils/id"
)

const (
	defaultPingTimeout   = 2 * time.Second
	defaultResultTimeout = channel.DefaultCallTimeout
)

// Caller is the part of the channel client the relay uses.
type Caller interface {
	Call(ctx context.Context, method string, params any, out any) error
	Notify(method string, params any) error
	OnBroadcast(event string, handler channel.BroadcastHandler) func()
	Connected() bool
}

// RelayError is a failure reported by the server for a relayed request.
type RelayError struct {
	RequestID string
	Message   string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("fetch %s failed: %s", e.RequestID, e.Message)
}

// startError marks a request the server never accepted.
type startError struct{ err error }

func (e *startError) Error() string { return "start relay: " + e.err.Error() }
func (e *startError) Unwrap() error { return e.err }

var errResultTimeout = errors.New("relay result timed out")

type strategy interface {
	name() string
	fetch(ctx context.Context, url string, init RequestInit, onChunk func([]byte)) (Response, error)
}

type streamState struct {
	mu      sync.Mutex
	next    int
	closed  bool
	onChunk func([]byte)
}

// Client fetches through the relay server when it answers a ping and
// directly otherwise.
type Client struct {
	caller        Caller
	http          *http.Client
	pingTimeout   time.Duration
	resultTimeout time.Duration
	chunkSize     int
	recorder      Recorder
	logger        logging.Logger

	results *async.Pending[Response]
	streams *async.Correlator[*streamState]
	unsubs  []func()

	ackMu   sync.Mutex
	unacked []string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDirectHTTPClient sets the client used for direct fetches.
func WithDirectHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithPingTimeout bounds the availability probe.
func WithPingTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.pingTimeout = d
		}
	}
}

// WithResultTimeout bounds the wait for a relayed result.
func WithResultTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.resultTimeout = d
		}
	}
}

// WithClientRecorder records fetch metrics on the client side.
func WithClientRecorder(rec Recorder) ClientOption { return func(c *Client) { c.recorder = rec } }

// WithClientLogger overrides the component logger.
func WithClientLogger(logger logging.Logger) ClientOption {
	return func(c *Client) { c.logger = logging.OrNop(logger) }
}

// NewClient creates a relay client. A nil caller always fetches directly.
func NewClient(caller Caller, opts ...ClientOption) *Client {
	c := &Client{
		caller:        caller,
		http:          &http.Client{},
		pingTimeout:   defaultPingTimeout,
		resultTimeout: defaultResultTimeout,
		chunkSize:     defaultChunkSize,
		logger:        logging.NewComponentLogger("FetchRelayClient"),
		results:       async.NewPending[Response](),
		streams:       async.NewCorrelator[*streamState](),
	}
	for _, opt := range opts {
		opt(c)
	}
	if caller != nil {
		c.unsubs = append(c.unsubs,
			caller.OnBroadcast(protocol.EventFetchRelayChunk, c.onChunk),
			caller.OnBroadcast(protocol.EventFetchRelayDone, c.onDone),
			caller.OnBroadcast(protocol.EventFetchRelayError, c.onError),
		)
	}
	return c
}

// Close drops event subscriptions and fails outstanding requests.
func (c *Client) Close() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	c.results.RejectAll(errors.New("fetch relay client closed"))
	for _, st := range c.streams.Drain() {
		st.mu.Lock()
		st.closed = true
		st.mu.Unlock()
	}
}

// Fetch performs a request and returns the whole response. Any failure to
// reach the relay falls back to a direct request.
func (c *Client) Fetch(ctx context.Context, url string, init RequestInit) (Response, error) {
	s := c.selectStrategy(ctx)
	resp, err := s.fetch(ctx, url, init, nil)
	if err != nil && s.name() == "worker" && ctx.Err() == nil && isTransportFailure(err) {
		c.logger.Warn("Relay unavailable for %s, fetching directly: %v", url, err)
		return c.direct().fetch(ctx, url, init, nil)
	}
	return resp, err
}

// FetchStream performs a request and passes body chunks to onChunk in
// network order. Cancelling ctx returns immediately, ignores later events
// and tells the server to abort. Only a failed start falls back to a direct
// request, so no chunk is delivered twice.
func (c *Client) FetchStream(ctx context.Context, url string, init RequestInit, onChunk func([]byte)) (Response, error) {
	if onChunk == nil {
		onChunk = func([]byte) {}
	}
	s := c.selectStrategy(ctx)
	resp, err := s.fetch(ctx, url, init, onChunk)
	var se *startError
	if err != nil && s.name() == "worker" && ctx.Err() == nil && errors.As(err, &se) {
		c.logger.Warn("Relay stream for %s did not start, streaming directly: %v", url, err)
		return c.direct().fetch(ctx, url, init, onChunk)
	}
	return resp, err
}

func isTransportFailure(err error) bool {
	var se *startError
	return errors.As(err, &se) || errors.Is(err, errResultTimeout)
}

// RecoverResults fetches results that finished while this client was away.
// Results returned by the previous call are acknowledged first, so every
// result is seen at least once.
func (c *Client) RecoverResults(ctx context.Context) ([]CompletedResult, error) {
	if c.caller == nil {
		return nil, channel.ErrNotConnected
	}
	c.ackMu.Lock()
	ack := c.unacked
	c.unacked = nil
	c.ackMu.Unlock()

	var out RecoverResult
	if err := c.caller.Call(ctx, protocol.MethodFetchRelayRecover, RecoverParams{Ack: ack}, &out); err != nil {
		c.requeueAcks(ack)
		return nil, err
	}
	ids := make([]string, 0, len(out.Results))
	for _, res := range out.Results {
		ids = append(ids, res.RequestID)
	}
	c.requeueAcks(ids)
	return out.Results, nil
}

// Ack acknowledges every result delivered so far without listing new ones.
func (c *Client) Ack(ctx context.Context) error {
	if c.caller == nil {
		return nil
	}
	c.ackMu.Lock()
	ack := c.unacked
	c.unacked = nil
	c.ackMu.Unlock()
	if len(ack) == 0 {
		return nil
	}
	var out RecoverResult
	if err := c.caller.Call(ctx, protocol.MethodFetchRelayRecover, RecoverParams{Ack: ack}, &out); err != nil {
		c.requeueAcks(ack)
		return err
	}
	return nil
}

func (c *Client) requeueAcks(ids []string) {
	if len(ids) == 0 {
		return
	}
	c.ackMu.Lock()
	c.unacked = append(c.unacked, ids...)
	c.ackMu.Unlock()
}

// Pending returns the ids of relayed requests still awaiting a result.
func (c *Client) Pending() []string {
	return c.results.IDs()
}

func (c *Client) selectStrategy(ctx context.Context) strategy {
	if c.caller == nil || !c.caller.Connected() {
		return c.direct()
	}
	pctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()
	var pong PingResult
	if err := c.caller.Call(pctx, protocol.MethodFetchRelayPing, nil, &pong); err != nil || !pong.OK {
		c.logger.Debug("Relay ping failed, using direct fetch: %v", err)
		return c.direct()
	}
	return &workerStrategy{c: c}
}

func (c *Client) direct() strategy {
	return &directStrategy{client: c.http, chunkSize: c.chunkSize, recorder: c.recorder}
}

func (c *Client) onChunk(_ string, data json.RawMessage) {
	var ev ChunkEvent
	if err := jsonx.Unmarshal(data, &ev); err != nil {
		return
	}
	st, ok := c.streams.Get(ev.RequestID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed || ev.Seq < st.next {
		return
	}
	if ev.Seq > st.next {
		st.closed = true
		c.streams.Remove(ev.RequestID)
		c.results.Reject(ev.RequestID, &RelayError{
			RequestID: ev.RequestID,
			Message:   fmt.Sprintf("stream lost chunks %d-%d", st.next, ev.Seq-1),
		})
		return
	}
	st.next = ev.Seq + 1
	st.onChunk(ev.Chunk)
}

// closeStream stops chunk delivery for requestID and reports how many
// chunks reached onChunk. ok is false when the request was not streaming
// or was already closed.
func (c *Client) closeStream(requestID string) (delivered int, ok bool) {
	st, found := c.streams.Take(requestID)
	if !found {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return st.next, false
	}
	st.closed = true
	return st.next, true
}

func (c *Client) onDone(_ string, data json.RawMessage) {
	var ev DoneEvent
	if err := jsonx.Unmarshal(data, &ev); err != nil {
		return
	}
	if delivered, streaming := c.closeStream(ev.RequestID); streaming && delivered != ev.Chunks {
		c.results.Reject(ev.RequestID, &RelayError{
			RequestID: ev.RequestID,
			Message:   fmt.Sprintf("stream ended after %d of %d chunks", delivered, ev.Chunks),
		})
		return
	}
	resp := Response{Status: ev.Status, Headers: ev.Headers, Body: ev.Body, Relayed: true}
	if c.results.Resolve(ev.RequestID, resp) {
		c.requeueAcks([]string{ev.RequestID})
	}
}

func (c *Client) onError(_ string, data json.RawMessage) {
	var ev ErrorEvent
	if err := jsonx.Unmarshal(data, &ev); err != nil {
		return
	}
	c.closeStream(ev.RequestID)
	if c.results.Reject(ev.RequestID, &RelayError{RequestID: ev.RequestID, Message: ev.Error}) {
		c.requeueAcks([]string{ev.RequestID})
	}
}

type workerStrategy struct {
	c *Client
}

func (w *workerStrategy) name() string { return "worker" }

func (w *workerStrategy) fetch(ctx context.Context, url string, init RequestInit, onChunk func([]byte)) (Response, error) {
	c := w.c
	requestID := id.NewRequestID()
	stream := onChunk != nil

	// Register before the RPC so no event can arrive unclaimed.
	ticket, err := c.results.Register(requestID)
	if err != nil {
		return Response{}, &startError{err: err}
	}
	if stream {
		if err := c.streams.Add(requestID, &streamState{onChunk: onChunk}); err != nil {
			ticket.Cancel()
			return Response{}, &startError{err: err}
		}
	}

	var ack StartAck
	err = c.caller.Call(ctx, protocol.MethodFetchRelayStart, StartParams{RequestID: requestID, URL: url, Init: init, Stream: stream}, &ack)
	if err == nil && !ack.Accepted {
		err = errors.New("request not accepted")
	}
	if err != nil {
		ticket.Cancel()
		c.closeStream(requestID)
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, &startError{err: err}
	}

	resp, err := ticket.Wait(ctx, c.resultTimeout)
	if err != nil {
		c.closeStream(requestID)
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			c.cancelRemote(requestID)
		}
		c.record(ctx, err, 0)
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return Response{}, fmt.Errorf("%w: %s", errResultTimeout, requestID)
		}
		return Response{}, err
	}
	c.record(ctx, nil, int64(len(resp.Body)))
	return resp, nil
}

// cancelRemote tells the server to abort without waiting for an answer.
func (c *Client) cancelRemote(requestID string) {
	async.Go(c.logger, "fetchrelay.cancel", func() {
		if err := c.caller.Notify(protocol.MethodFetchRelayCancel, CancelParams{RequestID: requestID}); err != nil {
			c.logger.Debug("Cancel of %s not delivered: %v", requestID, err)
		}
	})
}

func (c *Client) record(ctx context.Context, err error, n int64) {
	if c.recorder == nil {
		return
	}
	outcome := "done"
	switch {
	case ctx.Err() != nil:
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	}
	c.recorder.RecordFetch(ctx, "worker", outcome, n)
}

type directStrategy struct {
	client    *http.Client
	chunkSize int
	recorder  Recorder
}

func (d *directStrategy) name() string { return "direct" }

func (d *directStrategy) fetch(ctx context.Context, url string, init RequestInit, onChunk func([]byte)) (Response, error) {
	var emit func(int, []byte)
	if onChunk != nil {
		emit = func(_ int, chunk []byte) { onChunk(chunk) }
	}
	resp, err := doFetch(ctx, d.client, url, init, bodyLimits{chunkSize: d.chunkSize}, emit)
	if d.recorder != nil {
		outcome := "done"
		if err != nil {
			outcome = "error"
		}
		d.recorder.RecordFetch(ctx, "direct", outcome, int64(len(resp.Body)))
	}
	return resp, err
}
