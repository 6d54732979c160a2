package fetchrelay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"taskrelay/internal/observability"
	"taskrelay/internal/protocol"
	"taskrelay/internal/shared/async"
	errs "taskrelay/internal/shared/errors"
	"taskrelay/internal/shared/logging"
	"taskrelay/internal/utils/id"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultRetention     = 24 * time.Hour
	defaultSweepInterval = 5 * time.Minute
	storeTimeout         = 5 * time.Second
)

// EventSink receives broadcast events.
type EventSink interface {
	Broadcast(event string, data any)
}

// Recorder receives fetch metrics.
type Recorder interface {
	RecordFetch(ctx context.Context, mode, outcome string, bytes int64)
}

// Relay is the server side of the fetch relay. It runs requests on behalf
// of clients, streams their bodies as events and keeps results in the store
// until a client acknowledges them.
type Relay struct {
	store     *Store
	sink      EventSink
	client    *http.Client
	recorder  Recorder
	retention time.Duration
	sweep     time.Duration
	limits    bodyLimits
	logger    logging.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc

	baseCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithEventSink sets the broadcast target.
func WithEventSink(sink EventSink) RelayOption { return func(r *Relay) { r.sink = sink } }

// WithHTTPClient overrides the outbound HTTP client.
func WithHTTPClient(client *http.Client) RelayOption {
	return func(r *Relay) {
		if client != nil {
			r.client = client
		}
	}
}

// WithRecorder records fetch metrics.
func WithRecorder(rec Recorder) RelayOption { return func(r *Relay) { r.recorder = rec } }

// WithRetention sets how long unacknowledged results are kept.
func WithRetention(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithSweepInterval sets how often expired results are deleted.
func WithSweepInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.sweep = d
		}
	}
}

// WithChunkSize sets the read size for streamed bodies.
func WithChunkSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.limits.chunkSize = n
		}
	}
}

// WithMaxBodyBytes caps relayed response bodies; larger bodies fail the
// request.
func WithMaxBodyBytes(n int64) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.limits.maxBytes = n
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) RelayOption {
	return func(r *Relay) { r.logger = logging.OrNop(logger) }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) RelayOption { return func(r *Relay) { r.now = now } }

// NewRelay creates a relay over store.
func NewRelay(store *Store, opts ...RelayOption) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		store:     store,
		client:    &http.Client{},
		retention: defaultRetention,
		sweep:     defaultSweepInterval,
		limits:    bodyLimits{}.withDefaults(),
		logger:    logging.NewComponentLogger("FetchRelay"),
		tracer:    otel.Tracer("taskrelay/fetchrelay"),
		now:       time.Now,
		running:   make(map[string]context.CancelFunc),
		baseCtx:   ctx,
		stop:      cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start settles requests interrupted by a previous shutdown and starts the
// retention sweep.
func (r *Relay) Start() {
	r.settleInterrupted()
	r.wg.Add(1)
	async.Go(r.logger, "fetchrelay.sweep", func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-r.baseCtx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	})
}

// Stop aborts running requests. Their inflight records survive and are
// reported as interrupted after the next start.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.stop()
		r.wg.Wait()
	})
}

func (r *Relay) settleInterrupted() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	stale, err := r.store.Inflight(ctx)
	if err != nil {
		r.logger.Warn("Failed to list inflight fetches: %v", err)
		return
	}
	for _, rec := range stale {
		res := CompletedResult{
			RequestID:   rec.RequestID,
			URL:         rec.URL,
			Error:       "interrupted by server restart",
			CompletedAt: r.now().UnixMilli(),
		}
		if err := r.store.Complete(ctx, res); err != nil {
			r.logger.Warn("Failed to settle interrupted fetch %s: %v", rec.RequestID, err)
		}
	}
	if len(stale) > 0 {
		r.logger.Info("Marked %d interrupted fetches for recovery", len(stale))
	}
}

// Sweep drops results older than the retention window.
func (r *Relay) Sweep() int {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	n, err := r.store.Sweep(ctx, r.now().Add(-r.retention))
	if err != nil {
		r.logger.Warn("Fetch result sweep failed: %v", err)
		return 0
	}
	if n > 0 {
		r.logger.Debug("Swept %d expired fetch results", n)
	}
	return n
}

// StartFetch records the request and runs it in the background. The
// outcome arrives as fetchRelay:chunk*, then fetchRelay:done or
// fetchRelay:error.
func (r *Relay) StartFetch(params StartParams) (StartAck, error) {
	if params.RequestID == "" {
		params.RequestID = id.NewRequestID()
	}
	if _, err := newRequest(context.Background(), params.URL, params.Init); err != nil {
		return StartAck{}, errs.ValidationError(err.Error())
	}
	method := params.Init.Method
	if method == "" {
		method = http.MethodGet
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.baseCtx.Err() != nil {
		return StartAck{}, errors.New("fetch relay is stopped")
	}
	if _, dup := r.running[params.RequestID]; dup {
		return StartAck{}, errs.ConflictError("request " + params.RequestID + " is already running")
	}
	storeCtx, cancelStore := context.WithTimeout(r.baseCtx, storeTimeout)
	err := r.store.BeginInflight(storeCtx, InflightRecord{
		RequestID: params.RequestID,
		URL:       params.URL,
		Method:    method,
		Stream:    params.Stream,
		StartedAt: r.now(),
	})
	cancelStore()
	if err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			return StartAck{}, errs.ConflictError(err.Error())
		}
		return StartAck{}, err
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	r.running[params.RequestID] = cancel
	r.wg.Add(1)
	async.Go(r.logger, "fetchrelay.run", func() {
		defer r.wg.Done()
		defer r.finish(params.RequestID)
		r.run(ctx, params)
	})
	return StartAck{RequestID: params.RequestID, Accepted: true}, nil
}

func (r *Relay) finish(requestID string) {
	r.mu.Lock()
	cancel := r.running[requestID]
	delete(r.running, requestID)
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Cancel aborts a running request. It reports false when the request is
// unknown or already finished.
func (r *Relay) Cancel(requestID string) bool {
	r.mu.Lock()
	cancel, ok := r.running[requestID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// InflightCount returns the number of running requests.
func (r *Relay) InflightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Ping answers the client's availability probe.
func (r *Relay) Ping() PingResult {
	return PingResult{OK: r.baseCtx.Err() == nil, Time: r.now().UnixMilli(), Inflight: r.InflightCount()}
}

// Recover deletes acknowledged results and lists the rest. Results stay in
// the store until acknowledged, so each is delivered at least once.
func (r *Relay) Recover(ctx context.Context, params RecoverParams) (RecoverResult, error) {
	acked, err := r.store.Ack(ctx, params.Ack)
	if err != nil {
		return RecoverResult{}, err
	}
	results, err := r.store.Completed(ctx)
	if err != nil {
		return RecoverResult{}, err
	}
	inflight, err := r.store.Inflight(ctx)
	if err != nil {
		return RecoverResult{}, err
	}
	out := RecoverResult{Results: results, Acked: acked}
	if out.Results == nil {
		out.Results = []CompletedResult{}
	}
	for _, rec := range inflight {
		out.Inflight = append(out.Inflight, rec.RequestID)
	}
	return out, nil
}

func (r *Relay) run(ctx context.Context, params StartParams) {
	ctx, span := r.tracer.Start(ctx, observability.SpanFetchRelay, trace.WithAttributes(
		attribute.String(observability.AttrRequestID, params.RequestID),
		attribute.Bool("relay.stream", params.Stream),
	))
	defer span.End()

	var emit func(int, []byte)
	chunks := 0
	if params.Stream {
		emit = func(seq int, chunk []byte) {
			chunks = seq + 1
			r.broadcast(protocol.EventFetchRelayChunk, ChunkEvent{RequestID: params.RequestID, Seq: seq, Chunk: chunk})
		}
	}
	resp, err := doFetch(ctx, r.client, params.URL, params.Init, r.limits, emit)

	storeCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	switch {
	case err != nil && r.baseCtx.Err() != nil:
		// Shutdown: the inflight record stays and is settled on restart.
		span.SetStatus(codes.Error, "shutdown")
		r.record(ctx, "interrupted", 0)
	case err != nil && ctx.Err() != nil:
		if aerr := r.store.Abandon(storeCtx, params.RequestID); aerr != nil {
			r.logger.Warn("Failed to drop cancelled fetch %s: %v", params.RequestID, aerr)
		}
		span.SetStatus(codes.Error, "cancelled")
		r.record(ctx, "cancelled", 0)
		r.broadcast(protocol.EventFetchRelayError, ErrorEvent{RequestID: params.RequestID, Error: "cancelled"})
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("Relayed fetch %s failed: %v", params.RequestID, err)
		r.save(storeCtx, CompletedResult{
			RequestID: params.RequestID, URL: params.URL, Status: resp.Status, Error: err.Error(), CompletedAt: r.now().UnixMilli(),
		})
		r.record(ctx, "error", int64(len(resp.Body)))
		r.broadcast(protocol.EventFetchRelayError, ErrorEvent{RequestID: params.RequestID, Error: err.Error()})
	default:
		span.SetAttributes(attribute.Int("http.status_code", resp.Status))
		r.save(storeCtx, CompletedResult{
			RequestID: params.RequestID, URL: params.URL, Status: resp.Status, Headers: resp.Headers, Body: resp.Body, CompletedAt: r.now().UnixMilli(),
		})
		r.record(ctx, "done", int64(len(resp.Body)))
		r.broadcast(protocol.EventFetchRelayDone, DoneEvent{
			RequestID: params.RequestID, Status: resp.Status, Headers: resp.Headers, Body: resp.Body, Chunks: chunks,
		})
	}
}

// save stores the result before the terminal event goes out, so a client
// that misses the event still finds it through recovery.
func (r *Relay) save(ctx context.Context, res CompletedResult) {
	if err := r.store.Complete(ctx, res); err != nil {
		r.logger.Error("Failed to store fetch result %s: %v", res.RequestID, err)
	}
}

func (r *Relay) record(ctx context.Context, outcome string, n int64) {
	if r.recorder != nil {
		r.recorder.RecordFetch(ctx, "worker", outcome, n)
	}
}

func (r *Relay) broadcast(event string, data any) {
	if r.sink != nil {
		r.sink.Broadcast(event, data)
	}
}
