package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskrelay/internal/protocol"
	"taskrelay/internal/shared/async"
	"taskrelay/internal/shared/logging"

	"github.com/gorilla/websocket"
)

// DefaultCallTimeout bounds every RPC unless the caller's context is shorter.
const DefaultCallTimeout = 120 * time.Second

// ErrNotConnected is returned by Call while the socket is down.
var ErrNotConnected = errors.New("channel is not connected")

// ClientConfig configures a channel client.
type ClientConfig struct {
	URL         string
	Token       string
	ClientID    string
	CallTimeout time.Duration
	Reconnect   bool
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Header      http.Header
	Dialer      *websocket.Dialer
}

func (c ClientConfig) withDefaults() ClientConfig {
	out := c
	out.URL = strings.TrimSpace(out.URL)
	if out.CallTimeout <= 0 {
		out.CallTimeout = DefaultCallTimeout
	}
	if out.MinBackoff <= 0 {
		out.MinBackoff = 500 * time.Millisecond
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 10 * time.Second
	}
	if out.Dialer == nil {
		out.Dialer = websocket.DefaultDialer
	}
	return out
}

// BroadcastHandler receives broadcast payloads. Handlers run on the read
// goroutine in registration order and must not block on Call.
type BroadcastHandler func(event string, data json.RawMessage)

type subscription struct {
	id      uint64
	handler BroadcastHandler
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithClientLogger overrides the component logger.
func WithClientLogger(logger logging.Logger) ClientOption {
	return func(c *Client) { c.logger = logging.OrNop(logger) }
}

// Client is the caller side of the channel: request/response RPC plus
// broadcast subscriptions, with optional automatic reconnect.
type Client struct {
	cfg    ClientConfig
	logger logging.Logger

	mu       sync.RWMutex
	conn     *websocket.Conn
	clientID string

	writeMu sync.Mutex
	pending *async.Pending[protocol.Frame]
	nextID  atomic.Uint64
	lastSeq atomic.Uint64

	subsMu         sync.RWMutex
	subs           map[string][]subscription
	subSeq         uint64
	reconnectHooks []func()

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects and completes the hello/welcome handshake.
func Dial(ctx context.Context, cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	c := &Client{
		cfg:      cfg.withDefaults(),
		logger:   logging.NewComponentLogger("ChannelClient"),
		pending:  async.NewPending[protocol.Frame](),
		subs:     make(map[string][]subscription),
		clientID: strings.TrimSpace(cfg.ClientID),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.URL == "" {
		return nil, errors.New("channel url is required")
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.RLock()
	clientID := c.clientID
	c.mu.RUnlock()

	hello := helloMessage{
		Type:     protocol.FrameHello,
		Token:    c.cfg.Token,
		ClientID: clientID,
		Version:  protocol.Version,
		Seq:      c.lastSeq.Load(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("write hello: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var welcome welcomeMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		_ = conn.Close()
		return fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != protocol.FrameWelcome {
		_ = conn.Close()
		return fmt.Errorf("expected welcome, got %q", welcome.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if c.lastSeq.Load() == 0 {
		c.lastSeq.Store(welcome.Seq)
	}

	c.mu.Lock()
	c.conn = conn
	c.clientID = welcome.ClientID
	c.mu.Unlock()

	async.Go(c.logger, "channel.client.read", func() { c.readLoop(conn) })
	return nil
}

// ClientID returns the id assigned during the handshake.
func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Call issues method and decodes the response data into out (which may be
// nil). A non-success ret code is returned as *protocol.CallError.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	raw, err := c.CallRaw(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// CallRaw issues method and returns the undecoded response data.
func (c *Client) CallRaw(ctx context.Context, method string, params any) (json.RawMessage, error) {
	frame, err := c.requestFrame(method, params)
	if err != nil {
		return nil, err
	}

	resp, err := c.pending.Call(ctx, frame.ID, c.cfg.CallTimeout, func() error {
		return c.writeFrame(frame)
	})
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, &protocol.CallError{Method: method, Ret: protocol.Timeout, Message: err.Error()}
		case errors.Is(err, ErrNotConnected):
			return nil, &protocol.CallError{Method: method, Ret: protocol.NotConnected, Message: err.Error()}
		}
		return nil, err
	}
	if resp.Ret != protocol.Success {
		return nil, &protocol.CallError{Method: method, Ret: resp.Ret, Message: resp.Message}
	}
	return resp.Data, nil
}

// Notify sends a request without waiting for its response.
func (c *Client) Notify(method string, params any) error {
	frame, err := c.requestFrame(method, params)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

func (c *Client) requestFrame(method string, params any) (protocol.Frame, error) {
	frame := protocol.Frame{
		Type:   protocol.FrameRequest,
		ID:     strconv.FormatUint(c.nextID.Add(1), 10),
		Method: method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return frame, fmt.Errorf("encode %s params: %w", method, err)
		}
		frame.Params = raw
	}
	return frame, nil
}

func (c *Client) writeFrame(frame protocol.Frame) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

// OnBroadcast subscribes handler to event ("*" matches every event) and
// returns a function that removes the subscription.
func (c *Client) OnBroadcast(event string, handler BroadcastHandler) func() {
	c.subsMu.Lock()
	c.subSeq++
	subID := c.subSeq
	c.subs[event] = append(c.subs[event], subscription{id: subID, handler: handler})
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			list := c.subs[event]
			for i, sub := range list {
				if sub.id == subID {
					c.subs[event] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(c.subs[event]) == 0 {
				delete(c.subs, event)
			}
		})
	}
}

// OnReconnect registers fn to run after every successful reconnect.
func (c *Client) OnReconnect(fn func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.reconnectHooks = append(c.reconnectHooks, fn)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		switch frame.Type {
		case protocol.FrameResponse:
			c.pending.Resolve(frame.ID, frame)
		case protocol.FrameBroadcast:
			if frame.Seq > 0 {
				if frame.Seq <= c.lastSeq.Load() {
					continue
				}
				c.lastSeq.Store(frame.Seq)
			}
			c.deliver(frame.Event, frame.Data)
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	c.pending.RejectAll(ErrNotConnected)

	if c.closed.Load() || !c.cfg.Reconnect {
		return
	}
	async.Go(c.logger, "channel.client.reconnect", c.reconnectLoop)
}

func (c *Client) deliver(event string, data json.RawMessage) {
	c.subsMu.RLock()
	handlers := make([]BroadcastHandler, 0, len(c.subs[event])+len(c.subs["*"]))
	for _, sub := range c.subs[event] {
		handlers = append(handlers, sub.handler)
	}
	for _, sub := range c.subs["*"] {
		handlers = append(handlers, sub.handler)
	}
	c.subsMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer async.Recover(c.logger, "channel.client.handler")
			h(event, data)
		}()
	}
}

func (c *Client) reconnectLoop() {
	backoff := c.cfg.MinBackoff
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-c.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			c.logger.Info("Reconnected to %s after %d attempts", c.cfg.URL, attempt)
			c.subsMu.RLock()
			hooks := append([]func(){}, c.reconnectHooks...)
			c.subsMu.RUnlock()
			for _, hook := range hooks {
				async.Go(c.logger, "channel.client.onReconnect", hook)
			}
			return
		}
		c.logger.Debug("Reconnect attempt %d failed: %v", attempt, err)
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// Destroy closes the connection and stops reconnecting.
func (c *Client) Destroy() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
		c.pending.RejectAll(ErrNotConnected)
	})
}
