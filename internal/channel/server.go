package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskrelay/internal/protocol"
	"taskrelay/internal/shared/async"
	"taskrelay/internal/shared/logging"
	id "taskrelay/internal/utils/id"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxFrameBytes    = 32 << 20
)

var (
	// ErrBadParams marks handler errors caused by malformed request params.
	ErrBadParams = errors.New("bad params")

	errUnauthorized = errors.New("unauthorized")
	validate        = validator.New()
)

// BadParams wraps err so the dispatcher answers with ret=BadParams.
func BadParams(err error) error {
	return fmt.Errorf("%w: %v", ErrBadParams, err)
}

// Peer identifies the connected client that issued a request.
type Peer interface {
	ID() string
}

// Handler serves one RPC method. The returned value is JSON-encoded into the
// response data; a returned error becomes a non-success ret code.
type Handler func(ctx context.Context, peer Peer, params json.RawMessage) (any, error)

// Observer receives transport metrics.
type Observer interface {
	ObserveCall(method string, ret protocol.ReturnCode, elapsed time.Duration)
	ObserveBroadcast(event string, delivered, dropped int)
	ObserveClients(active int)
}

// ServerConfig tunes the channel server. CallTimeout bounds each handler;
// a handler that exceeds it answers with ret=Timeout.
type ServerConfig struct {
	Token       string
	SendBuffer  int
	MaxHistory  int
	CallTimeout time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	out := c
	out.Token = strings.TrimSpace(out.Token)
	if out.SendBuffer <= 0 {
		out.SendBuffer = 256
	}
	if out.MaxHistory <= 0 {
		out.MaxHistory = 1000
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = DefaultCallTimeout
	}
	return out
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithServerLogger overrides the component logger.
func WithServerLogger(logger logging.Logger) ServerOption {
	return func(s *Server) { s.logger = logging.OrNop(logger) }
}

// WithObserver attaches a metrics observer.
func WithObserver(observer Observer) ServerOption {
	return func(s *Server) { s.observer = observer }
}

// WithTracer overrides the tracer used for per-call spans.
func WithTracer(tracer trace.Tracer) ServerOption {
	return func(s *Server) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithConnectHook registers callbacks fired when a peer joins or leaves.
func WithConnectHook(onConnect, onDisconnect func(peerID string)) ServerOption {
	return func(s *Server) {
		s.onConnect = onConnect
		s.onDisconnect = onDisconnect
	}
}

type historyEntry struct {
	seq   uint64
	event string
	data  json.RawMessage
}

// Server is the worker side of the channel: it accepts websocket peers,
// dispatches their RPC requests and fans broadcasts out to every peer.
type Server struct {
	cfg      ServerConfig
	logger   logging.Logger
	observer Observer
	tracer   trace.Tracer
	upgrader websocket.Upgrader

	onConnect    func(string)
	onDisconnect func(string)

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu    sync.RWMutex
	peers map[string]*peer

	historyMu sync.Mutex
	history   []historyEntry
	seq       atomic.Uint64

	metrics broadcasterMetrics

	criticalWait time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewServer builds a channel server.
func NewServer(cfg ServerConfig, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg.withDefaults(),
		logger:   logging.NewComponentLogger("ChannelServer"),
		tracer:   otel.Tracer("taskrelay/channel"),
		handlers: make(map[string]Handler),
		peers:    make(map[string]*peer),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		criticalWait: writeWait,
		baseCtx:      ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[method] = h
}

// Bind registers a typed handler. Params are decoded into P and validated
// with struct tags before fn runs.
func Bind[P any](s *Server, method string, fn func(ctx context.Context, peer Peer, params P) (any, error)) {
	s.Handle(method, func(ctx context.Context, peer Peer, raw json.RawMessage) (any, error) {
		var params P
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, BadParams(err)
			}
		}
		if err := validateParams(params); err != nil {
			return nil, BadParams(err)
		}
		return fn(ctx, peer, params)
	})
}

func validateParams(params any) error {
	v := reflect.ValueOf(params)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	return validate.Struct(v.Interface())
}

// Methods returns the registered method names.
func (s *Server) Methods() []string {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	return out
}

// ClientCount reports currently connected peers.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// PeerIDs lists connected peers.
func (s *Server) PeerIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.peers))
	for pid := range s.peers {
		out = append(out, pid)
	}
	return out
}

// Broadcast delivers event to every connected peer and records it in the
// replay history. Ordinary events are dropped for a saturated peer; critical
// events wait for room and disconnect the peer if none frees up.
func (s *Server) Broadcast(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("Failed to encode broadcast %s: %v", event, err)
		return
	}
	// Fan-out stays under the history lock so every peer queue holds frames
	// in sequence order; clients discard anything older than what they saw.
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	seq := s.seq.Add(1)
	s.rememberLocked(historyEntry{seq: seq, event: event, data: raw})
	peers := s.snapshotPeers()

	msg, err := json.Marshal(broadcastFrame(seq, event, raw))
	if err != nil {
		s.logger.Error("Failed to encode broadcast frame %s: %v", event, err)
		return
	}

	critical := protocol.IsCritical(event)
	delivered, dropped := 0, 0
	for i, p := range peers {
		if p.enqueue(msg) {
			delivered++
			continue
		}
		if critical && s.deliverCritical(p, i, len(peers), event, msg) {
			delivered++
			continue
		}
		s.logger.Warn("Client %s buffer full, dropping event %s", p.id, event)
		dropped++
	}
	s.metrics.add(int64(delivered), int64(dropped))
	if s.observer != nil {
		s.observer.ObserveBroadcast(event, delivered, dropped)
	}
}

func broadcastFrame(seq uint64, event string, raw json.RawMessage) broadcastMessage {
	return broadcastMessage{Type: protocol.FrameBroadcast, Event: event, Data: raw, Seq: seq}
}

// broadcastMessage carries the history sequence number so reconnecting
// clients can ask for what they missed.
type broadcastMessage struct {
	Type  protocol.FrameType `json:"type"`
	Event string             `json:"event"`
	Data  json.RawMessage    `json:"data,omitempty"`
	Seq   uint64             `json:"seq"`
}

// deliverCritical waits for room in a saturated queue. Queued frames are
// never evicted: a peer that does not drain in time is disconnected and
// catches up from the replay history when it reconnects.
func (s *Server) deliverCritical(p *peer, index, total int, event string, msg []byte) bool {
	if p.enqueueWithin(msg, s.criticalWait) {
		return true
	}
	if p.ctx.Err() == nil {
		s.logger.Warn("Client %s saturated; disconnecting instead of dropping critical %s (client %d/%d)", p.id, event, index+1, total)
		p.close()
	}
	return false
}

func (s *Server) rememberLocked(entry historyEntry) {
	s.history = append(s.history, entry)
	if len(s.history) > s.cfg.MaxHistory {
		s.history = s.history[len(s.history)-s.cfg.MaxHistory:]
	}
}

func (s *Server) snapshotPeers() []*peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

// LastSeq returns the sequence number of the latest broadcast.
func (s *Server) LastSeq() uint64 {
	return s.seq.Load()
}

// ServeHTTP upgrades the request and runs the peer until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed: %v", err)
		return
	}
	p, lastSeq, err := s.accept(conn)
	if err != nil {
		s.logger.Warn("Handshake rejected: %v", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	async.Go(s.logger, "channel.writer", p.writeLoop)

	// Replay and registration happen under the history lock so every
	// broadcast reaches the peer exactly once and in sequence order.
	s.historyMu.Lock()
	for _, entry := range s.history {
		if lastSeq == 0 || entry.seq <= lastSeq {
			continue
		}
		msg, err := json.Marshal(broadcastFrame(entry.seq, entry.event, entry.data))
		if err == nil {
			p.enqueueBlocking(msg)
		}
	}
	active := s.register(p)
	s.historyMu.Unlock()
	s.notifyConnected(p, active)

	s.readLoop(p)
	s.unregister(p)
}

func (s *Server) accept(conn *websocket.Conn) (*peer, uint64, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var hello helloMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return nil, 0, fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != protocol.FrameHello {
		return nil, 0, fmt.Errorf("expected hello, got %q", hello.Type)
	}
	if s.cfg.Token != "" && hello.Token != s.cfg.Token {
		return nil, 0, errUnauthorized
	}
	_ = conn.SetReadDeadline(time.Time{})

	clientID := strings.TrimSpace(hello.ClientID)
	if clientID == "" {
		clientID = id.NewClientID()
	}
	welcome := welcomeMessage{Type: protocol.FrameWelcome, ClientID: clientID, Version: protocol.Version, Seq: s.seq.Load()}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(welcome); err != nil {
		return nil, 0, err
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	return &peer{
		id:          clientID,
		conn:        conn,
		out:         make(chan []byte, s.cfg.SendBuffer),
		ctx:         ctx,
		cancel:      cancel,
		logger:      s.logger,
		connectedAt: time.Now(),
	}, hello.Seq, nil
}

func (s *Server) register(p *peer) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.peers[p.id]; ok {
		// Same client id reconnecting; the old socket is stale.
		prev.close()
	}
	s.peers[p.id] = p
	return len(s.peers)
}

func (s *Server) notifyConnected(p *peer, active int) {
	s.metrics.connected()
	s.logger.Info("Client %s connected (total: %d)", p.id, active)
	if s.observer != nil {
		s.observer.ObserveClients(active)
	}
	if s.onConnect != nil {
		s.onConnect(p.id)
	}
}

func (s *Server) unregister(p *peer) {
	p.close()
	s.mu.Lock()
	if cur, ok := s.peers[p.id]; ok && cur == p {
		delete(s.peers, p.id)
	}
	active := len(s.peers)
	s.mu.Unlock()

	s.metrics.disconnected()
	s.logger.Info("Client %s disconnected (remaining: %d)", p.id, active)
	if s.observer != nil {
		s.observer.ObserveClients(active)
	}
	if s.onDisconnect != nil {
		s.onDisconnect(p.id)
	}
}

func (s *Server) readLoop(p *peer) {
	p.conn.SetReadLimit(maxFrameBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame protocol.Frame
		if err := p.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Client %s read error: %v", p.id, err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		if frame.Type != protocol.FrameRequest {
			continue
		}
		async.Go(s.logger, "channel.dispatch", func() { s.dispatch(p, frame) })
	}
}

func (s *Server) dispatch(p *peer, frame protocol.Frame) {
	start := time.Now()
	ctx, span := s.tracer.Start(p.ctx, "rpc "+frame.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.method", frame.Method),
			attribute.String("relay.client_id", p.id),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	resp := protocol.Frame{Type: protocol.FrameResponse, ID: frame.ID, Method: frame.Method}
	data, ret, msg := s.invoke(ctx, p, frame)
	resp.Ret = ret
	resp.Message = msg
	resp.Data = data
	if ret != protocol.Success {
		span.SetStatus(codes.Error, msg)
	}
	span.SetAttributes(attribute.Int("rpc.ret", int(ret)))

	if s.observer != nil {
		s.observer.ObserveCall(frame.Method, ret, time.Since(start))
	}
	encoded, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode response for %s: %v", frame.Method, err)
		return
	}
	p.enqueueBlocking(encoded)
}

func (s *Server) invoke(ctx context.Context, p *peer, frame protocol.Frame) (data json.RawMessage, ret protocol.ReturnCode, msg string) {
	s.handlersMu.RLock()
	h, ok := s.handlers[frame.Method]
	s.handlersMu.RUnlock()
	if !ok {
		return nil, protocol.UnknownMethod, fmt.Sprintf("unknown method %q", frame.Method)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Handler %s panicked: %v", frame.Method, r)
			data, ret, msg = nil, protocol.Internal, fmt.Sprintf("internal error: %v", r)
		}
	}()

	result, err := h(ctx, p, frame.Params)
	if err != nil {
		switch {
		case errors.Is(err, ErrBadParams):
			return nil, protocol.BadParams, err.Error()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, protocol.Timeout, err.Error()
		default:
			s.logger.Warn("Handler %s failed: %v", frame.Method, err)
			return nil, protocol.Internal, err.Error()
		}
	}
	if result == nil {
		return nil, protocol.Success, ""
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, protocol.Internal, fmt.Sprintf("encode result: %v", err)
	}
	return raw, protocol.Success, ""
}

// Close disconnects every peer.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*peer)
	s.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

type helloMessage struct {
	Type     protocol.FrameType `json:"type"`
	Token    string             `json:"token,omitempty"`
	ClientID string             `json:"clientId,omitempty"`
	Version  int                `json:"version,omitempty"`
	Seq      uint64             `json:"seq,omitempty"`
}

type welcomeMessage struct {
	Type     protocol.FrameType `json:"type"`
	ClientID string             `json:"clientId"`
	Version  int                `json:"version"`
	Seq      uint64             `json:"seq"`
}

type peer struct {
	id          string
	conn        *websocket.Conn
	out         chan []byte
	ctx         context.Context
	cancel      context.CancelFunc
	logger      logging.Logger
	connectedAt time.Time
	closeOnce   sync.Once
}

func (p *peer) ID() string { return p.id }

func (p *peer) enqueue(msg []byte) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	select {
	case p.out <- msg:
		return true
	default:
		return false
	}
}

// enqueueBlocking is used for responses and replays, which must not be dropped.
func (p *peer) enqueueBlocking(msg []byte) {
	if !p.enqueueWithin(msg, writeWait) && p.ctx.Err() == nil {
		p.logger.Warn("Client %s did not drain its queue in %v, dropping frame", p.id, writeWait)
	}
}

func (p *peer) enqueueWithin(msg []byte, wait time.Duration) bool {
	if p.enqueue(msg) {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case p.out <- msg:
		return true
	case <-p.ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

func (p *peer) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				p.close()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.close()
				return
			}
		}
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.cancel()
		if p.conn != nil {
			_ = p.conn.Close()
		}
	})
}

type broadcasterMetrics struct {
	mu                sync.Mutex
	totalEventsSent   int64
	droppedEvents     int64
	totalConnections  int64
	activeConnections int64
}

func (m *broadcasterMetrics) add(sent, dropped int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalEventsSent += sent
	m.droppedEvents += dropped
}

func (m *broadcasterMetrics) connected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalConnections++
	m.activeConnections++
}

func (m *broadcasterMetrics) disconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeConnections--
}

// BroadcasterMetrics represents broadcaster metrics for export
type BroadcasterMetrics struct {
	TotalEventsSent   int64          `json:"totalEventsSent"`
	DroppedEvents     int64          `json:"droppedEvents"`
	TotalConnections  int64          `json:"totalConnections"`
	ActiveConnections int64          `json:"activeConnections"`
	BufferDepth       map[string]int `json:"bufferDepth"`
	LastSeq           uint64         `json:"lastSeq"`
}

// GetMetrics returns current broadcaster metrics
func (s *Server) GetMetrics() BroadcasterMetrics {
	s.metrics.mu.Lock()
	out := BroadcasterMetrics{
		TotalEventsSent:   s.metrics.totalEventsSent,
		DroppedEvents:     s.metrics.droppedEvents,
		TotalConnections:  s.metrics.totalConnections,
		ActiveConnections: s.metrics.activeConnections,
		BufferDepth:       make(map[string]int),
		LastSeq:           s.seq.Load(),
	}
	s.metrics.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for pid, p := range s.peers {
		if depth := len(p.out); depth > 0 {
			out.BufferDepth[pid] = depth
		}
	}
	return out
}
