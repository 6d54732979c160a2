package diagnostics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"taskrelay/internal/shared/logging"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	staleFactor              = 3
)

// HeartbeatParams is the crash:heartbeat payload.
type HeartbeatParams struct {
	ClientID string `json:"clientId" validate:"required"`
}

// ConsoleReport is the console:report payload.
type ConsoleReport struct {
	ClientID string `json:"clientId,omitempty"`
	Level    string `json:"level" validate:"omitempty,oneof=debug log info warn error"`
	Message  string `json:"message"`
	Args     []any  `json:"args,omitempty"`
}

// ClientHealth is the liveness of one heartbeating client.
type ClientHealth struct {
	ClientID      string `json:"clientId"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	SilentMs      int64  `json:"silentMs"`
	Stale         bool   `json:"stale"`
}

// Health summarises uptime, client liveness and stored crash dumps.
type Health struct {
	StartedAt    int64          `json:"startedAt"`
	UptimeMs     int64          `json:"uptimeMs"`
	Clients      []ClientHealth `json:"clients"`
	StaleClients []string       `json:"staleClients"`
	CrashDumps   int            `json:"crashDumps"`
}

// Service records crash dumps, heartbeats and forwarded client logs.
type Service struct {
	crashes  *CrashStore
	interval time.Duration
	now      func() time.Time
	started  time.Time
	logger   logging.Logger
	console  logging.Logger

	mu    sync.Mutex
	beats map[string]time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithHeartbeatInterval sets the expected heartbeat period. Clients silent
// for three periods are stale.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(logger) }
}

// WithConsoleLogger sets where console:report lines are written.
func WithConsoleLogger(logger logging.Logger) Option {
	return func(s *Service) { s.console = logging.OrNop(logger) }
}

// NewService creates the diagnostics service. crashes may be nil, in which
// case snapshots are only logged.
func NewService(crashes *CrashStore, opts ...Option) *Service {
	s := &Service{
		crashes:  crashes,
		interval: defaultHeartbeatInterval,
		now:      time.Now,
		logger:   logging.NewComponentLogger("Diagnostics"),
		console:  logging.NewComponentLogger("ClientConsole"),
		beats:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	return s
}

// RecordSnapshot stores a crash snapshot and returns the dump file name.
func (s *Service) RecordSnapshot(snap Snapshot) (string, error) {
	s.logger.Warn("Client %s reported crash: %s", snap.ClientID, snap.Reason)
	if s.crashes == nil {
		return "", nil
	}
	name, err := s.crashes.Save(CrashDump{Snapshot: snap, CapturedAt: s.now()})
	if err != nil {
		s.logger.Error("Failed to store crash dump for %s: %v", snap.ClientID, err)
		return "", err
	}
	return name, nil
}

// Heartbeat marks clientID alive.
func (s *Service) Heartbeat(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beats[clientID] = s.now()
}

// Forget drops a client that disconnected cleanly.
func (s *Service) Forget(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.beats, clientID)
}

// Report writes a client console line into the server log at its level.
func (s *Service) Report(r ConsoleReport) {
	line := r.Message
	if len(r.Args) > 0 {
		parts := make([]string, 0, len(r.Args))
		for _, a := range r.Args {
			parts = append(parts, fmt.Sprint(a))
		}
		line = strings.TrimSpace(line + " " + strings.Join(parts, " "))
	}
	client := r.ClientID
	if client == "" {
		client = "unknown"
	}
	switch r.Level {
	case "error":
		s.console.Error("[%s] %s", client, line)
	case "warn":
		s.console.Warn("[%s] %s", client, line)
	case "debug":
		s.console.Debug("[%s] %s", client, line)
	default:
		s.console.Info("[%s] %s", client, line)
	}
}

// Health reports uptime and heartbeat liveness.
func (s *Service) Health() Health {
	now := s.now()
	threshold := staleFactor * s.interval

	s.mu.Lock()
	clients := make([]ClientHealth, 0, len(s.beats))
	for id, last := range s.beats {
		silent := now.Sub(last)
		clients = append(clients, ClientHealth{
			ClientID:      id,
			LastHeartbeat: last.UnixMilli(),
			SilentMs:      silent.Milliseconds(),
			Stale:         silent > threshold,
		})
	}
	s.mu.Unlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	stale := []string{}
	for _, c := range clients {
		if c.Stale {
			stale = append(stale, c.ClientID)
		}
	}
	h := Health{
		StartedAt:    s.started.UnixMilli(),
		UptimeMs:     now.Sub(s.started).Milliseconds(),
		Clients:      clients,
		StaleClients: stale,
	}
	if s.crashes != nil {
		h.CrashDumps = s.crashes.Count()
	}
	return h
}
