package app

import (
	"context"
	"sync"
	"time"
)

// Component health states.
const (
	HealthReady    = "ready"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

const probeTimeout = 2 * time.Second

// ComponentHealth is the outcome of one probe.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthProbe checks one component.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) ComponentHealth
}

// PingProbe adapts a ping function. Optional components report degraded
// instead of down when the ping fails.
type PingProbe struct {
	name     string
	optional bool
	ping     func(ctx context.Context) error
}

// NewPingProbe creates a probe named name around ping.
func NewPingProbe(name string, optional bool, ping func(ctx context.Context) error) *PingProbe {
	return &PingProbe{name: name, optional: optional, ping: ping}
}

// Name implements HealthProbe.
func (p *PingProbe) Name() string { return p.name }

// Check implements HealthProbe.
func (p *PingProbe) Check(ctx context.Context) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := p.ping(ctx); err != nil {
		status := HealthDown
		if p.optional {
			status = HealthDegraded
		}
		return ComponentHealth{Name: p.name, Status: status, Message: err.Error()}
	}
	return ComponentHealth{Name: p.name, Status: HealthReady}
}

// HealthChecker aggregates health probes for all components.
type HealthChecker struct {
	mu     sync.RWMutex
	probes []HealthProbe
}

// NewHealthChecker creates an empty checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// RegisterProbe adds a probe.
func (h *HealthChecker) RegisterProbe(probe HealthProbe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, probe)
}

// CheckAll runs every probe concurrently and reports the overall status:
// down if any required component is down, degraded if anything is not ready.
func (h *HealthChecker) CheckAll(ctx context.Context) (string, []ComponentHealth) {
	h.mu.RLock()
	probes := append([]HealthProbe(nil), h.probes...)
	h.mu.RUnlock()

	results := make([]ComponentHealth, len(probes))
	var wg sync.WaitGroup
	for i, probe := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = probe.Check(ctx)
		}()
	}
	wg.Wait()

	overall := HealthReady
	for _, r := range results {
		switch r.Status {
		case HealthDown:
			overall = HealthDown
		case HealthDegraded:
			if overall == HealthReady {
				overall = HealthDegraded
			}
		}
	}
	return overall, results
}
