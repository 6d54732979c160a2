package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"taskrelay/internal/protocol"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// TransportMetrics exposes Prometheus collectors for the websocket channel.
// It satisfies channel.Observer.
type TransportMetrics struct {
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	broadcasts   *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	clients      prometheus.Gauge
	panics       *prometheus.CounterVec
}

// MustNewTransportMetrics registers the channel collectors with reg. An
// already-registered collector of the same shape is reused.
func MustNewTransportMetrics(reg prometheus.Registerer) *TransportMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &TransportMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrelay", Subsystem: "rpc", Name: "calls_total",
			Help: "RPC calls handled, by method and return code.",
		}, []string{"method", "ret"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskrelay", Subsystem: "rpc", Name: "call_duration_seconds",
			Help: "Time spent inside RPC handlers.", Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrelay", Subsystem: "broadcast", Name: "delivered_total",
			Help: "Broadcast frames queued to clients.",
		}, []string{"event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrelay", Subsystem: "broadcast", Name: "dropped_total",
			Help: "Broadcast frames dropped because a client queue was full.",
		}, []string{"event"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskrelay", Subsystem: "channel", Name: "clients_connected",
			Help: "Currently connected websocket clients.",
		}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrelay", Subsystem: "runtime", Name: "goroutine_panics_total",
			Help: "Recovered panics in background goroutines.",
		}, []string{"name"}),
	}

	m.calls = registerOrReuse(reg, m.calls)
	m.callDuration = registerOrReuse(reg, m.callDuration)
	m.broadcasts = registerOrReuse(reg, m.broadcasts)
	m.dropped = registerOrReuse(reg, m.dropped)
	m.clients = registerOrReuse(reg, m.clients)
	m.panics = registerOrReuse(reg, m.panics)
	return m
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

// ObserveCall records one RPC.
func (m *TransportMetrics) ObserveCall(method string, ret protocol.ReturnCode, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, ret.String()).Inc()
	m.callDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveBroadcast records fan-out results for one event.
func (m *TransportMetrics) ObserveBroadcast(event string, delivered, dropped int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.broadcasts.WithLabelValues(event).Add(float64(delivered))
	}
	if dropped > 0 {
		m.dropped.WithLabelValues(event).Add(float64(dropped))
	}
}

// ObserveClients sets the connected client gauge.
func (m *TransportMetrics) ObserveClients(active int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(active))
}

// IncPanic counts a recovered goroutine panic.
func (m *TransportMetrics) IncPanic(name string) {
	if m == nil {
		return
	}
	m.panics.WithLabelValues(name).Inc()
}

// MetricsCollector records domain metrics through the OpenTelemetry meter,
// exported in Prometheus format.
type MetricsCollector struct {
	taskTransitions  metric.Int64Counter
	workflowOutcomes metric.Int64Counter
	stepDuration     metric.Float64Histogram
	generationTime   metric.Float64Histogram
	fetchRequests    metric.Int64Counter
	fetchBytes       metric.Int64Counter
	chatStreams      metric.Int64UpDownCounter

	provider *sdkmetric.MeterProvider
}

// NewMetricsCollector builds the collector. When disabled every recorder is a no-op.
func NewMetricsCollector(config MetricsConfig, reg prometheus.Registerer) (*MetricsCollector, error) {
	var meter metric.Meter
	var provider *sdkmetric.MeterProvider
	if config.Enabled {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		provider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		meter = provider.Meter(instrumentationName)
	} else {
		meter = noop.NewMeterProvider().Meter(instrumentationName)
	}

	c := &MetricsCollector{provider: provider}
	var err error
	if c.taskTransitions, err = meter.Int64Counter("taskrelay.task.transitions",
		metric.WithDescription("Task status transitions"), metric.WithUnit("{transition}")); err != nil {
		return nil, fmt.Errorf("failed to create task transitions counter: %w", err)
	}
	if c.workflowOutcomes, err = meter.Int64Counter("taskrelay.workflow.outcomes",
		metric.WithDescription("Workflows reaching a terminal status"), metric.WithUnit("{workflow}")); err != nil {
		return nil, fmt.Errorf("failed to create workflow outcomes counter: %w", err)
	}
	if c.stepDuration, err = meter.Float64Histogram("taskrelay.workflow.step.duration",
		metric.WithDescription("Workflow step execution time"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create step duration histogram: %w", err)
	}
	if c.generationTime, err = meter.Float64Histogram("taskrelay.generation.duration",
		metric.WithDescription("Generation backend latency"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create generation histogram: %w", err)
	}
	if c.fetchRequests, err = meter.Int64Counter("taskrelay.fetch_relay.requests",
		metric.WithDescription("Relayed fetches by mode and outcome"), metric.WithUnit("{request}")); err != nil {
		return nil, fmt.Errorf("failed to create fetch counter: %w", err)
	}
	if c.fetchBytes, err = meter.Int64Counter("taskrelay.fetch_relay.bytes",
		metric.WithDescription("Bytes streamed through the fetch relay"), metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("failed to create fetch bytes counter: %w", err)
	}
	if c.chatStreams, err = meter.Int64UpDownCounter("taskrelay.chat.active",
		metric.WithDescription("Active chat streams"), metric.WithUnit("{stream}")); err != nil {
		return nil, fmt.Errorf("failed to create chat gauge: %w", err)
	}
	return c, nil
}

// Shutdown flushes the meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordTaskTransition counts a task entering status.
func (m *MetricsCollector) RecordTaskTransition(ctx context.Context, taskType, status string) {
	if m == nil || m.taskTransitions == nil {
		return
	}
	m.taskTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", taskType),
		attribute.String("status", status),
	))
}

// RecordWorkflowOutcome counts a workflow reaching a terminal status.
func (m *MetricsCollector) RecordWorkflowOutcome(ctx context.Context, scenario, status string) {
	if m == nil || m.workflowOutcomes == nil {
		return
	}
	m.workflowOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scenario", scenario),
		attribute.String("status", status),
	))
}

// RecordStep records one workflow step execution.
func (m *MetricsCollector) RecordStep(ctx context.Context, tool, status string, duration time.Duration) {
	if m == nil || m.stepDuration == nil {
		return
	}
	m.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}

// RecordGeneration records backend latency.
func (m *MetricsCollector) RecordGeneration(ctx context.Context, backend, status string, duration time.Duration) {
	if m == nil || m.generationTime == nil {
		return
	}
	m.generationTime.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("status", status),
	))
}

// RecordFetch counts a relayed fetch and its byte volume.
func (m *MetricsCollector) RecordFetch(ctx context.Context, mode, outcome string, bytes int64) {
	if m == nil || m.fetchRequests == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode), attribute.String("outcome", outcome))
	m.fetchRequests.Add(ctx, 1, attrs)
	if bytes > 0 {
		m.fetchBytes.Add(ctx, bytes, attrs)
	}
}

// ChatStarted and ChatFinished track concurrent chat streams.
func (m *MetricsCollector) ChatStarted(ctx context.Context) {
	if m == nil || m.chatStreams == nil {
		return
	}
	m.chatStreams.Add(ctx, 1)
}

func (m *MetricsCollector) ChatFinished(ctx context.Context) {
	if m == nil || m.chatStreams == nil {
		return
	}
	m.chatStreams.Add(ctx, -1)
}

// Handler serves every collector registered with gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
