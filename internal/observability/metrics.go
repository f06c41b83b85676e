package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	ActiveConnections prometheus.Gauge
	WSConnections     prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	WSWriteErrors     prometheus.Counter
	ProviderErrors    *prometheus.CounterVec
	TurnOutcomes      *prometheus.CounterVec
	StageLatency      *prometheus.HistogramVec
	HistoryErrors     *prometheus.CounterVec

	stages *latencyWindow
}

// NewMetrics registers instruments on the default Prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers instruments on reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of voice sessions registered over HTTP.",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of connected turn controllers.",
		}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Number of open browser websockets.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session and controller events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "Failed websocket writes.",
		}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by pipeline stage and retryability.",
		}, []string{"stage", "retryable"}),
		TurnOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_outcomes_total",
			Help:      "Utterance pipeline outcomes.",
		}, []string{"outcome"}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Pipeline stage latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 700, 1000, 1500, 2500, 4000, 8000},
		}, []string{"stage"}),
		HistoryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_errors_total",
			Help:      "Best-effort history persistence failures by operation.",
		}, []string{"op"}),
		stages: newLatencyWindow(256),
	}
}

func (m *Metrics) IncSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveInboundMessage(msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("inbound", msgType).Inc()
}

func (m *Metrics) ObserveOutboundMessage(msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("outbound", msgType).Inc()
}

func (m *Metrics) IncWSWriteError() {
	if m == nil {
		return
	}
	m.WSWriteErrors.Inc()
}

func (m *Metrics) ObserveProviderError(stage string, retryable bool) {
	if m == nil {
		return
	}
	label := "false"
	if retryable {
		label = "true"
	}
	m.ProviderErrors.WithLabelValues(stage, label).Inc()
}

func (m *Metrics) ObserveTurnOutcome(outcome string) {
	if m == nil {
		return
	}
	m.TurnOutcomes.WithLabelValues(outcome).Inc()
	m.stages.ObserveIndicator("outcome_" + outcome)
}

func (m *Metrics) IncHistoryError(op string) {
	if m == nil {
		return
	}
	m.HistoryErrors.WithLabelValues(op).Inc()
}

// ObserveStage records d into both the histogram and the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) AddActiveConnections(delta float64) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(delta)
}

func (m *Metrics) AddWSConnections(delta float64) {
	if m == nil {
		return
	}
	m.WSConnections.Add(delta)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return newLatencyWindow(1).Snapshot()
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
