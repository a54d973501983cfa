package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the process-wide Prometheus collectors for all sessions.
// A nil *Metrics records nothing.
type Metrics struct {
	sessionsActive   prometheus.Gauge
	sessionsTotal    *prometheus.CounterVec
	frames           *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	fallbacks        *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	monitorsActive   prometheus.Gauge
	sessionDurations prometheus.Histogram
}

// NewMetrics registers the bridge collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "propertycall", Subsystem: "bridge",
			Name: "sessions_active", Help: "Sessions currently bridging a call.",
		}),
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propertycall", Subsystem: "bridge",
			Name: "sessions_total", Help: "Finished sessions by outcome.",
		}, []string{"outcome"}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propertycall", Subsystem: "bridge",
			Name: "frames_total", Help: "Audio frames forwarded by direction.",
		}, []string{"direction"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propertycall", Subsystem: "bridge",
			Name: "frames_dropped_total", Help: "Audio frames dropped by direction.",
		}, []string{"direction"}),
		fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propertycall", Subsystem: "bridge",
			Name: "conversion_fallbacks_total", Help: "Frames passed through after a failed conversion.",
		}, []string{"direction"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propertycall", Subsystem: "bridge",
			Name: "reconnect_attempts_total", Help: "Reconnect attempts by leg.",
		}, []string{"leg"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propertycall", Subsystem: "bridge",
			Name: "state_transitions_total", Help: "State transitions by destination state.",
		}, []string{"state"}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propertycall", Subsystem: "bridge",
			Name: "tool_calls_total", Help: "Agent function calls by name and result.",
		}, []string{"name", "result"}),
		monitorsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "propertycall", Subsystem: "bridge",
			Name: "monitors_active", Help: "Attached monitor listeners.",
		}),
		sessionDurations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "propertycall", Subsystem: "bridge",
			Name: "session_duration_seconds", Help: "Length of finished sessions.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
	}
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionEnded(outcome string, stats Stats) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsTotal.WithLabelValues(outcome).Inc()
	m.sessionDurations.Observe(stats.Duration().Seconds())
}

func (m *Metrics) frame(dir string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(dir).Inc()
}

func (m *Metrics) drop(dir string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(dir).Inc()
}

func (m *Metrics) fallback(dir string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(dir).Inc()
}

func (m *Metrics) reconnect(leg Leg) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(leg.String()).Inc()
}

func (m *Metrics) transition(to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) toolCall(name string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.toolCalls.WithLabelValues(name, result).Inc()
}

func (m *Metrics) monitors(delta int) {
	if m == nil {
		return
	}
	m.monitorsActive.Add(float64(delta))
}
