package metrics

import (
	"net/http"
	"time"

	"github.com/amoylab/rendez/internal/common/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus instruments for the broker and the registry.
// All record methods are nil-safe so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	handoffsTotal  *prometheus.CounterVec
	handoffWaiting prometheus.Gauge
	handoffDur     prometheus.Histogram
	sessionsGauge  prometheus.Gauge
	probesTotal    *prometheus.CounterVec
	sweptTotal     prometheus.Counter
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	handoffsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "handoffs_total"}, []string{"outcome"})
	handoffWaiting := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "handoffs_waiting"})
	handoffDur := prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: ns, Name: "handoff_duration_seconds", Buckets: buckets})
	r.MustRegister(handoffsTotal, handoffWaiting, handoffDur)

	sessionsGauge := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "registered_sessions"})
	probesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "liveness_probes_total"}, []string{"result"})
	sweptTotal := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "swept_sessions_total"})
	r.MustRegister(sessionsGauge, probesTotal, sweptTotal)

	return &Metrics{
		registry:       r,
		handoffsTotal:  handoffsTotal,
		handoffWaiting: handoffWaiting,
		handoffDur:     handoffDur,
		sessionsGauge:  sessionsGauge,
		probesTotal:    probesTotal,
		sweptTotal:     sweptTotal,
	}
}

// HandoffStarted records a new waiting handoff request.
func (m *Metrics) HandoffStarted() {
	if m == nil {
		return
	}
	m.handoffWaiting.Inc()
}

// HandoffDone records a handoff leaving the waiting state with the given
// outcome ("matched", "timeout", "error", "canceled", "closed").
func (m *Metrics) HandoffDone(outcome string, since time.Time) {
	if m == nil {
		return
	}
	m.handoffWaiting.Dec()
	m.handoffsTotal.WithLabelValues(outcome).Inc()
	m.handoffDur.Observe(time.Since(since).Seconds())
}

// SetSessions records the current number of registered sessions.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsGauge.Set(float64(n))
}

// ProbeDone records the result of a liveness probe ("live" or "dead").
func (m *Metrics) ProbeDone(result string) {
	if m == nil {
		return
	}
	m.probesTotal.WithLabelValues(result).Inc()
}

// Swept records entries removed by the age-based sweep.
func (m *Metrics) Swept(n int) {
	if m == nil || n == 0 {
		return
	}
	m.sweptTotal.Add(float64(n))
}

// HTTPHandler returns the handler serving the /metrics endpoint.
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
