package report

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the governor's Prometheus collectors on a private registry.
// Every method is safe on a nil receiver so components can run unmetered.
type Metrics struct {
	registry *prometheus.Registry

	sessions    *prometheus.CounterVec
	admissions  *prometheus.CounterVec
	escalations *prometheus.CounterVec
	trips       prometheus.Counter
	kills       *prometheus.CounterVec
	violations  *prometheus.CounterVec
	requests    *prometheus.CounterVec
	duration    prometheus.Histogram

	treeRSS      prometheus.Gauge
	ceiling      prometheus.Gauge
	memoryRatio  prometheus.Gauge
	swapRatio    prometheus.Gauge
	sessionsLive prometheus.Gauge
}

// NewMetrics creates and registers every collector
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fortress_sessions_total",
			Help: "Governance sessions by outcome",
		}, []string{"outcome"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fortress_admissions_total",
			Help: "Pre-flight verdicts by classification",
		}, []string{"classification"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fortress_guardian_escalations_total",
			Help: "Guardian escalation phases entered",
		}, []string{"phase"}),
		trips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fortress_breaker_trips_total",
			Help: "System circuit breaker trips",
		}),
		kills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fortress_processes_signaled_total",
			Help: "Signals sent to processes by monitor and signal",
		}, []string{"monitor", "signal"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fortress_threshold_violations_total",
			Help: "Threshold crossings seen by monitors",
		}, []string{"monitor", "reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fortress_status_requests_total",
			Help: "Status API requests by route and status code",
		}, []string{"route", "code"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fortress_session_duration_seconds",
			Help:    "Wall time of governance sessions",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		treeRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fortress_workload_rss_bytes",
			Help: "Resident memory of the protected process tree",
		}),
		ceiling: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fortress_memory_ceiling_bytes",
			Help: "Guardian memory ceiling of the current session",
		}),
		memoryRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fortress_system_memory_used_ratio",
			Help: "System memory used ratio last sampled by the breaker",
		}),
		swapRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fortress_system_swap_used_ratio",
			Help: "System swap used ratio last sampled by the breaker",
		}),
		sessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fortress_sessions_active",
			Help: "Sessions currently governed",
		}),
	}

	m.registry.MustRegister(
		m.sessions, m.admissions, m.escalations, m.trips, m.kills,
		m.violations, m.requests, m.duration,
		m.treeRSS, m.ceiling, m.memoryRatio, m.swapRatio, m.sessionsLive,
	)
	return m
}

// Registry exposes the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordResult updates counters from a finished session
func (m *Metrics) RecordResult(r *Result) {
	if m == nil || r == nil {
		return
	}
	m.sessions.WithLabelValues(string(r.Outcome)).Inc()
	if r.Duration > 0 {
		m.duration.Observe(r.Duration.Seconds())
	}
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.sessionsLive.Inc()
	}
}

func (m *Metrics) SessionEnded() {
	if m != nil {
		m.sessionsLive.Dec()
	}
}

func (m *Metrics) Admission(classification string) {
	if m != nil {
		m.admissions.WithLabelValues(classification).Inc()
	}
}

func (m *Metrics) Escalation(phase string) {
	if m != nil {
		m.escalations.WithLabelValues(phase).Inc()
	}
}

func (m *Metrics) BreakerTrip() {
	if m != nil {
		m.trips.Inc()
	}
}

func (m *Metrics) Signaled(monitor, signal string) {
	if m != nil {
		m.kills.WithLabelValues(monitor, signal).Inc()
	}
}

func (m *Metrics) Violation(monitor, reason string) {
	if m != nil {
		m.violations.WithLabelValues(monitor, reason).Inc()
	}
}

func (m *Metrics) Request(route, code string) {
	if m != nil {
		m.requests.WithLabelValues(route, code).Inc()
	}
}

func (m *Metrics) TreeRSS(bytes uint64) {
	if m != nil {
		m.treeRSS.Set(float64(bytes))
	}
}

func (m *Metrics) Ceiling(bytes uint64) {
	if m != nil {
		m.ceiling.Set(float64(bytes))
	}
}

func (m *Metrics) Pressure(memory, swap float64) {
	if m != nil {
		m.memoryRatio.Set(memory)
		m.swapRatio.Set(swap)
	}
}
