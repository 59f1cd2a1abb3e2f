package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "licensegate"

// Metrics holds the collectors exported on /metrics. A nil *Metrics is valid
// and records nothing, so components can be built without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	verifications    *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	repairs          *prometheus.CounterVec
	checkerRuns      *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	auditLogFailures prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "License verification outcomes by endpoint and error kind.",
		}, []string{"endpoint", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limiter.",
		}, []string{"limiter"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_repairs_total",
			Help:      "License rows repaired by the consistency checker, by rule.",
		}, []string{"rule"}),
		checkerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_runs_total",
			Help:      "Consistency checker runs by result.",
		}, []string{"result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
		auditLogFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_log_failures_total",
			Help:      "Verification log entries that could not be written.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.verifications,
		m.rateLimited,
		m.repairs,
		m.checkerRuns,
		m.requestDuration,
		m.auditLogFailures,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Verification counts one verify or status-check outcome. An empty outcome
// means success.
func (m *Metrics) Verification(endpoint, outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "success"
	}
	m.verifications.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) RateLimited(limiter string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(limiter).Inc()
}

func (m *Metrics) Repair(rule string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(rule).Inc()
}

func (m *Metrics) CheckerRun(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.checkerRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) AuditLogFailure() {
	if m == nil {
		return
	}
	m.auditLogFailures.Inc()
}

func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(elapsed.Seconds())
}
