package internal

import (
	"net/http"
	"time"

	"equipment-loan-api/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for HTTP requests and lifecycle events
type Metrics struct {
	reqTotal      *prometheus.CounterVec
	reqLatency    *prometheus.HistogramVec
	checkouts     *prometheus.CounterVec
	returns       *prometheus.CounterVec
	cancellations *prometheus.CounterVec
	notifications *prometheus.CounterVec
	registry      *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with a private Prometheus registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		reqTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		reqLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		checkouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkouts_total",
				Help: "Checkouts by resulting unit status, or rejected",
			},
			[]string{"status"},
		),
		returns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "returns_total",
				Help: "Returns by resulting unit status, or rejected",
			},
			[]string{"status"},
		),
		cancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cancellations_total",
				Help: "Applied cancellations by record kind",
			},
			[]string{"kind"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_total",
				Help: "Notification delivery outcomes",
			},
			[]string{"status"},
		),
		registry: registry,
	}

	registry.MustRegister(m.reqTotal, m.reqLatency, m.checkouts, m.returns, m.cancellations, m.notifications)
	return m
}

// Middleware returns a Chi middleware that collects metrics
func (m *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

			next.ServeHTTP(rw, r)

			// route pattern keeps label cardinality bounded
			path := r.URL.Path
			if chiCtx := chi.RouteContext(r.Context()); chiCtx != nil && chiCtx.RoutePattern() != "" {
				path = chiCtx.RoutePattern()
			}

			status := http.StatusText(rw.code)
			m.reqTotal.WithLabelValues(r.Method, path, status).Inc()
			m.reqLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler returns an http.Handler that serves Prometheus metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeCheckout(status models.UnitStatus, err error) {
	m.checkouts.WithLabelValues(outcome(status, err)).Inc()
}

func (m *Metrics) observeReturn(status models.UnitStatus, err error) {
	m.returns.WithLabelValues(outcome(status, err)).Inc()
}

func (m *Metrics) observeCancel(kind string) {
	m.cancellations.WithLabelValues(kind).Inc()
}

// ObserveNotification counts a delivery outcome. It matches the
// notify.Options OnResult hook.
func (m *Metrics) ObserveNotification(entry models.NotificationLog) {
	m.notifications.WithLabelValues(string(entry.Status)).Inc()
}

func outcome(status models.UnitStatus, err error) string {
	if err != nil {
		return "rejected"
	}
	return string(status)
}

// statusRecorder captures the HTTP status code for metrics and logging
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	return sr.ResponseWriter.Write(b)
}
