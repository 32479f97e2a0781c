package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	operations    *prometheus.CounterVec
	sweepRuns     *prometheus.CounterVec
	sweepAffected *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	notifications *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tableside_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tableside_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tableside_session_transitions_total",
			Help: "Session status transitions by target status",
		}, []string{"to"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tableside_session_operations_total",
			Help: "Session operations by outcome",
		}, []string{"op", "result"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tableside_sweep_runs_total",
			Help: "Sweep executions by outcome",
		}, []string{"sweep", "result"}),
		sweepAffected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tableside_sweep_affected_total",
			Help: "Sessions changed or removed by sweeps",
		}, []string{"sweep"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tableside_sweep_duration_seconds",
			Help:    "Sweep execution time",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tableside_notifications_total",
			Help: "Notifications published by type and outcome",
		}, []string{"type", "result"}),
	}
	reg.MustRegister(
		m.httpRequests, m.httpDuration,
		m.transitions, m.operations,
		m.sweepRuns, m.sweepAffected, m.sweepDuration,
		m.notifications,
		collectors.NewGoCollector(),
	)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Transition counts a session entering status to.
func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// Operation counts one engine operation.
func (m *Metrics) Operation(op string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result(err)).Inc()
}

// Sweep records one sweep execution. skipped marks a run that lost the lock.
func (m *Metrics) Sweep(name string, affected int64, took time.Duration, skipped bool, err error) {
	if m == nil {
		return
	}
	res := result(err)
	if skipped {
		res = "skipped"
	}
	m.sweepRuns.WithLabelValues(name, res).Inc()
	if skipped {
		return
	}
	m.sweepAffected.WithLabelValues(name).Add(float64(affected))
	m.sweepDuration.WithLabelValues(name).Observe(took.Seconds())
}

// Notification counts one published notification.
func (m *Metrics) Notification(eventType string, err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(eventType, result(err)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "undefined"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}
