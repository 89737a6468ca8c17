package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the login and HTTP collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	loginOutcomes     *prometheus.CounterVec
	storeErrors       *prometheus.CounterVec
	lockouts          prometheus.Counter
	backupCodesUsed   prometheus.Counter
	notificationsSent *prometheus.CounterVec

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New registers the collectors on reg. The gatherer backs Handler.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: gatherer,
		loginOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_login_outcomes_total",
			Help: "Login decisions by outcome and rejection reason.",
		}, []string{"outcome", "reason"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_store_errors_total",
			Help: "Errors from backing stores on the login path.",
		}, []string{"store"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_account_lockouts_total",
			Help: "Accounts locked after repeated password failures.",
		}),
		backupCodesUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_backup_codes_used_total",
			Help: "Backup codes consumed during login.",
		}),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_notifications_total",
			Help: "Login notifications by delivery result.",
		}, []string{"result"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	reg.MustRegister(
		m.loginOutcomes, m.storeErrors, m.lockouts, m.backupCodesUsed, m.notificationsSent,
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
	)
	return m
}

// NewDefault registers on the process-wide registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func (m *Metrics) LoginOutcome(outcome, reason string) {
	if m == nil {
		return
	}
	m.loginOutcomes.WithLabelValues(outcome, reason).Inc()
}

func (m *Metrics) StoreError(store string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(store).Inc()
}

func (m *Metrics) Lockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

func (m *Metrics) BackupCodeUsed() {
	if m == nil {
		return
	}
	m.backupCodesUsed.Inc()
}

func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notificationsSent.WithLabelValues(result).Inc()
}

// RegisterGaugeFunc exposes a value read at scrape time, such as dropped
// audit events.
func RegisterGaugeFunc(reg prometheus.Registerer, name, help string, fn func() float64) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// Handler serves the registered collectors.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Instrument records request counts and latency labelled by the chi route
// pattern so path parameters do not explode label cardinality.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		labels := []string{r.Method, path, strconv.Itoa(status)}
		m.httpRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(labels...).Inc()
	})
}
