package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(reg, reg), reg
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestMetrics_LoginOutcome(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.LoginOutcome("rejected", "invalid_credentials")
	m.LoginOutcome("rejected", "invalid_credentials")
	m.LoginOutcome("authorized", "")
	m.Lockout()

	body := scrape(t, m)
	assert.Contains(t, body, `sentinel_login_outcomes_total{outcome="rejected",reason="invalid_credentials"} 2`)
	assert.Contains(t, body, `sentinel_login_outcomes_total{outcome="authorized",reason=""} 1`)
	assert.Contains(t, body, "sentinel_account_lockouts_total 1")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.LoginOutcome("authorized", "")
	m.StoreError("redis")
	m.Lockout()
	m.BackupCodeUsed()
	m.Notification("sent")

	h := m.Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	require.NotNil(t, h)
}

func TestMetrics_InstrumentUsesRoutePattern(t *testing.T) {
	m, reg := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.Instrument)
	r.Get("/admin/accounts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/metrics", m.Handler().ServeHTTP)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/accounts/123", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)

	assert.Contains(t, scrape(t, m), `http_requests_total{method="GET",path="/admin/accounts/{id}",status="418"} 1`)

	RegisterGaugeFunc(reg, "sentinel_test_gauge", "test", func() float64 { return 7 })

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "sentinel_test_gauge 7")
	assert.Contains(t, w.Body.String(), "http_requests_total")
}
