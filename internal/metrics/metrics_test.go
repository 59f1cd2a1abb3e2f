package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_Exposition(t *testing.T) {
	m := New()

	m.Verification("verify", "")
	m.Verification("verify", "")
	m.Verification("verify", "EXPIRED")
	m.RateLimited("failures")
	m.Repair("used-without-flag")
	m.CheckerRun(nil)
	m.CheckerRun(errors.New("boom"))
	m.AuditLogFailure()
	m.ObserveRequest("/api/health", 200, 15*time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `licensegate_verifications_total{endpoint="verify",outcome="success"} 2`)
	assert.Contains(t, body, `licensegate_verifications_total{endpoint="verify",outcome="EXPIRED"} 1`)
	assert.Contains(t, body, `licensegate_rate_limited_total{limiter="failures"} 1`)
	assert.Contains(t, body, `licensegate_consistency_repairs_total{rule="used-without-flag"} 1`)
	assert.Contains(t, body, `licensegate_consistency_runs_total{result="ok"} 1`)
	assert.Contains(t, body, `licensegate_consistency_runs_total{result="error"} 1`)
	assert.Contains(t, body, `licensegate_audit_log_failures_total 1`)
	assert.Contains(t, body, `licensegate_http_request_duration_seconds_count{code="200",route="/api/health"} 1`)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Verification("verify", "")
		m.RateLimited("general")
		m.Repair("flag-without-used")
		m.CheckerRun(nil)
		m.AuditLogFailure()
		m.ObserveRequest("/", 200, time.Second)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.Repair("used-without-flag")

	assert.Contains(t, scrape(t, a), `rule="used-without-flag"`)
	assert.NotContains(t, scrape(t, b), `rule="used-without-flag"`)
}
