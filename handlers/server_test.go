package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate.app/cloud/internal/auth"
	"licensegate.app/cloud/internal/licensecode"
	"licensegate.app/cloud/internal/metrics"
	"licensegate.app/cloud/internal/ratelimit"
	"licensegate.app/cloud/internal/testutil"
	"licensegate.app/cloud/models"
	"licensegate.app/cloud/storage"
)

type testEnv struct {
	server  *Server
	store   *storage.MemoryStorage
	clock   *testutil.Clock
	metrics *metrics.Metrics
	auth    *auth.Authenticator
}

func newTestEnv(t *testing.T, customize func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   testutil.TestStorage(),
		clock:   testutil.NewClock(testutil.Epoch),
		metrics: metrics.New(),
	}
	env.auth = auth.New(testutil.AdminSecret).WithClock(env.clock.Now)

	opts := Options{
		APISecret: testutil.APISecret,
		Version:   "1.2.3",
		Failures: ratelimit.NewFailureLimiter(ratelimit.NewMemoryStore(), 5, time.Minute).
			WithClock(env.clock.Now),
		Generator: licensecode.NewGenerator(testutil.LicenseSecret).WithClock(env.clock.Now),
		Auth:      env.auth,
		Metrics:   env.metrics,
		Now:       env.clock.Now,
	}
	if customize != nil {
		customize(&opts)
	}
	env.server = NewHttpServer(env.store, opts)
	return env
}

func (e *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	return testutil.Serve(e.server.Mux, req)
}

func TestNewHttpServer(t *testing.T) {
	store := testutil.TestStorage()
	server := NewHttpServer(store, Options{APISecret: testutil.APISecret})

	require.NotNil(t, server)
	assert.NotNil(t, server.Mux)
	assert.Equal(t, store, server.Storage)
	assert.NotNil(t, server.verifier)
	assert.NotNil(t, server.failures)
	assert.NotNil(t, server.checker)
}

func TestServer_HealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.serve(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var resp models.HealthResponse
	testutil.DecodeJSON(t, w, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.True(t, testutil.Epoch.Equal(resp.Timestamp))
	assert.NotEmpty(t, resp.Message)
}

func TestServer_UnknownRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.serve(httptest.NewRequest(http.MethodGet, "/api/v1/licenses/validate", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.serve(httptest.NewRequest(http.MethodGet, "/api/verify-license", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_GeneralRateLimit(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.GeneralLimit = ratelimit.New(3, time.Hour)
	})

	for i := 0; i < 3; i++ {
		w := env.serve(httptest.NewRequest(http.MethodGet, "/api/health", nil))
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := env.serve(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	testutil.AssertErrorResponse(t, w, http.StatusTooManyRequests, models.KindRateLimited)

	// Another address still gets through.
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	assert.Equal(t, http.StatusOK, env.serve(req).Code)
}

func TestServer_RealIPKeysLimiter(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.GeneralLimit = ratelimit.New(1, time.Hour)
	})

	for _, ip := range []string{"198.51.100.1", "198.51.100.2"} {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("X-Forwarded-For", ip)
		assert.Equal(t, http.StatusOK, env.serve(req).Code, ip)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.CORSOrigins = []string{"https://app.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/verify-license", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "signature,timestamp,content-type")

	w := env.serve(req)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, strings.ToLower(w.Header().Get("Access-Control-Allow-Headers")), "signature")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.serve(httptest.NewRequest(http.MethodGet, "/api/health", nil))

	w := env.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `licensegate_http_request_duration_seconds_count{code="200",route="/api/health"} 1`)
}

func TestServer_AdminDisabledWithoutAuth(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Auth = nil })
	w := env.serve(httptest.NewRequest(http.MethodGet, "/api/admin/licenses/stats", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
