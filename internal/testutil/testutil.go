package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"licensegate.app/cloud/internal/signature"
	"licensegate.app/cloud/models"
	"licensegate.app/cloud/storage"
)

const (
	APISecret     = "test-api-secret"
	LicenseSecret = "test-license-secret"
	AdminSecret   = "test-admin-secret"

	// Code is a well-formed code used across handler and integration tests.
	Code = "ABCD-1234-EFGH-5678"
)

// Epoch is the fixed "now" most tests run at.
var Epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestStorage creates an empty memory storage.
func TestStorage() *storage.MemoryStorage {
	return storage.NewMemoryStorage()
}

// CreateTestLicense builds an active, unused license issued a day before
// Epoch and valid for validityDays.
func CreateTestLicense(code string, validityDays int) models.License {
	return models.NewLicense(code, validityDays, models.TierProfessional, Epoch.Add(-24*time.Hour))
}

// SeedLicense stores l, applying mutate first when given.
func SeedLicense(t *testing.T, store storage.Storage, l models.License, mutate func(*models.License)) models.License {
	t.Helper()
	if mutate != nil {
		mutate(&l)
	}
	require.NoError(t, store.SaveLicense(context.Background(), &l))
	return l
}

// Bind marks l as used by fingerprint at the given time.
func Bind(fingerprint string, at time.Time) func(*models.License) {
	return func(l *models.License) {
		at := at.UTC()
		l.Status = models.StatusUsed
		l.IsUsed = true
		l.UsedAt = &at
		l.UsedByFingerprint = fingerprint
	}
}

// SignedRequest builds a request whose body is signed the way the client
// signs it.
func SignedRequest(t *testing.T, method, path string, payload interface{}, secret string, at time.Time) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	ts := signature.Timestamp(at)
	sig, err := signature.Sign(body, secret, ts)
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(models.HeaderSignature, sig)
	req.Header.Set(models.HeaderTimestamp, ts)
	return req
}

// VerifyBody is the JSON body of a verification request.
func VerifyBody(code, fingerprint string) models.VerifyRequest {
	return models.VerifyRequest{
		LicenseCode:       code,
		ClientFingerprint: fingerprint,
		ClientInfo:        &models.ClientInfo{Platform: "linux", Arch: "amd64", Version: "1.0.0"},
	}
}

// Serve sends req through h and returns the recorded response.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// DecodeJSON decodes the recorded body into v.
func DecodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v), "body: %s", w.Body.String())
}

// AssertErrorResponse checks the status, error kind and message of a
// failure response.
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedCode models.ErrorKind) models.VerifyResponse {
	t.Helper()
	require.Equal(t, expectedStatus, w.Code, "body: %s", w.Body.String())

	var resp models.VerifyResponse
	DecodeJSON(t, w, &resp)
	require.False(t, resp.Success)
	require.Equal(t, expectedCode, resp.Code)
	require.NotEmpty(t, resp.Error)
	return resp
}
