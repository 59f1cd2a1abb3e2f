package client

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate.app/cloud/internal/testutil"
	"licensegate.app/cloud/models"
)

func TestFileCache_RoundTripAndClear(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewFileCache(dir, testutil.APISecret, "device-1")
	require.NoError(t, err)

	got, err := cache.Load()
	require.NoError(t, err)
	assert.Nil(t, got, "nothing cached yet")

	want := Result{
		Valid:      true,
		Message:    "license verified successfully",
		Data:       &models.LicenseData{LicenseCode: testutil.Code, RemainingDays: 7},
		VerifiedAt: testutil.Epoch,
	}
	require.NoError(t, cache.Save(want))

	raw, err := os.ReadFile(cache.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), testutil.Code, "stored encrypted")

	got, err = cache.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Valid)
	assert.Equal(t, 7, got.Data.RemainingDays)
	assert.True(t, testutil.Epoch.Equal(got.VerifiedAt))

	require.NoError(t, cache.Clear())
	_, err = os.Stat(cache.Path())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Dir(cache.Path()))
	assert.True(t, os.IsNotExist(err), "empty cache dir removed")

	require.NoError(t, cache.Clear(), "clearing twice is fine")
}

func TestFileCache_OtherKeyCannotRead(t *testing.T) {
	dir := t.TempDir()
	mine, err := NewFileCache(dir, testutil.APISecret, "device-1")
	require.NoError(t, err)
	require.NoError(t, mine.Save(Result{Valid: true, VerifiedAt: time.Now()}))

	other, err := NewFileCache(dir, testutil.APISecret, "device-2")
	require.NoError(t, err)
	_, err = other.Load()
	assert.ErrorIs(t, err, ErrCacheCorrupt)

	require.NoError(t, os.WriteFile(mine.Path(), []byte("short"), 0o600))
	_, err = mine.Load()
	assert.ErrorIs(t, err, ErrCacheCorrupt)
}

func TestFileCache_RequiresSecret(t *testing.T) {
	_, err := NewFileCache(t.TempDir(), "", "device-1")
	assert.Error(t, err)
}

func TestVerifyOnline_ClearsFileCache(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewFileCache(dir, testutil.APISecret, "device-1")
	require.NoError(t, err)
	require.NoError(t, cache.Save(Result{Valid: true}))

	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusBadRequest, models.VerifyResponse{Error: models.MsgExpired, Code: models.KindExpired})
	}, nil)
	c, _, _ := newTestClient(srv.URL)
	c.WithCache(cache)

	res := c.VerifyOnline(context.Background(), testutil.Code)
	assert.Equal(t, models.KindExpired, res.Kind)

	got, err := cache.Load()
	require.NoError(t, err)
	assert.Nil(t, got, "stale result is never kept")
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("/data/a")
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint("/data/a"))
	assert.NotEqual(t, a, Fingerprint("/data/b"))
	assert.NotEmpty(t, Fingerprint(""))
}
