package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-api-secret"

func TestCanonicalize_SortsKeys(t *testing.T) {
	a, err := Canonicalize([]byte(`{"licenseCode":"ABCD-1234-EFGH-5678","clientFingerprint":"f1","clientInfo":{"version":"1.0","arch":"amd64"}}`))
	require.NoError(t, err)
	b, err := Canonicalize(map[string]any{
		"clientInfo":        map[string]string{"arch": "amd64", "version": "1.0"},
		"clientFingerprint": "f1",
		"licenseCode":       "ABCD-1234-EFGH-5678",
	})
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"clientFingerprint":"f1","clientInfo":{"arch":"amd64","version":"1.0"},"licenseCode":"ABCD-1234-EFGH-5678"}`, string(a))
}

func TestCanonicalize_PreservesNumbersAndHTML(t *testing.T) {
	out, err := Canonicalize([]byte(`{"b":12345678901234567890,"a":"<x&y>"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<x&y>","b":12345678901234567890}`, string(out))
}

func TestSign_MatchesHMACOverCanonicalString(t *testing.T) {
	payload := map[string]string{"z": "1", "a": "2"}
	sig, err := Sign(payload, secret, "1700000000000")
	require.NoError(t, err)

	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(`{"a":"2","z":"1"}|1700000000000`))
	assert.Equal(t, hex.EncodeToString(h.Sum(nil)), sig)
}

func TestVerify_RoundTrip(t *testing.T) {
	now := time.Now()
	ts := Timestamp(now)
	payload := []byte(`{"licenseCode":"ABCD-1234-EFGH-5678","clientFingerprint":"F1"}`)

	sig, err := Sign(payload, secret, ts)
	require.NoError(t, err)

	assert.True(t, Verify(payload, sig, ts, secret, now))
	assert.True(t, Verify(payload, sig, ts, secret, now.Add(4*time.Minute)))
}

func TestVerify_TamperDetection(t *testing.T) {
	now := time.Now()
	ts := Timestamp(now)
	payload := []byte(`{"licenseCode":"ABCD-1234-EFGH-5678","clientFingerprint":"F1"}`)
	sig, err := Sign(payload, secret, ts)
	require.NoError(t, err)

	t.Run("every payload byte", func(t *testing.T) {
		for i := range payload {
			mutated := append([]byte(nil), payload...)
			mutated[i] ^= 0x01
			assert.False(t, Verify(mutated, sig, ts, secret, now), "byte %d", i)
		}
	})

	t.Run("timestamp", func(t *testing.T) {
		other := Timestamp(now.Add(time.Millisecond))
		assert.ErrorIs(t, Check(payload, sig, other, secret, now), ErrMismatch)
	})

	t.Run("signature", func(t *testing.T) {
		bad := []byte(sig)
		if bad[0] == 'a' {
			bad[0] = 'b'
		} else {
			bad[0] = 'a'
		}
		assert.ErrorIs(t, Check(payload, string(bad), ts, secret, now), ErrMismatch)
	})

	t.Run("secret", func(t *testing.T) {
		assert.ErrorIs(t, Check(payload, sig, ts, "other-secret", now), ErrMismatch)
	})
}

func TestCheck_ReplayWindow(t *testing.T) {
	now := time.Now()
	payload := map[string]string{"licenseCode": "ABCD-1234-EFGH-5678"}

	for _, offset := range []time.Duration{-6 * time.Minute, 6 * time.Minute} {
		ts := Timestamp(now.Add(offset))
		sig, err := Sign(payload, secret, ts)
		require.NoError(t, err)
		assert.ErrorIs(t, Check(payload, sig, ts, secret, now), ErrSkew)
	}
}

func TestCheck_MalformedInput(t *testing.T) {
	now := time.Now()
	payload := map[string]string{"a": "b"}

	assert.ErrorIs(t, Check(payload, "", "", secret, now), ErrMissing)
	assert.ErrorIs(t, Check(payload, "abcd", "yesterday", secret, now), ErrTimestamp)
	assert.ErrorIs(t, Check(payload, "not-hex", Timestamp(now), secret, now), ErrMismatch)
}

func TestCheckWithin_CustomWindow(t *testing.T) {
	now := time.Now()
	payload := map[string]string{"licenseCode": "ABCD-1234-EFGH-5678"}
	ts := Timestamp(now.Add(-2 * time.Minute))
	sig, err := Sign(payload, secret, ts)
	require.NoError(t, err)

	assert.NoError(t, CheckWithin(payload, sig, ts, secret, now, 0))
	assert.ErrorIs(t, CheckWithin(payload, sig, ts, secret, now, time.Minute), ErrSkew)
}
