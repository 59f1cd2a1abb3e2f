// Package signature signs and verifies verification requests.
//
// The signed string is the canonical JSON of the request body, a pipe, and the
// request timestamp in epoch milliseconds. Canonical JSON sorts object keys so
// that client and server produce identical bytes regardless of how each side
// built the payload.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MaxSkew is the replay window accepted between client and server clocks.
const MaxSkew = 5 * time.Minute

var (
	ErrMissing   = errors.New("signature or timestamp missing")
	ErrTimestamp = errors.New("malformed timestamp")
	ErrSkew      = errors.New("timestamp outside replay window")
	ErrMismatch  = errors.New("signature mismatch")
)

// Canonicalize renders payload as JSON with lexicographically sorted keys.
// Payload may be raw JSON bytes, a json.RawMessage or any marshalable value.
func Canonicalize(payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	// encoding/json writes map keys in sorted order at every depth.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func Sign(payload any, secret, timestamp string) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac(canonical, secret, timestamp)), nil
}

// Check verifies signature and replay window and reports why a request failed.
func Check(payload any, signature, timestamp, secret string, now time.Time) error {
	return CheckWithin(payload, signature, timestamp, secret, now, MaxSkew)
}

// CheckWithin is Check with a custom replay window. A non-positive maxSkew
// falls back to MaxSkew.
func CheckWithin(payload any, signature, timestamp, secret string, now time.Time, maxSkew time.Duration) error {
	if maxSkew <= 0 {
		maxSkew = MaxSkew
	}
	if signature == "" || timestamp == "" {
		return ErrMissing
	}
	millis, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrTimestamp
	}
	skew := now.Sub(time.UnixMilli(millis))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return ErrSkew
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrMismatch
	}
	canonical, err := Canonicalize(payload)
	if err != nil {
		return err
	}
	if !hmac.Equal(got, mac(canonical, secret, timestamp)) {
		return ErrMismatch
	}
	return nil
}

func Verify(payload any, signature, timestamp, secret string, now time.Time) bool {
	return Check(payload, signature, timestamp, secret, now) == nil
}

// Timestamp formats t the way requests carry it.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func mac(canonical []byte, secret, timestamp string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(canonical)
	h.Write([]byte("|"))
	h.Write([]byte(timestamp))
	return h.Sum(nil)
}
