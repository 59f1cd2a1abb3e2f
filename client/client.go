// Package client verifies license codes against the license server.
//
// Verification is online only. Transport failures are retried with a
// growing timeout, rate-limited answers with exponential backoff, and every
// other outcome is terminal and mapped to a message fit for end users.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"time"

	"licensegate.app/cloud/internal/licensecode"
	"licensegate.app/cloud/internal/logger"
	"licensegate.app/cloud/internal/signature"
	"licensegate.app/cloud/models"
)

const maxResponseBytes = 1 << 20

var ErrServerUnhealthy = errors.New("license server reported unhealthy")

// Result is the normalized outcome of a verification. Kind is empty when
// Valid is true.
type Result struct {
	Valid           bool                `json:"valid"`
	Kind            models.ErrorKind    `json:"kind,omitempty"`
	Message         string              `json:"message"`
	OriginalMessage string              `json:"originalMessage,omitempty"`
	Data            *models.LicenseData `json:"data,omitempty"`
	NetworkError    bool                `json:"networkError,omitempty"`
	RateLimited     bool                `json:"rateLimited,omitempty"`
	VerifiedAt      time.Time           `json:"verifiedAt"`
}

// Status is the outcome of a read-only status check.
type Status struct {
	Valid        bool
	Status       string
	Message      string
	Data         *models.LicenseData
	Kind         models.ErrorKind
	NetworkError bool
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Client struct {
	cfg         Config
	http        *http.Client
	fingerprint string
	info        models.ClientInfo
	cache       Cache
	sleep       SleepFunc
	now         func() time.Time
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	hostname, _ := os.Hostname()
	return &Client{
		cfg:         cfg,
		http:        &http.Client{},
		fingerprint: Fingerprint(cfg.DataDir),
		info: models.ClientInfo{
			Platform: runtime.GOOS,
			Arch:     runtime.GOARCH,
			Hostname: hostname,
			Version:  cfg.AppVersion,
		},
		sleep: sleepContext,
		now:   time.Now,
	}
}

func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

func (c *Client) WithFingerprint(fp string) *Client {
	c.fingerprint = fp
	return c
}

func (c *Client) WithCache(cache Cache) *Client {
	c.cache = cache
	return c
}

func (c *Client) WithSleep(sleep SleepFunc) *Client {
	c.sleep = sleep
	return c
}

func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

func (c *Client) Fingerprint() string {
	return c.fingerprint
}

// VerifyOnline verifies code and binds it to this device on first use.
func (c *Client) VerifyOnline(ctx context.Context, code string) Result {
	code = licensecode.Normalize(code)
	if !licensecode.ValidFormat(code) {
		return c.result(Result{
			Kind:            models.KindInvalidFormat,
			Message:         FriendlyMessage(models.MsgInvalidFormat),
			OriginalMessage: models.MsgInvalidFormat,
		})
	}

	if err := c.Health(ctx); err != nil {
		logger.Warn("License server unreachable", map[string]interface{}{
			"url":   c.cfg.URL,
			"error": err,
		})
		return c.networkFailure(err)
	}

	body := models.VerifyRequest{
		LicenseCode:       code,
		ClientFingerprint: c.fingerprint,
		ClientInfo:        &c.info,
	}
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.cfg.Backoff(attempt)); err != nil {
				return c.networkFailure(err)
			}
		}

		resp, err := c.send(ctx, http.MethodPost, "/api/verify-license", body)
		if err != nil {
			logger.Warn("License verification request failed", map[string]interface{}{
				"license_code": code,
				"error":        err,
			})
			return c.networkFailure(err)
		}

		var vr models.VerifyResponse
		if err := json.Unmarshal(resp.body, &vr); err != nil {
			return c.badResponse(resp, err)
		}

		if resp.status == http.StatusTooManyRequests {
			logger.Info("License verification rate limited", map[string]interface{}{
				"attempt":      attempt,
				"max_attempts": c.cfg.MaxRetries,
			})
			if attempt < c.cfg.MaxRetries {
				continue
			}
			original := vr.Error
			if original == "" {
				original = models.MsgRateLimited
			}
			return c.result(Result{
				Kind:            models.KindRateLimited,
				RateLimited:     true,
				Message:         fmt.Sprintf("%s Retried %d times, please try again later.", msgRateLimited, c.cfg.MaxRetries),
				OriginalMessage: original,
			})
		}

		return c.interpret(code, resp.status, vr)
	}
}

func (c *Client) interpret(code string, status int, vr models.VerifyResponse) Result {
	c.clearCache()

	if status == http.StatusOK && vr.Success {
		logger.Info("License verified", map[string]interface{}{
			"license_code": code,
		})
		return c.result(Result{Valid: true, Message: vr.Message, Data: vr.Data})
	}

	kind := vr.Code
	if kind == "" {
		kind = models.KindServerInternal
	}
	logger.Info("License rejected", map[string]interface{}{
		"license_code": code,
		"status":       status,
		"kind":         kind,
		"error":        vr.Error,
	})
	return c.result(Result{
		Kind:            kind,
		Message:         FriendlyMessage(vr.Error),
		OriginalMessage: vr.Error,
	})
}

// CheckStatus reads the state of code without binding it.
func (c *Client) CheckStatus(ctx context.Context, code string) Status {
	code = licensecode.Normalize(code)
	resp, err := c.send(ctx, http.MethodPost, "/api/check-license-status", models.VerifyRequest{
		LicenseCode:       code,
		ClientFingerprint: c.fingerprint,
	})
	if err != nil {
		return Status{Kind: models.KindNetworkError, Message: msgNetwork, NetworkError: true}
	}

	var sr models.StatusResponse
	if err := json.Unmarshal(resp.body, &sr); err != nil {
		return Status{Kind: models.KindServerInternal, Message: msgBadResponse}
	}
	if resp.status != http.StatusOK || !sr.Success || sr.Status == nil {
		return Status{Kind: sr.Code, Message: FriendlyMessage(sr.Error)}
	}
	return Status{
		Valid:   sr.Status.IsValid,
		Status:  sr.Status.Status,
		Message: sr.Status.Message,
		Data:    sr.Status.Data,
	}
}

// Health probes the server and fails unless it answers healthy.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, "/api/health", nil)
	if err != nil {
		return err
	}
	var hr models.HealthResponse
	if err := json.Unmarshal(resp.body, &hr); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if resp.status != http.StatusOK || !hr.Success {
		return fmt.Errorf("%w: status %d", ErrServerUnhealthy, resp.status)
	}
	return nil
}

type response struct {
	status int
	body   []byte
}

// send performs one logical request, retrying transport failures with a
// timeout that grows on every retry.
func (c *Client) send(ctx context.Context, method, path string, payload interface{}) (*response, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	for retry := 0; ; retry++ {
		resp, err := c.once(ctx, method, path, body, c.cfg.AttemptTimeout(retry))
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || retry >= c.cfg.TransportRetries {
			return nil, err
		}
		logger.Debug("Retrying license server request", map[string]interface{}{
			"path":  path,
			"retry": retry + 1,
			"error": err,
		})
		if err := c.sleep(ctx, time.Duration(retry+1)*c.cfg.RetryWait); err != nil {
			return nil, err
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, timeout time.Duration) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("licensegate-client/%s (%s; %s)", c.info.Version, c.info.Platform, c.info.Arch))
	if body != nil {
		ts := signature.Timestamp(c.now())
		sig, err := signature.Sign(body, c.cfg.APISecret, ts)
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(models.HeaderSignature, sig)
		req.Header.Set(models.HeaderTimestamp, ts)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &response{status: resp.StatusCode, body: raw}, nil
}

func (c *Client) result(r Result) Result {
	r.VerifiedAt = c.now()
	return r
}

func (c *Client) networkFailure(err error) Result {
	return c.result(Result{
		Kind:            models.KindNetworkError,
		NetworkError:    true,
		Message:         msgNetwork,
		OriginalMessage: err.Error(),
	})
}

func (c *Client) badResponse(resp *response, err error) Result {
	logger.Error("Undecodable license server response", map[string]interface{}{
		"status": resp.status,
		"error":  err,
	})
	return c.result(Result{
		Kind:            models.KindServerInternal,
		Message:         msgBadResponse,
		OriginalMessage: fmt.Sprintf("status %d: %v", resp.status, err),
	})
}

func (c *Client) clearCache() {
	if c.cache == nil {
		return
	}
	if err := c.cache.Clear(); err != nil {
		logger.Warn("Failed to clear license cache", map[string]interface{}{
			"error": err,
		})
	}
}
