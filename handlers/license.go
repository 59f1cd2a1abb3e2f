package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"licensegate.app/cloud/internal/licensecode"
	"licensegate.app/cloud/internal/logger"
	"licensegate.app/cloud/internal/ratelimit"
	"licensegate.app/cloud/internal/signature"
	"licensegate.app/cloud/internal/verification"
	"licensegate.app/cloud/models"
)

const msgMissingParams = "licenseCode and clientFingerprint are required"

// signedRequest is a decoded verification body plus what is needed to
// authenticate it.
type signedRequest struct {
	body     []byte
	payload  models.VerifyRequest
	parseErr error
	req      verification.Request
}

func (s *Server) readSigned(w http.ResponseWriter, r *http.Request) *signedRequest {
	sr := &signedRequest{}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		sr.parseErr = err
	} else if err := json.Unmarshal(body, &sr.payload); err != nil {
		sr.parseErr = err
	}
	sr.body = body
	sr.req = verification.Request{
		Code:        licensecode.Normalize(sr.payload.LicenseCode),
		Fingerprint: sr.payload.ClientFingerprint,
		IPAddress:   clientIP(r),
		UserAgent:   r.UserAgent(),
		Signature:   r.Header.Get(models.HeaderSignature),
	}
	return sr
}

func (sr *signedRequest) key() string {
	return ratelimit.Key(sr.req.Fingerprint, sr.req.IPAddress)
}

// authenticate checks shape before signature so malformed codes never reach
// the business rules.
func (s *Server) authenticate(r *http.Request, sr *signedRequest) error {
	if sr.parseErr != nil {
		return &models.Error{Kind: models.KindInvalidFormat, Message: msgMissingParams, Err: sr.parseErr}
	}
	if err := s.validate.Struct(sr.payload); err != nil {
		return &models.Error{Kind: models.KindInvalidFormat, Message: msgMissingParams, Err: err}
	}
	if !licensecode.ValidFormat(sr.req.Code) {
		return models.ErrInvalidFormat
	}
	err := signature.CheckWithin(sr.body, sr.req.Signature, r.Header.Get(models.HeaderTimestamp),
		s.opts.APISecret, s.now(), s.opts.SignatureMaxSkew)
	if err != nil {
		return &models.Error{Kind: models.KindInvalidSignature, Message: models.MsgInvalidSignature, Err: err}
	}
	return nil
}

func (s *Server) VerifyLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sr := s.readSigned(w, r)
	if !s.opts.GeneralLimit.Allow(sr.req.IPAddress) {
		s.rejectLimited(w, r, sr, "verify", "general", models.RateLimited(0))
		return
	}

	// A slot is held for the whole evaluation so that concurrent attempts
	// cannot all pass the check before any of them fails.
	slot, err := s.failures.Reserve(ctx, sr.key())
	if err != nil {
		if models.KindOf(err) == models.KindRateLimited {
			s.rejectLimited(w, r, sr, "verify", "verify-failures", err)
			return
		}
		// An unreachable limiter store must not lock every client out.
		logger.Warn("Rate limit check failed, admitting request", map[string]interface{}{
			"error": err,
		})
	}

	var res *verification.Result
	err = s.authenticate(r, sr)
	if err != nil {
		s.verifier.Audit(ctx, sr.req, err, "")
	} else {
		res, err = s.verifier.Verify(ctx, sr.req)
	}
	if err != nil {
		s.metrics.Verification("verify", string(models.KindOf(err)))
		logger.Info("License verification rejected", map[string]interface{}{
			"license_code": sr.req.Code,
			"ip":           sr.req.IPAddress,
			"kind":         string(models.KindOf(err)),
		})
		writeError(w, r, err)
		return
	}

	if err := slot.Release(ctx); err != nil {
		logger.Warn("Failed to release rate limit slot", map[string]interface{}{
			"error": err,
		})
	}
	s.metrics.Verification("verify", "")
	message := "license verified successfully"
	if res.FirstUse {
		message = "license activated successfully"
	}
	writeJSON(w, r, http.StatusOK, models.VerifyResponse{
		Success: true,
		Message: message,
		Data:    res.Data,
	})
}

// rejectLimited audits and answers a request turned away by a limiter.
func (s *Server) rejectLimited(w http.ResponseWriter, r *http.Request, sr *signedRequest, endpoint, limiter string, err error) {
	audit := ""
	if endpoint == "status" {
		audit = verification.AuditStatusCheck
	}
	s.verifier.Audit(r.Context(), sr.req, err, audit)
	s.metrics.RateLimited(limiter)
	s.metrics.Verification(endpoint, string(models.KindRateLimited))
	writeError(w, r, err)
}

func (s *Server) CheckLicenseStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sr := s.readSigned(w, r)
	if !s.opts.GeneralLimit.Allow(sr.req.IPAddress) {
		s.rejectLimited(w, r, sr, "status", "general", models.RateLimited(0))
		return
	}

	if err := s.authenticate(r, sr); err != nil {
		s.verifier.Audit(ctx, sr.req, err, verification.AuditStatusCheck)
		s.metrics.Verification("status", string(models.KindOf(err)))
		writeError(w, r, err)
		return
	}

	report, err := s.verifier.CheckStatus(ctx, sr.req)
	if err != nil {
		s.metrics.Verification("status", string(models.KindOf(err)))
		writeError(w, r, err)
		return
	}
	outcome := ""
	if !report.IsValid {
		outcome = report.Status
	}
	s.metrics.Verification("status", outcome)
	writeJSON(w, r, http.StatusOK, models.StatusResponse{Success: true, Status: report})
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, models.HealthResponse{
		Success:   true,
		Message:   "license server is running",
		Timestamp: s.now().UTC(),
		Version:   s.opts.Version,
	})
}
