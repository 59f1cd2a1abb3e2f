package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"licensegate.app/cloud/internal/logger"
	"licensegate.app/cloud/internal/metrics"
	"licensegate.app/cloud/models"
	"licensegate.app/cloud/storage"
)

// Audit messages recorded for successful requests.
const (
	AuditFirstUse    = "first verification"
	AuditReverified  = "repeat verification"
	AuditStatusCheck = "status check"
)

// ErrClaimContended is returned when the row kept changing under a verification.
var ErrClaimContended = errors.New("license changed concurrently")

// Request identifies the requester of a verification or status check.
type Request struct {
	Code        string
	Fingerprint string
	IPAddress   string
	UserAgent   string
	Signature   string
}

// Result describes a successful verification.
type Result struct {
	License  models.License
	Data     *models.LicenseData
	FirstUse bool
}

type action int

const (
	actNotFound action = iota
	actTerminal
	actExpire
	actClaim
	actReverify
	actUsedByOther
)

// evaluate decides what a verification of l by fingerprint at now must do.
// A bound license past expiry is expired too, so a device cannot keep
// re-verifying a code that ran out.
func evaluate(l *models.License, fingerprint string, now time.Time) action {
	switch {
	case l == nil:
		return actNotFound
	case l.Status.Terminal():
		return actTerminal
	case l.ExpiredAt(now):
		return actExpire
	case !l.Bound():
		return actClaim
	case l.UsedByFingerprint == fingerprint:
		return actReverify
	default:
		return actUsedByOther
	}
}

// Service runs the license state machine against a store.
type Service struct {
	store   storage.Storage
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(store storage.Storage, m *metrics.Metrics) *Service {
	return &Service{store: store, metrics: m, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Verify evaluates req and applies the resulting transition. Failures are
// *models.Error values; anything else is wrapped as SERVER_INTERNAL.
func (s *Service) Verify(ctx context.Context, req Request) (*Result, error) {
	res, err := s.verify(ctx, req)
	if err != nil {
		if models.KindOf(err) == models.KindServerInternal {
			logger.Error("Verification failed", map[string]interface{}{
				"license_code": req.Code,
				"error":        err,
			})
			err = models.Internal(err)
		}
		s.Audit(ctx, req, err, "")
		return nil, err
	}

	msg := AuditReverified
	if res.FirstUse {
		msg = AuditFirstUse
	}
	s.Audit(ctx, req, nil, msg)
	return res, nil
}

func (s *Service) verify(ctx context.Context, req Request) (*Result, error) {
	// The second pass only happens for the loser of a first-use race, which
	// then sees the winner's binding.
	for attempt := 0; attempt < 2; attempt++ {
		l, err := s.store.FindLicenseByCode(ctx, req.Code)
		if err != nil {
			return nil, err
		}
		now := s.now()

		switch evaluate(l, req.Fingerprint, now) {
		case actNotFound:
			return nil, models.ErrNotFound
		case actTerminal:
			return nil, models.StatusError(l.Status)
		case actExpire:
			if _, err := s.store.MarkExpired(ctx, l.Code); err != nil {
				return nil, err
			}
			logger.Info("License expired on read", map[string]interface{}{
				"license_code": l.Code,
				"expires_at":   l.ExpiresAt,
			})
			return nil, models.ErrExpired
		case actUsedByOther:
			return nil, models.ErrUsedByOther
		case actReverify:
			if err := s.store.TouchUsage(ctx, l.Code, s.claim(req, now)); err != nil {
				return nil, err
			}
			return &Result{License: *l, Data: models.NewLicenseData(l, now)}, nil
		case actClaim:
			won, err := s.store.ClaimLicense(ctx, l.Code, s.claim(req, now))
			if err != nil {
				return nil, err
			}
			if !won {
				logger.Debug("Lost first-use race, re-reading", map[string]interface{}{
					"license_code": l.Code,
				})
				continue
			}
			at := now.UTC()
			l.Status = models.StatusUsed
			l.IsUsed = true
			l.UsedAt = &at
			l.UsedByFingerprint = req.Fingerprint
			logger.Info("License bound to device", map[string]interface{}{
				"license_code": l.Code,
				"tier":         l.Tier,
			})
			return &Result{License: *l, Data: models.NewLicenseData(l, now), FirstUse: true}, nil
		}
	}
	return nil, fmt.Errorf("verify %s: %w", req.Code, ErrClaimContended)
}

func (s *Service) claim(req Request, now time.Time) models.Claim {
	return models.Claim{
		Fingerprint: req.Fingerprint,
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
		At:          now,
	}
}

// CheckStatus reports what a verification would conclude without mutating
// the license. Only the audit log is written.
func (s *Service) CheckStatus(ctx context.Context, req Request) (*models.StatusReport, error) {
	l, err := s.store.FindLicenseByCode(ctx, req.Code)
	if err != nil {
		logger.Error("Status check failed", map[string]interface{}{
			"license_code": req.Code,
			"error":        err,
		})
		err = models.Internal(err)
		s.Audit(ctx, req, err, "")
		return nil, err
	}
	now := s.now()

	report := &models.StatusReport{}
	switch evaluate(l, req.Fingerprint, now) {
	case actNotFound:
		report.Status = models.ReportNotFound
		report.Message = models.MsgNotFound
	case actTerminal:
		report.Status = string(l.Status)
		report.Message = models.StatusError(l.Status).Message
	case actExpire:
		report.Status = string(models.StatusExpired)
		report.Message = models.MsgExpired
	case actUsedByOther:
		report.Status = models.ReportUsedByOther
		report.Message = models.MsgUsedByOther
	case actClaim, actReverify:
		report.IsValid = true
		report.Status = string(l.Status)
		report.Message = "license is valid"
		report.Data = models.NewLicenseData(l, now)
	}

	var auditErr error
	if !report.IsValid {
		auditErr = errors.New(report.Message)
	}
	s.Audit(ctx, req, auditErr, AuditStatusCheck)
	return report, nil
}

// Audit appends a verification log entry. Write failures are logged and
// never surface to the caller.
func (s *Service) Audit(ctx context.Context, req Request, outcome error, message string) {
	entry := &models.VerificationLogEntry{
		LicenseCode:       req.Code,
		ClientFingerprint: req.Fingerprint,
		IPAddress:         req.IPAddress,
		Success:           outcome == nil,
		ErrorMessage:      message,
		Signature:         req.Signature,
		CreatedAt:         s.now().UTC(),
	}
	if outcome != nil {
		entry.ErrorMessage = models.PublicMessage(outcome)
		var e *models.Error
		if !errors.As(outcome, &e) {
			entry.ErrorMessage = outcome.Error()
		}
		if message != "" {
			entry.ErrorMessage = message + ": " + entry.ErrorMessage
		}
	}

	if err := s.store.AppendVerificationLog(ctx, entry); err != nil {
		s.metrics.AuditLogFailure()
		logger.Error("Failed to write verification log", map[string]interface{}{
			"license_code": req.Code,
			"error":        err,
		})
	}
}
