package models

import (
	"fmt"
	"math"
	"time"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusUsed     Status = "used"
	StatusExpired  Status = "expired"
	StatusDisabled Status = "disabled"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusUsed, StatusExpired, StatusDisabled:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown license status %q", s)
}

// Terminal reports whether verification can never succeed again for this status.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusDisabled
}

type Tier string

const (
	TierBasic        Tier = "basic"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierBasic, TierProfessional, TierEnterprise:
		return Tier(s), nil
	case "":
		return TierProfessional, nil
	}
	return "", fmt.Errorf("unknown license tier %q", s)
}

type License struct {
	ID                int64
	Code              string
	ValidityDays      int
	Tier              Tier
	Status            Status
	IsUsed            bool
	UsedByFingerprint string
	UsedAt            *time.Time
	BatchID           string
	BatchName         string
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// NewLicense builds an unused, active license whose expiry is derived from the
// validity period.
func NewLicense(code string, validityDays int, tier Tier, createdAt time.Time) License {
	createdAt = createdAt.UTC()
	return License{
		Code:         code,
		ValidityDays: validityDays,
		Tier:         tier,
		Status:       StatusActive,
		CreatedAt:    createdAt,
		ExpiresAt:    createdAt.AddDate(0, 0, validityDays),
	}
}

func (l *License) ExpiredAt(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Bound reports whether a device has claimed the license. Either flag is enough:
// rows where the two disagree are left for the consistency checker.
func (l *License) Bound() bool {
	return l.IsUsed || l.Status == StatusUsed
}

// Consistent reports whether status and the usage flag agree.
func (l *License) Consistent() bool {
	if l.Status.Terminal() {
		return true
	}
	return (l.Status == StatusUsed) == l.IsUsed
}

func RemainingDays(expiresAt, now time.Time) int {
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Hours() / 24))
}

// UsageRecord tracks how often a bound device has re-verified its code.
type UsageRecord struct {
	ID                int64
	LicenseCode       string
	ClientFingerprint string
	IPAddress         string
	UserAgent         string
	UsedAt            time.Time
	VerificationCount int
	LastVerification  time.Time
}

// VerificationLogEntry is an append-only audit row.
type VerificationLogEntry struct {
	ID                int64
	LicenseCode       string
	ClientFingerprint string
	IPAddress         string
	Success           bool
	ErrorMessage      string
	Signature         string
	CreatedAt         time.Time
}

// Claim carries the requester details recorded by a first-use binding.
type Claim struct {
	Fingerprint string
	IPAddress   string
	UserAgent   string
	At          time.Time
}

// Repair is a guarded status rewrite issued by the consistency checker. The
// update only applies while the row still holds OldStatus and OldIsUsed.
type Repair struct {
	Code       string
	OldStatus  Status
	OldIsUsed  bool
	NewStatus  Status
	NewIsUsed  bool
	ClearUsage bool
}

type StatusCount struct {
	Status    Status `json:"status"`
	Count     int    `json:"count"`
	UsedCount int    `json:"usedCount"`
}

type Stats struct {
	TotalLicenses       int           `json:"totalLicenses"`
	UsedLicenses        int           `json:"usedLicenses"`
	RecentVerifications int           `json:"recentVerifications"`
	StatusBreakdown     []StatusCount `json:"statusBreakdown"`
}

// LicenseFilter narrows admin listings. Zero values match everything.
type LicenseFilter struct {
	Status  Status
	BatchID string
	Limit   int
	Offset  int
}
