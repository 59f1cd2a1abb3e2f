package models

import "time"

const (
	HeaderSignature = "signature"
	HeaderTimestamp = "timestamp"
)

type ClientInfo struct {
	Platform string `json:"platform,omitempty"`
	Arch     string `json:"arch,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Version  string `json:"version,omitempty"`
}

type VerifyRequest struct {
	LicenseCode       string      `json:"licenseCode" validate:"required"`
	ClientFingerprint string      `json:"clientFingerprint" validate:"required,max=256"`
	ClientInfo        *ClientInfo `json:"clientInfo,omitempty"`
}

type LicenseData struct {
	LicenseCode   string     `json:"licenseCode"`
	ValidityDays  int        `json:"validityDays"`
	RemainingDays int        `json:"remainingDays"`
	Tier          Tier       `json:"tier,omitempty"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	IsUsed        bool       `json:"isUsed"`
	UsedAt        *time.Time `json:"usedAt"`
}

func NewLicenseData(l *License, now time.Time) *LicenseData {
	return &LicenseData{
		LicenseCode:   l.Code,
		ValidityDays:  l.ValidityDays,
		RemainingDays: RemainingDays(l.ExpiresAt, now),
		Tier:          l.Tier,
		ExpiresAt:     l.ExpiresAt,
		IsUsed:        l.IsUsed,
		UsedAt:        l.UsedAt,
	}
}

type VerifyResponse struct {
	Success           bool         `json:"success"`
	Message           string       `json:"message,omitempty"`
	Data              *LicenseData `json:"data,omitempty"`
	Error             string       `json:"error,omitempty"`
	Code              ErrorKind    `json:"code,omitempty"`
	RetryAfterSeconds int          `json:"retryAfterSeconds,omitempty"`
}

// Status values reported by the status-check endpoint in addition to the
// stored license statuses.
const (
	ReportNotFound    = "not_found"
	ReportUsedByOther = "used_by_other"
)

type StatusReport struct {
	IsValid bool         `json:"isValid"`
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Data    *LicenseData `json:"data,omitempty"`
}

type StatusResponse struct {
	Success bool          `json:"success"`
	Status  *StatusReport `json:"status,omitempty"`
	Error   string        `json:"error,omitempty"`
	Code    ErrorKind     `json:"code,omitempty"`
}

type HealthResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}
