package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"licensegate.app/cloud/internal/auth"
	"licensegate.app/cloud/internal/licensecode"
	"licensegate.app/cloud/internal/logger"
	"licensegate.app/cloud/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxUploadSize   = 10000
)

type LicenseView struct {
	LicenseCode       string        `json:"licenseCode"`
	ValidityDays      int           `json:"validityDays"`
	Tier              models.Tier   `json:"tier"`
	Status            models.Status `json:"status"`
	IsUsed            bool          `json:"isUsed"`
	UsedByFingerprint string        `json:"usedByFingerprint,omitempty"`
	UsedAt            *time.Time    `json:"usedAt,omitempty"`
	BatchID           string        `json:"batchId,omitempty"`
	BatchName         string        `json:"batchName,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	ExpiresAt         time.Time     `json:"expiresAt"`
}

func licenseView(l models.License) LicenseView {
	return LicenseView{
		LicenseCode:       l.Code,
		ValidityDays:      l.ValidityDays,
		Tier:              l.Tier,
		Status:            l.Status,
		IsUsed:            l.IsUsed,
		UsedByFingerprint: l.UsedByFingerprint,
		UsedAt:            l.UsedAt,
		BatchID:           l.BatchID,
		BatchName:         l.BatchName,
		CreatedAt:         l.CreatedAt,
		ExpiresAt:         l.ExpiresAt,
	}
}

type UploadItem struct {
	LicenseCode  string      `json:"licenseCode" validate:"required"`
	ValidityDays int         `json:"validityDays" validate:"required,min=1,max=1295"`
	Tier         models.Tier `json:"tier"`
}

// CreateLicensesRequest either asks for Quantity generated codes or carries
// explicit Licenses to upload.
type CreateLicensesRequest struct {
	licensecode.BatchRequest
	Licenses []UploadItem `json:"licenses"`
}

type CreateLicensesResponse struct {
	Success  bool     `json:"success"`
	BatchID  string   `json:"batchId"`
	Created  int      `json:"created"`
	Skipped  int      `json:"skipped"`
	Licenses []string `json:"licenses"`
	Errors   []string `json:"errors,omitempty"`
}

func (s *Server) CreateLicenses(w http.ResponseWriter, r *http.Request) {
	var req CreateLicensesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, invalidRequest("invalid JSON body"))
		return
	}

	var (
		licenses []models.License
		errs     []string
		err      error
	)
	if len(req.Licenses) > 0 {
		licenses, errs = s.uploadLicenses(req)
	} else {
		licenses, err = s.generateLicenses(req.BatchRequest)
		if err != nil {
			writeError(w, r, invalidRequest(err.Error()))
			return
		}
	}

	created, err := s.Storage.SaveLicenses(r.Context(), licenses)
	if err != nil {
		writeError(w, r, models.Internal(fmt.Errorf("save licenses: %w", err)))
		return
	}

	resp := CreateLicensesResponse{
		Success:  true,
		Created:  created,
		Skipped:  len(licenses) - created,
		Licenses: make([]string, 0, len(licenses)),
		Errors:   errs,
	}
	for _, l := range licenses {
		resp.BatchID = l.BatchID
		resp.Licenses = append(resp.Licenses, l.Code)
	}
	logger.Info("Licenses created", map[string]interface{}{
		"admin":    auth.Subject(r.Context()),
		"batch_id": resp.BatchID,
		"created":  created,
		"skipped":  resp.Skipped,
		"rejected": len(errs),
	})
	writeJSON(w, r, http.StatusCreated, resp)
}

func (s *Server) generateLicenses(req licensecode.BatchRequest) ([]models.License, error) {
	if s.generator == nil {
		return nil, errors.New("license generation is not configured")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return s.generator.GenerateBatch(req)
}

// uploadLicenses turns explicit codes into licenses, collecting a message
// per rejected item instead of failing the whole upload.
func (s *Server) uploadLicenses(req CreateLicensesRequest) ([]models.License, []string) {
	if len(req.Licenses) > maxUploadSize {
		return nil, []string{fmt.Sprintf("at most %d licenses per upload", maxUploadSize)}
	}

	batchID := uuid.NewString()
	createdAt := s.now()
	var (
		out  []models.License
		errs []string
	)
	for i, item := range req.Licenses {
		code := licensecode.Normalize(item.LicenseCode)
		if err := s.validate.Struct(item); err != nil {
			errs = append(errs, fmt.Sprintf("item %d (%s): %v", i, code, err))
			continue
		}
		if !licensecode.ValidFormat(code) {
			errs = append(errs, fmt.Sprintf("item %d (%s): %s", i, code, models.MsgInvalidFormat))
			continue
		}
		tier, err := models.ParseTier(string(item.Tier))
		if err != nil {
			errs = append(errs, fmt.Sprintf("item %d (%s): %v", i, code, err))
			continue
		}
		l := models.NewLicense(code, item.ValidityDays, tier, createdAt)
		l.BatchID = batchID
		l.BatchName = req.Name
		out = append(out, l)
	}
	return out, errs
}

type ListLicensesResponse struct {
	Success  bool          `json:"success"`
	Total    int           `json:"total"`
	Limit    int           `json:"limit"`
	Offset   int           `json:"offset"`
	Licenses []LicenseView `json:"licenses"`
}

func (s *Server) ListLicenses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.LicenseFilter{
		BatchID: q.Get("batchId"),
		Limit:   defaultPageSize,
	}
	if raw := q.Get("status"); raw != "" {
		status, err := models.ParseStatus(raw)
		if err != nil {
			writeError(w, r, invalidRequest(err.Error()))
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), defaultPageSize); err != nil || filter.Limit < 1 {
		writeError(w, r, invalidRequest("limit must be a positive integer"))
		return
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil || filter.Offset < 0 {
		writeError(w, r, invalidRequest("offset must be a non-negative integer"))
		return
	}

	licenses, total, err := s.Storage.ListLicenses(r.Context(), filter)
	if err != nil {
		writeError(w, r, models.Internal(fmt.Errorf("list licenses: %w", err)))
		return
	}
	resp := ListLicensesResponse{
		Success:  true,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
		Licenses: make([]LicenseView, 0, len(licenses)),
	}
	for _, l := range licenses {
		resp.Licenses = append(resp.Licenses, licenseView(l))
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

type StatsResponse struct {
	Success bool `json:"success"`
	*models.Stats
}

func (s *Server) LicenseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Storage.Stats(r.Context(), s.now().Add(-24*time.Hour))
	if err != nil {
		writeError(w, r, models.Internal(fmt.Errorf("license stats: %w", err)))
		return
	}
	writeJSON(w, r, http.StatusOK, StatsResponse{Success: true, Stats: stats})
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active used expired disabled"`
}

type UpdateStatusResponse struct {
	Success     bool          `json:"success"`
	LicenseCode string        `json:"licenseCode"`
	OldStatus   models.Status `json:"oldStatus"`
	NewStatus   models.Status `json:"newStatus"`
}

func (s *Server) UpdateLicenseStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := licensecode.Normalize(chi.URLParam(r, "code"))

	var req UpdateStatusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, invalidRequest("invalid JSON body"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, invalidRequest("status must be one of active, used, expired, disabled"))
		return
	}

	current, err := s.Storage.FindLicenseByCode(ctx, code)
	if err != nil {
		writeError(w, r, models.Internal(fmt.Errorf("find license: %w", err)))
		return
	}
	if current == nil {
		writeError(w, r, models.ErrNotFound)
		return
	}

	newStatus := models.Status(req.Status)
	if _, err := s.Storage.SetStatus(ctx, code, newStatus); err != nil {
		writeError(w, r, models.Internal(fmt.Errorf("set status: %w", err)))
		return
	}
	logger.Info("License status overridden", map[string]interface{}{
		"admin":        auth.Subject(ctx),
		"license_code": code,
		"old_status":   current.Status,
		"new_status":   newStatus,
	})
	writeJSON(w, r, http.StatusOK, UpdateStatusResponse{
		Success:     true,
		LicenseCode: code,
		OldStatus:   current.Status,
		NewStatus:   newStatus,
	})
}

type LogView struct {
	ClientFingerprint string    `json:"clientFingerprint"`
	IPAddress         string    `json:"ipAddress"`
	Success           bool      `json:"success"`
	Message           string    `json:"message,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

func (s *Server) LicenseLogs(w http.ResponseWriter, r *http.Request) {
	code := licensecode.Normalize(chi.URLParam(r, "code"))
	limit, err := intParam(r.URL.Query().Get("limit"), defaultPageSize)
	if err != nil || limit < 1 {
		writeError(w, r, invalidRequest("limit must be a positive integer"))
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	entries, err := s.Storage.ListVerificationLogs(r.Context(), code, limit)
	if err != nil {
		writeError(w, r, models.Internal(fmt.Errorf("list verification logs: %w", err)))
		return
	}
	views := make([]LogView, 0, len(entries))
	for _, e := range entries {
		views = append(views, LogView{
			ClientFingerprint: e.ClientFingerprint,
			IPAddress:         e.IPAddress,
			Success:           e.Success,
			Message:           e.ErrorMessage,
			CreatedAt:         e.CreatedAt,
		})
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"success":     true,
		"licenseCode": code,
		"logs":        views,
	})
}

func (s *Server) RunConsistencyCheck(w http.ResponseWriter, r *http.Request) {
	report, err := s.checker.Run(r.Context())
	if err != nil {
		writeError(w, r, models.Internal(fmt.Errorf("consistency check: %w", err)))
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"success": true,
		"report":  report,
	})
}
