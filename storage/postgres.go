package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"licensegate.app/cloud/internal/logger"
	"licensegate.app/cloud/models"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

type licenseModel struct {
	ID                int64      `gorm:"column:id;primaryKey"`
	LicenseCode       string     `gorm:"column:license_code"`
	ValidityDays      int        `gorm:"column:validity_days"`
	Tier              string     `gorm:"column:tier"`
	Status            string     `gorm:"column:status"`
	IsUsed            bool       `gorm:"column:is_used"`
	UsedByFingerprint *string    `gorm:"column:used_by_fingerprint"`
	UsedAt            *time.Time `gorm:"column:used_at"`
	BatchID           string     `gorm:"column:batch_id"`
	BatchName         string     `gorm:"column:batch_name"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	ExpiresAt         time.Time  `gorm:"column:expires_at"`
}

func (licenseModel) TableName() string { return "licenses" }

type usageModel struct {
	ID                int64     `gorm:"column:id;primaryKey"`
	LicenseCode       string    `gorm:"column:license_code"`
	ClientFingerprint string    `gorm:"column:client_fingerprint"`
	IPAddress         string    `gorm:"column:ip_address"`
	UserAgent         string    `gorm:"column:user_agent"`
	UsedAt            time.Time `gorm:"column:used_at"`
	VerificationCount int       `gorm:"column:verification_count"`
	LastVerification  time.Time `gorm:"column:last_verification"`
}

func (usageModel) TableName() string { return "license_usage" }

type verificationLogModel struct {
	ID                int64     `gorm:"column:id;primaryKey"`
	LicenseCode       string    `gorm:"column:license_code"`
	ClientFingerprint string    `gorm:"column:client_fingerprint"`
	IPAddress         string    `gorm:"column:ip_address"`
	Success           bool      `gorm:"column:success"`
	ErrorMessage      string    `gorm:"column:error_message"`
	Signature         string    `gorm:"column:signature"`
	CreatedAt         time.Time `gorm:"column:created_at"`
}

func (verificationLogModel) TableName() string { return "verification_logs" }

func toLicenseModel(l *models.License) licenseModel {
	m := licenseModel{
		ID:           l.ID,
		LicenseCode:  l.Code,
		ValidityDays: l.ValidityDays,
		Tier:         string(l.Tier),
		Status:       string(l.Status),
		IsUsed:       l.IsUsed,
		UsedAt:       l.UsedAt,
		BatchID:      l.BatchID,
		BatchName:    l.BatchName,
		CreatedAt:    l.CreatedAt.UTC(),
		ExpiresAt:    l.ExpiresAt.UTC(),
	}
	if l.UsedByFingerprint != "" {
		fp := l.UsedByFingerprint
		m.UsedByFingerprint = &fp
	}
	return m
}

func (m licenseModel) toDomain() models.License {
	l := models.License{
		ID:           m.ID,
		Code:         m.LicenseCode,
		ValidityDays: m.ValidityDays,
		Tier:         models.Tier(m.Tier),
		Status:       models.Status(m.Status),
		IsUsed:       m.IsUsed,
		BatchID:      m.BatchID,
		BatchName:    m.BatchName,
		CreatedAt:    m.CreatedAt.UTC(),
		ExpiresAt:    m.ExpiresAt.UTC(),
	}
	if m.UsedByFingerprint != nil {
		l.UsedByFingerprint = *m.UsedByFingerprint
	}
	if m.UsedAt != nil {
		at := m.UsedAt.UTC()
		l.UsedAt = &at
	}
	return l
}

// PostgresStorage is the Storage implementation for shared deployments.
type PostgresStorage struct {
	db *gorm.DB
}

// NewPostgresStorage connects, pings and applies the embedded schema.
func NewPostgresStorage(ctx context.Context, databaseURL string) (*PostgresStorage, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStorage{db: db}
	if err := s.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// runMigrations brings the schema up to the latest embedded version.
func (s *PostgresStorage) runMigrations() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("gorm sql db: %w", err)
	}
	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer src.Close()

	driver, err := migratepgx.WithInstance(sqlDB, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	// m.Close would close the shared pool as well.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		logger.Debug("postgres schema ready", map[string]interface{}{
			"version": version,
			"dirty":   dirty,
		})
	}
	return nil
}

func (s *PostgresStorage) FindLicenseByCode(ctx context.Context, code string) (*models.License, error) {
	var rec licenseModel
	err := s.db.WithContext(ctx).Where("license_code = ?", code).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find license: %w", err)
	}
	l := rec.toDomain()
	return &l, nil
}

func (s *PostgresStorage) ListLicenses(ctx context.Context, filter models.LicenseFilter) ([]models.License, int, error) {
	scoped := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&licenseModel{})
		if filter.Status != "" {
			q = q.Where("status = ?", string(filter.Status))
		}
		if filter.BatchID != "" {
			q = q.Where("batch_id = ?", filter.BatchID)
		}
		return q
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count licenses: %w", err)
	}

	q := scoped().Order("created_at DESC").Order("id DESC").Offset(filter.Offset)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var recs []licenseModel
	if err := q.Find(&recs).Error; err != nil {
		return nil, 0, fmt.Errorf("list licenses: %w", err)
	}

	out := make([]models.License, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toDomain())
	}
	return out, int(total), nil
}

func (s *PostgresStorage) SaveLicense(ctx context.Context, license *models.License) error {
	rec := toLicenseModel(license)
	rec.ID = 0
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "license_code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"validity_days", "tier", "status", "is_used", "used_by_fingerprint",
			"used_at", "batch_id", "batch_name", "created_at", "expires_at",
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save license: %w", err)
	}
	license.ID = rec.ID
	return nil
}

func (s *PostgresStorage) SaveLicenses(ctx context.Context, licenses []models.License) (int, error) {
	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range licenses {
			rec := toLicenseModel(&licenses[i])
			rec.ID = 0
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "license_code"}},
				DoNothing: true,
			}).Create(&rec)
			if res.Error != nil {
				return fmt.Errorf("insert license %s: %w", licenses[i].Code, res.Error)
			}
			if res.RowsAffected > 0 {
				licenses[i].ID = rec.ID
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *PostgresStorage) MarkExpired(ctx context.Context, code string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&licenseModel{}).
		Where("license_code = ?", code).
		Where("status IN ?", []string{string(models.StatusActive), string(models.StatusUsed)}).
		Update("status", string(models.StatusExpired))
	if res.Error != nil {
		return false, fmt.Errorf("expire license: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func upsertUsageClause(claim models.Claim) clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "license_code"}, {Name: "client_fingerprint"}},
		DoUpdates: clause.Assignments(map[string]any{
			"verification_count": gorm.Expr("license_usage.verification_count + 1"),
			"last_verification":  claim.At.UTC(),
			"ip_address":         claim.IPAddress,
			"user_agent":         claim.UserAgent,
		}),
	}
}

func newUsageModel(code string, claim models.Claim) usageModel {
	at := claim.At.UTC()
	return usageModel{
		LicenseCode:       code,
		ClientFingerprint: claim.Fingerprint,
		IPAddress:         claim.IPAddress,
		UserAgent:         claim.UserAgent,
		UsedAt:            at,
		VerificationCount: 1,
		LastVerification:  at,
	}
}

func (s *PostgresStorage) ClaimLicense(ctx context.Context, code string, claim models.Claim) (bool, error) {
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		at := claim.At.UTC()
		res := tx.Model(&licenseModel{}).
			Where("license_code = ?", code).
			Where("status = ?", string(models.StatusActive)).
			Where("is_used = ?", false).
			Updates(map[string]any{
				"status":              string(models.StatusUsed),
				"is_used":             true,
				"used_at":             at,
				"used_by_fingerprint": claim.Fingerprint,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		claimed = true

		usage := newUsageModel(code, claim)
		return tx.Clauses(upsertUsageClause(claim)).Create(&usage).Error
	})
	if err != nil {
		return false, fmt.Errorf("claim license: %w", err)
	}
	return claimed, nil
}

func (s *PostgresStorage) TouchUsage(ctx context.Context, code string, claim models.Claim) error {
	usage := newUsageModel(code, claim)
	if err := s.db.WithContext(ctx).Clauses(upsertUsageClause(claim)).Create(&usage).Error; err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (s *PostgresStorage) FindUsage(ctx context.Context, code, fingerprint string) (*models.UsageRecord, error) {
	var rec usageModel
	err := s.db.WithContext(ctx).
		Where("license_code = ?", code).
		Where("client_fingerprint = ?", fingerprint).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find usage: %w", err)
	}
	return &models.UsageRecord{
		ID:                rec.ID,
		LicenseCode:       rec.LicenseCode,
		ClientFingerprint: rec.ClientFingerprint,
		IPAddress:         rec.IPAddress,
		UserAgent:         rec.UserAgent,
		UsedAt:            rec.UsedAt.UTC(),
		VerificationCount: rec.VerificationCount,
		LastVerification:  rec.LastVerification.UTC(),
	}, nil
}

func (s *PostgresStorage) SetStatus(ctx context.Context, code string, status models.Status) (bool, error) {
	updated := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changes := map[string]any{"status": string(status)}
		if status == models.StatusActive {
			changes["is_used"] = false
			changes["used_at"] = nil
			changes["used_by_fingerprint"] = nil
		}
		res := tx.Model(&licenseModel{}).Where("license_code = ?", code).Updates(changes)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		updated = true

		if status == models.StatusActive {
			return tx.Where("license_code = ?", code).Delete(&usageModel{}).Error
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("set status: %w", err)
	}
	return updated, nil
}

func (s *PostgresStorage) AppendVerificationLog(ctx context.Context, entry *models.VerificationLogEntry) error {
	rec := verificationLogModel{
		LicenseCode:       entry.LicenseCode,
		ClientFingerprint: entry.ClientFingerprint,
		IPAddress:         entry.IPAddress,
		Success:           entry.Success,
		ErrorMessage:      entry.ErrorMessage,
		Signature:         entry.Signature,
		CreatedAt:         entry.CreatedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("append verification log: %w", err)
	}
	entry.ID = rec.ID
	return nil
}

func (s *PostgresStorage) ListVerificationLogs(ctx context.Context, code string, limit int) ([]models.VerificationLogEntry, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if code != "" {
		q = q.Where("license_code = ?", code)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []verificationLogModel
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list verification logs: %w", err)
	}

	out := make([]models.VerificationLogEntry, 0, len(recs))
	for _, r := range recs {
		out = append(out, models.VerificationLogEntry{
			ID:                r.ID,
			LicenseCode:       r.LicenseCode,
			ClientFingerprint: r.ClientFingerprint,
			IPAddress:         r.IPAddress,
			Success:           r.Success,
			ErrorMessage:      r.ErrorMessage,
			Signature:         r.Signature,
			CreatedAt:         r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func (s *PostgresStorage) FindInconsistentLicenses(ctx context.Context) ([]models.License, error) {
	var recs []licenseModel
	err := s.db.WithContext(ctx).
		Where("(status = ? AND is_used = ?) OR (is_used = ? AND status NOT IN ?)",
			string(models.StatusUsed), false,
			true, []string{string(models.StatusUsed), string(models.StatusExpired), string(models.StatusDisabled)}).
		Order("license_code").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("find inconsistent licenses: %w", err)
	}

	out := make([]models.License, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *PostgresStorage) RepairLicense(ctx context.Context, r models.Repair) (bool, error) {
	changes := map[string]any{
		"status":  string(r.NewStatus),
		"is_used": r.NewIsUsed,
	}
	if r.ClearUsage {
		changes["used_at"] = nil
		changes["used_by_fingerprint"] = nil
	}
	res := s.db.WithContext(ctx).
		Model(&licenseModel{}).
		Where("license_code = ?", r.Code).
		Where("status = ?", string(r.OldStatus)).
		Where("is_used = ?", r.OldIsUsed).
		Updates(changes)
	if res.Error != nil {
		return false, fmt.Errorf("repair license %s: %w", r.Code, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *PostgresStorage) Stats(ctx context.Context, since time.Time) (*models.Stats, error) {
	var rows []struct {
		Status    string
		Count     int
		UsedCount int
	}
	err := s.db.WithContext(ctx).
		Model(&licenseModel{}).
		Select("status, COUNT(*) AS count, COUNT(*) FILTER (WHERE is_used) AS used_count").
		Group("status").
		Order("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("status breakdown: %w", err)
	}

	stats := &models.Stats{}
	for _, r := range rows {
		stats.TotalLicenses += r.Count
		stats.UsedLicenses += r.UsedCount
		stats.StatusBreakdown = append(stats.StatusBreakdown, models.StatusCount{
			Status:    models.Status(r.Status),
			Count:     r.Count,
			UsedCount: r.UsedCount,
		})
	}

	var recent int64
	if err := s.db.WithContext(ctx).Model(&verificationLogModel{}).
		Where("created_at >= ?", since.UTC()).
		Count(&recent).Error; err != nil {
		return nil, fmt.Errorf("count recent verifications: %w", err)
	}
	stats.RecentVerifications = int(recent)
	return stats, nil
}

func (s *PostgresStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
