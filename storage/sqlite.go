package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"licensegate.app/cloud/internal/logger"
	"licensegate.app/cloud/models"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// SQLiteStorage keeps timestamps as UTC epoch milliseconds so that range
// queries compare integers.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{
		db:   db,
		path: path,
	}

	if err := storage.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) migrate() error {
	src, err := iofs.New(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer src.Close()

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	// m.Close closes s.db too; only the source is released.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	version, dirty, err := m.Version()
	if err == nil {
		logger.Debug("sqlite schema ready", map[string]interface{}{
			"path":    s.path,
			"version": version,
			"dirty":   dirty,
		})
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

const licenseColumns = `id, license_code, validity_days, tier, status, is_used, used_by_fingerprint,
	used_at, batch_id, batch_name, created_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*models.License, error) {
	var (
		license     models.License
		fingerprint sql.NullString
		usedAt      sql.NullInt64
		createdAt   int64
		expiresAt   int64
	)
	err := row.Scan(
		&license.ID,
		&license.Code,
		&license.ValidityDays,
		&license.Tier,
		&license.Status,
		&license.IsUsed,
		&fingerprint,
		&usedAt,
		&license.BatchID,
		&license.BatchName,
		&createdAt,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	license.UsedByFingerprint = fingerprint.String
	if usedAt.Valid {
		at := fromMillis(usedAt.Int64)
		license.UsedAt = &at
	}
	license.CreatedAt = fromMillis(createdAt)
	license.ExpiresAt = fromMillis(expiresAt)
	return &license, nil
}

func (s *SQLiteStorage) FindLicenseByCode(ctx context.Context, code string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_code = ?`

	license, err := scanLicense(s.db.QueryRowContext(ctx, query, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find license: %w", err)
	}
	return license, nil
}

func (s *SQLiteStorage) ListLicenses(ctx context.Context, filter models.LicenseFilter) ([]models.License, int, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.BatchID != "" {
		conditions = append(conditions, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM licenses`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count licenses: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + licenseColumns + ` FROM licenses` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query licenses: %w", err)
	}
	defer rows.Close()

	var licenses []models.License
	for rows.Next() {
		license, err := scanLicense(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan license: %w", err)
		}
		licenses = append(licenses, *license)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating licenses: %w", err)
	}
	return licenses, total, nil
}

func (s *SQLiteStorage) SaveLicense(ctx context.Context, license *models.License) error {
	query := `INSERT INTO licenses (license_code, validity_days, tier, status, is_used, used_by_fingerprint,
		used_at, batch_id, batch_name, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (license_code) DO UPDATE SET
			validity_days = excluded.validity_days,
			tier = excluded.tier,
			status = excluded.status,
			is_used = excluded.is_used,
			used_by_fingerprint = excluded.used_by_fingerprint,
			used_at = excluded.used_at,
			batch_id = excluded.batch_id,
			batch_name = excluded.batch_name,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		license.Code,
		license.ValidityDays,
		license.Tier,
		license.Status,
		license.IsUsed,
		nullString(license.UsedByFingerprint),
		nullMillis(license.UsedAt),
		license.BatchID,
		license.BatchName,
		toMillis(license.CreatedAt),
		toMillis(license.ExpiresAt),
	).Scan(&license.ID)
	if err != nil {
		return fmt.Errorf("failed to save license: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) SaveLicenses(ctx context.Context, licenses []models.License) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO licenses (license_code, validity_days, tier, status,
		is_used, batch_id, batch_name, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (license_code) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range licenses {
		l := &licenses[i]
		res, err := stmt.ExecContext(ctx,
			l.Code, l.ValidityDays, l.Tier, l.Status, l.IsUsed,
			l.BatchID, l.BatchName, toMillis(l.CreatedAt), toMillis(l.ExpiresAt),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert license %s: %w", l.Code, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			l.ID, _ = res.LastInsertId()
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit licenses: %w", err)
	}
	return inserted, nil
}

func (s *SQLiteStorage) MarkExpired(ctx context.Context, code string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = 'expired' WHERE license_code = ? AND status IN ('active', 'used')`, code)
	if err != nil {
		return false, fmt.Errorf("failed to expire license: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const upsertUsage = `INSERT INTO license_usage (license_code, client_fingerprint, ip_address, user_agent,
		used_at, verification_count, last_verification)
	VALUES (?, ?, ?, ?, ?, 1, ?)
	ON CONFLICT (license_code, client_fingerprint) DO UPDATE SET
		verification_count = verification_count + 1,
		last_verification = excluded.last_verification,
		ip_address = excluded.ip_address,
		user_agent = excluded.user_agent`

func (s *SQLiteStorage) ClaimLicense(ctx context.Context, code string, claim models.Claim) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	at := toMillis(claim.At)
	res, err := tx.ExecContext(ctx, `UPDATE licenses
		SET status = 'used', is_used = 1, used_at = ?, used_by_fingerprint = ?
		WHERE license_code = ? AND status = 'active' AND is_used = 0`,
		at, claim.Fingerprint, code)
	if err != nil {
		return false, fmt.Errorf("failed to claim license: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, upsertUsage,
		code, claim.Fingerprint, claim.IPAddress, claim.UserAgent, at, at); err != nil {
		return false, fmt.Errorf("failed to record usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit claim: %w", err)
	}
	return true, nil
}

func (s *SQLiteStorage) TouchUsage(ctx context.Context, code string, claim models.Claim) error {
	at := toMillis(claim.At)
	if _, err := s.db.ExecContext(ctx, upsertUsage,
		code, claim.Fingerprint, claim.IPAddress, claim.UserAgent, at, at); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) FindUsage(ctx context.Context, code, fingerprint string) (*models.UsageRecord, error) {
	var (
		rec      models.UsageRecord
		usedAt   int64
		lastSeen int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, license_code, client_fingerprint, ip_address, user_agent,
		used_at, verification_count, last_verification
		FROM license_usage WHERE license_code = ? AND client_fingerprint = ?`, code, fingerprint).Scan(
		&rec.ID,
		&rec.LicenseCode,
		&rec.ClientFingerprint,
		&rec.IPAddress,
		&rec.UserAgent,
		&usedAt,
		&rec.VerificationCount,
		&lastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find usage: %w", err)
	}
	rec.UsedAt = fromMillis(usedAt)
	rec.LastVerification = fromMillis(lastSeen)
	return &rec, nil
}

func (s *SQLiteStorage) SetStatus(ctx context.Context, code string, status models.Status) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `UPDATE licenses SET status = ? WHERE license_code = ?`
	if status == models.StatusActive {
		query = `UPDATE licenses SET status = ?, is_used = 0, used_at = NULL, used_by_fingerprint = NULL
			WHERE license_code = ?`
	}
	res, err := tx.ExecContext(ctx, query, status, code)
	if err != nil {
		return false, fmt.Errorf("failed to set status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	if status == models.StatusActive {
		if _, err := tx.ExecContext(ctx, `DELETE FROM license_usage WHERE license_code = ?`, code); err != nil {
			return false, fmt.Errorf("failed to release usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit status: %w", err)
	}
	return true, nil
}

func (s *SQLiteStorage) AppendVerificationLog(ctx context.Context, entry *models.VerificationLogEntry) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO verification_logs
		(license_code, client_fingerprint, ip_address, success, error_message, signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.LicenseCode,
		entry.ClientFingerprint,
		entry.IPAddress,
		entry.Success,
		entry.ErrorMessage,
		entry.Signature,
		toMillis(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append verification log: %w", err)
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStorage) ListVerificationLogs(ctx context.Context, code string, limit int) ([]models.VerificationLogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id, license_code, client_fingerprint, ip_address, success, error_message, signature, created_at
		FROM verification_logs`
	args := []any{}
	if code != "" {
		query += ` WHERE license_code = ?`
		args = append(args, code)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query verification logs: %w", err)
	}
	defer rows.Close()

	var entries []models.VerificationLogEntry
	for rows.Next() {
		var (
			e         models.VerificationLogEntry
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.LicenseCode, &e.ClientFingerprint, &e.IPAddress,
			&e.Success, &e.ErrorMessage, &e.Signature, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan verification log: %w", err)
		}
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStorage) FindInconsistentLicenses(ctx context.Context) ([]models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses
		WHERE (status = 'used' AND is_used = 0)
		   OR (is_used = 1 AND status NOT IN ('used', 'expired', 'disabled'))
		ORDER BY license_code`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query inconsistent licenses: %w", err)
	}
	defer rows.Close()

	var licenses []models.License
	for rows.Next() {
		license, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		licenses = append(licenses, *license)
	}
	return licenses, rows.Err()
}

func (s *SQLiteStorage) RepairLicense(ctx context.Context, r models.Repair) (bool, error) {
	query := `UPDATE licenses SET status = ?, is_used = ?
		WHERE license_code = ? AND status = ? AND is_used = ?`
	if r.ClearUsage {
		query = `UPDATE licenses SET status = ?, is_used = ?, used_at = NULL, used_by_fingerprint = NULL
			WHERE license_code = ? AND status = ? AND is_used = ?`
	}
	res, err := s.db.ExecContext(ctx, query, r.NewStatus, r.NewIsUsed, r.Code, r.OldStatus, r.OldIsUsed)
	if err != nil {
		return false, fmt.Errorf("failed to repair license %s: %w", r.Code, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStorage) Stats(ctx context.Context, since time.Time) (*models.Stats, error) {
	breakdown, err := s.statusBreakdown(ctx)
	if err != nil {
		return nil, err
	}

	stats := &models.Stats{StatusBreakdown: breakdown}
	for _, sc := range breakdown {
		stats.TotalLicenses += sc.Count
		stats.UsedLicenses += sc.UsedCount
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM verification_logs WHERE created_at >= ?`,
		toMillis(since)).Scan(&stats.RecentVerifications)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent verifications: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStorage) statusBreakdown(ctx context.Context) ([]models.StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*), COALESCE(SUM(is_used), 0)
		FROM licenses GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query status breakdown: %w", err)
	}
	defer rows.Close()

	var out []models.StatusCount
	for rows.Next() {
		var sc models.StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count, &sc.UsedCount); err != nil {
			return nil, fmt.Errorf("failed to scan status breakdown: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
