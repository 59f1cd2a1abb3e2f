package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"licensegate.app/cloud/models"
)

// Storage persists licenses, per-device usage and the verification audit log.
//
// Finders return nil, nil when nothing matches. Methods returning a bool
// report whether a conditional update applied; false means the guard did not
// match the current row.
type Storage interface {
	FindLicenseByCode(ctx context.Context, code string) (*models.License, error)
	ListLicenses(ctx context.Context, filter models.LicenseFilter) ([]models.License, int, error)
	// SaveLicense inserts or replaces a license row.
	SaveLicense(ctx context.Context, license *models.License) error
	// SaveLicenses inserts new licenses, skipping codes that already exist,
	// and returns the number inserted.
	SaveLicenses(ctx context.Context, licenses []models.License) (int, error)

	// MarkExpired moves an active or used license to expired.
	MarkExpired(ctx context.Context, code string) (bool, error)
	// ClaimLicense binds an active, unused license to claim.Fingerprint and
	// records the first usage row in one transaction.
	ClaimLicense(ctx context.Context, code string, claim models.Claim) (bool, error)
	// TouchUsage records a repeat verification by a bound device.
	TouchUsage(ctx context.Context, code string, claim models.Claim) error
	FindUsage(ctx context.Context, code, fingerprint string) (*models.UsageRecord, error)
	// SetStatus overrides the status of a license. Setting active also
	// releases the device binding.
	SetStatus(ctx context.Context, code string, status models.Status) (bool, error)

	AppendVerificationLog(ctx context.Context, entry *models.VerificationLogEntry) error
	ListVerificationLogs(ctx context.Context, code string, limit int) ([]models.VerificationLogEntry, error)

	FindInconsistentLicenses(ctx context.Context) ([]models.License, error)
	RepairLicense(ctx context.Context, repair models.Repair) (bool, error)

	Stats(ctx context.Context, since time.Time) (*models.Stats, error)

	Close() error
}

type usageKey struct {
	code        string
	fingerprint string
}

type MemoryStorage struct {
	mu       sync.Mutex
	licenses map[string]models.License
	usage    map[usageKey]models.UsageRecord
	logs     []models.VerificationLogEntry
	nextID   int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		licenses: make(map[string]models.License),
		usage:    make(map[usageKey]models.UsageRecord),
	}
}

func (m *MemoryStorage) id() int64 {
	m.nextID++
	return m.nextID
}

func copyLicense(l models.License) *models.License {
	if l.UsedAt != nil {
		at := *l.UsedAt
		l.UsedAt = &at
	}
	return &l
}

func (m *MemoryStorage) FindLicenseByCode(ctx context.Context, code string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	license, exists := m.licenses[code]
	if !exists {
		return nil, nil
	}
	return copyLicense(license), nil
}

func (m *MemoryStorage) ListLicenses(ctx context.Context, filter models.LicenseFilter) ([]models.License, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []models.License
	for _, l := range m.licenses {
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		if filter.BatchID != "" && l.BatchID != filter.BatchID {
			continue
		}
		matched = append(matched, *copyLicense(l))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	start := min(filter.Offset, total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return matched[start:end], total, nil
}

func (m *MemoryStorage) SaveLicense(ctx context.Context, license *models.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.licenses[license.Code]; ok {
		license.ID = existing.ID
	} else if license.ID == 0 {
		license.ID = m.id()
	}
	m.licenses[license.Code] = *copyLicense(*license)
	return nil
}

func (m *MemoryStorage) SaveLicenses(ctx context.Context, licenses []models.License) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for i := range licenses {
		if _, exists := m.licenses[licenses[i].Code]; exists {
			continue
		}
		licenses[i].ID = m.id()
		m.licenses[licenses[i].Code] = *copyLicense(licenses[i])
		inserted++
	}
	return inserted, nil
}

func (m *MemoryStorage) MarkExpired(ctx context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.licenses[code]
	if !ok || (l.Status != models.StatusActive && l.Status != models.StatusUsed) {
		return false, nil
	}
	l.Status = models.StatusExpired
	m.licenses[code] = l
	return true, nil
}

func (m *MemoryStorage) ClaimLicense(ctx context.Context, code string, claim models.Claim) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.licenses[code]
	if !ok || l.Status != models.StatusActive || l.IsUsed {
		return false, nil
	}
	at := claim.At.UTC()
	l.Status = models.StatusUsed
	l.IsUsed = true
	l.UsedAt = &at
	l.UsedByFingerprint = claim.Fingerprint
	m.licenses[code] = l

	m.touchLocked(code, claim)
	return true, nil
}

func (m *MemoryStorage) TouchUsage(ctx context.Context, code string, claim models.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.touchLocked(code, claim)
	return nil
}

func (m *MemoryStorage) touchLocked(code string, claim models.Claim) {
	key := usageKey{code: code, fingerprint: claim.Fingerprint}
	at := claim.At.UTC()

	rec, exists := m.usage[key]
	if !exists {
		rec = models.UsageRecord{
			ID:                m.id(),
			LicenseCode:       code,
			ClientFingerprint: claim.Fingerprint,
			UsedAt:            at,
		}
	}
	rec.IPAddress = claim.IPAddress
	rec.UserAgent = claim.UserAgent
	rec.VerificationCount++
	rec.LastVerification = at
	m.usage[key] = rec
}

func (m *MemoryStorage) FindUsage(ctx context.Context, code, fingerprint string) (*models.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.usage[usageKey{code: code, fingerprint: fingerprint}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStorage) SetStatus(ctx context.Context, code string, status models.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.licenses[code]
	if !ok {
		return false, nil
	}
	l.Status = status
	if status == models.StatusActive {
		l.IsUsed = false
		l.UsedAt = nil
		l.UsedByFingerprint = ""
		for key := range m.usage {
			if key.code == code {
				delete(m.usage, key)
			}
		}
	}
	m.licenses[code] = l
	return true, nil
}

func (m *MemoryStorage) AppendVerificationLog(ctx context.Context, entry *models.VerificationLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.ID = m.id()
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *MemoryStorage) ListVerificationLogs(ctx context.Context, code string, limit int) ([]models.VerificationLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.VerificationLogEntry
	for i := len(m.logs) - 1; i >= 0; i-- {
		if code != "" && m.logs[i].LicenseCode != code {
			continue
		}
		out = append(out, m.logs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStorage) FindInconsistentLicenses(ctx context.Context) ([]models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.License
	for _, l := range m.licenses {
		if !l.Consistent() {
			out = append(out, *copyLicense(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *MemoryStorage) RepairLicense(ctx context.Context, r models.Repair) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.licenses[r.Code]
	if !ok || l.Status != r.OldStatus || l.IsUsed != r.OldIsUsed {
		return false, nil
	}
	l.Status = r.NewStatus
	l.IsUsed = r.NewIsUsed
	if r.ClearUsage {
		l.UsedAt = nil
		l.UsedByFingerprint = ""
	}
	m.licenses[r.Code] = l
	return true, nil
}

func (m *MemoryStorage) Stats(ctx context.Context, since time.Time) (*models.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &models.Stats{TotalLicenses: len(m.licenses)}
	byStatus := map[models.Status]*models.StatusCount{}
	for _, l := range m.licenses {
		sc, ok := byStatus[l.Status]
		if !ok {
			sc = &models.StatusCount{Status: l.Status}
			byStatus[l.Status] = sc
		}
		sc.Count++
		if l.IsUsed {
			sc.UsedCount++
			stats.UsedLicenses++
		}
	}
	for _, sc := range byStatus {
		stats.StatusBreakdown = append(stats.StatusBreakdown, *sc)
	}
	sort.Slice(stats.StatusBreakdown, func(i, j int) bool {
		return stats.StatusBreakdown[i].Status < stats.StatusBreakdown[j].Status
	})

	for _, entry := range m.logs {
		if !entry.CreatedAt.Before(since) {
			stats.RecentVerifications++
		}
	}
	return stats, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
