package verification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate.app/cloud/models"
	"licensegate.app/cloud/storage"
)

const code = "ABCD-1234-EFGH-5678"

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, store storage.Storage, mutate func(*models.License)) {
	t.Helper()
	l := models.NewLicense(code, 30, models.TierProfessional, now.Add(-24*time.Hour))
	if mutate != nil {
		mutate(&l)
	}
	require.NoError(t, store.SaveLicense(context.Background(), &l))
}

func newService(store storage.Storage) *Service {
	return NewService(store, nil).WithClock(func() time.Time { return now })
}

func request(fp string) Request {
	return Request{Code: code, Fingerprint: fp, IPAddress: "10.0.0.1", UserAgent: "test", Signature: "sig"}
}

func find(t *testing.T, store storage.Storage) *models.License {
	t.Helper()
	l, err := store.FindLicenseByCode(context.Background(), code)
	require.NoError(t, err)
	require.NotNil(t, l)
	return l
}

func TestVerify_FirstUseThenReverify(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seed(t, store, nil)
	svc := newService(store)

	res, err := svc.Verify(ctx, request("F1"))
	require.NoError(t, err)
	assert.True(t, res.FirstUse)
	assert.Equal(t, 29, res.Data.RemainingDays)
	assert.True(t, res.Data.IsUsed)
	require.NotNil(t, res.Data.UsedAt)

	l := find(t, store)
	assert.Equal(t, models.StatusUsed, l.Status)
	assert.True(t, l.IsUsed)
	assert.Equal(t, "F1", l.UsedByFingerprint)
	firstUsedAt := *l.UsedAt

	for i := 0; i < 3; i++ {
		res, err = svc.Verify(ctx, request("F1"))
		require.NoError(t, err)
		assert.False(t, res.FirstUse)
	}

	l = find(t, store)
	assert.Equal(t, models.StatusUsed, l.Status)
	assert.Equal(t, "F1", l.UsedByFingerprint)
	assert.True(t, firstUsedAt.Equal(*l.UsedAt))

	usage, err := store.FindUsage(ctx, code, "F1")
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, 4, usage.VerificationCount)
}

func TestVerify_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*models.License)
		missing    bool
		want       error
		wantKind   models.ErrorKind
		wantStatus models.Status
	}{
		{
			name:    "not found",
			missing: true,
			want:    models.ErrNotFound,
		},
		{
			name:       "disabled",
			mutate:     func(l *models.License) { l.Status = models.StatusDisabled },
			wantKind:   models.KindDisabled,
			wantStatus: models.StatusDisabled,
		},
		{
			name:       "already expired",
			mutate:     func(l *models.License) { l.Status = models.StatusExpired },
			want:       models.ErrExpired,
			wantStatus: models.StatusExpired,
		},
		{
			name: "active past expiry",
			mutate: func(l *models.License) {
				l.ExpiresAt = now.Add(-time.Minute)
			},
			want:       models.ErrExpired,
			wantStatus: models.StatusExpired,
		},
		{
			name: "bound past expiry",
			mutate: func(l *models.License) {
				at := now.Add(-48 * time.Hour)
				l.Status, l.IsUsed, l.UsedAt, l.UsedByFingerprint = models.StatusUsed, true, &at, "F1"
				l.ExpiresAt = now.Add(-time.Minute)
			},
			want:       models.ErrExpired,
			wantStatus: models.StatusExpired,
		},
		{
			name: "used by other device",
			mutate: func(l *models.License) {
				at := now.Add(-time.Hour)
				l.Status, l.IsUsed, l.UsedAt, l.UsedByFingerprint = models.StatusUsed, true, &at, "F2"
			},
			want:       models.ErrUsedByOther,
			wantStatus: models.StatusUsed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMemoryStorage()
			if !tt.missing {
				seed(t, store, tt.mutate)
			}

			_, err := newService(store).Verify(ctx, request("F1"))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, models.KindOf(err))
			}
			if tt.wantStatus != "" {
				assert.Equal(t, tt.wantStatus, find(t, store).Status)
			}

			usage, err := store.FindUsage(ctx, code, "F1")
			require.NoError(t, err)
			assert.Nil(t, usage)

			logs, err := store.ListVerificationLogs(ctx, code, 0)
			require.NoError(t, err)
			require.Len(t, logs, 1)
			assert.False(t, logs[0].Success)
			assert.Equal(t, "sig", logs[0].Signature)
		})
	}
}

func TestVerify_ExpiryIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seed(t, store, func(l *models.License) { l.ExpiresAt = now.Add(-time.Second) })
	svc := newService(store)

	_, err := svc.Verify(ctx, request("F1"))
	require.ErrorIs(t, err, models.ErrExpired)

	// Even a clock that moves backwards cannot revive the license.
	svc.WithClock(func() time.Time { return now.Add(-time.Hour) })
	_, err = svc.Verify(ctx, request("F1"))
	require.ErrorIs(t, err, models.ErrExpired)
	assert.Equal(t, models.StatusExpired, find(t, store).Status)
}

func TestVerify_FirstUseRace(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seed(t, store, nil)
	svc := newService(store)

	const racers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []string
		rejected int
	)
	for i := 0; i < racers; i++ {
		fp := string(rune('A' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Verify(ctx, request(fp))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				assert.True(t, res.FirstUse)
				winners = append(winners, fp)
				return
			}
			if errors.Is(err, models.ErrUsedByOther) {
				rejected++
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, racers-1, rejected)
	assert.Equal(t, winners[0], find(t, store).UsedByFingerprint)
}

// stealingStore lets another device win the claim right before the caller's.
type stealingStore struct {
	*storage.MemoryStorage
	thief string
}

func (s *stealingStore) ClaimLicense(ctx context.Context, c string, claim models.Claim) (bool, error) {
	if s.thief != "" {
		stolen := claim
		stolen.Fingerprint = s.thief
		if _, err := s.MemoryStorage.ClaimLicense(ctx, c, stolen); err != nil {
			return false, err
		}
	}
	return s.MemoryStorage.ClaimLicense(ctx, c, claim)
}

func TestVerify_LostRaceReevaluates(t *testing.T) {
	ctx := context.Background()

	t.Run("other device", func(t *testing.T) {
		store := &stealingStore{MemoryStorage: storage.NewMemoryStorage(), thief: "F2"}
		seed(t, store, nil)
		_, err := newService(store).Verify(ctx, request("F1"))
		assert.ErrorIs(t, err, models.ErrUsedByOther)
	})

	t.Run("same device", func(t *testing.T) {
		store := &stealingStore{MemoryStorage: storage.NewMemoryStorage(), thief: "F1"}
		seed(t, store, nil)
		res, err := newService(store).Verify(ctx, request("F1"))
		require.NoError(t, err)
		assert.False(t, res.FirstUse)

		usage, err := store.FindUsage(ctx, code, "F1")
		require.NoError(t, err)
		assert.Equal(t, 2, usage.VerificationCount)
	})
}

// stuckStore never lets a claim apply, as if the row kept changing.
type stuckStore struct {
	*storage.MemoryStorage
}

func (s *stuckStore) ClaimLicense(ctx context.Context, c string, claim models.Claim) (bool, error) {
	return false, nil
}

func TestVerify_ContentionIsInternal(t *testing.T) {
	store := &stuckStore{MemoryStorage: storage.NewMemoryStorage()}
	seed(t, store, nil)

	_, err := newService(store).Verify(context.Background(), request("F1"))
	require.Error(t, err)
	assert.Equal(t, models.KindServerInternal, models.KindOf(err))
	assert.ErrorIs(t, err, ErrClaimContended)
	assert.Equal(t, models.MsgInternal, models.PublicMessage(err))
}

type brokenStore struct {
	*storage.MemoryStorage
	findErr  error
	auditErr error
}

func (s *brokenStore) FindLicenseByCode(ctx context.Context, c string) (*models.License, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.MemoryStorage.FindLicenseByCode(ctx, c)
}

func (s *brokenStore) AppendVerificationLog(ctx context.Context, entry *models.VerificationLogEntry) error {
	if s.auditErr != nil {
		return s.auditErr
	}
	return s.MemoryStorage.AppendVerificationLog(ctx, entry)
}

func TestVerify_StoreFailureIsInternal(t *testing.T) {
	store := &brokenStore{MemoryStorage: storage.NewMemoryStorage(), findErr: errors.New("disk on fire")}

	_, err := newService(store).Verify(context.Background(), request("F1"))
	require.Error(t, err)
	assert.Equal(t, models.KindServerInternal, models.KindOf(err))
	assert.NotContains(t, models.PublicMessage(err), "disk")
}

func TestVerify_AuditFailureDoesNotBlock(t *testing.T) {
	store := &brokenStore{MemoryStorage: storage.NewMemoryStorage(), auditErr: errors.New("log table locked")}
	seed(t, store, nil)

	res, err := newService(store).Verify(context.Background(), request("F1"))
	require.NoError(t, err)
	assert.True(t, res.FirstUse)
}

func TestVerify_AuditTrail(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seed(t, store, nil)
	svc := newService(store)

	_, err := svc.Verify(ctx, request("F1"))
	require.NoError(t, err)
	_, err = svc.Verify(ctx, request("F1"))
	require.NoError(t, err)
	_, err = svc.Verify(ctx, request("F2"))
	require.Error(t, err)

	logs, err := store.ListVerificationLogs(ctx, code, 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)

	// Newest first.
	assert.False(t, logs[0].Success)
	assert.Equal(t, models.MsgUsedByOther, logs[0].ErrorMessage)
	assert.Equal(t, "F2", logs[0].ClientFingerprint)
	assert.True(t, logs[1].Success)
	assert.Equal(t, AuditReverified, logs[1].ErrorMessage)
	assert.True(t, logs[2].Success)
	assert.Equal(t, AuditFirstUse, logs[2].ErrorMessage)
	assert.Equal(t, "10.0.0.1", logs[2].IPAddress)
}

func TestCheckStatus_IsReadOnly(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*models.License)
		missing    bool
		fp         string
		wantValid  bool
		wantStatus string
	}{
		{name: "available", fp: "F1", wantValid: true, wantStatus: "active"},
		{name: "missing", missing: true, fp: "F1", wantStatus: models.ReportNotFound},
		{
			name: "bound to requester",
			mutate: func(l *models.License) {
				at := now.Add(-time.Hour)
				l.Status, l.IsUsed, l.UsedAt, l.UsedByFingerprint = models.StatusUsed, true, &at, "F1"
			},
			fp: "F1", wantValid: true, wantStatus: "used",
		},
		{
			name: "bound to other",
			mutate: func(l *models.License) {
				at := now.Add(-time.Hour)
				l.Status, l.IsUsed, l.UsedAt, l.UsedByFingerprint = models.StatusUsed, true, &at, "F2"
			},
			fp: "F1", wantStatus: models.ReportUsedByOther,
		},
		{
			name:   "past expiry",
			mutate: func(l *models.License) { l.ExpiresAt = now.Add(-time.Second) },
			fp:     "F1", wantStatus: "expired",
		},
		{
			name:   "disabled",
			mutate: func(l *models.License) { l.Status = models.StatusDisabled },
			fp:     "F1", wantStatus: "disabled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMemoryStorage()
			var before *models.License
			if !tt.missing {
				seed(t, store, tt.mutate)
				before = find(t, store)
			}

			report, err := newService(store).CheckStatus(ctx, request(tt.fp))
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, report.IsValid)
			assert.Equal(t, tt.wantStatus, report.Status)
			assert.NotEmpty(t, report.Message)
			if tt.wantValid {
				require.NotNil(t, report.Data)
				assert.Equal(t, code, report.Data.LicenseCode)
			} else {
				assert.Nil(t, report.Data)
			}

			if before != nil {
				assert.Equal(t, before, find(t, store))
			}
			usage, err := store.FindUsage(ctx, code, tt.fp)
			require.NoError(t, err)
			assert.Nil(t, usage)

			logs, err := store.ListVerificationLogs(ctx, code, 0)
			require.NoError(t, err)
			require.Len(t, logs, 1)
			assert.Equal(t, tt.wantValid, logs[0].Success)
		})
	}
}
