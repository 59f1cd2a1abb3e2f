package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"licensegate.app/cloud/models"
)

// Store keeps the attempt timestamps of a sliding window per key.
type Store interface {
	// Reserve drops entries at or before since and, when fewer than max
	// remain, adds one at `at` under id. It reports whether the entry was
	// added, and otherwise the oldest remaining timestamp. The check and the
	// add happen atomically.
	Reserve(ctx context.Context, key, id string, at, since time.Time, max int, ttl time.Duration) (bool, time.Time, error)
	// Release removes the entry added under id.
	Release(ctx context.Context, key, id string) error
}

// FailureLimiter allows at most max failed verification attempts per key
// within a sliding window. Every admitted attempt holds one slot until it
// either fails, and keeps it, or succeeds and releases it.
type FailureLimiter struct {
	store  Store
	max    int
	window time.Duration
	now    func() time.Time
}

func NewFailureLimiter(store Store, max int, window time.Duration) *FailureLimiter {
	return &FailureLimiter{store: store, max: max, window: window, now: time.Now}
}

// WithClock replaces the time source.
func (l *FailureLimiter) WithClock(now func() time.Time) *FailureLimiter {
	l.now = now
	return l
}

// Key identifies a requester by fingerprint, falling back to the client IP.
func Key(fingerprint, ip string) string {
	if fingerprint != "" {
		return "fp:" + fingerprint
	}
	return "ip:" + ip
}

// Reservation is one slot of a key's budget.
type Reservation struct {
	store   Store
	key, id string
}

// Release returns the slot. Safe on a nil Reservation.
func (r *Reservation) Release(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if err := r.store.Release(ctx, r.key, r.id); err != nil {
		return fmt.Errorf("release rate limit slot: %w", err)
	}
	return nil
}

// Reserve takes a slot for one attempt by key. Once the budget is spent it
// returns a RATE_LIMITED error carrying the wait until the oldest slot leaves
// the window.
func (l *FailureLimiter) Reserve(ctx context.Context, key string) (*Reservation, error) {
	now := l.now()
	id := uuid.NewString()
	ok, oldest, err := l.store.Reserve(ctx, key, id, now, now.Add(-l.window), l.max, l.window)
	if err != nil {
		return nil, fmt.Errorf("reserve rate limit slot: %w", err)
	}
	if ok {
		return &Reservation{store: l.store, key: key, id: id}, nil
	}

	retryAfter := time.Second
	if !oldest.IsZero() {
		retryAfter = oldest.Add(l.window).Sub(now)
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return nil, models.RateLimited(retryAfter)
}

type slot struct {
	at time.Time
	id string
}

type MemoryStore struct {
	mu    sync.Mutex
	slots map[string][]slot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string][]slot)}
}

func (s *MemoryStore) Reserve(ctx context.Context, key, id string, at, since time.Time, max int, ttl time.Duration) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.prune(key, since)
	if len(kept) >= max {
		if len(kept) == 0 {
			return false, time.Time{}, nil
		}
		return false, kept[0].at, nil
	}
	kept = append(kept, slot{at: at, id: id})
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].at.Before(kept[j].at) })
	s.slots[key] = kept
	return true, time.Time{}, nil
}

func (s *MemoryStore) Release(ctx context.Context, key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.slots[key]
	for i, e := range entries {
		if e.id == id {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(s.slots, key)
		return nil
	}
	s.slots[key] = entries
	return nil
}

func (s *MemoryStore) prune(key string, since time.Time) []slot {
	entries := s.slots[key]
	i := 0
	for i < len(entries) && !entries[i].at.After(since) {
		i++
	}
	kept := entries[i:]
	if len(kept) == 0 {
		delete(s.slots, key)
		return nil
	}
	s.slots[key] = kept
	return kept
}
