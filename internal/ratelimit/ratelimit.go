package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit admits or rejects a request from addr.
type RateLimit interface {
	Allow(addr string) bool
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter gives every address its own token bucket holding maxRequests
// tokens that refill evenly over the interval.
type KeyedLimiter struct {
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	visitors map[string]*visitor
	mutex    sync.Mutex
	now      func() time.Time
	lastGC   time.Time
}

func New(maxRequests int, interval time.Duration) RateLimit {
	return newKeyed(maxRequests, interval, time.Now)
}

func newKeyed(maxRequests int, interval time.Duration, now func() time.Time) *KeyedLimiter {
	limit := rate.Limit(0)
	if maxRequests > 0 {
		limit = rate.Every(interval / time.Duration(maxRequests))
	}
	return &KeyedLimiter{
		limit:    limit,
		burst:    maxRequests,
		idleTTL:  interval,
		visitors: make(map[string]*visitor),
		now:      now,
		lastGC:   now(),
	}
}

func (rl *KeyedLimiter) Allow(addr string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	rl.gc(now)

	v := rl.visitors[addr]
	if v == nil {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[addr] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// gc drops visitors idle for a full interval; their buckets are full again.
func (rl *KeyedLimiter) gc(now time.Time) {
	if now.Sub(rl.lastGC) < rl.idleTTL {
		return
	}
	for addr, v := range rl.visitors {
		if now.Sub(v.lastSeen) >= rl.idleTTL {
			delete(rl.visitors, addr)
		}
	}
	rl.lastGC = now
}
