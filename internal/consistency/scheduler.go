package consistency

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"licensegate.app/cloud/internal/logger"
)

// TickFunc starts a tick source firing every d. The returned func stops it.
type TickFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Scheduler runs the checker periodically until its context is cancelled.
type Scheduler struct {
	checker  *Checker
	interval time.Duration
	tick     TickFunc

	running atomic.Bool
	runs    atomic.Int64
	lastErr atomic.Error
}

func NewScheduler(checker *Checker, interval time.Duration) *Scheduler {
	return &Scheduler{checker: checker, interval: interval, tick: realTicker}
}

func (s *Scheduler) WithTicker(tick TickFunc) *Scheduler {
	s.tick = tick
	return s
}

// RunOnce performs a single check. Errors are logged and kept for LastError,
// never returned, so a broken store cannot stop the server.
func (s *Scheduler) RunOnce(ctx context.Context) *Report {
	report, err := s.checker.Run(ctx)
	s.runs.Inc()
	s.lastErr.Store(err)
	if err != nil {
		logger.Error("Consistency check failed", map[string]interface{}{
			"error": err,
		})
	}
	return report
}

// Run blocks, checking on every tick, until ctx is done. A non-positive
// interval disables the schedule and Run returns immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	if !s.running.CompareAndSwap(false, true) {
		logger.Warn("Consistency scheduler already running")
		return nil
	}
	defer s.running.Store(false)

	ticks, stop := s.tick(s.interval)
	defer stop()

	logger.Info("Consistency scheduler started", map[string]interface{}{
		"interval": s.interval.String(),
	})
	for {
		select {
		case <-ctx.Done():
			logger.Info("Consistency scheduler stopped")
			return nil
		case <-ticks:
			s.RunOnce(ctx)
		}
	}
}

func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

func (s *Scheduler) LastError() error {
	return s.lastErr.Load()
}
