package consistency

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"licensegate.app/cloud/internal/logger"
	"licensegate.app/cloud/internal/metrics"
	"licensegate.app/cloud/models"
	"licensegate.app/cloud/storage"
)

const (
	// RuleUsedWithoutFlag fires for status=used rows whose usage flag is unset.
	// The row is treated as never used.
	RuleUsedWithoutFlag = "used-without-flag"
	// RuleFlagWithoutUsed fires for rows flagged as used whose status is still
	// active. The flag wins and the binding is kept.
	RuleFlagWithoutUsed = "flag-without-used"
)

// Change is one row the checker acted on.
type Change struct {
	Code      string        `json:"licenseCode"`
	Rule      string        `json:"rule"`
	OldStatus models.Status `json:"oldStatus"`
	NewStatus models.Status `json:"newStatus"`
	OldIsUsed bool          `json:"oldIsUsed"`
	NewIsUsed bool          `json:"newIsUsed"`
}

type Report struct {
	StartedAt time.Time `json:"startedAt"`
	Scanned   int       `json:"scanned"`
	Repaired  []Change  `json:"repaired"`
	// Skipped rows changed between the scan and the repair; the next run
	// looks at them again.
	Skipped []Change `json:"skipped"`
}

// Plan returns the repair for an inconsistent license, or false when the row
// already satisfies the status/flag invariant.
func Plan(l models.License, now time.Time) (models.Repair, string, bool) {
	repair := models.Repair{
		Code:      l.Code,
		OldStatus: l.Status,
		OldIsUsed: l.IsUsed,
	}
	expired := l.ExpiredAt(now)

	switch {
	case l.Status == models.StatusUsed && !l.IsUsed:
		repair.NewStatus = models.StatusActive
		if expired {
			repair.NewStatus = models.StatusExpired
		}
		repair.ClearUsage = true
		return repair, RuleUsedWithoutFlag, true
	case l.IsUsed && !l.Status.Terminal() && l.Status != models.StatusUsed:
		repair.NewStatus = models.StatusUsed
		if expired {
			repair.NewStatus = models.StatusExpired
		}
		repair.NewIsUsed = true
		return repair, RuleFlagWithoutUsed, true
	}
	return models.Repair{}, "", false
}

// Checker scans the store for licenses whose status and usage flag disagree
// and rewrites them. Concurrent Run calls share a single pass.
type Checker struct {
	store   storage.Storage
	metrics *metrics.Metrics
	now     func() time.Time
	group   singleflight.Group
}

func NewChecker(store storage.Storage, m *metrics.Metrics) *Checker {
	return &Checker{store: store, metrics: m, now: time.Now}
}

func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.now = now
	return c
}

// Run performs one pass. Failing rows do not stop the pass; their errors are
// combined and returned alongside the partial report.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	v, err, _ := c.group.Do("check", func() (interface{}, error) {
		return c.run(ctx)
	})
	report, _ := v.(*Report)
	c.metrics.CheckerRun(err)
	return report, err
}

func (c *Checker) run(ctx context.Context) (*Report, error) {
	now := c.now()
	report := &Report{StartedAt: now}

	rows, err := c.store.FindInconsistentLicenses(ctx)
	if err != nil {
		return report, fmt.Errorf("scan licenses: %w", err)
	}
	report.Scanned = len(rows)

	var result *multierror.Error
	for _, l := range rows {
		repair, rule, ok := Plan(l, now)
		if !ok {
			continue
		}
		change := Change{
			Code:      l.Code,
			Rule:      rule,
			OldStatus: repair.OldStatus,
			NewStatus: repair.NewStatus,
			OldIsUsed: repair.OldIsUsed,
			NewIsUsed: repair.NewIsUsed,
		}

		applied, err := c.store.RepairLicense(ctx, repair)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("repair %s: %w", l.Code, err))
			continue
		}
		if !applied {
			report.Skipped = append(report.Skipped, change)
			continue
		}

		report.Repaired = append(report.Repaired, change)
		c.metrics.Repair(rule)
		logger.Info("Repaired license status", map[string]interface{}{
			"license_code": change.Code,
			"rule":         rule,
			"old_status":   change.OldStatus,
			"new_status":   change.NewStatus,
		})
	}

	logger.Info("Consistency check finished", map[string]interface{}{
		"scanned":  report.Scanned,
		"repaired": len(report.Repaired),
		"skipped":  len(report.Skipped),
	})
	return report, result.ErrorOrNil()
}
