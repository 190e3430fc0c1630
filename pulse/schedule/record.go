// Package schedule computes next run times for recurring generation
// schedules, persists them, and drives due schedules through a runner.
package schedule

import (
	"time"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
)

// TriggerKind selects how the next run is computed
type TriggerKind string

const (
	TriggerInterval TriggerKind = "interval"
	TriggerCron     TriggerKind = "cron"
	TriggerFixed    TriggerKind = "fixed"
	TriggerManual   TriggerKind = "manual"
)

// Frequency is the cadence of a fixed trigger
type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// fixedDeltas maps a frequency to its fixed delta in days
var fixedDeltas = map[Frequency]int{
	FrequencyDaily:    1,
	FrequencyWeekly:   7,
	FrequencyBiweekly: 14,
	FrequencyMonthly:  30,
}

// Record is one recurring generation schedule
type Record struct {
	ID           string
	Name         string
	TemplateName string
	Resource     string // empty = derived from the template category

	Trigger         TriggerKind
	IntervalSeconds int
	CronExpr        string
	Frequency       Frequency

	ItemsPerRun int
	Payload     map[string]any // schedule-payload overrides, highest precedence

	RunCount int
	MaxRuns  *int
	IsActive bool
	LastRun  *time.Time
	NextRun  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks trigger parameters
func (r *Record) Validate() error {
	if r.ID == "" {
		return errors.New("schedule id is required")
	}
	if r.TemplateName == "" {
		return errors.Newf("schedule %s: template_name is required", r.ID)
	}
	if r.ItemsPerRun < 1 {
		return errors.Newf("schedule %s: items_per_run must be >= 1, got %d", r.ID, r.ItemsPerRun)
	}
	if r.MaxRuns != nil && *r.MaxRuns < 1 {
		return errors.Newf("schedule %s: max_runs must be >= 1 when set, got %d", r.ID, *r.MaxRuns)
	}

	switch r.Trigger {
	case TriggerInterval:
		if r.IntervalSeconds <= 0 {
			return errors.Newf("schedule %s: interval_seconds must be > 0", r.ID)
		}
	case TriggerCron:
		if _, err := cronParser.Parse(r.CronExpr); err != nil {
			return errors.WithDetailf(errors.Wrapf(err, "schedule %s: invalid cron expression", r.ID),
				"cron_expr: %q", r.CronExpr)
		}
	case TriggerFixed:
		if _, ok := fixedDeltas[r.Frequency]; !ok {
			return errors.Newf("schedule %s: frequency must be daily, weekly, biweekly or monthly, got %q", r.ID, r.Frequency)
		}
	case TriggerManual:
	default:
		return errors.Newf("schedule %s: unknown trigger kind %q", r.ID, r.Trigger)
	}
	return nil
}
