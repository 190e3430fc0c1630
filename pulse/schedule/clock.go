package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
)

// cronParser accepts standard five-field expressions and descriptors like @daily
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Clock computes next run times and applies post-run bookkeeping
type Clock struct{}

// NewClock creates a schedule clock
func NewClock() *Clock {
	return &Clock{}
}

// NextRun returns the next occurrence after now, or nil for manual schedules.
// Interval schedules count from last_run when set, otherwise from now.
func (c *Clock) NextRun(rec *Record, now time.Time) (*time.Time, error) {
	var next time.Time

	switch rec.Trigger {
	case TriggerInterval:
		base := now
		if rec.LastRun != nil {
			base = *rec.LastRun
		}
		next = base.Add(time.Duration(rec.IntervalSeconds) * time.Second)

	case TriggerCron:
		sched, err := cronParser.Parse(rec.CronExpr)
		if err != nil {
			return nil, errors.Wrapf(err, "parse cron %q", rec.CronExpr)
		}
		next = sched.Next(now)

	case TriggerFixed:
		days, ok := fixedDeltas[rec.Frequency]
		if !ok {
			return nil, errors.Newf("unknown frequency %q", rec.Frequency)
		}
		next = now.AddDate(0, 0, days)

	case TriggerManual:
		return nil, nil

	default:
		return nil, errors.Newf("unknown trigger kind %q", rec.Trigger)
	}

	return &next, nil
}

// AfterSuccess records a completed run: run_count++, deactivation at
// max_runs, last_run = now and the following next_run (nil when deactivated).
func (c *Clock) AfterSuccess(rec *Record, now time.Time) error {
	rec.RunCount++
	if rec.MaxRuns != nil && rec.RunCount >= *rec.MaxRuns {
		rec.IsActive = false
	}

	last := now
	rec.LastRun = &last
	rec.UpdatedAt = now

	if !rec.IsActive {
		rec.NextRun = nil
		return nil
	}

	next, err := c.NextRun(rec, now)
	if err != nil {
		return err
	}
	rec.NextRun = next
	return nil
}

// AfterRateLimited moves next_run to now+retryAfter without touching
// run_count or is_active. When the normal next occurrence lies in the
// future and comes sooner, it is kept.
func (c *Clock) AfterRateLimited(rec *Record, now time.Time, retryAfter time.Duration) error {
	retryAt := now.Add(retryAfter)
	rec.UpdatedAt = now

	normal, err := c.NextRun(rec, now)
	if err != nil {
		return err
	}
	if normal != nil && normal.After(now) && normal.Before(retryAt) {
		rec.NextRun = normal
		return nil
	}
	rec.NextRun = &retryAt
	return nil
}
