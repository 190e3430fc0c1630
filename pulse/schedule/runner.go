package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/internal/util"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
)

// Run result status values
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// ErrNoItemsCreated is the result error of a run where every item failed
const ErrNoItemsCreated = "no_items_created"

// maxNotifiedErrors caps how many item errors a failure notification lists
const maxNotifiedErrors = 3

// ItemOutcome is what one generation attempt inside a run produced.
// A rate-limited outcome is a value, not an error.
type ItemOutcome struct {
	Created     bool
	RateLimited bool
	RetryAfter  time.Duration
	RecordRef   string
	Err         error
}

// ItemRunner produces one item for a schedule. index is 0-based within the run.
type ItemRunner interface {
	RunItem(ctx context.Context, rec *Record, index int) ItemOutcome
}

// ItemRunnerFunc adapts a function to ItemRunner
type ItemRunnerFunc func(ctx context.Context, rec *Record, index int) ItemOutcome

// RunItem calls f
func (f ItemRunnerFunc) RunItem(ctx context.Context, rec *Record, index int) ItemOutcome {
	return f(ctx, rec, index)
}

// Notifier delivers run summaries. Failures are logged by the runner, never propagated.
type Notifier interface {
	Notify(ctx context.Context, target, message string) error
}

// RunResult summarizes one schedule run
type RunResult struct {
	ScheduleID       string
	ExecutionID      string
	Status           string
	CreatedCount     int
	Errors           []string
	Error            string
	RetryAfter       time.Duration
	RetryScheduledAt *time.Time
	RecordRefs       []string
}

// RunnerConfig holds runner tunables
type RunnerConfig struct {
	// DefaultRetryAfter applies when a rate-limited item carries no delay
	DefaultRetryAfter time.Duration
	// NotifyTarget is passed to the Notifier; empty means the sink default
	NotifyTarget string
}

// Runner drives one schedule through its items and applies clock bookkeeping
type Runner struct {
	store    *Store
	execs    *ExecutionStore
	clock    *Clock
	items    ItemRunner
	notifier Notifier
	cfg      RunnerConfig
	pulseLog *zap.SugaredLogger
	timeNow  func() time.Time
}

// NewRunner creates a schedule runner. notifier may be nil.
func NewRunner(store *Store, items ItemRunner, notifier Notifier, cfg RunnerConfig, log *zap.SugaredLogger) *Runner {
	return NewRunnerWithClock(store, items, notifier, cfg, log, time.Now)
}

// NewRunnerWithClock creates a runner with an injectable clock
func NewRunnerWithClock(store *Store, items ItemRunner, notifier Notifier, cfg RunnerConfig, log *zap.SugaredLogger, timeNow func() time.Time) *Runner {
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = 300 * time.Second
	}
	return &Runner{
		store:    store,
		execs:    NewExecutionStore(store.DB()),
		clock:    NewClock(),
		items:    items,
		notifier: notifier,
		cfg:      cfg,
		pulseLog: logger.AddPulseSymbol(log),
		timeNow:  timeNow,
	}
}

// Run executes items_per_run items for rec and persists the resulting
// schedule state. The returned error covers storage failures only; item
// failures and rate limits are reported in the RunResult.
func (r *Runner) Run(ctx context.Context, rec *Record) (*RunResult, error) {
	started := r.timeNow()
	result := &RunResult{ScheduleID: rec.ID}

	exec := &Execution{
		ID:         uuid.NewString(),
		ScheduleID: rec.ID,
		Status:     ExecutionStatusRunning,
		StartedAt:  formatTime(started),
		CreatedAt:  formatTime(started),
		UpdatedAt:  formatTime(started),
	}
	result.ExecutionID = exec.ID
	if err := r.execs.CreateExecution(ctx, exec); err != nil {
		// Execution history is best effort
		r.pulseLog.Errorw("Failed to create execution record",
			logger.FieldScheduleID, rec.ID,
			logger.FieldError, err)
	}

	var rateLimited *ItemOutcome
	for i := 0; i < rec.ItemsPerRun; i++ {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("item %d: %v", i+1, ctx.Err()))
			break
		}

		outcome := r.items.RunItem(ctx, rec, i)
		if outcome.RateLimited {
			rateLimited = &outcome
			break
		}
		if outcome.Created {
			result.CreatedCount++
			if outcome.RecordRef != "" {
				result.RecordRefs = append(result.RecordRefs, outcome.RecordRef)
			}
			continue
		}

		msg := "no content produced"
		if outcome.Err != nil {
			msg = outcome.Err.Error()
		}
		result.Errors = append(result.Errors, fmt.Sprintf("item %d: %s", i+1, msg))
		r.pulseLog.Warnw("Schedule item failed",
			logger.FieldScheduleID, rec.ID,
			"item", i+1,
			logger.FieldError, msg)
	}

	now := r.timeNow()
	if rateLimited != nil {
		retryAfter := rateLimited.RetryAfter
		if retryAfter <= 0 {
			retryAfter = r.cfg.DefaultRetryAfter
		}
		if err := r.clock.AfterRateLimited(rec, now, retryAfter); err != nil {
			return nil, errors.Wrapf(err, "reschedule %s after rate limit", rec.ID)
		}
		result.Status = StatusPartial
		result.RetryAfter = retryAfter
		result.RetryScheduledAt = rec.NextRun
		if rateLimited.Err != nil {
			result.Errors = append(result.Errors, rateLimited.Err.Error())
		}
	} else {
		// Cadence advances even when nothing was created
		if err := r.clock.AfterSuccess(rec, now); err != nil {
			return nil, errors.Wrapf(err, "advance schedule %s", rec.ID)
		}
		if result.CreatedCount > 0 {
			result.Status = StatusSuccess
		} else {
			result.Status = StatusFailed
			result.Error = ErrNoItemsCreated
		}
	}

	if err := r.store.Update(ctx, rec); err != nil {
		return nil, errors.WithDetailf(err, "schedule_id: %s", rec.ID)
	}

	r.finishExecution(ctx, exec, result, started, now)
	r.notify(ctx, rec, result)

	return result, nil
}

func (r *Runner) finishExecution(ctx context.Context, exec *Execution, result *RunResult, started, now time.Time) {
	durationMs := int(now.Sub(started).Milliseconds())
	exec.Status = result.Status
	exec.CreatedCount = result.CreatedCount
	exec.CompletedAt = util.Ptr(formatTime(now))
	exec.DurationMs = &durationMs
	exec.UpdatedAt = formatTime(now)
	if result.RetryAfter > 0 {
		exec.RetryAfterSeconds = util.Ptr(int(result.RetryAfter / time.Second))
	}
	if msg := result.errorMessage(); msg != "" {
		exec.ErrorMessage = &msg
	}

	if err := r.execs.UpdateExecution(ctx, exec); err != nil {
		r.pulseLog.Errorw("Failed to update execution record",
			"execution_id", exec.ID,
			logger.FieldError, err)
	}
}

func (r *Runner) notify(ctx context.Context, rec *Record, result *RunResult) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, r.cfg.NotifyTarget, SummaryMessage(rec, result)); err != nil {
		r.pulseLog.Warnw("Schedule notification failed",
			logger.FieldScheduleID, rec.ID,
			logger.FieldError, err)
	}
}

func (res *RunResult) errorMessage() string {
	parts := res.Errors
	if res.Error != "" {
		parts = append([]string{res.Error}, parts...)
	}
	return strings.Join(parts, "; ")
}

// SummaryMessage renders the human summary sent after a run
func SummaryMessage(rec *Record, result *RunResult) string {
	name := rec.Name
	if name == "" {
		name = rec.ID
	}

	switch result.Status {
	case StatusSuccess:
		return fmt.Sprintf("Schedule %q: created %d item(s)", name, result.CreatedCount)
	case StatusPartial:
		at := "later"
		if result.RetryScheduledAt != nil {
			at = result.RetryScheduledAt.UTC().Format(time.RFC3339)
		}
		return fmt.Sprintf("Schedule %q: rate limited after %d item(s), retry at %s",
			name, result.CreatedCount, at)
	default:
		errs := result.Errors
		if len(errs) > maxNotifiedErrors {
			errs = errs[:maxNotifiedErrors]
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Schedule %q: no items created", name)
		for _, e := range errs {
			b.WriteString("\n- ")
			b.WriteString(e)
		}
		return b.String()
	}
}
