package generate

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
	"github.com/lukinterlab/idealimage-ru-sub001/pulse/cooldown"
)

// Stage names
const (
	StageContent = "content"
	StageTitle   = "title"
	StageImage   = "image"
	StageTags    = "tags"
)

// Stage is one remote call of the pipeline
type Stage struct {
	Name string
	Call func(ctx context.Context) (string, error)
}

// Policy bounds one Retrier.Run
type Policy struct {
	MaxAttempts int
	// BaseDelay is the linear backoff unit: attempt n waits n*BaseDelay
	BaseDelay time.Duration
	// FailFast returns a rate-limit error instead of sleeping through a cooldown
	FailFast bool
	// BeatInterval caps how long a sleep runs between beats
	BeatInterval time.Duration
}

// Beater keeps a job's liveness markers fresh during long sleeps
type Beater interface {
	Beat(ctx context.Context)
}

// BeatFunc adapts a function to Beater
type BeatFunc func(ctx context.Context)

// Beat calls f
func (f BeatFunc) Beat(ctx context.Context) { f(ctx) }

// Sleeper blocks for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real Sleeper
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retrier runs stages against one resource with bounded retries, cooldown
// consultation and heartbeat refresh while waiting
type Retrier struct {
	gate     *cooldown.Gate
	resource string
	beater   Beater
	metrics  *Metrics
	sleep    Sleeper
	logger   *zap.SugaredLogger
}

// NewRetrier creates a retrier. beater may be nil.
func NewRetrier(gate *cooldown.Gate, resource string, beater Beater, metrics *Metrics, sleep Sleeper, log *zap.SugaredLogger) *Retrier {
	if sleep == nil {
		sleep = SleepContext
	}
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Retrier{
		gate:     gate,
		resource: resource,
		beater:   beater,
		metrics:  metrics,
		sleep:    sleep,
		logger:   logger.OrNop(log).With(logger.FieldResource, resource),
	}
}

// Run calls stage until it returns non-empty output or the budget is spent.
// An exhausted rate limit returns the *errors.RateLimitedError itself; any
// other exhaustion returns *errors.StageFailure.
func (r *Retrier) Run(ctx context.Context, stage Stage, policy Policy) (string, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if wait := r.gate.Remaining(ctx, r.resource); wait > 0 {
			if policy.FailFast {
				return "", errors.NewRateLimited(wait, r.gate.Reason(ctx, r.resource))
			}
			r.logger.Infow("Waiting for cooldown",
				logger.FieldStage, stage.Name,
				logger.FieldRetryAfter, wait.String(),
			)
			if err := r.wait(ctx, wait, policy.BeatInterval); err != nil {
				return "", &errors.StageFailure{Stage: stage.Name, Err: err}
			}
		}

		if attempt > 1 {
			r.metrics.RetryCount++
		}
		r.metrics.APICalls++

		out, err := stage.Call(ctx)
		if err == nil && strings.TrimSpace(out) != "" {
			r.logger.Debugw("Stage attempt succeeded",
				logger.FieldStage, stage.Name,
				logger.FieldAttempt, attempt,
			)
			return out, nil
		}
		if err == nil {
			err = errors.ErrEmptyOutput
		}
		lastErr = err

		r.logger.Warnw("Stage attempt failed",
			logger.FieldStage, stage.Name,
			logger.FieldAttempt, attempt,
			logger.FieldMaxAttempt, policy.MaxAttempts,
			logger.FieldError, err,
		)

		if rl, ok := errors.AsRateLimited(err); ok {
			// A literal signal may carry no delay; never retry hot
			if rl.RetryAfter < errors.MinRetryAfter {
				rl = errors.NewRateLimited(rl.RetryAfter, rl.Reason)
			}
			if setErr := r.gate.Set(ctx, r.resource, rl.RetryAfter, rl.Reason); setErr != nil {
				r.logger.Warnw("Failed to record cooldown", logger.FieldError, setErr)
			}
			if attempt == policy.MaxAttempts {
				return "", rl
			}
			if err := r.wait(ctx, rl.RetryAfter, policy.BeatInterval); err != nil {
				return "", &errors.StageFailure{Stage: stage.Name, Err: err}
			}
			continue
		}

		if attempt < policy.MaxAttempts {
			if err := r.wait(ctx, time.Duration(attempt)*policy.BaseDelay, policy.BeatInterval); err != nil {
				return "", &errors.StageFailure{Stage: stage.Name, Err: err}
			}
		}
	}

	return "", &errors.StageFailure{Stage: stage.Name, Err: lastErr}
}

// wait sleeps d in slices of at most beatEvery, beating before each slice,
// so a long wait refreshes the heartbeat at least once
func (r *Retrier) wait(ctx context.Context, d, beatEvery time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if r.beater == nil || beatEvery <= 0 {
		if r.beater != nil {
			r.beater.Beat(ctx)
		}
		return r.sleep(ctx, d)
	}

	for d > 0 {
		r.beater.Beat(ctx)
		slice := beatEvery
		if d < slice {
			slice = d
		}
		if err := r.sleep(ctx, slice); err != nil {
			return err
		}
		d -= slice
	}
	return nil
}
