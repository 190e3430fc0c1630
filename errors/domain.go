package errors

import (
	"fmt"
	"time"
)

// Coordination and pipeline sentinels.
var (
	// ErrQueueTimeout means admission was not obtained before the deadline.
	// The job never started.
	ErrQueueTimeout = New("queue timeout")

	// ErrEmptyOutput means the remote call succeeded but returned nothing usable.
	ErrEmptyOutput = New("empty output")

	// ErrStaleLeaseReclaimed is informational: a hung lease holder was cleared.
	ErrStaleLeaseReclaimed = New("stale lease reclaimed")

	// ErrDroppedAtRollover means a waiting job was dropped when the queue day changed.
	ErrDroppedAtRollover = New("dropped at queue day rollover")

	// ErrDailyLimitReached means the template already produced its daily quota.
	ErrDailyLimitReached = New("daily limit reached")
)

// MinRetryAfter is the smallest retry delay a rate-limit signal may carry.
const MinRetryAfter = time.Second

// RateLimitedError is the distinguished overload signal of the generation
// service. It is propagated separately from generic failures so callers can
// reschedule instead of failing.
type RateLimitedError struct {
	RetryAfter time.Duration
	Reason     string
}

// NewRateLimited builds a rate-limit signal, clamping RetryAfter to MinRetryAfter.
func NewRateLimited(retryAfter time.Duration, reason string) *RateLimitedError {
	if retryAfter < MinRetryAfter {
		retryAfter = MinRetryAfter
	}
	return &RateLimitedError{RetryAfter: retryAfter, Reason: reason}
}

func (e *RateLimitedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("rate limited, retry after %s: %s", e.RetryAfter, e.Reason)
}

// AsRateLimited reports whether err is or wraps a RateLimitedError.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if err != nil && As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// StageFailure reports that a required pipeline stage exhausted its retries.
type StageFailure struct {
	Stage string
	Err   error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }

// AsStageFailure reports whether err is or wraps a StageFailure.
func AsStageFailure(err error) (*StageFailure, bool) {
	var sf *StageFailure
	if err != nil && As(err, &sf) {
		return sf, true
	}
	return nil, false
}
