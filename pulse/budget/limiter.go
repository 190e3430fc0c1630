// Package budget guards the generation service locally: a sliding-window
// call limiter that refuses with a rate-limit signal before the remote
// service would.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
)

// Limiter enforces max calls per time window using sliding window algorithm
type Limiter struct {
	maxCalls  int
	window    time.Duration
	mu        sync.Mutex
	callTimes []time.Time
	timeNow   func() time.Time // Injectable for testing
}

// NewLimiter creates a per-minute rate limiter with real time.
// maxCallsPerMinute <= 0 disables the limit.
func NewLimiter(maxCallsPerMinute int) *Limiter {
	return NewLimiterWithClock(maxCallsPerMinute, time.Minute, time.Now)
}

// NewDailyLimiter caps calls over a rolling 24h window
func NewDailyLimiter(maxCallsPerDay int) *Limiter {
	return NewLimiterWithClock(maxCallsPerDay, 24*time.Hour, time.Now)
}

// NewLimiterWithClock creates a rate limiter with injectable clock (for testing)
func NewLimiterWithClock(maxCalls int, window time.Duration, timeNow func() time.Time) *Limiter {
	capacity := maxCalls
	if capacity < 0 {
		capacity = 0
	}
	return &Limiter{
		maxCalls:  maxCalls,
		window:    window,
		callTimes: make([]time.Time, 0, capacity),
		timeNow:   timeNow,
	}
}

// Allow records a call if the window has room. When it does not, the
// returned error is a *errors.RateLimitedError whose RetryAfter is the
// time until the oldest call leaves the window.
func (r *Limiter) Allow() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeNow()
	if wait := r.retryAfterLocked(now); wait > 0 {
		return r.deny(wait)
	}
	r.recordLocked(now)
	return nil
}

// Wait blocks until a call is allowed under rate limits
// Returns error if context is cancelled
func (r *Limiter) Wait(ctx context.Context) error {
	for {
		err := r.Allow()
		if err == nil {
			return nil
		}

		wait := 100 * time.Millisecond
		if rl, ok := errors.AsRateLimited(err); ok && rl.RetryAfter < wait {
			wait = rl.RetryAfter
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// retryAfterLocked returns 0 when a call fits, else how long until one does.
// Must be called with lock held
func (r *Limiter) retryAfterLocked(now time.Time) time.Duration {
	if r.maxCalls <= 0 {
		return 0
	}
	r.removeExpiredCalls(now)
	if len(r.callTimes) < r.maxCalls {
		return 0
	}
	wait := r.callTimes[0].Add(r.window).Sub(now)
	if wait <= 0 {
		wait = time.Nanosecond
	}
	return wait
}

func (r *Limiter) recordLocked(now time.Time) {
	if r.maxCalls <= 0 {
		return
	}
	r.callTimes = append(r.callTimes, now)
}

func (r *Limiter) deny(wait time.Duration) error {
	rl := errors.NewRateLimited(wait,
		fmt.Sprintf("local limit of %d calls per %s reached", r.maxCalls, r.window))
	err := errors.WithDetail(rl, fmt.Sprintf("Current calls in window: %d", len(r.callTimes)))
	return errors.WithDetail(err, fmt.Sprintf("Max calls per window: %d", r.maxCalls))
}

// removeExpiredCalls removes call timestamps that are outside the sliding window
// Must be called with lock held
func (r *Limiter) removeExpiredCalls(now time.Time) {
	cutoff := now.Add(-r.window)

	// Count expired calls from front (timestamps are ordered)
	expired := 0
	for _, callTime := range r.callTimes {
		if !callTime.After(cutoff) {
			expired++
		} else {
			break
		}
	}

	r.callTimes = r.callTimes[expired:]
}

// Reset clears the rate limiter state
func (r *Limiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.callTimes = r.callTimes[:0]
}

// Stats returns current rate limiter statistics
func (r *Limiter) Stats() (callsInWindow int, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeExpiredCalls(r.timeNow())

	callsInWindow = len(r.callTimes)
	if r.maxCalls <= 0 {
		return callsInWindow, -1
	}
	remaining = r.maxCalls - callsInWindow
	if remaining < 0 {
		remaining = 0
	}

	return callsInWindow, remaining
}

// Chain combines limiters so a call is recorded in all of them or none
type Chain []*Limiter

// Allow admits the call only if every limiter has room; the longest wait wins
func (c Chain) Allow() error {
	for _, l := range c {
		l.mu.Lock()
	}
	defer func() {
		for _, l := range c {
			l.mu.Unlock()
		}
	}()

	var longest time.Duration
	var blocker *Limiter
	for _, l := range c {
		if wait := l.retryAfterLocked(l.timeNow()); wait > longest {
			longest, blocker = wait, l
		}
	}
	if blocker != nil {
		return blocker.deny(longest)
	}
	for _, l := range c {
		l.recordLocked(l.timeNow())
	}
	return nil
}
