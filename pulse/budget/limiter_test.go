package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	igtest "github.com/lukinterlab/idealimage-ru-sub001/internal/testing"
)

func newMinuteLimiter(max int, clock *igtest.Clock) *Limiter {
	return NewLimiterWithClock(max, time.Minute, clock.Now)
}

func TestLimiter_AtLimit(t *testing.T) {
	clock := igtest.NewClock(time.Now())
	limiter := newMinuteLimiter(10, clock)

	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.Allow(), "call %d", i+1)
		clock.Advance(100 * time.Millisecond)
	}

	err := limiter.Allow()
	require.Error(t, err, "11th call should be rejected")

	rl, ok := errors.AsRateLimited(err)
	require.True(t, ok, "limiter refusals are rate-limit signals")
	// Oldest call at T=0 leaves the window at T=60s; we are at T=1s
	assert.Equal(t, 59*time.Second, rl.RetryAfter)
	assert.Contains(t, rl.Reason, "10 calls per 1m0s")
}

func TestLimiter_OverLimit(t *testing.T) {
	clock := igtest.NewClock(time.Now())
	limiter := newMinuteLimiter(10, clock)

	successCount := 0
	for i := 0; i < 15; i++ {
		if limiter.Allow() == nil {
			successCount++
		}
		clock.Advance(10 * time.Millisecond)
	}
	assert.Equal(t, 10, successCount)
}

// Sliding window: calls from T=0 expire at T=60s, not at a fixed boundary
func TestLimiter_BurstHandling(t *testing.T) {
	clock := igtest.NewClock(time.Now())
	limiter := newMinuteLimiter(10, clock)

	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.Allow())
	}
	assert.Error(t, limiter.Allow())

	clock.Advance(30 * time.Second)
	assert.Error(t, limiter.Allow(), "still within window at 30s")

	clock.Advance(31 * time.Second)
	for i := 0; i < 10; i++ {
		assert.NoError(t, limiter.Allow(), "post-window call %d", i+1)
	}
}

func TestLimiter_PerMinuteCalculation(t *testing.T) {
	clock := igtest.NewClock(time.Now())
	limiter := newMinuteLimiter(60, clock)

	for i := 0; i < 120; i++ {
		require.NoError(t, limiter.Allow(), "call %d", i+1)
		clock.Advance(time.Second)
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	limiter := NewLimiter(100)

	var wg sync.WaitGroup
	results := make(chan bool, 200)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				results <- limiter.Allow() == nil
			}
		}()
	}
	wg.Wait()
	close(results)

	successCount := 0
	for ok := range results {
		if ok {
			successCount++
		}
	}
	assert.Equal(t, 100, successCount)
}

func TestLimiter_ResetAndStats(t *testing.T) {
	clock := igtest.NewClock(time.Now())
	limiter := newMinuteLimiter(10, clock)

	for i := 0; i < 4; i++ {
		limiter.Allow()
	}
	calls, remaining := limiter.Stats()
	assert.Equal(t, 4, calls)
	assert.Equal(t, 6, remaining)

	limiter.Reset()
	calls, remaining = limiter.Stats()
	assert.Equal(t, 0, calls)
	assert.Equal(t, 10, remaining)
}

func TestLimiter_Unlimited(t *testing.T) {
	clock := igtest.NewClock(time.Now())
	limiter := newMinuteLimiter(0, clock)

	for i := 0; i < 1000; i++ {
		require.NoError(t, limiter.Allow())
	}
	_, remaining := limiter.Stats()
	assert.Equal(t, -1, remaining)
}

func TestLimiter_Wait(t *testing.T) {
	limiter := NewLimiter(1)
	require.NoError(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, limiter.Wait(ctx), context.DeadlineExceeded)
}

func TestChain_RecordsAllOrNone(t *testing.T) {
	clock := igtest.NewClock(time.Now())
	perMinute := newMinuteLimiter(5, clock)
	perDay := NewLimiterWithClock(2, 24*time.Hour, clock.Now)
	chain := Chain{perMinute, perDay}

	require.NoError(t, chain.Allow())
	require.NoError(t, chain.Allow())

	err := chain.Allow()
	rl, ok := errors.AsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour, rl.RetryAfter, "daily window is the blocker")

	calls, _ := perMinute.Stats()
	assert.Equal(t, 2, calls, "refused call not recorded in the minute window")
}
