package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lukinterlab/idealimage-ru-sub001/internal/util"
)

func TestTicker_RunsDueSchedules(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	items := ItemRunnerFunc(func(context.Context, *Record, int) ItemOutcome {
		calls.Add(1)
		return ItemOutcome{Created: true}
	})
	runner, store, _ := setupRunner(t, items, nil)

	require.NoError(t, store.Create(ctx, newTestRecord("due", util.Ptr(baseTime.Add(-time.Minute)))))
	require.NoError(t, store.Create(ctx, newTestRecord("future", util.Ptr(baseTime.Add(time.Hour)))))

	ticker := NewTicker(ctx, store, runner, TickerConfig{Interval: time.Hour}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, ticker.checkScheduled(baseTime))

	assert.Equal(t, int32(2), calls.Load(), "only the due schedule ran its two items")

	due, err := store.Get(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, 1, due.RunCount)

	future, err := store.Get(ctx, "future")
	require.NoError(t, err)
	assert.Equal(t, 0, future.RunCount)

	stats := ticker.GetStats()
	assert.Equal(t, int64(1), stats["runs_ok"])
	assert.Equal(t, int64(0), stats["runs_failed"])

	// Already advanced, so a second check at the same instant is a no-op
	require.NoError(t, ticker.checkScheduled(baseTime))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTicker_CountsFailedRuns(t *testing.T) {
	ctx := context.Background()
	items := ItemRunnerFunc(func(context.Context, *Record, int) ItemOutcome {
		return ItemOutcome{}
	})
	runner, store, _ := setupRunner(t, items, nil)
	require.NoError(t, store.Create(ctx, newTestRecord("s1", util.Ptr(baseTime))))

	ticker := NewTicker(ctx, store, runner, TickerConfig{Interval: time.Hour}, nil)
	require.NoError(t, ticker.checkScheduled(baseTime))

	assert.Equal(t, int64(1), ticker.GetStats()["runs_failed"])
}

func TestTicker_StartStop(t *testing.T) {
	items, _ := scriptedItems()
	runner, store, _ := setupRunner(t, items, nil)

	ticker := NewTicker(context.Background(), store, runner, TickerConfig{Interval: 5 * time.Millisecond}, nil)
	ticker.Start()
	time.Sleep(30 * time.Millisecond)
	ticker.Stop()

	stats := ticker.GetStats()
	assert.Greater(t, stats["ticks_since_start"].(int64), int64(0))
	assert.Equal(t, 5*time.Millisecond, stats["interval"])
}

func TestDefaultTickerConfig(t *testing.T) {
	assert.Equal(t, 30*time.Second, DefaultTickerConfig().Interval)

	items, _ := scriptedItems()
	runner, store, _ := setupRunner(t, items, nil)
	ticker := NewTicker(context.Background(), store, runner, TickerConfig{}, nil)
	assert.Equal(t, 30*time.Second, ticker.GetStats()["interval"])
}
