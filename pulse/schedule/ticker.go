package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
)

// Ticker polls for due schedules and runs them sequentially through a Runner
type Ticker struct {
	store    *Store
	runner   *Runner
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pulseLog *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	runsOK          int64
	runsFailed      int64
	lastNextID      string // last logged upcoming schedule, to avoid log spam
}

// TickerConfig contains configuration for the ticker
type TickerConfig struct {
	Interval time.Duration // how often to check for due schedules
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{Interval: 30 * time.Second}
}

// NewTicker creates a ticker bound to a parent context
func NewTicker(ctx context.Context, store *Store, runner *Runner, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	tickerCtx, cancel := context.WithCancel(ctx)

	return &Ticker{
		store:    store,
		runner:   runner,
		interval: cfg.Interval,
		ctx:      tickerCtx,
		cancel:   cancel,
		pulseLog: logger.AddPulseSymbol(log),
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker, waiting for an in-flight run
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			t.mu.Unlock()

			if err := t.checkScheduled(tickTime); err != nil {
				t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", t.ticksSinceStart)
			}
			t.logNextInfo(tickTime)
		}
	}
}

// logNextInfo logs the upcoming schedule whenever it changes
func (t *Ticker) logNextInfo(now time.Time) {
	next, err := t.store.GetNext(t.ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to get next schedule", logger.FieldError, err)
		return
	}

	id := ""
	if next != nil {
		id = next.ID
	}
	t.mu.Lock()
	changed := id != t.lastNextID
	t.lastNextID = id
	t.mu.Unlock()
	if !changed {
		return
	}

	if next == nil || next.NextRun == nil {
		t.pulseLog.Infow("Pulse - no scheduled executions")
		return
	}

	until := next.NextRun.Sub(now)
	if until < 0 {
		until = 0
	}
	t.pulseLog.Infow(fmt.Sprintf("Pulse - next scheduled execution '%s' in %s", next.Name, until.Round(time.Second)))
}

// checkScheduled runs every schedule due at now
func (t *Ticker) checkScheduled(now time.Time) error {
	due, err := t.store.ListDue(t.ctx, now)
	if err != nil {
		return errors.Wrap(err, "failed to list due schedules")
	}

	for _, rec := range due {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		default:
		}
		t.execute(rec)
	}
	return nil
}

func (t *Ticker) execute(rec *Record) {
	start := time.Now()
	t.pulseLog.Infow("Pulse executing schedule",
		logger.FieldScheduleID, rec.ID,
		"name", rec.Name,
		logger.FieldTemplate, rec.TemplateName,
		"items", rec.ItemsPerRun)

	result, err := t.runner.Run(t.ctx, rec)
	durationMs := time.Since(start).Milliseconds()

	if err != nil || result.Status == StatusFailed {
		t.mu.Lock()
		t.runsFailed++
		t.mu.Unlock()

		var reason interface{}
		var details []string
		if err != nil {
			reason = err
			details = errors.GetAllDetails(err)
		} else {
			reason = result.errorMessage()
		}
		t.pulseLog.Errorw("Pulse FAILED",
			logger.FieldScheduleID, rec.ID,
			logger.FieldTemplate, rec.TemplateName,
			logger.FieldDurationMS, durationMs,
			"details", details,
			logger.FieldError, reason)
		return
	}

	t.mu.Lock()
	t.runsOK++
	t.mu.Unlock()

	var nextRun interface{}
	if rec.NextRun != nil {
		nextRun = rec.NextRun.Format(time.RFC3339)
	}
	t.pulseLog.Infow("Pulse OK",
		logger.FieldScheduleID, rec.ID,
		logger.FieldTemplate, rec.TemplateName,
		logger.FieldStatus, result.Status,
		logger.FieldCount, result.CreatedCount,
		"execution_id", result.ExecutionID,
		logger.FieldDurationMS, durationMs,
		logger.FieldNextRun, nextRun)
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval,
		"runs_ok":           t.runsOK,
		"runs_failed":       t.runsFailed,
	}
}
