// Package heartbeat provides periodic liveness markers for running jobs and
// lease holders. A missing timestamp always reads as "not alive".
package heartbeat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/kv"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
)

// JobKeyPrefix namespaces per-job heartbeats
const JobKeyPrefix = "task_heartbeat:"

// JobKey returns the heartbeat key of an auto-mode job
func JobKey(jobID string) string {
	return JobKeyPrefix + jobID
}

// Config holds heartbeat timings.
// Staleness must be shorter than TTL so a dead signal is judged stale
// before the store expires it.
type Config struct {
	UpdateInterval time.Duration
	Staleness      time.Duration
	TTL            time.Duration
}

// DefaultConfig returns a 30s write throttle, 3m staleness and 5m storage TTL
func DefaultConfig() Config {
	return Config{
		UpdateInterval: 30 * time.Second,
		Staleness:      3 * time.Minute,
		TTL:            5 * time.Minute,
	}
}

// Signal is the liveness marker for one key
type Signal struct {
	store   kv.Store
	key     string
	cfg     Config
	logger  *zap.SugaredLogger
	timeNow func() time.Time

	mu        sync.Mutex
	running   bool
	lastWrite time.Time
	updates   int
}

// New creates a stopped signal for key
func New(store kv.Store, key string, cfg Config, log *zap.SugaredLogger) *Signal {
	return NewWithClock(store, key, cfg, log, time.Now)
}

// NewWithClock creates a signal with an injectable clock for testing
func NewWithClock(store kv.Store, key string, cfg Config, log *zap.SugaredLogger, timeNow func() time.Time) *Signal {
	return &Signal{
		store:   store,
		key:     key,
		cfg:     cfg,
		logger:  logger.AddPulseSymbol(log).With("heartbeat_key", key),
		timeNow: timeNow,
	}
}

// Key returns the store key this signal writes
func (s *Signal) Key() string { return s.key }

// Start marks the signal running and writes immediately. Calling Start on a
// running signal writes again.
func (s *Signal) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = true
	return s.writeLocked(ctx)
}

// Update writes when force is set or the update interval has elapsed since
// the last write, and reports whether it wrote. A stopped signal never writes.
func (s *Signal) Update(ctx context.Context, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false, nil
	}
	if !force && s.timeNow().Sub(s.lastWrite) < s.cfg.UpdateInterval {
		return false, nil
	}
	if err := s.writeLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Stop deletes the stored timestamp
func (s *Signal) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	if err := s.store.Delete(ctx, s.key); err != nil {
		return errors.Wrapf(err, "stop heartbeat %s", s.key)
	}
	s.logger.Debugw("Heartbeat stopped", "updates", s.updates)
	return nil
}

// Running reports whether Start was called without a matching Stop
func (s *Signal) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Updates returns how many writes this signal has made
func (s *Signal) Updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

// IsAlive reports whether a timestamp exists and is younger than the staleness window
func (s *Signal) IsAlive(ctx context.Context) bool {
	stale, err := IsStale(ctx, s.store, s.key, s.cfg.Staleness, s.timeNow())
	return err == nil && !stale
}

// LastBeat returns the stored timestamp, if any
func (s *Signal) LastBeat(ctx context.Context) (time.Time, bool) {
	ts, ok, err := Read(ctx, s.store, s.key)
	if err != nil {
		return time.Time{}, false
	}
	return ts, ok
}

func (s *Signal) writeLocked(ctx context.Context) error {
	now := s.timeNow()
	if err := s.store.Set(ctx, s.key, now.UTC().Format(time.RFC3339Nano), s.cfg.TTL); err != nil {
		return errors.Wrapf(err, "write heartbeat %s", s.key)
	}
	s.lastWrite = now
	s.updates++
	return nil
}

// Read returns the timestamp stored under key. An unparsable value reads as absent.
func Read(ctx context.Context, store kv.Store, key string) (time.Time, bool, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "read heartbeat %s", key)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, nil
	}
	return ts, true, nil
}

// IsStale judges a heartbeat the caller does not own: missing or older than
// window is stale. A storage error is returned so callers never reclaim on it.
func IsStale(ctx context.Context, store kv.Store, key string, window time.Duration, now time.Time) (bool, error) {
	ts, ok, err := Read(ctx, store, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return now.Sub(ts) >= window, nil
}
