// Package lease gives at most one concurrent job per resource: a daily FIFO
// admission queue plus a TTL lease taken with SetIfAbsent. A lease whose
// heartbeat goes stale is reclaimed by whoever is waiting.
package lease

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/kv"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
	"github.com/lukinterlab/idealimage-ru-sub001/pulse/heartbeat"
)

// RolloverPolicy decides what happens to a job still waiting when the
// queue's calendar day changes.
type RolloverPolicy string

const (
	// RolloverReenqueue appends the job to the new day's queue
	RolloverReenqueue RolloverPolicy = "reenqueue"
	// RolloverCarry moves the previous day's remaining ids, in order, to the head of the new queue
	RolloverCarry RolloverPolicy = "carry"
	// RolloverDrop removes the job; WaitForTurn returns ErrDroppedAtRollover
	RolloverDrop RolloverPolicy = "drop"
)

const dayLayout = "2006-01-02"

// QueueKey returns the day-scoped queue key
func QueueKey(resource string, day time.Time) string {
	return "queue:" + resource + ":" + day.Format(dayLayout)
}

// LeaseKey returns the lease key. It is not day-scoped so exclusion holds across midnight.
func LeaseKey(resource string) string {
	return "queue_lock:" + resource
}

// LeaseHeartbeatKey returns the heartbeat key of the lease holder
func LeaseHeartbeatKey(resource string) string {
	return LeaseKey(resource) + ":heartbeat"
}

// Config holds queue timings
type Config struct {
	PollInterval       time.Duration
	StaleCheckInterval time.Duration
	LeaseTTL           time.Duration
	QueueTTL           time.Duration
	Heartbeat          heartbeat.Config
	Rollover           RolloverPolicy
}

// DefaultConfig returns production timings
func DefaultConfig() Config {
	return Config{
		PollInterval:       5 * time.Second,
		StaleCheckInterval: 30 * time.Second,
		LeaseTTL:           30 * time.Minute,
		QueueTTL:           24 * time.Hour,
		Heartbeat:          heartbeat.DefaultConfig(),
		Rollover:           RolloverReenqueue,
	}
}

// Status is a diagnostic snapshot of one resource
type Status struct {
	Resource      string     `json:"resource"`
	Queue         []string   `json:"queue"`
	Holder        string     `json:"holder,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// Queue coordinates admission to one resource
type Queue struct {
	store    kv.Store
	resource string
	cfg      Config
	base     *zap.SugaredLogger
	logger   *zap.SugaredLogger
	timeNow  func() time.Time

	// mu serializes read-modify-write of the queue array within this process
	mu   sync.Mutex
	held map[string]*heartbeat.Signal
}

// New creates a queue for resource
func New(store kv.Store, resource string, cfg Config, log *zap.SugaredLogger) *Queue {
	return NewWithClock(store, resource, cfg, log, time.Now)
}

// NewWithClock creates a queue with an injectable clock for testing
func NewWithClock(store kv.Store, resource string, cfg Config, log *zap.SugaredLogger, timeNow func() time.Time) *Queue {
	if cfg.Rollover == "" {
		cfg.Rollover = RolloverReenqueue
	}
	return &Queue{
		store:    store,
		resource: resource,
		cfg:      cfg,
		base:     log,
		logger:   logger.AddPulseSymbol(log).With(logger.FieldResource, resource),
		timeNow:  timeNow,
		held:     make(map[string]*heartbeat.Signal),
	}
}

// Resource returns the resource key this queue guards
func (q *Queue) Resource() string { return q.resource }

// Enqueue appends jobID if absent and returns its 1-based position
func (q *Queue) Enqueue(ctx context.Context, jobID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := QueueKey(q.resource, q.timeNow())
	ids, err := q.readQueue(ctx, key)
	if err != nil {
		return 0, err
	}
	if pos := indexOf(ids, jobID); pos >= 0 {
		return pos + 1, nil
	}

	ids = append(ids, jobID)
	if err := q.writeQueue(ctx, key, ids); err != nil {
		return 0, err
	}
	q.logger.Infow("Job enqueued",
		logger.FieldJobID, jobID,
		logger.FieldPosition, len(ids),
	)
	return len(ids), nil
}

// Position returns jobID's 1-based position in today's queue, 0 when absent
func (q *Queue) Position(ctx context.Context, jobID string) (int, error) {
	ids, err := q.readQueue(ctx, QueueKey(q.resource, q.timeNow()))
	if err != nil {
		return 0, err
	}
	return indexOf(ids, jobID) + 1, nil
}

// WaitForTurn polls until jobID holds the lease, maxWait elapses or ctx is done.
// Deadline expiry (maxWait or ctx deadline) returns false with no error;
// cancellation returns ctx.Err(). The job stays enqueued until Release.
func (q *Queue) WaitForTurn(ctx context.Context, jobID string, maxWait time.Duration) (bool, error) {
	startedAt := q.timeNow()
	deadline := startedAt.Add(maxWait)
	lastStaleCheck := startedAt
	var idleHead string

	for {
		acquired, err := q.tryAcquire(ctx, jobID)
		if err != nil {
			if errors.Is(err, errors.ErrDroppedAtRollover) {
				return false, err
			}
			q.logger.Warnw("Lease poll failed",
				logger.FieldJobID, jobID,
				logger.FieldError, err,
			)
		}
		if acquired {
			q.logger.Infow("Lease acquired",
				logger.FieldJobID, jobID,
				"waited", q.timeNow().Sub(startedAt).String(),
			)
			return true, nil
		}

		now := q.timeNow()
		if now.Sub(lastStaleCheck) >= q.cfg.StaleCheckInterval {
			lastStaleCheck = now
			idleHead = q.checkStale(ctx, jobID, idleHead)
		}

		if !now.Before(deadline) {
			q.logger.Warnw("Wait for turn timed out",
				logger.FieldJobID, jobID,
				"max_wait", maxWait.String(),
			)
			return false, nil
		}

		wait := q.cfg.PollInterval
		if left := deadline.Sub(now); left < wait {
			wait = left
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, nil
			}
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire makes one admission attempt
func (q *Queue) tryAcquire(ctx context.Context, jobID string) (bool, error) {
	ids, err := q.ensureQueued(ctx, jobID)
	if err != nil {
		return false, err
	}

	holder, held, err := q.store.Get(ctx, LeaseKey(q.resource))
	if err != nil {
		return false, errors.Wrap(err, "read lease")
	}
	if held {
		// Re-entrant: a holder asking again already has its turn
		return holder == jobID, nil
	}
	if len(ids) > 0 && ids[0] != jobID {
		return false, nil
	}

	won, err := q.store.SetIfAbsent(ctx, LeaseKey(q.resource), jobID, q.cfg.LeaseTTL)
	if err != nil {
		return false, errors.Wrap(err, "acquire lease")
	}
	if !won {
		return false, nil
	}

	sig := heartbeat.NewWithClock(q.store, LeaseHeartbeatKey(q.resource), q.cfg.Heartbeat, q.base, q.timeNow)
	if err := sig.Start(ctx); err != nil {
		// A lease without a heartbeat would be reclaimed by the next waiter
		q.store.Delete(ctx, LeaseKey(q.resource))
		return false, errors.Wrap(err, "start lease heartbeat")
	}

	q.mu.Lock()
	q.held[jobID] = sig
	q.mu.Unlock()
	return true, nil
}

// ensureQueued returns today's queue with jobID in it, applying the rollover
// policy when the job is only found in yesterday's queue.
func (q *Queue) ensureQueued(ctx context.Context, jobID string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.timeNow()
	todayKey := QueueKey(q.resource, now)
	today, err := q.readQueue(ctx, todayKey)
	if err != nil {
		return nil, err
	}
	if indexOf(today, jobID) >= 0 {
		return today, nil
	}

	yesterdayKey := QueueKey(q.resource, now.AddDate(0, 0, -1))
	yesterday, err := q.readQueue(ctx, yesterdayKey)
	if err != nil {
		return nil, err
	}

	if indexOf(yesterday, jobID) < 0 {
		// Lost to a concurrent writer in another process; put it back
		today = append(today, jobID)
		return today, q.writeQueue(ctx, todayKey, today)
	}

	switch q.cfg.Rollover {
	case RolloverDrop:
		if err := q.writeQueue(ctx, yesterdayKey, remove(yesterday, jobID)); err != nil {
			return nil, err
		}
		q.logger.Warnw("Job dropped at queue rollover", logger.FieldJobID, jobID)
		return nil, errors.Wrapf(errors.ErrDroppedAtRollover, "job %s", jobID)

	case RolloverCarry:
		carried := append([]string{}, yesterday...)
		for _, id := range today {
			if indexOf(carried, id) < 0 {
				carried = append(carried, id)
			}
		}
		if err := q.writeQueue(ctx, todayKey, carried); err != nil {
			return nil, err
		}
		if err := q.writeQueue(ctx, yesterdayKey, nil); err != nil {
			return nil, err
		}
		q.logger.Infow("Queue carried over to new day",
			logger.FieldJobID, jobID,
			logger.FieldCount, len(yesterday),
		)
		return carried, nil

	default:
		if err := q.writeQueue(ctx, yesterdayKey, remove(yesterday, jobID)); err != nil {
			return nil, err
		}
		today = append(today, jobID)
		if err := q.writeQueue(ctx, todayKey, today); err != nil {
			return nil, err
		}
		q.logger.Infow("Job re-enqueued at queue rollover",
			logger.FieldJobID, jobID,
			logger.FieldPosition, len(today),
		)
		return today, nil
	}
}

// checkStale clears a lease whose heartbeat is missing or stale. With no
// lease at all, a head that stayed in place for two checks never came back
// for its turn and is removed. Returns the head seen idle this check.
func (q *Queue) checkStale(ctx context.Context, self, idleHead string) string {
	holder, held, err := q.store.Get(ctx, LeaseKey(q.resource))
	if err != nil {
		q.logger.Warnw("Stale check failed", logger.FieldError, err)
		return ""
	}

	if held {
		stale, err := heartbeat.IsStale(ctx, q.store, LeaseHeartbeatKey(q.resource), q.cfg.Heartbeat.Staleness, q.timeNow())
		if err != nil || !stale {
			return ""
		}
		q.reclaim(ctx, holder)
		return ""
	}

	ids, err := q.readQueue(ctx, QueueKey(q.resource, q.timeNow()))
	if err != nil || len(ids) == 0 || ids[0] == self {
		return ""
	}
	if ids[0] != idleHead {
		return ids[0]
	}

	q.mu.Lock()
	err = q.removeFromQueues(ctx, idleHead)
	q.mu.Unlock()
	if err == nil {
		q.logger.Warnw("Abandoned queue head removed", logger.FieldJobID, idleHead)
	}
	return ""
}

// reclaim clears the heartbeat before the lease: once the lease is gone a
// waiter may acquire and write a fresh heartbeat under the same key.
func (q *Queue) reclaim(ctx context.Context, holder string) {
	if current, held, err := q.store.Get(ctx, LeaseKey(q.resource)); err != nil || !held || current != holder {
		return
	}
	if err := q.store.Delete(ctx, LeaseHeartbeatKey(q.resource)); err != nil {
		q.logger.Warnw("Stale lease heartbeat not cleared", logger.FieldHolder, holder, logger.FieldError, err)
		return
	}
	if err := q.store.Delete(ctx, LeaseKey(q.resource)); err != nil {
		q.logger.Warnw("Stale lease not cleared", logger.FieldHolder, holder, logger.FieldError, err)
		return
	}

	q.mu.Lock()
	q.removeFromQueues(ctx, holder)
	q.mu.Unlock()

	q.logger.Warnw("Stale lease reclaimed",
		logger.FieldHolder, holder,
		logger.FieldError, errors.ErrStaleLeaseReclaimed,
	)
}

// Touch refreshes the lease heartbeat (throttled) and extends the lease TTL
// when jobID is the holder. A non-holder Touch is a no-op.
func (q *Queue) Touch(ctx context.Context, jobID string) error {
	q.mu.Lock()
	sig := q.held[jobID]
	q.mu.Unlock()
	if sig == nil {
		return nil
	}

	holder, held, err := q.store.Get(ctx, LeaseKey(q.resource))
	if err != nil {
		return errors.Wrap(err, "read lease")
	}
	if !held || holder != jobID {
		return nil
	}

	wrote, err := sig.Update(ctx, false)
	if err != nil {
		return err
	}
	if wrote {
		if err := q.store.Set(ctx, LeaseKey(q.resource), jobID, q.cfg.LeaseTTL); err != nil {
			return errors.Wrap(err, "extend lease")
		}
	}
	return nil
}

// HeartbeatUpdates returns how many lease heartbeat writes jobID made
func (q *Queue) HeartbeatUpdates(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sig := q.held[jobID]; sig != nil {
		return sig.Updates()
	}
	return 0
}

// Release removes jobID from today's and yesterday's queue and, if it
// holds the lease, clears its heartbeat and then the lease. A job that lost
// the lease leaves the new holder's heartbeat alone.
func (q *Queue) Release(ctx context.Context, jobID string) error {
	q.mu.Lock()
	sig := q.held[jobID]
	delete(q.held, jobID)
	err := q.removeFromQueues(ctx, jobID)
	q.mu.Unlock()
	if err != nil {
		return err
	}

	holder, held, err := q.store.Get(ctx, LeaseKey(q.resource))
	if err != nil {
		return errors.Wrap(err, "read lease")
	}
	if !held || holder != jobID {
		return nil
	}

	// Heartbeat first: the key is shared with whoever acquires next
	if sig != nil {
		if err := sig.Stop(ctx); err != nil {
			return err
		}
	}
	if err := q.store.Delete(ctx, LeaseHeartbeatKey(q.resource)); err != nil {
		return errors.Wrap(err, "delete lease heartbeat")
	}
	if err := q.store.Delete(ctx, LeaseKey(q.resource)); err != nil {
		return errors.Wrap(err, "delete lease")
	}

	q.logger.Infow("Lease released", logger.FieldJobID, jobID)
	return nil
}

// Status returns today's queue, the holder and its last heartbeat
func (q *Queue) Status(ctx context.Context) (Status, error) {
	st := Status{Resource: q.resource}

	ids, err := q.readQueue(ctx, QueueKey(q.resource, q.timeNow()))
	if err != nil {
		return st, err
	}
	st.Queue = ids

	holder, held, err := q.store.Get(ctx, LeaseKey(q.resource))
	if err != nil {
		return st, errors.Wrap(err, "read lease")
	}
	if held {
		st.Holder = holder
	}

	ts, ok, err := heartbeat.Read(ctx, q.store, LeaseHeartbeatKey(q.resource))
	if err != nil {
		return st, err
	}
	if ok {
		st.LastHeartbeat = &ts
	}
	return st, nil
}

// removeFromQueues must be called with q.mu held
func (q *Queue) removeFromQueues(ctx context.Context, jobID string) error {
	now := q.timeNow()
	for _, key := range []string{QueueKey(q.resource, now), QueueKey(q.resource, now.AddDate(0, 0, -1))} {
		ids, err := q.readQueue(ctx, key)
		if err != nil {
			return err
		}
		if indexOf(ids, jobID) < 0 {
			continue
		}
		if err := q.writeQueue(ctx, key, remove(ids, jobID)); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) readQueue(ctx context.Context, key string) ([]string, error) {
	raw, ok, err := q.store.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "read queue %s", key)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		q.logger.Warnw("Corrupt queue record, resetting", "key", key, logger.FieldError, err)
		return nil, nil
	}
	return ids, nil
}

func (q *Queue) writeQueue(ctx context.Context, key string, ids []string) error {
	if len(ids) == 0 {
		if err := q.store.Delete(ctx, key); err != nil {
			return errors.Wrapf(err, "clear queue %s", key)
		}
		return nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return errors.Wrap(err, "marshal queue")
	}
	if err := q.store.Set(ctx, key, string(data), q.cfg.QueueTTL); err != nil {
		return errors.Wrapf(err, "write queue %s", key)
	}
	return nil
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func remove(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
