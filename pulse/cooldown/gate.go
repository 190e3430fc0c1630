// Package cooldown tracks timed backoff windows per resource after the
// generation service signals overload.
package cooldown

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/kv"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
)

// KeyPrefix namespaces cooldown keys in the shared store
const KeyPrefix = "cooldown:"

// Key returns the store key for a resource
func Key(resource string) string {
	return KeyPrefix + resource
}

type record struct {
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason"`
}

// Gate records and answers cooldown windows
type Gate struct {
	store   kv.Store
	logger  *zap.SugaredLogger
	timeNow func() time.Time
}

// NewGate creates a gate over the shared store
func NewGate(store kv.Store, log *zap.SugaredLogger) *Gate {
	return NewGateWithClock(store, log, time.Now)
}

// NewGateWithClock creates a gate with an injectable clock for testing
func NewGateWithClock(store kv.Store, log *zap.SugaredLogger, timeNow func() time.Time) *Gate {
	return &Gate{
		store:   store,
		logger:  logger.AddPulseSymbol(log),
		timeNow: timeNow,
	}
}

// Set starts a window of d for resource, replacing any existing one.
// Windows do not stack: a shorter d shortens the cooldown.
func (g *Gate) Set(ctx context.Context, resource string, d time.Duration, reason string) error {
	if d <= 0 {
		return g.Clear(ctx, resource)
	}

	rec := record{ExpiresAt: g.timeNow().Add(d), Reason: reason}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal cooldown")
	}
	if err := g.store.Set(ctx, Key(resource), string(data), d); err != nil {
		return errors.Wrapf(err, "set cooldown for %s", resource)
	}

	g.logger.Infow("Cooldown set",
		logger.FieldResource, resource,
		logger.FieldRetryAfter, d.String(),
		"reason", reason,
	)
	return nil
}

// Remaining returns max(0, expiry-now). Storage or decode failures read as
// no cooldown so a broken store never blocks generation outright.
func (g *Gate) Remaining(ctx context.Context, resource string) time.Duration {
	rec, ok := g.load(ctx, resource)
	if !ok {
		return 0
	}
	if left := rec.ExpiresAt.Sub(g.timeNow()); left > 0 {
		return left
	}
	return 0
}

// Reason returns the recorded reason while a window is active
func (g *Gate) Reason(ctx context.Context, resource string) string {
	rec, ok := g.load(ctx, resource)
	if !ok || !rec.ExpiresAt.After(g.timeNow()) {
		return ""
	}
	return rec.Reason
}

// Clear ends any window for resource
func (g *Gate) Clear(ctx context.Context, resource string) error {
	if err := g.store.Delete(ctx, Key(resource)); err != nil {
		return errors.Wrapf(err, "clear cooldown for %s", resource)
	}
	return nil
}

func (g *Gate) load(ctx context.Context, resource string) (record, bool) {
	raw, ok, err := g.store.Get(ctx, Key(resource))
	if err != nil {
		g.logger.Warnw("Cooldown lookup failed",
			logger.FieldResource, resource,
			logger.FieldError, err,
		)
		return record{}, false
	}
	if !ok {
		return record{}, false
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		g.logger.Warnw("Corrupt cooldown record",
			logger.FieldResource, resource,
			logger.FieldError, err,
		)
		return record{}, false
	}
	return rec, true
}
