// Package kv is the shared key-value store every coordination primitive is
// built on. Keys carry an optional TTL. SetIfAbsent is the only
// mutual-exclusion tool; there are no multi-key transactions.
package kv

import (
	"context"
	"time"
)

// Store is a TTL key-value store shared by all workers.
// A ttl <= 0 means the key never expires.
type Store interface {
	// Get returns the value and whether a live key was found.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// SetIfAbsent writes only when no live key exists and reports whether it wrote.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

func expiry(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}
