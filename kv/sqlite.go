package kv

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
)

// SQLiteStore is a Store backed by the kv_store table.
// Several idealgen processes can share one database file.
type SQLiteStore struct {
	db      *sql.DB
	logger  *zap.SugaredLogger
	timeNow func() time.Time
}

// NewSQLiteStore creates a store over a migrated database
func NewSQLiteStore(db *sql.DB, log *zap.SugaredLogger) *SQLiteStore {
	return NewSQLiteStoreWithClock(db, log, time.Now)
}

// NewSQLiteStoreWithClock creates a store with an injectable clock for testing
func NewSQLiteStoreWithClock(db *sql.DB, log *zap.SugaredLogger, timeNow func() time.Time) *SQLiteStore {
	return &SQLiteStore{
		db:      db,
		logger:  logger.AddDBSymbol(log),
		timeNow: timeNow,
	}
}

func nullableMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// Get implements Store
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM kv_store WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.WithDetailf(errors.Wrap(err, "kv get"), "key: %s", key)
	}
	if expiresAt.Valid && expiresAt.Int64 <= s.timeNow().UnixMilli() {
		return "", false, nil
	}
	return value, true, nil
}

// Set implements Store
func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.timeNow()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		key, value, nullableMillis(expiry(now, ttl)), now.UnixMilli(),
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "kv set"), "key: %s", key)
	}
	return nil
}

// Delete implements Store
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", key); err != nil {
		return errors.WithDetailf(errors.Wrap(err, "kv delete"), "key: %s", key)
	}
	return nil
}

// SetIfAbsent implements Store. A single upsert whose update branch only fires
// on an expired row, so two processes racing for the same key cannot both win.
func (s *SQLiteStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.timeNow()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
		WHERE kv_store.expires_at IS NOT NULL AND kv_store.expires_at <= ?`,
		key, value, nullableMillis(expiry(now, ttl)), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, errors.WithDetailf(errors.Wrap(err, "kv set if absent"), "key: %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "kv set if absent: rows affected")
	}
	return n == 1, nil
}

// PurgeExpired deletes expired rows and returns how many were removed
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= ?",
		s.timeNow().UnixMilli(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "kv purge expired")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "kv purge expired: rows affected")
	}
	if n > 0 {
		s.logger.Debugw("Purged expired keys", logger.FieldCount, n)
	}
	return n, nil
}
