package kv

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	igtest "github.com/lukinterlab/idealimage-ru-sub001/internal/testing"
)

var epoch = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

// storeFactories builds each implementation over the same fake clock
func storeFactories() map[string]func(t *testing.T, clock *igtest.Clock) Store {
	return map[string]func(t *testing.T, clock *igtest.Clock) Store{
		"memory": func(t *testing.T, clock *igtest.Clock) Store {
			return NewMemoryStoreWithClock(clock.Now)
		},
		"sqlite": func(t *testing.T, clock *igtest.Clock) Store {
			return NewSQLiteStoreWithClock(igtest.CreateTestDB(t), nil, clock.Now)
		},
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()

	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("get missing key", func(t *testing.T) {
				s := factory(t, igtest.NewClock(epoch))
				_, ok, err := s.Get(ctx, "nope")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("set then get", func(t *testing.T) {
				s := factory(t, igtest.NewClock(epoch))
				require.NoError(t, s.Set(ctx, "a", "1", time.Minute))
				v, ok, err := s.Get(ctx, "a")
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, "1", v)
			})

			t.Run("ttl expiry", func(t *testing.T) {
				clock := igtest.NewClock(epoch)
				s := factory(t, clock)
				require.NoError(t, s.Set(ctx, "a", "1", time.Minute))

				clock.Advance(59 * time.Second)
				_, ok, _ := s.Get(ctx, "a")
				assert.True(t, ok)

				clock.Advance(time.Second)
				_, ok, _ = s.Get(ctx, "a")
				assert.False(t, ok, "key should expire exactly at ttl")
			})

			t.Run("zero ttl never expires", func(t *testing.T) {
				clock := igtest.NewClock(epoch)
				s := factory(t, clock)
				require.NoError(t, s.Set(ctx, "a", "1", 0))
				clock.Advance(365 * 24 * time.Hour)
				_, ok, _ := s.Get(ctx, "a")
				assert.True(t, ok)
			})

			t.Run("set overwrites", func(t *testing.T) {
				s := factory(t, igtest.NewClock(epoch))
				require.NoError(t, s.Set(ctx, "a", "1", time.Minute))
				require.NoError(t, s.Set(ctx, "a", "2", time.Minute))
				v, _, _ := s.Get(ctx, "a")
				assert.Equal(t, "2", v)
			})

			t.Run("delete", func(t *testing.T) {
				s := factory(t, igtest.NewClock(epoch))
				require.NoError(t, s.Set(ctx, "a", "1", time.Minute))
				require.NoError(t, s.Delete(ctx, "a"))
				_, ok, _ := s.Get(ctx, "a")
				assert.False(t, ok)
				require.NoError(t, s.Delete(ctx, "a"), "deleting a missing key is not an error")
			})

			t.Run("set if absent", func(t *testing.T) {
				clock := igtest.NewClock(epoch)
				s := factory(t, clock)

				won, err := s.SetIfAbsent(ctx, "lock", "job-1", time.Minute)
				require.NoError(t, err)
				assert.True(t, won)

				won, err = s.SetIfAbsent(ctx, "lock", "job-2", time.Minute)
				require.NoError(t, err)
				assert.False(t, won)

				v, _, _ := s.Get(ctx, "lock")
				assert.Equal(t, "job-1", v)

				clock.Advance(time.Minute)
				won, err = s.SetIfAbsent(ctx, "lock", "job-2", time.Minute)
				require.NoError(t, err)
				assert.True(t, won, "expired key can be taken")

				v, _, _ = s.Get(ctx, "lock")
				assert.Equal(t, "job-2", v)
			})

			t.Run("set if absent does not take a permanent key", func(t *testing.T) {
				s := factory(t, igtest.NewClock(epoch))
				require.NoError(t, s.Set(ctx, "k", "v", 0))
				won, err := s.SetIfAbsent(ctx, "k", "other", time.Minute)
				require.NoError(t, err)
				assert.False(t, won)
			})
		})
	}
}

func TestMemoryStore_SetIfAbsentRace(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if won, _ := s.SetIfAbsent(ctx, "lock", "x", time.Minute); won {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
	assert.Equal(t, 1, s.Len())
}

func TestSQLiteStore_PurgeExpired(t *testing.T) {
	clock := igtest.NewClock(epoch)
	s := NewSQLiteStoreWithClock(igtest.CreateTestDB(t), nil, clock.Now)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", "1", time.Second))
	require.NoError(t, s.Set(ctx, "long", "1", time.Hour))
	require.NoError(t, s.Set(ctx, "forever", "1", 0))

	clock.Advance(time.Minute)
	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteStore_ErrorsCarryKey(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery("SELECT value, expires_at FROM kv_store").
		WithArgs("cooldown:content_generation").
		WillReturnError(assert.AnError)

	s := NewSQLiteStore(conn, nil)
	_, _, err = s.Get(context.Background(), "cooldown:content_generation")
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, errorDetails(err), "key: cooldown:content_generation")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_SetIfAbsentRowsAffected(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("INSERT INTO kv_store").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO kv_store").WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewSQLiteStore(conn, nil)
	won, err := s.SetIfAbsent(context.Background(), "queue_lock:x", "job", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	won, err = s.SetIfAbsent(context.Background(), "queue_lock:x", "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func errorDetails(err error) string {
	return errors.FlattenDetails(err)
}
