package replay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type guardCase struct {
	name    string
	guard   Guard
	advance func(d time.Duration)
}

func guards(t *testing.T) []guardCase {
	t.Helper()

	memClock := &clock{now: time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)}
	mem := NewMemoryGuard(Options{Now: memClock.Now})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	sqlClock := &clock{now: time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)}
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	sqlGuard := NewSQLGuard(db, Options{Now: sqlClock.Now})
	require.NoError(t, sqlGuard.Migrate(context.Background()))

	return []guardCase{
		{name: "memory", guard: mem, advance: memClock.Advance},
		{name: "redis", guard: NewRedisGuard(rdb, Options{}), advance: mr.FastForward},
		{name: "sqlite", guard: sqlGuard, advance: sqlClock.Advance},
	}
}

func TestGuard_CheckAndRecord(t *testing.T) {
	for _, tc := range guards(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()

			fresh, err := tc.guard.CheckAndRecord(ctx, "job-1", "2030-01-01T10:00:00+00:00")
			require.NoError(t, err)
			assert.True(t, fresh, "first delivery")

			fresh, err = tc.guard.CheckAndRecord(ctx, "job-1", "2030-01-01T10:00:00+00:00")
			require.NoError(t, err)
			assert.False(t, fresh, "replayed delivery")

			fresh, err = tc.guard.CheckAndRecord(ctx, "job-1", "2030-01-01T10:01:00+00:00")
			require.NoError(t, err)
			assert.True(t, fresh, "same job, new processedAt")

			fresh, err = tc.guard.CheckAndRecord(ctx, "job-2", "2030-01-01T10:00:00+00:00")
			require.NoError(t, err)
			assert.True(t, fresh, "other job")
		})
	}
}

func TestGuard_Expiry(t *testing.T) {
	for _, tc := range guards(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()

			fresh, err := tc.guard.CheckAndRecord(ctx, "job-1", "t0")
			require.NoError(t, err)
			require.True(t, fresh)

			tc.advance(59 * time.Minute)
			fresh, err = tc.guard.CheckAndRecord(ctx, "job-1", "t0")
			require.NoError(t, err)
			assert.False(t, fresh, "still inside the TTL")

			tc.advance(2 * time.Minute)
			fresh, err = tc.guard.CheckAndRecord(ctx, "job-1", "t0")
			require.NoError(t, err)
			assert.True(t, fresh, "TTL elapsed")
		})
	}
}

func TestMemoryGuard_SweepsOncePerTTL(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewMemoryGuard(Options{TTL: time.Hour, Now: c.Now})

	record := func(id string) {
		t.Helper()
		fresh, err := g.CheckAndRecord(ctx, id, "t0")
		require.NoError(t, err)
		require.True(t, fresh)
	}

	record("a")
	c.Advance(30 * time.Minute)
	record("b")
	c.Advance(31 * time.Minute)
	record("c")
	assert.Len(t, g.records, 2, "a expired and was swept")

	c.Advance(30 * time.Minute)
	record("d")
	assert.Len(t, g.records, 3, "b expired but the last sweep was 30 minutes ago")

	c.Advance(31 * time.Minute)
	record("e")
	assert.Len(t, g.records, 2, "b and c swept, d and e live")
	assert.Contains(t, g.records, Key(domain.ReplayKeyPrefix, "d", "t0"))
}

func TestGuard_Concurrent(t *testing.T) {
	for _, tc := range guards(t) {
		t.Run(tc.name, func(t *testing.T) {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					fresh, err := tc.guard.CheckAndRecord(context.Background(), "job-race", "t0")
					assert.NoError(t, err)
					if fresh {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestRedisGuard_KeyAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	guard := NewRedisGuard(rdb, Options{})
	_, err := guard.CheckAndRecord(context.Background(), "job-1", "2030-01-01T10:00:00+00:00")
	require.NoError(t, err)

	key := "scheduler-idempotency/job-1:2030-01-01T10:00:00+00:00"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Hour, mr.TTL(key))
}

func TestSQLGuard_Purge(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)}

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	guard := NewSQLGuard(db, Options{Now: c.Now, TTL: time.Minute})
	require.NoError(t, guard.Migrate(ctx))

	for _, id := range []string{"a", "b", "c"} {
		_, err := guard.CheckAndRecord(ctx, id, "t0")
		require.NoError(t, err)
	}
	c.Advance(2 * time.Minute)
	_, err = guard.CheckAndRecord(ctx, "d", "t0")
	require.NoError(t, err)

	removed, err := guard.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	var left int
	require.NoError(t, db.GetContext(ctx, &left, "SELECT COUNT(*) FROM replay_records"))
	assert.Equal(t, 1, left)
}
