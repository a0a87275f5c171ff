package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, cfg Config) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client, cfg), mr
}

func stores(t *testing.T, cfg Config) map[string]Store {
	rs, _ := newRedisStore(t, cfg)
	return map[string]Store{
		"redis":  rs,
		"memory": NewMemoryStore(cfg),
	}
}

func entry(id string, amount string, ts int64) Entry {
	return Entry{EntityID: id, Amount: model.MustDecimal(amount), Currency: "USD", Timestamp: ts}
}

func TestPushRecentNewestFirstAndCapped(t *testing.T) {
	for name, s := range stores(t, Config{RecentLength: 3, TTL: time.Hour}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var got []Entry
			var err error
			for i := 1; i <= 5; i++ {
				got, err = s.PushRecent(ctx, "U1", entry(fmt.Sprintf("t%d", i), "10", int64(i)))
				require.NoError(t, err)
			}

			require.Len(t, got, 3)
			assert.Equal(t, "t5", got[0].EntityID)
			assert.Equal(t, "t4", got[1].EntityID)
			assert.Equal(t, "t3", got[2].EntityID)
			assert.True(t, got[0].Amount.Equal(model.MustDecimal("10")))
		})
	}
}

func TestPushRecentIsolatesSubjects(t *testing.T) {
	for name, s := range stores(t, Config{RecentLength: 10, TTL: time.Hour}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.PushRecent(ctx, "U1", entry("a", "1", 1))
			require.NoError(t, err)
			got, err := s.PushRecent(ctx, "U2", entry("b", "2", 2))
			require.NoError(t, err)

			require.Len(t, got, 1)
			assert.Equal(t, "b", got[0].EntityID)
		})
	}
}

func TestAddHourlyVolume(t *testing.T) {
	hour := int64(3600000)
	for name, s := range stores(t, Config{TTL: time.Hour}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cur, prev, err := s.AddHourlyVolume(ctx, "U1", hour, model.MustDecimal("100"))
			require.NoError(t, err)
			assert.Equal(t, 0, cur.Cmp(model.MustDecimal("100")))
			assert.True(t, prev.IsZero())

			cur, prev, err = s.AddHourlyVolume(ctx, "U1", 2*hour, model.MustDecimal("250.5"))
			require.NoError(t, err)
			assert.Equal(t, 0, cur.Cmp(model.MustDecimal("250.5")))
			assert.Equal(t, 0, prev.Cmp(model.MustDecimal("100")))

			cur, _, err = s.AddHourlyVolume(ctx, "U1", 2*hour, model.MustDecimal("49.5"))
			require.NoError(t, err)
			assert.Equal(t, 0, cur.Cmp(model.MustDecimal("300")))
		})
	}
}

func TestAddHourlyVolumeIsExact(t *testing.T) {
	for name, s := range stores(t, Config{TTL: time.Hour}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var cur model.Decimal
			var err error
			for _, amount := range []string{"0.1", "0.2", "1234567.89", "0.01"} {
				cur, _, err = s.AddHourlyVolume(ctx, "U1", 0, model.MustDecimal(amount))
				require.NoError(t, err)
			}
			assert.True(t, cur.Equal(model.MustDecimal("1234568.2")), cur.String())

			_, prev, err := s.AddHourlyVolume(ctx, "U1", hourMs, model.MustDecimal("0.3"))
			require.NoError(t, err)
			assert.True(t, prev.Equal(model.MustDecimal("1234568.2")), prev.String())
		})
	}
}

func TestRedisKeysCarryTTL(t *testing.T) {
	s, mr := newRedisStore(t, Config{RecentLength: 5, TTL: 30 * time.Minute})
	ctx := context.Background()

	_, err := s.PushRecent(ctx, "U1", entry("a", "1", 1))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, mr.TTL(recentKey("U1")))

	_, _, err = s.AddHourlyVolume(ctx, "U1", 0, model.MustDecimal("1"))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, mr.TTL(volumeKey("U1", 0)))
}

func TestRedisSweepRemovesKeysWithoutExpiry(t *testing.T) {
	s, mr := newRedisStore(t, Config{TTL: time.Hour})
	ctx := context.Background()

	_, err := s.PushRecent(ctx, "U1", entry("a", "1", 1))
	require.NoError(t, err)
	require.NoError(t, mr.Set(keyPrefix+"orphan", "x"))
	require.NoError(t, mr.Set("other:key", "x"))

	removed, err := s.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, mr.Exists(keyPrefix+"orphan"))
	assert.True(t, mr.Exists("other:key"))
	assert.True(t, mr.Exists(recentKey("U1")))
}

func TestMemorySweepExpires(t *testing.T) {
	s := NewMemoryStore(Config{RecentLength: 5, TTL: time.Minute})
	base := time.Unix(1000, 0)
	s.now = func() time.Time { return base }
	ctx := context.Background()

	_, err := s.PushRecent(ctx, "U1", entry("a", "1", 1))
	require.NoError(t, err)
	_, _, err = s.AddHourlyVolume(ctx, "U1", 0, model.MustDecimal("1"))
	require.NoError(t, err)

	removed, err := s.Sweep(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	removed, err = s.Sweep(ctx, base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestMemoryExpiredListStartsFresh(t *testing.T) {
	s := NewMemoryStore(Config{RecentLength: 5, TTL: time.Minute})
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := s.PushRecent(ctx, "U1", entry("a", "1", 1))
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	got, err := s.PushRecent(ctx, "U1", entry("b", "1", 2))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].EntityID)
}
