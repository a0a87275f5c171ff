package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const keyPrefix = "insight:"

// volumeScale is the number of decimal places kept by the integer hourly
// counters. INCRBY keeps the sums exact where INCRBYFLOAT would drift.
const volumeScale = 8

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Config
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisStore implements Store on Redis lists and counters.
type RedisStore struct {
	client *redis.Client
	cfg    Config
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 50
	}
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    5,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		ReadTimeout:     200 * time.Millisecond,
		WriteTimeout:    200 * time.Millisecond,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	log.Infof("Connected to Redis cache at %s", cfg.Addr)
	return NewRedisStoreFromClient(client, cfg.Config), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, cfg Config) *RedisStore {
	return &RedisStore{client: client, cfg: cfg.withDefaults()}
}

// Client exposes the connection for components sharing it, such as the
// broadcast publisher.
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func recentKey(subject string) string {
	return keyPrefix + "recent:" + subject
}

func volumeKey(subject string, hourStart int64) string {
	return keyPrefix + "volume:" + subject + ":" + strconv.FormatInt(hourStart, 10)
}

func (r *RedisStore) PushRecent(ctx context.Context, subject string, e Entry) ([]Entry, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}

	key := recentKey(subject)
	max := int64(r.cfg.RecentLength)

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, max-1)
	pipe.Expire(ctx, key, r.cfg.TTL)
	rng := pipe.LRange(ctx, key, 0, max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("push recent %s: %w", subject, err)
	}

	raw := rng.Val()
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			log.Warnf("Skipping undecodable recent entry for %s: %v", subject, err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *RedisStore) AddHourlyVolume(ctx context.Context, subject string, hourStart int64, amount model.Decimal) (model.Decimal, model.Decimal, error) {
	curKey := volumeKey(subject, hourStart)
	prevKey := volumeKey(subject, hourStart-hourMs)

	units, err := amount.Units(volumeScale)
	if err != nil {
		return model.Zero, model.Zero, fmt.Errorf("hourly volume %s: %w", subject, err)
	}

	pipe := r.client.TxPipeline()
	incr := pipe.IncrBy(ctx, curKey, units)
	// keep the counter long enough to serve as "previous" for the next hour
	pipe.Expire(ctx, curKey, 2*time.Hour)
	prev := pipe.Get(ctx, prevKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return model.Zero, model.Zero, fmt.Errorf("hourly volume %s: %w", subject, err)
	}

	if err := incr.Err(); err != nil {
		return model.Zero, model.Zero, fmt.Errorf("hourly volume %s: %w", subject, err)
	}
	current := model.DecimalFromUnits(incr.Val(), volumeScale)

	previous := model.Zero
	if n, err := prev.Int64(); err == nil {
		previous = model.DecimalFromUnits(n, volumeScale)
	} else if !errors.Is(err, redis.Nil) {
		return model.Zero, model.Zero, err
	}
	return current, previous, nil
}

// Sweep deletes engine keys that carry no TTL. Keys with a TTL expire on
// their own.
func (r *RedisStore) Sweep(ctx context.Context, _ time.Time) (int, error) {
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 500).Iterator()
	var stale []string
	for iter.Next(ctx) {
		key := iter.Val()
		ttl, err := r.client.TTL(ctx, key).Result()
		if err != nil {
			continue
		}
		if ttl == -1 {
			stale = append(stale, key)
		}
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}

	if len(stale) == 0 {
		return 0, nil
	}
	if err := r.client.Del(ctx, stale...).Err(); err != nil {
		return 0, err
	}
	log.Infof("Swept %d cache keys without expiry", len(stale))
	return len(stale), nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
