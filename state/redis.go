package state

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sentinel/core"
)

// hash fields: v holds the version counter, d the opaque value
const (
	fieldVersion = "v"
	fieldData    = "d"
)

// RedisStore is the shared Store used when consumers on different processes
// touch the same window keys. CAS runs as a WATCH transaction so a racing
// writer surfaces as ErrConflict rather than a lost update.
type RedisStore struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(addr, password string, db, poolSize int, logger *zap.SugaredLogger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
	return &RedisStore{client: client, logger: logger}
}

// NewRedisStoreFromClient wraps an existing client; tests pass a miniredis
// backed client here
func NewRedisStoreFromClient(client *redis.Client, logger *zap.SugaredLogger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

// Ping tests the connection
func (rs *RedisStore) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Get returns the entry and whether the key exists
func (rs *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	vals, err := rs.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Entry{}, false, core.TransientIOError("state get", err)
	}
	if len(vals) == 0 {
		return Entry{}, false, nil
	}

	version, err := strconv.ParseUint(vals[fieldVersion], 10, 64)
	if err != nil {
		return Entry{}, false, core.TransientIOError("state get", err)
	}
	return Entry{Value: []byte(vals[fieldData]), Version: version}, true, nil
}

// Put writes unconditionally and returns the new version
func (rs *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	var version uint64

	err := rs.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, fieldVersion).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		version = 1
		if err == nil {
			parsed, parseErr := strconv.ParseUint(current, 10, 64)
			if parseErr != nil {
				return parseErr
			}
			version = parsed + 1
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldVersion, version, fieldData, value)
			if ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
			return nil
		})
		return err
	}, key)

	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return 0, ErrConflict
		}
		return 0, core.TransientIOError("state put", err)
	}
	return version, nil
}

// CompareAndSwap writes only if the current version matches expectedVersion
func (rs *RedisStore) CompareAndSwap(ctx context.Context, key string, value []byte, expectedVersion uint64, ttl time.Duration) (uint64, error) {
	version := expectedVersion + 1

	err := rs.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, fieldVersion).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if expectedVersion != 0 {
				return ErrConflict
			}
		case err != nil:
			return err
		default:
			parsed, parseErr := strconv.ParseUint(current, 10, 64)
			if parseErr != nil {
				return parseErr
			}
			if parsed != expectedVersion {
				return ErrConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldVersion, version, fieldData, value)
			if ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
			return nil
		})
		return err
	}, key)

	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, redis.TxFailedErr) {
			return 0, ErrConflict
		}
		return 0, core.TransientIOError("state cas", err)
	}
	return version, nil
}

// Delete removes a key
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, key).Err(); err != nil {
		return core.TransientIOError("state delete", err)
	}
	return nil
}

// Close closes the Redis connection
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
