// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cache

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/engramd/engram/internal/logger"
)

const redisDialTimeout = 5 * time.Second

// RedisBackend is the distributed cache backend. All calls run through
// a circuit breaker: after repeated failures the backend is marked
// unhealthy and bypassed for the rest of the process lifetime, with
// every operation degrading to a miss or no-op.
type RedisBackend struct {
	client  *goredis.Client
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
}

// newRedisBackend connects to redis and verifies reachability once.
// An unreachable server is reported to the caller so startup can fall
// back to the local backend.
func newRedisBackend(addr string, log *logger.Logger) (*RedisBackend, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: redisDialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "redis-cache",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("redis cache breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &RedisBackend{
		client:  client,
		breaker: breaker,
		log:     log.With("component", "RedisCache"),
	}, nil
}

// Get returns the cached value for key; any backend failure is a miss
func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.client.Get(ctx, key).Result()
	})
	if err != nil {
		if err != goredis.Nil {
			b.log.Warn("redis get failed, treating as miss", "key", key, "error", err)
		}
		return "", false
	}
	return result.(string), true
}

// Set stores a value; failures are logged and dropped
func (b *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		b.log.Warn("redis set failed", "key", key, "error", err)
	}
}

// Invalidate deletes every key with the given prefix via SCAN
func (b *RedisBackend) Invalidate(ctx context.Context, prefix string) {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		iter := b.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return nil, nil
		}
		return nil, b.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		b.log.Warn("redis invalidate failed", "prefix", prefix, "error", err)
	}
}

// Stats reports the backend name and the namespace key count
func (b *RedisBackend) Stats(ctx context.Context) Stats {
	stats := Stats{BackendName: "redis"}

	result, err := b.breaker.Execute(func() (interface{}, error) {
		iter := b.client.Scan(ctx, 0, keyNamespace+":*", 100).Iterator()
		var count int64
		for iter.Next(ctx) {
			count++
		}
		return count, iter.Err()
	})
	if err != nil {
		b.log.Warn("redis stats failed", "error", err)
		return stats
	}
	stats.KeyCount = result.(int64)
	return stats
}

// Close releases the underlying client
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
