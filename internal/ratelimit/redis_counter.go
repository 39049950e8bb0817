// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed fixed_window.lua
var fixedWindowScript string

// keyPrefix namespaces limiter counters in the shared Redis instance.
const keyPrefix = "ratelimit:"

// RedisCounter is a CounterStore backed by a shared Redis instance, making
// counters consistent across all process instances. The fixed-window
// increment runs as a single Lua script so concurrent consumers cannot race.
type RedisCounter struct {
	client *redis.Client
	script *redis.Script
}

// NewRedisCounter creates a Redis-backed counter store.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{
		client: client,
		script: redis.NewScript(fixedWindowScript),
	}
}

// Increment atomically adds one point and returns the resulting counter.
func (r *RedisCounter) Increment(ctx context.Context, key string, window, block time.Duration, limit int64) (Counter, error) {
	res, err := r.script.Run(ctx, r.client, []string{keyPrefix + key},
		window.Milliseconds(), block.Milliseconds(), limit).Result()
	if err != nil {
		return Counter{}, fmt.Errorf("increment %s: %w", key, err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return Counter{}, fmt.Errorf("increment %s: unexpected script reply %T", key, res)
	}

	count, _ := values[0].(int64)
	ttlMS, _ := values[1].(int64)
	if ttlMS < 0 {
		ttlMS = 0
	}

	return Counter{Count: count, Expiry: time.Duration(ttlMS) * time.Millisecond}, nil
}

// Get reads the counter and its remaining TTL without consuming.
func (r *RedisCounter) Get(ctx context.Context, key string) (Counter, bool, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, keyPrefix+key)
	ttlCmd := pipe.PTTL(ctx, keyPrefix+key)

	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return Counter{}, false, nil
		}
		return Counter{}, false, fmt.Errorf("get %s: %w", key, err)
	}

	count, err := getCmd.Int64()
	if err != nil {
		return Counter{}, false, fmt.Errorf("get %s: %w", key, err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}

	return Counter{Count: count, Expiry: ttl}, true, nil
}

// Delete clears the counter at key.
func (r *RedisCounter) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
