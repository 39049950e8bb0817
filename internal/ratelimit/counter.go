// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the ratelimit package.
var (
	// ErrMissingIdentity indicates a limiter key could not be computed
	// because the caller IP was empty. IP is a mandatory dimension for all
	// provided policies.
	ErrMissingIdentity = errors.New("missing ip address for rate limit key")

	// ErrNoLimiters indicates a group was constructed without limiters.
	ErrNoLimiters = errors.New("limiter group must have at least one limiter")
)

// Counter is the state of one fixed-window counter.
type Counter struct {
	// Count is the cumulative number of points consumed in the window,
	// including any overflow past the limit.
	Count int64

	// Expiry is the time remaining until the window (or the block period,
	// once the limit has been exceeded) resets.
	Expiry time.Duration
}

// CounterStore is the backing store for limiter counters. Increment must be
// atomic per key: the read-modify-write is delegated to the store's native
// primitives, never implemented as separate read+write here.
type CounterStore interface {
	// Increment adds one point to the counter at key. A fresh counter
	// expires after window; the increment that first exceeds limit extends
	// the expiry to block (the penalty period).
	Increment(ctx context.Context, key string, window, block time.Duration, limit int64) (Counter, error)

	// Get returns the current counter without consuming. The boolean is
	// false when no counter exists for key.
	Get(ctx context.Context, key string) (Counter, bool, error)

	// Delete clears the counter at key.
	Delete(ctx context.Context, key string) error
}
