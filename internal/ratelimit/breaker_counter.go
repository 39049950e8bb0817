// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package ratelimit

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tallyhq/tally/internal/logging"
)

// BreakerConfig controls the circuit breaker around a counter store.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerConfig returns conservative breaker settings: trip after five
// consecutive failures, probe again after thirty seconds.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         0,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// breakerGetResult carries Get's found flag through the generic breaker.
type breakerGetResult struct {
	counter Counter
	found   bool
}

// BreakerCounter wraps a CounterStore with a circuit breaker so a dead
// distributed store fails fast instead of stalling every request while the
// limiter falls back to its insurance counter.
type BreakerCounter struct {
	store CounterStore
	inc   *gobreaker.CircuitBreaker[Counter]
	get   *gobreaker.CircuitBreaker[breakerGetResult]
	del   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerCounter wraps store with circuit breaker protection.
func NewBreakerCounter(store CounterStore, cfg BreakerConfig) *BreakerCounter {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("counter store circuit breaker state change")
		},
	}

	return &BreakerCounter{
		store: store,
		inc:   gobreaker.NewCircuitBreaker[Counter](settings),
		get:   gobreaker.NewCircuitBreaker[breakerGetResult](settings),
		del:   gobreaker.NewCircuitBreaker[struct{}](settings),
	}
}

// Increment delegates to the wrapped store through the breaker.
func (b *BreakerCounter) Increment(ctx context.Context, key string, window, block time.Duration, limit int64) (Counter, error) {
	return b.inc.Execute(func() (Counter, error) {
		return b.store.Increment(ctx, key, window, block, limit)
	})
}

// Get delegates to the wrapped store through the breaker.
func (b *BreakerCounter) Get(ctx context.Context, key string) (Counter, bool, error) {
	res, err := b.get.Execute(func() (breakerGetResult, error) {
		counter, found, err := b.store.Get(ctx, key)
		return breakerGetResult{counter: counter, found: found}, err
	})
	if err != nil {
		return Counter{}, false, err
	}
	return res.counter, res.found, nil
}

// Delete delegates to the wrapped store through the breaker.
func (b *BreakerCounter) Delete(ctx context.Context, key string) error {
	_, err := b.del.Execute(func() (struct{}, error) {
		return struct{}{}, b.store.Delete(ctx, key)
	})
	return err
}
