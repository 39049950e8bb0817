// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/tallyhq/tally/internal/logging"
)

// KeyFunc computes the partition key for a request identity. It fails when
// a mandatory dimension is missing (all provided policies require the IP).
type KeyFunc func(body interface{}, ip string) (string, error)

// PredicateFunc decides whether an operation applies to a request identity.
type PredicateFunc func(body interface{}, ip string) bool

// LimiterConfig describes one rate-limiting policy.
type LimiterConfig struct {
	// Name identifies the limiter and prefixes its counter keys.
	Name string

	// Reason is the human text surfaced as BlockReason while blocking.
	Reason string

	// Points is the quota within one window.
	Points int64

	// Duration is the rolling window length.
	Duration time.Duration

	// BlockDuration is the penalty period once the quota is exceeded.
	BlockDuration time.Duration

	// GetKey computes the partition key. Required.
	GetKey KeyFunc

	// ShouldConsume gates Consume per request. Defaults to always true.
	ShouldConsume PredicateFunc

	// ShouldReset gates Reset per request. Defaults to always false.
	ShouldReset PredicateFunc
}

// Limiter wraps one policy instance backed by a shared counter store with a
// process-local insurance fallback. A counter-store outage is absorbed by the
// fallback and logged; only a fallback failure surfaces as an error.
type Limiter struct {
	name          string
	reason        string
	points        int64
	duration      time.Duration
	blockDuration time.Duration

	getKey        KeyFunc
	shouldConsume PredicateFunc
	shouldReset   PredicateFunc

	primary   CounterStore
	insurance CounterStore
}

// NewLimiter creates a limiter from cfg. The insurance store may be nil, in
// which case a primary failure propagates to the caller.
func NewLimiter(cfg LimiterConfig, primary, insurance CounterStore) (*Limiter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("limiter name is required")
	}
	if cfg.Points <= 0 {
		return nil, fmt.Errorf("limiter %s: points must be positive", cfg.Name)
	}
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("limiter %s: duration must be positive", cfg.Name)
	}
	if cfg.GetKey == nil {
		return nil, fmt.Errorf("limiter %s: GetKey is required", cfg.Name)
	}
	if primary == nil {
		return nil, fmt.Errorf("limiter %s: counter store is required", cfg.Name)
	}

	shouldConsume := cfg.ShouldConsume
	if shouldConsume == nil {
		shouldConsume = func(interface{}, string) bool { return true }
	}
	shouldReset := cfg.ShouldReset
	if shouldReset == nil {
		shouldReset = func(interface{}, string) bool { return false }
	}

	blockDuration := cfg.BlockDuration
	if blockDuration <= 0 {
		blockDuration = cfg.Duration
	}

	return &Limiter{
		name:          cfg.Name,
		reason:        cfg.Reason,
		points:        cfg.Points,
		duration:      cfg.Duration,
		blockDuration: blockDuration,
		getKey:        cfg.GetKey,
		shouldConsume: shouldConsume,
		shouldReset:   shouldReset,
		primary:       primary,
		insurance:     insurance,
	}, nil
}

// Name returns the limiter identity.
func (l *Limiter) Name() string {
	return l.name
}

// Check computes the current quota state for the request without consuming.
func (l *Limiter) Check(ctx context.Context, body interface{}, ip string) (Result, error) {
	key, err := l.storageKey(body, ip)
	if err != nil {
		return Result{}, err
	}

	counter, found, err := l.primary.Get(ctx, key)
	if err != nil {
		if l.insurance == nil {
			return Result{}, err
		}
		l.logFallback(ctx, "check", err)
		counter, found, err = l.insurance.Get(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("insurance counter: %w", err)
		}
	}

	if !found {
		return l.idleResult(), nil
	}
	return l.resultFrom(counter), nil
}

// Consume spends one point of quota when ShouldConsume allows it for this
// request. Exceeding the quota does not error: the rejection is a structured
// Result with BlockReason set.
func (l *Limiter) Consume(ctx context.Context, body interface{}, ip string) (Result, error) {
	key, err := l.storageKey(body, ip)
	if err != nil {
		return Result{}, err
	}

	if !l.shouldConsume(body, ip) {
		return l.idleResult(), nil
	}

	counter, err := l.primary.Increment(ctx, key, l.duration, l.blockDuration, l.points)
	if err != nil {
		if l.insurance == nil {
			return Result{}, err
		}
		l.logFallback(ctx, "consume", err)
		counter, err = l.insurance.Increment(ctx, key, l.duration, l.blockDuration, l.points)
		if err != nil {
			return Result{}, fmt.Errorf("insurance counter: %w", err)
		}
	}

	return l.resultFrom(counter), nil
}

// Reset clears the limiter's counter for this request when ShouldReset allows
// it. The returned Result reflects a cleared counter.
func (l *Limiter) Reset(ctx context.Context, body interface{}, ip string) (Result, error) {
	key, err := l.storageKey(body, ip)
	if err != nil {
		return Result{}, err
	}

	if !l.shouldReset(body, ip) {
		return l.currentResult(ctx, key)
	}

	if err := l.primary.Delete(ctx, key); err != nil {
		if l.insurance == nil {
			return Result{}, err
		}
		l.logFallback(ctx, "reset", err)
	}
	if l.insurance != nil {
		if err := l.insurance.Delete(ctx, key); err != nil {
			return Result{}, fmt.Errorf("insurance counter: %w", err)
		}
	}

	return l.idleResult(), nil
}

// currentResult reads the counter state without consuming, used by Reset for
// limiters whose predicate declined the reset.
func (l *Limiter) currentResult(ctx context.Context, key string) (Result, error) {
	counter, found, err := l.primary.Get(ctx, key)
	if err != nil {
		if l.insurance == nil {
			return Result{}, err
		}
		l.logFallback(ctx, "reset", err)
		counter, found, err = l.insurance.Get(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("insurance counter: %w", err)
		}
	}
	if !found {
		return l.idleResult(), nil
	}
	return l.resultFrom(counter), nil
}

func (l *Limiter) storageKey(body interface{}, ip string) (string, error) {
	key, err := l.getKey(body, ip)
	if err != nil {
		return "", err
	}
	return l.name + ":" + key, nil
}

// resultFrom translates counter state into a Result. The limiter blocks once
// more points than the quota have been attempted; the 6th consume against a
// 5 point quota is the first blocked one.
func (l *Limiter) resultFrom(counter Counter) Result {
	remaining := l.points - counter.Count
	if remaining < 0 {
		remaining = 0
	}

	result := Result{
		Name:      l.name,
		Limit:     l.points,
		Remaining: remaining,
		ResetMS:   counter.Expiry.Milliseconds(),
	}
	if counter.Count > l.points {
		result.BlockReason = l.reason
	}
	return result
}

// idleResult is the state reported when no counter exists for the key.
func (l *Limiter) idleResult() Result {
	return Result{
		Name:      l.name,
		Limit:     l.points,
		Remaining: l.points,
		ResetMS:   l.blockDuration.Milliseconds(),
	}
}

func (l *Limiter) logFallback(ctx context.Context, op string, err error) {
	log := logging.Ctx(ctx)
	log.Warn().
		Err(err).
		Str("limiter", l.name).
		Str("op", op).
		Msg("counter store unreachable, using insurance fallback")
}
