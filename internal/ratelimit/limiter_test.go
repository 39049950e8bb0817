// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// failingCounter simulates an unreachable distributed counter store.
type failingCounter struct{}

var errStoreDown = errors.New("store unreachable")

func (failingCounter) Increment(context.Context, string, time.Duration, time.Duration, int64) (Counter, error) {
	return Counter{}, errStoreDown
}

func (failingCounter) Get(context.Context, string) (Counter, bool, error) {
	return Counter{}, false, errStoreDown
}

func (failingCounter) Delete(context.Context, string) error {
	return errStoreDown
}

func newTestLimiter(t *testing.T, cfg LimiterConfig, primary, insurance CounterStore) *Limiter {
	t.Helper()
	limiter, err := NewLimiter(cfg, primary, insurance)
	if err != nil {
		t.Fatal(err)
	}
	return limiter
}

// Scenario: points=5, duration=10s, block=60s. Five consumes succeed with
// decreasing remaining, the sixth blocks with the configured reason.
func TestLimiterConsumeUntilBlocked(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCounter()
	defer store.Close()

	limiter := newTestLimiter(t, LimiterConfig{
		Name:          "burst",
		Reason:        "slow down",
		Points:        5,
		Duration:      10 * time.Second,
		BlockDuration: 60 * time.Second,
		GetKey:        IPKey,
	}, store, nil)

	for i, want := range []int64{4, 3, 2, 1, 0} {
		result, err := limiter.Consume(ctx, nil, "1.2.3.4")
		if err != nil {
			t.Fatalf("consume %d: %v", i+1, err)
		}
		if result.Blocked() {
			t.Fatalf("consume %d: unexpectedly blocked: %+v", i+1, result)
		}
		if result.Remaining != want {
			t.Fatalf("consume %d: remaining = %d, want %d", i+1, result.Remaining, want)
		}
	}

	result, err := limiter.Consume(ctx, nil, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if result.BlockReason != "slow down" {
		t.Fatalf("BlockReason = %q, want %q", result.BlockReason, "slow down")
	}
	if result.Remaining != 0 {
		t.Fatalf("Remaining = %d, want 0", result.Remaining)
	}
	if result.ResetMS <= 10_000 {
		t.Fatalf("ResetMS = %d, want block period remaining (> window)", result.ResetMS)
	}

	// Every subsequent check during the block reports the same reason.
	check, err := limiter.Check(ctx, nil, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if check.BlockReason != "slow down" {
		t.Fatalf("check during block: BlockReason = %q", check.BlockReason)
	}
}

func TestLimiterCheckDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCounter()
	defer store.Close()

	limiter := newTestLimiter(t, LimiterConfig{
		Name:     "check",
		Reason:   "r",
		Points:   5,
		Duration: time.Minute,
		GetKey:   IPKey,
	}, store, nil)

	for i := 0; i < 3; i++ {
		result, err := limiter.Check(ctx, nil, "1.2.3.4")
		if err != nil {
			t.Fatal(err)
		}
		if result.Remaining != 5 {
			t.Fatalf("check %d: remaining = %d, want untouched quota", i, result.Remaining)
		}
	}
}

func TestLimiterMissingIP(t *testing.T) {
	store := NewMemoryCounter()
	defer store.Close()

	limiter := newTestLimiter(t, LimiterConfig{
		Name:     "l",
		Reason:   "r",
		Points:   5,
		Duration: time.Minute,
		GetKey:   IPKey,
	}, store, nil)

	_, err := limiter.Consume(context.Background(), nil, "")
	if !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("err = %v, want ErrMissingIdentity", err)
	}
}

func TestLimiterFallsBackToInsurance(t *testing.T) {
	ctx := context.Background()
	insurance := NewMemoryCounter()
	defer insurance.Close()

	limiter := newTestLimiter(t, LimiterConfig{
		Name:     "fallback",
		Reason:   "r",
		Points:   2,
		Duration: time.Minute,
		GetKey:   IPKey,
	}, failingCounter{}, insurance)

	// Primary failures are absorbed; counting continues on the insurance
	// store with identical semantics.
	for _, want := range []int64{1, 0} {
		result, err := limiter.Consume(ctx, nil, "1.2.3.4")
		if err != nil {
			t.Fatal(err)
		}
		if result.Remaining != want {
			t.Fatalf("remaining = %d, want %d", result.Remaining, want)
		}
	}

	result, err := limiter.Consume(ctx, nil, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Blocked() {
		t.Fatal("expected block from insurance counter")
	}
}

func TestLimiterPrimaryFailureWithoutInsurance(t *testing.T) {
	limiter := newTestLimiter(t, LimiterConfig{
		Name:     "noins",
		Reason:   "r",
		Points:   2,
		Duration: time.Minute,
		GetKey:   IPKey,
	}, failingCounter{}, nil)

	if _, err := limiter.Consume(context.Background(), nil, "1.2.3.4"); !errors.Is(err, errStoreDown) {
		t.Fatalf("err = %v, want store error to propagate", err)
	}
}

func TestLimiterShouldConsumePredicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCounter()
	defer store.Close()

	limiter := newTestLimiter(t, LimiterConfig{
		Name:          "gated",
		Reason:        "r",
		Points:        5,
		Duration:      time.Minute,
		GetKey:        IPKey,
		ShouldConsume: func(interface{}, string) bool { return false },
	}, store, nil)

	result, err := limiter.Consume(ctx, nil, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if result.Remaining != 5 {
		t.Fatalf("remaining = %d, gated consume must not spend quota", result.Remaining)
	}
}

func TestLimiterReset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCounter()
	defer store.Close()

	limiter := newTestLimiter(t, LimiterConfig{
		Name:        "resettable",
		Reason:      "r",
		Points:      2,
		Duration:    time.Minute,
		GetKey:      IPKey,
		ShouldReset: func(interface{}, string) bool { return true },
	}, store, nil)

	for i := 0; i < 3; i++ {
		if _, err := limiter.Consume(ctx, nil, "1.2.3.4"); err != nil {
			t.Fatal(err)
		}
	}

	result, err := limiter.Reset(ctx, nil, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if result.Blocked() || result.Remaining != 2 {
		t.Fatalf("after reset: %+v, want full quota", result)
	}

	result, err = limiter.Consume(ctx, nil, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if result.Remaining != 1 {
		t.Fatalf("remaining after reset+consume = %d, want 1", result.Remaining)
	}
}

func TestMemoryCounterWindowExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCounter()
	defer store.Close()

	window := 30 * time.Millisecond
	if _, err := store.Increment(ctx, "k", window, time.Minute, 10); err != nil {
		t.Fatal(err)
	}

	time.Sleep(2 * window)

	counter, err := store.Increment(ctx, "k", window, time.Minute, 10)
	if err != nil {
		t.Fatal(err)
	}
	if counter.Count != 1 {
		t.Fatalf("count = %d, want fresh window after expiry", counter.Count)
	}
}

func TestMemoryCounterBlockExtension(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCounter()
	defer store.Close()

	window := 50 * time.Millisecond
	block := time.Minute
	var counter Counter
	var err error
	for i := 0; i < 3; i++ {
		counter, err = store.Increment(ctx, "k", window, block, 2)
		if err != nil {
			t.Fatal(err)
		}
	}

	if counter.Count != 3 {
		t.Fatalf("count = %d, want 3", counter.Count)
	}
	if counter.Expiry <= window {
		t.Fatalf("expiry = %v, want block period applied on overflow", counter.Expiry)
	}
}
