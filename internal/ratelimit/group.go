// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package ratelimit

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group aggregates an ordered, non-empty collection of limiters under one
// vocabulary of operations. Each operation fans out to all members
// concurrently, joins, then reduces the member results into a single decision
// that is at least as strict as the strictest member.
type Group struct {
	limiters []*Limiter
}

// NewGroup creates a group. A group with zero limiters is invalid
// configuration and fails immediately rather than at first use.
func NewGroup(limiters ...*Limiter) (*Group, error) {
	if len(limiters) == 0 {
		return nil, ErrNoLimiters
	}
	return &Group{limiters: limiters}, nil
}

// Check runs Check on every member and reduces. A non-nil prior result seeds
// the fold, which is how the error-limiter decision is chained into the
// general-limiter decision within one request.
func (g *Group) Check(ctx context.Context, body interface{}, ip string, prior *Result) (Result, error) {
	return g.run(ctx, prior, func(ctx context.Context, l *Limiter) (Result, error) {
		return l.Check(ctx, body, ip)
	})
}

// Consume runs Consume on every member and reduces.
func (g *Group) Consume(ctx context.Context, body interface{}, ip string, prior *Result) (Result, error) {
	return g.run(ctx, prior, func(ctx context.Context, l *Limiter) (Result, error) {
		return l.Consume(ctx, body, ip)
	})
}

// Reset runs Reset on every member and reduces. Only members whose
// ShouldReset predicate accepts the request are cleared; the reduced result
// still reflects the remaining members' current state.
func (g *Group) Reset(ctx context.Context, body interface{}, ip string, prior *Result) (Result, error) {
	return g.run(ctx, prior, func(ctx context.Context, l *Limiter) (Result, error) {
		return l.Reset(ctx, body, ip)
	})
}

// run fans the operation out across members, joins, and reduces. Results are
// collected into member order so the reduction is deterministic regardless of
// completion order.
func (g *Group) run(ctx context.Context, prior *Result, op func(context.Context, *Limiter) (Result, error)) (Result, error) {
	results := make([]Result, len(g.limiters))

	eg, ctx := errgroup.WithContext(ctx)
	for i, limiter := range g.limiters {
		eg.Go(func() error {
			result, err := op(ctx, limiter)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Result{}, err
	}

	return reduce(results, prior), nil
}

// reduce left-folds member results into one decision. The fold is seeded by
// the prior result when present, otherwise by the first member's result.
func reduce(results []Result, prior *Result) Result {
	acc := results[0]
	rest := results[1:]
	if prior != nil {
		acc = *prior
		rest = results
	}

	for _, r := range rest {
		acc = stricter(acc, r)
	}
	return acc
}
