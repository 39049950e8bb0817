// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

// Package ratelimit implements the composite rate-limiting subsystem:
// individual fixed-window limiters backed by a shared counter store with an
// in-memory insurance fallback, and groups that fan out one operation across
// limiters and reduce the results to a single decision.
package ratelimit

// Result is the outcome of one check/consume/reset against a limiter or a
// group. A new Result is computed on every call; values are never mutated
// after they are produced.
type Result struct {
	// Name identifies the limiter the result came from. After a group
	// reduction it names the strictest member.
	Name string `json:"name"`

	// Limit is the maximum number of points in the window.
	Limit int64 `json:"limit"`

	// Remaining is the number of points left in the current window, never
	// negative.
	Remaining int64 `json:"remaining"`

	// ResetMS is the number of milliseconds until the current window or
	// block period ends, whichever applies.
	ResetMS int64 `json:"resetMs"`

	// BlockReason is the limiter's configured reason when the limiter is
	// currently blocking, empty otherwise.
	BlockReason string `json:"blockReason,omitempty"`
}

// Blocked reports whether the result represents a blocking decision.
func (r Result) Blocked() bool {
	return r.BlockReason != ""
}

// stricter picks the more restrictive of two results. Tie-breaks are
// deterministic: a blocked result always wins over an unblocked one, then the
// lower remaining, then the longer reset.
func stricter(a, b Result) Result {
	if a.Blocked() && !b.Blocked() {
		return a
	}
	if !a.Blocked() && b.Blocked() {
		return b
	}
	if a.Remaining != b.Remaining {
		if a.Remaining < b.Remaining {
			return a
		}
		return b
	}
	if a.ResetMS != b.ResetMS {
		if a.ResetMS < b.ResetMS {
			return b
		}
		return a
	}
	return a
}
