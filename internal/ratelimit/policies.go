// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package ratelimit

import "time"

// Policy constants. Points are derived from a per-second budget across the
// window so the limits read as rates.
const (
	errorWindow       = 10 * time.Second
	errorMaxPerSecond = 5
	errorBlockFactor  = 6

	generalWindow       = 5 * time.Minute
	generalMaxPerSecond = 50
)

// IPKey partitions by caller IP alone. Every provided policy requires the IP.
func IPKey(_ interface{}, ip string) (string, error) {
	if ip == "" {
		return "", ErrMissingIdentity
	}
	return ip, nil
}

// NewErrorGroup builds the error-rate group: it counts error responses per IP
// and blocks callers that generate errors faster than 5/s over a 10 second
// window, for one minute.
func NewErrorGroup(primary, insurance CounterStore) (*Group, error) {
	limiter, err := NewLimiter(LimiterConfig{
		Name:          "error-rate-limit",
		Reason:        "Too many errors",
		Points:        int64(errorWindow/time.Second) * errorMaxPerSecond,
		Duration:      errorWindow,
		BlockDuration: errorBlockFactor * errorWindow,
		GetKey:        IPKey,
	}, primary, insurance)
	if err != nil {
		return nil, err
	}
	return NewGroup(limiter)
}

// NewGeneralGroup builds the general-rate group: 50 requests per second per
// IP averaged over a five minute window, blocking for the window length.
func NewGeneralGroup(primary, insurance CounterStore) (*Group, error) {
	limiter, err := NewLimiter(LimiterConfig{
		Name:          "general-rate-limit",
		Reason:        "Too many requests",
		Points:        int64(generalWindow/time.Second) * generalMaxPerSecond,
		Duration:      generalWindow,
		BlockDuration: generalWindow,
		GetKey:        IPKey,
	}, primary, insurance)
	if err != nil {
		return nil, err
	}
	return NewGroup(limiter)
}
