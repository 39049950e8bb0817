// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package records

import (
	"context"
	"time"

	"github.com/tallyhq/tally/internal/cache"
	"github.com/tallyhq/tally/internal/models"
)

// CachedStore fronts a Store with a TTL cache. Reads are cache-aside;
// every mutation refreshes or invalidates the cached copy.
type CachedStore struct {
	inner Store
	cache *cache.Cache
}

// NewCachedStore wraps inner with a cache whose entries expire after ttl.
func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	return &CachedStore{
		inner: inner,
		cache: cache.New(ttl),
	}
}

func cacheKey(id string) string {
	return cache.GenerateKey("record", id)
}

// Create stores the record and primes the cache.
func (s *CachedStore) Create(ctx context.Context, record *models.Record) error {
	if err := s.inner.Create(ctx, record); err != nil {
		return err
	}
	s.cache.Set(cacheKey(record.ID), record)
	return nil
}

// Get serves from cache when possible, falling through to the inner store.
func (s *CachedStore) Get(ctx context.Context, id string) (*models.Record, error) {
	if cached, ok := s.cache.Get(cacheKey(id)); ok {
		if record, ok := cached.(*models.Record); ok {
			return record, nil
		}
	}

	record, err := s.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(cacheKey(id), record)
	return record, nil
}

// Patch updates the record and refreshes the cached copy.
func (s *CachedStore) Patch(ctx context.Context, id string, value float64, now time.Time) (*models.Record, error) {
	record, err := s.inner.Patch(ctx, id, value, now)
	if err != nil {
		return nil, err
	}
	s.cache.Set(cacheKey(id), record)
	return record, nil
}

// Delete removes the record and its cached copy.
func (s *CachedStore) Delete(ctx context.Context, id string) error {
	if err := s.inner.Delete(ctx, id); err != nil {
		return err
	}
	s.cache.Delete(cacheKey(id))
	return nil
}

// Stats exposes cache counters for observability.
func (s *CachedStore) Stats() cache.Stats {
	return s.cache.GetStats()
}

// Close stops the cache's background sweeper.
func (s *CachedStore) Close() {
	s.cache.Close()
}
