// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package records

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/models"
)

// countingStore wraps a map-backed store and counts inner reads.
type countingStore struct {
	mu      sync.Mutex
	records map[string]*models.Record
	gets    int
}

func newCountingStore() *countingStore {
	return &countingStore{records: make(map[string]*models.Record)}
}

func (s *countingStore) Create(_ context.Context, record *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ID]; ok {
		return ErrAlreadyExists
	}
	clone := *record
	s.records[record.ID] = &clone
	return nil
}

func (s *countingStore) Get(_ context.Context, id string) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *record
	return &clone, nil
}

func (s *countingStore) Patch(_ context.Context, id string, value float64, now time.Time) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	record.Value = value
	record.UpdatedAt = now.UTC()
	clone := *record
	return &clone, nil
}

func (s *countingStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *countingStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func TestCachedStoreServesReadsFromCache(t *testing.T) {
	ctx := context.Background()
	inner := newCountingStore()
	store := NewCachedStore(inner, time.Minute)
	defer store.Close()

	record := mustRecord(t, "user-1", 7)
	if err := store.Create(ctx, record); err != nil {
		t.Fatal(err)
	}

	// Create primes the cache, so reads never hit the inner store.
	for i := 0; i < 5; i++ {
		got, err := store.Get(ctx, record.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Value != 7 {
			t.Fatalf("value = %v, want 7", got.Value)
		}
	}
	if inner.getCount() != 0 {
		t.Fatalf("inner gets = %d, want 0 (cache primed on create)", inner.getCount())
	}
}

func TestCachedStorePatchRefreshesCache(t *testing.T) {
	ctx := context.Background()
	inner := newCountingStore()
	store := NewCachedStore(inner, time.Minute)
	defer store.Close()

	record := mustRecord(t, "user-1", 1)
	if err := store.Create(ctx, record); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Patch(ctx, record.ID, 2, time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != 2 {
		t.Fatalf("value = %v, want patched value from cache", got.Value)
	}
	if inner.getCount() != 0 {
		t.Fatalf("inner gets = %d, want 0", inner.getCount())
	}
}

func TestCachedStoreDeleteInvalidates(t *testing.T) {
	ctx := context.Background()
	inner := newCountingStore()
	store := NewCachedStore(inner, time.Minute)
	defer store.Close()

	record := mustRecord(t, "user-1", 1)
	if err := store.Create(ctx, record); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, record.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get(ctx, record.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: err = %v, want ErrNotFound", err)
	}
}

func TestCachedStoreExpiryFallsThrough(t *testing.T) {
	ctx := context.Background()
	inner := newCountingStore()
	store := NewCachedStore(inner, 20*time.Millisecond)
	defer store.Close()

	record := mustRecord(t, "user-1", 1)
	if err := store.Create(ctx, record); err != nil {
		t.Fatal(err)
	}

	time.Sleep(40 * time.Millisecond)

	if _, err := store.Get(ctx, record.ID); err != nil {
		t.Fatal(err)
	}
	if inner.getCount() != 1 {
		t.Fatalf("inner gets = %d, want 1 after cache expiry", inner.getCount())
	}
}
