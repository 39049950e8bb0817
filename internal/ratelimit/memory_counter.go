// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// memoryCleanupInterval is how often expired counters are swept.
const memoryCleanupInterval = time.Minute

type memoryEntry struct {
	count   int64
	expires time.Time
}

// MemoryCounter is a process-local CounterStore with the same fixed-window
// semantics as RedisCounter. It serves as the insurance fallback when the
// distributed store is unreachable: availability over consistency, since
// counts are no longer shared across instances.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	stop    chan struct{}
}

// NewMemoryCounter creates an in-memory counter store. Call Close to stop
// its background sweep.
func NewMemoryCounter() *MemoryCounter {
	m := &MemoryCounter{
		entries: make(map[string]*memoryEntry),
		stop:    make(chan struct{}),
	}

	go m.cleanupLoop()

	return m
}

// Increment adds one point, starting a fresh window when none is active and
// extending the expiry to the block period on the increment that first
// exceeds limit.
func (m *MemoryCounter) Increment(_ context.Context, key string, window, block time.Duration, limit int64) (Counter, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || now.After(entry.expires) {
		entry = &memoryEntry{count: 0, expires: now.Add(window)}
		m.entries[key] = entry
	}

	entry.count++
	if entry.count == limit+1 {
		entry.expires = now.Add(block)
	}

	return Counter{Count: entry.count, Expiry: entry.expires.Sub(now)}, nil
}

// Get returns the current counter, treating expired windows as absent.
func (m *MemoryCounter) Get(_ context.Context, key string) (Counter, bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || now.After(entry.expires) {
		return Counter{}, false, nil
	}

	return Counter{Count: entry.count, Expiry: entry.expires.Sub(now)}, true, nil
}

// Delete clears the counter at key.
func (m *MemoryCounter) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Close stops the background sweep goroutine.
func (m *MemoryCounter) Close() {
	close(m.stop)
}

func (m *MemoryCounter) cleanupLoop() {
	ticker := time.NewTicker(memoryCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *MemoryCounter) cleanup() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if now.After(entry.expires) {
			delete(m.entries, key)
		}
	}
}
