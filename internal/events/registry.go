// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package events

import (
	"context"
	"sync"
)

// ListenerFunc handles a dispatched event.
type ListenerFunc func(ctx context.Context, event *Event) error

// wildcard is the action slot used for whole-namespace registrations.
const wildcard = "*"

// Listener is a registered listener handle. Removal must present the same
// (namespace, action) shape used at registration; the handle records it.
type Listener struct {
	namespace Namespace
	action    string
	fn        ListenerFunc
}

// registry is an explicit routing table from (namespace, action-or-wildcard)
// to listener handles. Dispatch does two lookups: exact, then wildcard.
// State is process-local; cross-process delivery goes through the cluster
// channel only.
type registry struct {
	mu        sync.RWMutex
	listeners map[string][]*Listener
}

func newRegistry() *registry {
	return &registry{listeners: make(map[string][]*Listener)}
}

// routeKey builds the routing-table key. An empty action registers for the
// whole namespace.
func routeKey(namespace Namespace, action string) string {
	if action == "" {
		action = wildcard
	}
	return string(namespace) + "." + action
}

// add registers fn and returns its handle.
func (r *registry) add(namespace Namespace, action string, fn ListenerFunc) *Listener {
	listener := &Listener{namespace: namespace, action: action, fn: fn}

	key := routeKey(namespace, action)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[key] = append(r.listeners[key], listener)

	return listener
}

// remove deregisters the handle. It returns false when the handle was never
// registered under the given shape, including shape mismatches between
// registration and removal.
func (r *registry) remove(namespace Namespace, action string, listener *Listener) bool {
	if listener == nil || listener.namespace != namespace || listener.action != action {
		return false
	}

	key := routeKey(namespace, action)

	r.mu.Lock()
	defer r.mu.Unlock()

	handles := r.listeners[key]
	for i, h := range handles {
		if h == listener {
			r.listeners[key] = append(handles[:i], handles[i+1:]...)
			if len(r.listeners[key]) == 0 {
				delete(r.listeners, key)
			}
			return true
		}
	}
	return false
}

// matching returns the handles for an event: exact registrations first,
// then whole-namespace ones. The returned slice is a snapshot; listeners
// registered during dispatch do not receive the in-flight event.
func (r *registry) matching(namespace Namespace, action string) []*Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exact := r.listeners[routeKey(namespace, action)]
	wild := r.listeners[routeKey(namespace, "")]

	if len(exact) == 0 && len(wild) == 0 {
		return nil
	}

	matched := make([]*Listener, 0, len(exact)+len(wild))
	matched = append(matched, exact...)
	matched = append(matched, wild...)
	return matched
}

// count returns the number of registered handles across all shapes.
func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, handles := range r.listeners {
		total += len(handles)
	}
	return total
}
