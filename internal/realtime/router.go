// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package realtime

import (
	"context"
	"sync"

	"github.com/tallyhq/tally/internal/events"
	"github.com/tallyhq/tally/internal/logging"
)

// filter names one (namespace, action) shape a connected client listens to.
// An empty action covers the whole namespace.
type filter struct {
	namespace events.Namespace
	action    string
}

// subscriptionFilters is the static set of event shapes routed to clients.
var subscriptionFilters = []filter{
	{namespace: events.NamespaceRecords, action: ""},
}

// registration pairs a listener handle with the shape it was added under,
// so removal can present the identical shape.
type registration struct {
	filter filter
	handle *events.Listener
}

// UserEventRouter bridges the event bus to realtime clients. Each
// authenticated client gets its own global listeners; an event is delivered
// only when its metadata names the client's user as owner. Clients without
// a user stay connected but receive nothing.
type UserEventRouter struct {
	bus *events.Bus

	mu            sync.Mutex
	registrations map[*Client][]registration
}

// NewUserEventRouter creates a router over the given bus.
func NewUserEventRouter(bus *events.Bus) *UserEventRouter {
	return &UserEventRouter{
		bus:           bus,
		registrations: make(map[*Client][]registration),
	}
}

// OnConnect subscribes the client to the event bus. Unauthenticated clients
// are logged and left unsubscribed.
func (r *UserEventRouter) OnConnect(client *Client) {
	user := client.User()
	if user == nil {
		logging.Error().Uint64("client_id", client.ID()).Msg("realtime client has no user, skipping event subscription")
		return
	}

	regs := make([]registration, 0, len(subscriptionFilters))
	for _, f := range subscriptionFilters {
		handle := r.bus.OnGlobal(f.namespace, f.action, r.deliverTo(client, user.ID))
		regs = append(regs, registration{filter: f, handle: handle})
	}

	r.mu.Lock()
	r.registrations[client] = regs
	r.mu.Unlock()

	logging.Debug().
		Uint64("client_id", client.ID()).
		Str("user_id", user.ID).
		Int("filters", len(regs)).
		Msg("realtime client subscribed")
}

// OnDisconnect removes the client's bus listeners.
func (r *UserEventRouter) OnDisconnect(client *Client) {
	r.mu.Lock()
	regs := r.registrations[client]
	delete(r.registrations, client)
	r.mu.Unlock()

	for _, reg := range regs {
		r.bus.RemoveGlobalListener(reg.filter.namespace, reg.filter.action, reg.handle)
	}
}

// deliverTo builds the listener for one client: events owned by other users
// are silently skipped.
func (r *UserEventRouter) deliverTo(client *Client, userID string) events.ListenerFunc {
	return func(_ context.Context, event *events.Event) error {
		if event.Metadata.UserID != userID {
			return nil
		}
		client.Deliver(Message{Type: MessageTypeEvent, Data: event})
		return nil
	}
}
