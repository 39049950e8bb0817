// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package realtime

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tallyhq/tally/internal/events"
	"github.com/tallyhq/tally/internal/logging"
	"github.com/tallyhq/tally/internal/models"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

func newTestBus(t *testing.T) *events.Bus {
	t.Helper()
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	bus := events.NewBus(pubsub, pubsub)
	if err := bus.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		bus.Stop()
		_ = pubsub.Close()
	})
	return bus
}

func emitRecordEvent(t *testing.T, bus *events.Bus, action, modelID, userID string) {
	t.Helper()
	err := bus.Emit(context.Background(), events.CreateEvent{
		Namespace: events.NamespaceRecords,
		Action:    action,
		Metadata:  events.Metadata{ModelID: modelID, UserID: userID},
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
}

func expectMessage(t *testing.T, client *Client) Message {
	t.Helper()
	select {
	case msg := <-client.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client delivery")
		return Message{}
	}
}

func expectNoMessage(t *testing.T, client *Client) {
	t.Helper()
	select {
	case msg := <-client.send:
		t.Fatalf("unexpected delivery: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// An event owned by one user reaches only that user's connection.
func TestRouterDeliversOnlyToOwningUser(t *testing.T) {
	bus := newTestBus(t)
	router := NewUserEventRouter(bus)
	hub := NewHub(router)

	alice := NewClient(hub, nil, &models.User{ID: "user-1"})
	bob := NewClient(hub, nil, &models.User{ID: "user-2"})
	router.OnConnect(alice)
	router.OnConnect(bob)

	emitRecordEvent(t, bus, events.ActionCreated, "rec-1", "user-1")

	msg := expectMessage(t, alice)
	if msg.Type != MessageTypeEvent {
		t.Fatalf("message type = %q, want %q", msg.Type, MessageTypeEvent)
	}
	event, ok := msg.Data.(*events.Event)
	if !ok {
		t.Fatalf("message data = %T, want *events.Event", msg.Data)
	}
	if event.Metadata.ModelID != "rec-1" {
		t.Errorf("modelId = %q, want rec-1", event.Metadata.ModelID)
	}

	expectNoMessage(t, bob)
}

// All record actions are routed through the namespace-wide subscription.
func TestRouterDeliversAllRecordActions(t *testing.T) {
	bus := newTestBus(t)
	router := NewUserEventRouter(bus)
	hub := NewHub(router)

	client := NewClient(hub, nil, &models.User{ID: "user-1"})
	router.OnConnect(client)

	for _, action := range []string{events.ActionCreated, events.ActionUpdated, events.ActionRemoved} {
		emitRecordEvent(t, bus, action, "rec-1", "user-1")
		msg := expectMessage(t, client)
		event := msg.Data.(*events.Event)
		if event.Action != action {
			t.Errorf("action = %q, want %q", event.Action, action)
		}
	}
}

// A connection without a user stays open but never receives events.
func TestRouterSkipsUnauthenticatedClient(t *testing.T) {
	bus := newTestBus(t)
	router := NewUserEventRouter(bus)
	hub := NewHub(router)

	anon := NewClient(hub, nil, nil)
	router.OnConnect(anon)

	if got := bus.GlobalListenerCount(); got != 0 {
		t.Fatalf("listener count = %d, want 0 for unauthenticated client", got)
	}

	emitRecordEvent(t, bus, events.ActionCreated, "rec-1", "user-1")
	expectNoMessage(t, anon)

	// Disconnecting a client that never subscribed is a no-op.
	router.OnDisconnect(anon)
}

// Listener registrations do not leak across connect/disconnect cycles.
func TestRouterRemovesListenersOnDisconnect(t *testing.T) {
	bus := newTestBus(t)
	router := NewUserEventRouter(bus)
	hub := NewHub(router)

	if got := bus.GlobalListenerCount(); got != 0 {
		t.Fatalf("baseline listener count = %d, want 0", got)
	}

	for i := 0; i < 3; i++ {
		client := NewClient(hub, nil, &models.User{ID: "user-1"})
		router.OnConnect(client)
		if got := bus.GlobalListenerCount(); got != len(subscriptionFilters) {
			t.Fatalf("cycle %d: listener count = %d, want %d", i, got, len(subscriptionFilters))
		}
		router.OnDisconnect(client)
		if got := bus.GlobalListenerCount(); got != 0 {
			t.Fatalf("cycle %d: listener count after disconnect = %d, want 0", i, got)
		}
	}
}

// Bus dispatch can still hold a client in a listener snapshot after the hub
// closed its send channel and before the listeners are removed. Delivery in
// that window must drop the event, not panic the dispatcher.
func TestRouterDeliveryRacesDisconnect(t *testing.T) {
	bus := newTestBus(t)
	router := NewUserEventRouter(bus)
	hub := NewHub(router)

	client := NewClient(hub, nil, &models.User{ID: "user-1"})
	router.OnConnect(client)

	// The hub's disconnect ordering: send closes first, listener removal
	// follows. Emit in between.
	client.closeSend()

	emitRecordEvent(t, bus, events.ActionCreated, "rec-1", "user-1")

	// The dispatcher survived; a fresh client still receives events.
	router.OnDisconnect(client)
	replacement := NewClient(hub, nil, &models.User{ID: "user-1"})
	router.OnConnect(replacement)

	emitRecordEvent(t, bus, events.ActionUpdated, "rec-1", "user-1")
	msg := expectMessage(t, replacement)
	if event := msg.Data.(*events.Event); event.Action != events.ActionUpdated {
		t.Fatalf("action = %q, want %q", event.Action, events.ActionUpdated)
	}
}

func TestRouterStopsDeliveryAfterDisconnect(t *testing.T) {
	bus := newTestBus(t)
	router := NewUserEventRouter(bus)
	hub := NewHub(router)

	client := NewClient(hub, nil, &models.User{ID: "user-1"})
	router.OnConnect(client)

	emitRecordEvent(t, bus, events.ActionCreated, "rec-1", "user-1")
	expectMessage(t, client)

	router.OnDisconnect(client)

	emitRecordEvent(t, bus, events.ActionUpdated, "rec-1", "user-1")
	expectNoMessage(t, client)
}
