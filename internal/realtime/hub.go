// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

// Package realtime pushes domain events to connected websocket clients. A
// hub tracks connection lifecycle; a router subscribes each authenticated
// client to the event bus and delivers only the events owned by that
// client's user.
package realtime

import (
	"context"
	"sort"
	"sync"

	"github.com/tallyhq/tally/internal/logging"
	"github.com/tallyhq/tally/internal/metrics"
)

// ConnectionObserver is notified as clients come and go. The hub invokes it
// from its run loop, so registration and deregistration are serialized.
type ConnectionObserver interface {
	OnConnect(client *Client)
	OnDisconnect(client *Client)
}

// Hub maintains the set of active realtime clients.
type Hub struct {
	clients    map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	observer   ConnectionObserver
	mu         sync.RWMutex
}

// NewHub creates a hub. observer may be nil.
func NewHub(observer ConnectionObserver) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		observer:   observer,
	}
}

// Serve runs the hub under a supervisor until the context is canceled, then
// closes every connected client.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		// Shutdown takes priority over pending lifecycle events.
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()

		case client := <-h.Register:
			h.addClient(client)

		case client := <-h.Unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	if h.observer != nil {
		h.observer.OnConnect(client)
	}

	metrics.SetWebsocketClients(total)
	logging.Info().Uint64("client_id", client.ID()).Int("total_clients", total).Msg("realtime client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		client.closeSend()
	}
	total := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}

	if h.observer != nil {
		h.observer.OnDisconnect(client)
	}

	metrics.SetWebsocketClients(total)
	logging.Info().Uint64("client_id", client.ID()).Int("total_clients", total).Msg("realtime client disconnected")
}

// shutdown closes all connected clients in ID order.
func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	for _, client := range clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if h.observer != nil {
			h.observer.OnDisconnect(client)
		}
	}

	metrics.SetWebsocketClients(0)
	logging.Info().
		Str("component", "realtime-hub").
		Str("reason", shutdownReason(ctx)).
		Int("clients_closed", len(clients)).
		Msg("realtime hub stopped")
}

func shutdownReason(ctx context.Context) string {
	if ctx.Err() == context.DeadlineExceeded {
		return "context_deadline"
	}
	return "context_canceled"
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
