// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tallyhq/tally/internal/logging"
	"github.com/tallyhq/tally/internal/users"
)

// Handler upgrades HTTP requests to realtime connections. The authenticated
// user, if any, is taken from the request context set by the auth
// middleware; connections without one stay open but unsubscribed.
type Handler struct {
	hub            *Hub
	allowedOrigins []string
}

// NewHandler creates an upgrade handler for the hub.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{hub: hub, allowedOrigins: allowedOrigins}
}

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkOrigin validates the Origin header against the configured allowlist.
// Browser connections always carry Origin; requests without one come from
// non-browser clients and are allowed.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	logging.Warn().Str("origin", origin).Msg("websocket connection rejected: origin not allowed")
	return false
}

// ServeHTTP upgrades the request and registers the client with the hub.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("websocket upgrade error")
		return
	}

	client := NewClient(h.hub, conn, users.FromContext(r.Context()))
	h.hub.Register <- client
	client.Start()
}
