// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tallyhq/tally/internal/middleware"
)

// Router assembles the HTTP surface from its collaborators.
type Router struct {
	handler      *Handler
	rateLimiter  *RateLimiter
	auth         func(http.Handler) http.Handler
	optionalAuth func(http.Handler) http.Handler
	realtime     http.Handler
	corsOrigins  []string
}

// NewRouter wires the router. realtime may be nil when the realtime channel
// is not served.
func NewRouter(handler *Handler, rateLimiter *RateLimiter, auth, optionalAuth func(http.Handler) http.Handler, realtime http.Handler, corsOrigins []string) *Router {
	return &Router{
		handler:      handler,
		rateLimiter:  rateLimiter,
		auth:         auth,
		optionalAuth: optionalAuth,
		realtime:     realtime,
		corsOrigins:  corsOrigins,
	}
}

// Setup builds the route tree.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   router.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Liveness and metrics bypass rate limiting and auth.
	r.Get("/api/v1/health", router.handler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.PrometheusMetrics)
		r.Use(router.rateLimiter.Middleware)
		r.Use(router.auth)

		r.Get("/user", router.handler.GetUser)
		r.Delete("/user", router.handler.DeleteUser)

		r.Route("/records", func(r chi.Router) {
			r.Post("/", router.handler.CreateRecord)
			r.Get("/{recordId}", router.handler.GetRecord)
			r.Put("/{recordId}", router.handler.PatchRecord)
			r.Delete("/{recordId}", router.handler.DeleteRecord)
		})
	})

	// The realtime upgrade hijacks the connection, so it cannot sit behind
	// the buffering rate-limit middleware. Auth is optional here: clients
	// without a user stay connected but receive no events.
	if router.realtime != nil {
		r.Group(func(r chi.Router) {
			r.Use(router.optionalAuth)
			r.Handle("/api/v1/ws", router.realtime)
		})
	}

	return r
}
