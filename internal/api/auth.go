// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tallyhq/tally/internal/logging"
	"github.com/tallyhq/tally/internal/users"
)

// RequireAuth resolves the Bearer token to a user and attaches it to the
// request context. Requests without a valid token get a 401 envelope.
func RequireAuth(directory users.Directory) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				respondMessage(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			user, err := directory.Verify(r.Context(), token)
			if err != nil {
				if errors.Is(err, users.ErrInvalidToken) {
					respondMessage(w, http.StatusUnauthorized, "invalid token")
					return
				}
				logger := logging.Ctx(r.Context())
				logger.Error().Err(err).Msg("token verification failed")
				respondMessage(w, http.StatusInternalServerError, "authentication unavailable")
				return
			}

			ctx := users.ContextWithUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuth attaches the user when a valid Bearer token is present and
// lets the request through either way. Used for the realtime upgrade, where
// unauthenticated connections are allowed but never subscribed.
func OptionalAuth(directory users.Directory) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			user, err := directory.Verify(r.Context(), token)
			if err != nil {
				logger := logging.Ctx(r.Context())
				logger.Warn().Err(err).Msg("ignoring invalid token on optional-auth route")
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(users.ContextWithUser(r.Context(), user)))
		})
	}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
