// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

// Package users resolves bearer tokens to user identities and keeps the
// local user profile store.
package users

import (
	"context"
	"errors"

	"github.com/tallyhq/tally/internal/models"
)

// Sentinel errors for token and profile resolution.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNotFound     = errors.New("user not found")
)

// Directory verifies tokens and serves user profiles.
type Directory interface {
	// Verify authenticates a bearer token and returns the user it names,
	// upserting the local profile as a side effect.
	Verify(ctx context.Context, token string) (*models.User, error)

	// Get returns the stored profile for a user id.
	Get(ctx context.Context, id string) (*models.User, error)

	// Delete removes the stored profile for a user id.
	Delete(ctx context.Context, id string) error
}

type contextKey string

const userContextKey contextKey = "user"

// ContextWithUser attaches an authenticated user to the context.
func ContextWithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// FromContext returns the authenticated user, or nil when the request was
// not authenticated.
func FromContext(ctx context.Context) *models.User {
	user, _ := ctx.Value(userContextKey).(*models.User)
	return user
}
