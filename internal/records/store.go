// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

// Package records persists user records and applies the ownership rules for
// mutating them, emitting a domain event for every mutation.
package records

import (
	"context"
	"errors"
	"time"

	"github.com/tallyhq/tally/internal/models"
)

// Sentinel errors for record access.
var (
	// ErrNotFound means no record exists under the requested id.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists means a record with the same derived id is already
	// stored. Identical (user, type, instant) inputs collide.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrNotOwner means the record exists but belongs to another user.
	ErrNotOwner = errors.New("record belongs to another user")
)

// Store persists records keyed by id.
type Store interface {
	Create(ctx context.Context, record *models.Record) error
	Get(ctx context.Context, id string) (*models.Record, error)
	Patch(ctx context.Context, id string, value float64, now time.Time) (*models.Record, error)
	Delete(ctx context.Context, id string) error
}
