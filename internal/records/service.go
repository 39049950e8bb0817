// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tallyhq/tally/internal/events"
	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/internal/users"
)

// UserGetter is the slice of the user directory the service needs.
type UserGetter interface {
	Get(ctx context.Context, id string) (*models.User, error)
}

// ErrUserNotFound means the acting user has no stored profile.
var ErrUserNotFound = errors.New("user not found")

// Service implements record CRUD on behalf of a verified owner. Every
// mutation emits a domain event carrying the record id and the owning user,
// which is what scopes realtime delivery.
type Service struct {
	store Store
	users UserGetter
	bus   *events.Bus
	now   func() time.Time
}

// NewService wires the service's collaborators.
func NewService(store Store, userGetter UserGetter, bus *events.Bus) *Service {
	return &Service{
		store: store,
		users: userGetter,
		bus:   bus,
		now:   time.Now,
	}
}

// Create stores a new record for userID. The user must have a profile.
func (s *Service) Create(ctx context.Context, userID string, value float64, recordType models.RecordType) (*models.Record, error) {
	if _, err := s.users.Get(ctx, userID); err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}

	record, err := models.NewRecord(userID, value, recordType, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, record); err != nil {
		return nil, err
	}

	if err := s.emit(ctx, events.ActionCreated, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Get returns the record, enforcing ownership.
func (s *Service) Get(ctx context.Context, userID, recordID string) (*models.Record, error) {
	return s.ownedRecord(ctx, userID, recordID)
}

// Patch updates the record value, enforcing ownership. Only the value is
// mutable; UpdatedAt is bumped.
func (s *Service) Patch(ctx context.Context, userID, recordID string, value float64) (*models.Record, error) {
	if _, err := s.ownedRecord(ctx, userID, recordID); err != nil {
		return nil, err
	}

	record, err := s.store.Patch(ctx, recordID, value, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.emit(ctx, events.ActionUpdated, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Remove deletes the record, enforcing ownership.
func (s *Service) Remove(ctx context.Context, userID, recordID string) error {
	record, err := s.ownedRecord(ctx, userID, recordID)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, recordID); err != nil {
		return err
	}

	return s.emit(ctx, events.ActionRemoved, record)
}

// ownedRecord loads the record and asserts userID owns it.
func (s *Service) ownedRecord(ctx context.Context, userID, recordID string) (*models.Record, error) {
	record, err := s.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if record.UserID != userID {
		return nil, ErrNotOwner
	}
	return record, nil
}

func (s *Service) emit(ctx context.Context, action string, record *models.Record) error {
	return s.bus.Emit(ctx, events.CreateEvent{
		Namespace: events.NamespaceRecords,
		Action:    action,
		Metadata: events.Metadata{
			ModelID: record.ID,
			UserID:  record.UserID,
		},
		Payload: map[string]interface{}{
			"value": record.Value,
			"type":  string(record.Type),
		},
	}, s.now())
}
