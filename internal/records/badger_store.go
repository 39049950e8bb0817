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

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tallyhq/tally/internal/models"
)

// recordKeyPrefix namespaces record keys in BadgerDB.
const recordKeyPrefix = "record:"

// BadgerStore is the durable record store.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a store over db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func recordKey(id string) []byte {
	return []byte(recordKeyPrefix + id)
}

// Create stores a new record, failing when the derived id is taken.
func (s *BadgerStore) Create(ctx context.Context, record *models.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := recordKey(record.ID)
		_, err := txn.Get(key)
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get record: %w", err)
		}
		return txn.Set(key, data)
	})
}

// Get retrieves a record by id.
func (s *BadgerStore) Get(ctx context.Context, id string) (*models.Record, error) {
	var record models.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get record: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Patch updates the record value and bumps UpdatedAt.
func (s *BadgerStore) Patch(ctx context.Context, id string, value float64, now time.Time) (*models.Record, error) {
	var record models.Record
	err := s.db.Update(func(txn *badger.Txn) error {
		key := recordKey(id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get record: %w", err)
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		}); err != nil {
			return err
		}

		record.Value = value
		record.UpdatedAt = now.UTC()

		data, err := json.Marshal(&record)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Delete removes a record by id.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := recordKey(id)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("get record: %w", err)
		}
		return txn.Delete(key)
	})
}
