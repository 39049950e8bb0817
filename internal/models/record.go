// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

// Package models contains the shared domain types for Tally.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// RecordType classifies a record.
type RecordType string

// Supported record types.
const (
	RecordTypeBigThing    RecordType = "bigThing"
	RecordTypeLittleThing RecordType = "littleThing"
)

// Valid reports whether t is a known record type.
func (t RecordType) Valid() bool {
	switch t {
	case RecordTypeBigThing, RecordTypeLittleThing:
		return true
	}
	return false
}

// Record is a single numeric record owned by exactly one user.
type Record struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Value     float64    `json:"value"`
	Type      RecordType `json:"type"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// recordIDLength is the number of hex characters kept from the digest.
const recordIDLength = 20

// GenerateRecordID derives a deterministic id from the owning user, the
// record type and the creation instant. Re-creating with identical inputs
// at the same instant yields the same id and collides in the store.
func GenerateRecordID(userID string, recordType RecordType, createdAt time.Time) string {
	sum := sha256.Sum256([]byte(userID + string(recordType) + createdAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])[:recordIDLength]
}

// NewRecord creates a record for the given owner stamped at now.
func NewRecord(userID string, value float64, recordType RecordType, now time.Time) (*Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("userId is required")
	}
	if !recordType.Valid() {
		return nil, fmt.Errorf("unknown record type: %q", recordType)
	}

	now = now.UTC()
	return &Record{
		ID:        GenerateRecordID(userID, recordType, now),
		UserID:    userID,
		Value:     value,
		Type:      recordType,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
