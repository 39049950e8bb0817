// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

// Package events implements the domain event bus: one event-type vocabulary
// dispatched both to in-process listeners and across the cluster through a
// shared broadcast channel.
package events

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Namespace is the first level of the event classification: what kind of
// entity the event is about.
type Namespace string

// Known namespaces.
const (
	NamespaceRecords Namespace = "records"
)

// Valid reports whether n is a known namespace.
func (n Namespace) Valid() bool {
	return n == NamespaceRecords
}

// Actions within the records namespace.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionRemoved = "removed"
)

// idPrefix marks event ids on the wire.
const idPrefix = "ev-"

// Metadata identifies the entity an event is about and its owning user.
// UserID is what scopes realtime delivery; every record mutation carries it.
type Metadata struct {
	ModelID string `json:"modelId"`
	UserID  string `json:"userId,omitempty"`
}

// Event is an immutable domain event. It is constructed at the moment of a
// state-changing operation, published once and never updated.
type Event struct {
	ID        string                 `json:"id"`
	Namespace Namespace              `json:"namespace"`
	Action    string                 `json:"action"`
	Metadata  Metadata               `json:"metadata"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// CreateEvent are the caller-supplied fields of a new event; id and
// timestamp are stamped at emit time.
type CreateEvent struct {
	Namespace Namespace
	Action    string
	Metadata  Metadata
	Payload   map[string]interface{}
}

// New constructs an event from params stamped at now.
func New(params CreateEvent, now time.Time) (*Event, error) {
	if !params.Namespace.Valid() {
		return nil, fmt.Errorf("unknown event namespace: %q", params.Namespace)
	}
	if params.Action == "" {
		return nil, fmt.Errorf("event action is required")
	}
	if params.Metadata.ModelID == "" {
		return nil, fmt.Errorf("event metadata.modelId is required")
	}

	return &Event{
		ID:        idPrefix + uuid.New().String(),
		Namespace: params.Namespace,
		Action:    params.Action,
		Metadata:  params.Metadata,
		Payload:   params.Payload,
		CreatedAt: now.UTC(),
	}, nil
}

// Name returns the dotted event name, e.g. "records.created".
func (e *Event) Name() string {
	return string(e.Namespace) + "." + e.Action
}

// Marshal encodes the event for the cluster channel.
func (e *Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	return data, nil
}

// Unmarshal decodes an event received from the cluster channel, rejecting
// payloads that do not form a valid event.
func Unmarshal(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if event.ID == "" {
		return nil, fmt.Errorf("event id is required")
	}
	if !event.Namespace.Valid() {
		return nil, fmt.Errorf("unknown event namespace: %q", event.Namespace)
	}
	if event.Action == "" {
		return nil, fmt.Errorf("event action is required")
	}
	if event.Metadata.ModelID == "" {
		return nil, fmt.Errorf("event metadata.modelId is required")
	}
	return &event, nil
}
