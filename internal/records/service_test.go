// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package records

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tallyhq/tally/internal/events"
	"github.com/tallyhq/tally/internal/logging"
	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/internal/users"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

// fakeUsers serves a fixed set of user profiles.
type fakeUsers struct {
	known map[string]*models.User
}

func (f *fakeUsers) Get(_ context.Context, id string) (*models.User, error) {
	if user, ok := f.known[id]; ok {
		return user, nil
	}
	return nil, users.ErrNotFound
}

type serviceFixture struct {
	service *Service
	bus     *events.Bus
	emitted chan *events.Event
}

func newServiceFixture(t *testing.T, knownUsers ...string) *serviceFixture {
	t.Helper()

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	bus := events.NewBus(pubsub, pubsub)
	t.Cleanup(func() { _ = pubsub.Close() })

	emitted := make(chan *events.Event, 16)
	bus.OnLocal(events.NamespaceRecords, "", func(_ context.Context, e *events.Event) error {
		emitted <- e
		return nil
	})

	known := make(map[string]*models.User, len(knownUsers))
	for _, id := range knownUsers {
		known[id] = &models.User{ID: id}
	}

	db, err := openTestDB(t)
	if err != nil {
		t.Fatal(err)
	}

	return &serviceFixture{
		service: NewService(NewBadgerStore(db), &fakeUsers{known: known}, bus),
		bus:     bus,
		emitted: emitted,
	}
}

func (f *serviceFixture) expectEvent(t *testing.T, action, modelID, userID string) {
	t.Helper()
	select {
	case event := <-f.emitted:
		if event.Action != action {
			t.Fatalf("event action = %q, want %q", event.Action, action)
		}
		if event.Metadata.ModelID != modelID {
			t.Fatalf("event modelId = %q, want %q", event.Metadata.ModelID, modelID)
		}
		if event.Metadata.UserID != userID {
			t.Fatalf("event userId = %q, want %q", event.Metadata.UserID, userID)
		}
	case <-time.After(time.Second):
		t.Fatalf("no %s event emitted", action)
	}
}

func (f *serviceFixture) expectNoEvent(t *testing.T) {
	t.Helper()
	select {
	case event := <-f.emitted:
		t.Fatalf("unexpected event %s", event.Name())
	default:
	}
}

func TestServiceCreate(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, "user-1")

	record, err := f.service.Create(ctx, "user-1", 12.5, models.RecordTypeBigThing)
	if err != nil {
		t.Fatal(err)
	}
	if record.ID == "" || record.UserID != "user-1" || record.Value != 12.5 {
		t.Fatalf("record = %+v", record)
	}
	f.expectEvent(t, events.ActionCreated, record.ID, "user-1")

	got, err := f.service.Get(ctx, "user-1", record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != 12.5 || got.Type != models.RecordTypeBigThing {
		t.Fatalf("stored record = %+v", got)
	}
}

func TestServiceCreateUnknownUser(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.Create(context.Background(), "ghost", 1, models.RecordTypeLittleThing)
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
	f.expectNoEvent(t)
}

func TestServiceCreateInvalidType(t *testing.T) {
	f := newServiceFixture(t, "user-1")

	if _, err := f.service.Create(context.Background(), "user-1", 1, "mediumThing"); err == nil {
		t.Fatal("expected error for unknown record type")
	}
	f.expectNoEvent(t)
}

func TestServicePatch(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, "user-1")

	record, err := f.service.Create(ctx, "user-1", 1, models.RecordTypeBigThing)
	if err != nil {
		t.Fatal(err)
	}
	f.expectEvent(t, events.ActionCreated, record.ID, "user-1")

	patched, err := f.service.Patch(ctx, "user-1", record.ID, 99)
	if err != nil {
		t.Fatal(err)
	}
	if patched.Value != 99 {
		t.Fatalf("value = %v, want 99", patched.Value)
	}
	if patched.UpdatedAt.Before(record.UpdatedAt) {
		t.Fatalf("UpdatedAt not bumped: %v -> %v", record.UpdatedAt, patched.UpdatedAt)
	}
	if !patched.CreatedAt.Equal(record.CreatedAt) {
		t.Fatalf("CreatedAt changed on patch")
	}
	f.expectEvent(t, events.ActionUpdated, record.ID, "user-1")
}

func TestServiceRemoveEmitsRemoved(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, "user-1")

	record, err := f.service.Create(ctx, "user-1", 1, models.RecordTypeBigThing)
	if err != nil {
		t.Fatal(err)
	}
	f.expectEvent(t, events.ActionCreated, record.ID, "user-1")

	if err := f.service.Remove(ctx, "user-1", record.ID); err != nil {
		t.Fatal(err)
	}
	f.expectEvent(t, events.ActionRemoved, record.ID, "user-1")

	if _, err := f.service.Get(ctx, "user-1", record.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after remove: err = %v, want ErrNotFound", err)
	}
}

func TestServiceOwnership(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, "user-1", "user-2")

	record, err := f.service.Create(ctx, "user-1", 1, models.RecordTypeBigThing)
	if err != nil {
		t.Fatal(err)
	}
	f.expectEvent(t, events.ActionCreated, record.ID, "user-1")

	if _, err := f.service.Get(ctx, "user-2", record.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("get by non-owner: err = %v, want ErrNotOwner", err)
	}
	if _, err := f.service.Patch(ctx, "user-2", record.ID, 5); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("patch by non-owner: err = %v, want ErrNotOwner", err)
	}
	if err := f.service.Remove(ctx, "user-2", record.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("remove by non-owner: err = %v, want ErrNotOwner", err)
	}
	f.expectNoEvent(t)

	// Missing records surface ErrNotFound, not ownership errors.
	if _, err := f.service.Get(ctx, "user-1", "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: err = %v, want ErrNotFound", err)
	}
}

func TestServiceCreateCollision(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, "user-1")

	instant := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.service.now = func() time.Time { return instant }

	if _, err := f.service.Create(ctx, "user-1", 1, models.RecordTypeBigThing); err != nil {
		t.Fatal(err)
	}
	_, err := f.service.Create(ctx, "user-1", 2, models.RecordTypeBigThing)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists for identical (user, type, instant)", err)
	}
}
