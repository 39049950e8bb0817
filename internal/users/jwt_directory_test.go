// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package users

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tallyhq/tally/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestDirectory(t *testing.T) *JWTDirectory {
	t.Helper()

	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	dir, err := NewJWTDirectory(testSecret, db)
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func signToken(t *testing.T, secret, sub, email, name string, expiresIn time.Duration) string {
	t.Helper()

	claims := &tokenClaims{
		Email: email,
		Name:  name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestNewJWTDirectoryRejectsShortSecret(t *testing.T) {
	if _, err := NewJWTDirectory("short", nil); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestVerifyUpsertsProfile(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(t)

	token := signToken(t, testSecret, "user-1", "a@example.com", "Alice", time.Hour)
	user, err := dir.Verify(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != "user-1" || user.Email != "a@example.com" || user.Name != "Alice" {
		t.Fatalf("user = %+v", user)
	}

	stored, err := dir.Get(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Email != "a@example.com" {
		t.Fatalf("stored email = %q", stored.Email)
	}
}

func TestVerifyPreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(t)

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	dir.now = func() time.Time { return first }

	token := signToken(t, testSecret, "user-1", "a@example.com", "Alice", time.Hour)
	if _, err := dir.Verify(ctx, token); err != nil {
		t.Fatal(err)
	}

	dir.now = func() time.Time { return first.Add(48 * time.Hour) }
	token = signToken(t, testSecret, "user-1", "new@example.com", "Alice B", time.Hour)
	user, err := dir.Verify(ctx, token)
	if err != nil {
		t.Fatal(err)
	}

	if !user.CreatedAt.Equal(first) {
		t.Fatalf("CreatedAt = %v, want first-seen time %v", user.CreatedAt, first)
	}
	if user.Email != "new@example.com" {
		t.Fatalf("email = %q, want refreshed claims", user.Email)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(t)

	cases := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", signToken(t, "ffffffffffffffffffffffffffffffff", "user-1", "", "", time.Hour)},
		{"expired", signToken(t, testSecret, "user-1", "", "", -time.Hour)},
		{"missing subject", signToken(t, testSecret, "", "", "", time.Hour)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := dir.Verify(ctx, tc.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestGetUnknownUser(t *testing.T) {
	dir := newTestDirectory(t)

	if _, err := dir.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(t)

	token := signToken(t, testSecret, "user-1", "a@example.com", "Alice", time.Hour)
	if _, err := dir.Verify(ctx, token); err != nil {
		t.Fatal(err)
	}

	if err := dir.Delete(ctx, "user-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := dir.Get(ctx, "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err after delete = %v, want ErrNotFound", err)
	}
	if err := dir.Delete(ctx, "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}
