// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tallyhq/tally/internal/models"
)

// userKeyPrefix namespaces profile keys in BadgerDB.
const userKeyPrefix = "user:"

// tokenClaims are the identity claims carried by an access token. The
// subject is the user id.
type tokenClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// JWTDirectory verifies HS256 bearer tokens and mirrors the identities they
// carry into a BadgerDB profile store. Profiles survive restarts; tokens are
// stateless.
type JWTDirectory struct {
	secret []byte
	db     *badger.DB
	now    func() time.Time
}

// NewJWTDirectory creates a directory over db. The secret must be at least
// 32 bytes.
func NewJWTDirectory(secret string, db *badger.DB) (*JWTDirectory, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("auth secret must be at least 32 characters, got %d", len(secret))
	}
	return &JWTDirectory{
		secret: []byte(secret),
		db:     db,
		now:    time.Now,
	}, nil
}

// Verify authenticates a token, upserts the profile it names and returns it.
func (d *JWTDirectory) Verify(ctx context.Context, tokenString string) (*models.User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return d.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	user, err := d.upsert(claims)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// upsert writes the profile carried by the claims, keeping the original
// CreatedAt for users seen before.
func (d *JWTDirectory) upsert(claims *tokenClaims) (*models.User, error) {
	user := &models.User{
		ID:        claims.Subject,
		Email:     claims.Email,
		Name:      claims.Name,
		CreatedAt: d.now().UTC(),
	}

	key := []byte(userKeyPrefix + user.ID)
	err := d.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			var existing models.User
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err == nil && !existing.CreatedAt.IsZero() {
				user.CreatedAt = existing.CreatedAt
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get user: %w", err)
		}

		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("marshal user: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Get returns the stored profile for a user id.
func (d *JWTDirectory) Get(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(userKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &user)
		})
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Delete removes the stored profile for a user id.
func (d *JWTDirectory) Delete(ctx context.Context, id string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		key := []byte(userKeyPrefix + id)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		return txn.Delete(key)
	})
}
