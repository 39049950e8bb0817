// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/tallyhq/tally/internal/logging"
	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/internal/records"
	"github.com/tallyhq/tally/internal/users"
)

// Handler serves the resource endpoints.
type Handler struct {
	records   *records.Service
	directory users.Directory
	validate  *validator.Validate
}

// NewHandler wires the handler's collaborators.
func NewHandler(recordService *records.Service, directory users.Directory) *Handler {
	return &Handler{
		records:   recordService,
		directory: directory,
		validate:  validator.New(),
	}
}

// Health reports liveness. No auth, no rate limiting.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRecordRequest struct {
	Value *float64 `json:"value" validate:"required"`
	Type  string   `json:"type" validate:"required,oneof=bigThing littleThing"`
}

// CreateRecord creates a record owned by the authenticated user.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	user := users.FromContext(r.Context())

	var req createRecordRequest
	if !h.decode(w, r, &req) {
		return
	}

	record, err := h.records.Create(r.Context(), user.ID, *req.Value, models.RecordType(req.Type))
	if err != nil {
		h.respondRecordError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, record)
}

// GetRecord returns one record owned by the authenticated user.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	user := users.FromContext(r.Context())
	recordID := chi.URLParam(r, "recordId")

	record, err := h.records.Get(r.Context(), user.ID, recordID)
	if err != nil {
		h.respondRecordError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, record)
}

type patchRecordRequest struct {
	Value *float64 `json:"value" validate:"required"`
}

// PatchRecord updates the value of one record owned by the authenticated
// user. Only the value is mutable.
func (h *Handler) PatchRecord(w http.ResponseWriter, r *http.Request) {
	user := users.FromContext(r.Context())
	recordID := chi.URLParam(r, "recordId")

	var req patchRecordRequest
	if !h.decode(w, r, &req) {
		return
	}

	record, err := h.records.Patch(r.Context(), user.ID, recordID, *req.Value)
	if err != nil {
		h.respondRecordError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, record)
}

// DeleteRecord removes one record owned by the authenticated user.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	user := users.FromContext(r.Context())
	recordID := chi.URLParam(r, "recordId")

	if err := h.records.Remove(r.Context(), user.ID, recordID); err != nil {
		h.respondRecordError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, nil)
}

// GetUser returns the authenticated user's profile.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, users.FromContext(r.Context()))
}

// DeleteUser removes the authenticated user's profile.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	user := users.FromContext(r.Context())

	if err := h.directory.Delete(r.Context(), user.ID); err != nil {
		if errors.Is(err, users.ErrNotFound) {
			respondMessage(w, http.StatusNotFound, "user not found")
			return
		}
		logger := logging.Ctx(r.Context())
		logger.Error().Err(err).Msg("delete user failed")
		respondMessage(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondData(w, http.StatusOK, nil)
}

// decode parses and validates a JSON request body. On failure it writes a
// 400 envelope and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondMessage(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// respondRecordError maps record-service errors onto the envelope. A
// missing record on an owned-record path is a client error, matching the
// ownership assertion.
func (h *Handler) respondRecordError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, records.ErrNotFound):
		respondMessage(w, http.StatusBadRequest, "record not found")
	case errors.Is(err, records.ErrNotOwner):
		respondMessage(w, http.StatusForbidden, "user does not own record")
	case errors.Is(err, records.ErrAlreadyExists):
		respondMessage(w, http.StatusConflict, "record already exists")
	case errors.Is(err, records.ErrUserNotFound):
		respondMessage(w, http.StatusNotFound, "user not found")
	default:
		logger := logging.Ctx(r.Context())
		logger.Error().Err(err).Msg("record operation failed")
		respondMessage(w, http.StatusInternalServerError, "internal error")
	}
}
