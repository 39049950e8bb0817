// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

// Package api wires the HTTP surface: routing, the response envelope, the
// auth and rate-limit middleware, and the resource handlers.
package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tallyhq/tally/internal/logging"
)

// Response is the envelope every API endpoint answers with.
type Response struct {
	Code      int         `json:"code"`
	Status    string      `json:"status"`
	DateTime  string      `json:"dateTime"`
	Timestamp int64       `json:"timestamp"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

func newResponse(code int, message string, data interface{}, now time.Time) Response {
	now = now.UTC()
	return Response{
		Code:      code,
		Status:    http.StatusText(code),
		DateTime:  now.Format(time.RFC3339Nano),
		Timestamp: now.UnixMilli(),
		Message:   message,
		Data:      data,
	}
}

// respondData writes a success envelope.
func respondData(w http.ResponseWriter, code int, data interface{}) {
	writeResponse(w, newResponse(code, "", data, time.Now()))
}

// respondMessage writes an envelope with a message and no data. Used for
// errors and bare confirmations.
func respondMessage(w http.ResponseWriter, code int, message string) {
	writeResponse(w, newResponse(code, message, nil, time.Now()))
}

func writeResponse(w http.ResponseWriter, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(response.Code)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}
