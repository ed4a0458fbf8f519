// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrSessionExpired signals a 401/403 on any authenticated call. The
// bearer has been revoked server-side; the caller must force a full
// logout and never reuse the token.
var ErrSessionExpired = errors.New("session expired")

// AuthError is a login or registration failure. Detail carries the
// server-provided message when one could be decoded, otherwise the fixed
// per-operation fallback.
type AuthError struct {
	Status int
	Detail string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d)", e.Detail, e.Status)
	}
	return e.Detail
}

// SessionError is a session CRUD failure (list, create, rename, delete).
type SessionError struct {
	Op     string
	Status int
	Detail string
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Op, e.Detail, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Detail)
}

// StreamError is a stream setup or mid-stream failure. User-initiated
// cancellation is never wrapped in a StreamError; it stays a bare
// context.Canceled so callers can swallow it.
type StreamError struct {
	Status int
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("stream failed: %s (HTTP %d)", e.Detail, e.Status)
	}
	if e.Err != nil && e.Detail == "" {
		return fmt.Sprintf("stream failed: %v", e.Err)
	}
	return fmt.Sprintf("stream failed: %s", e.Detail)
}

// Unwrap returns the underlying error, if any.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR BODY DECODING
// =============================================================================

// detailBody is the backend's error envelope.
type detailBody struct {
	Detail string `json:"detail"`
}

// errorDetail extracts the server's detail message from an error body,
// falling back to the supplied per-operation message when the body is not
// decodable JSON or carries no detail.
func errorDetail(body []byte, fallback string) string {
	var eb detailBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Detail != "" {
		return eb.Detail
	}
	return fallback
}
