// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api implements the HTTP client for the parley backend:
// authentication, session CRUD, message history, and the streaming chat
// endpoint.
//
// # Key Types
//
//   - Client: bearer-authenticated HTTP client for all endpoints
//   - ChatMessage: wire format for one {role, content} message
//   - EventDecoder: incremental decoder for the chunked stream framing
//   - StreamEvent: one decoded {content, done} payload
//
// # Errors
//
// Failures map onto a small taxonomy: AuthError (login/register),
// SessionError (session CRUD), StreamError (stream setup or mid-stream),
// and the ErrSessionExpired sentinel for any 401/403 on an authenticated
// call. Cancellation propagates as context.Canceled and is never wrapped.
//
// The client is stateless with respect to tokens: every operation takes
// its bearer explicitly, and nothing is persisted here.
package api
