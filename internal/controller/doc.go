// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package controller owns all mutable conversation state: the message
// log, the session collection, the active session, the mirrored auth
// tokens, the loading flag, and the single user-visible error slot.
//
// The surrounding UI never mutates state directly. It calls the
// controller's operations (Login, SendMessage, Stop, ...) and reads
// immutable snapshots. The controller in turn drives the api client and
// the token store, so token lifecycle rules live in exactly one place:
//
//   - at most one active session; its token authorizes history and
//     streaming calls
//   - at most one in-flight stream; a new send retires the previous one
//   - any 401/403 from the backend forces a full logout
//
// All operations are safe for concurrent use; internally a single mutex
// guards state and is never held across network calls.
package controller
