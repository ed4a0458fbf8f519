// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tokenstore persists the client's bearer tokens and the
// last-active session identifier in a small SQLite key/value table.
//
// The store is intentionally forgiving: when the backing database cannot
// be opened (read-only home directory, sandboxed execution, missing
// driver support on the platform) every operation degrades to a no-op.
// Reads report absent, writes are skipped, and no error ever reaches the
// caller. The rest of the system must work with purely in-memory tokens.
package tokenstore
