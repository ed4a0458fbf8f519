// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// =============================================================================
// SESSION TOKEN
// =============================================================================

// Token is a bearer credential issued by the backend. ExpiresAt is kept
// opaque (the server's own timestamp encoding); the client never inspects
// it, expiry is detected through 401/403 responses.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

// IsZero reports whether the token carries no credential.
func (t Token) IsZero() bool {
	return t.AccessToken == ""
}

// =============================================================================
// SESSION TYPE
// =============================================================================

// Session is a named, independently revocable conversation context with
// its own bearer token. Name may be empty until the first message derives
// a label for it.
type Session struct {
	ID    string `json:"session_id"`
	Name  string `json:"name"`
	Token Token  `json:"token"`
}
