// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import "strings"

// UNICODE: Rune-aware truncation preserves multi-byte characters.
// Labels are derived from user text, so counting bytes instead of runes
// would corrupt UTF-8 input at the cut point.

// Ellipsis is appended to truncated labels.
const Ellipsis = "…"

// CollapseSpace trims s and collapses every internal run of whitespace
// (spaces, tabs, newlines) into a single space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TruncateRunes truncates s to at most maxRunes characters, appending
// Ellipsis when anything was cut off. The ellipsis does not count against
// maxRunes: a truncated result is maxRunes characters plus the marker.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + Ellipsis
}

// DeriveLabel produces a short session label from free-form message text:
// trim, collapse internal whitespace, then truncate to maxRunes characters
// with an ellipsis marker. Empty or all-whitespace input yields "".
func DeriveLabel(text string, maxRunes int) string {
	return TruncateRunes(CollapseSpace(text), maxRunes)
}

// RuneLen returns the number of runes (characters) in a string.
// Safer than len() for validating user-visible limits on UTF-8 text.
func RuneLen(s string) int {
	return len([]rune(s))
}
