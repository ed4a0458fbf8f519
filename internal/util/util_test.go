// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// STRING TESTS
// =============================================================================

func TestCollapseSpace(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"leading and trailing", "   hello   world  ", "hello world"},
		{"tabs and newlines", "a\t\tb\nc", "a b c"},
		{"already clean", "hello world", "hello world"},
		{"empty", "", ""},
		{"only whitespace", "  \t\n ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CollapseSpace(tt.input); got != tt.want {
				t.Errorf("CollapseSpace(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := TruncateRunes("short", 40); got != "short" {
		t.Errorf("expected untouched string, got %q", got)
	}

	long := strings.Repeat("x", 50)
	got := TruncateRunes(long, 40)
	if got != strings.Repeat("x", 40)+Ellipsis {
		t.Errorf("expected 40 chars plus ellipsis, got %q (len %d)", got, len([]rune(got)))
	}

	// UNICODE: truncation must count runes, not bytes.
	cjk := strings.Repeat("語", 50)
	got = TruncateRunes(cjk, 40)
	if len([]rune(got)) != 41 { // 40 runes + ellipsis
		t.Errorf("rune truncation broken: got %d runes", len([]rune(got)))
	}

	if TruncateRunes("anything", 0) != "" {
		t.Error("maxRunes <= 0 should yield empty string")
	}
}

func TestDeriveLabel(t *testing.T) {
	if got := DeriveLabel("   hello   world  ", 40); got != "hello world" {
		t.Errorf("DeriveLabel = %q, want %q", got, "hello world")
	}

	long := strings.Repeat("a", 50)
	got := DeriveLabel(long, 40)
	want := strings.Repeat("a", 40) + Ellipsis
	if got != want {
		t.Errorf("DeriveLabel(long) = %q, want %q", got, want)
	}

	if DeriveLabel("", 40) != "" {
		t.Error("empty text must yield empty label")
	}
	if DeriveLabel("  \n ", 40) != "" {
		t.Error("whitespace-only text must yield empty label")
	}
}

// =============================================================================
// ATOMIC WRITE TESTS
// =============================================================================

func TestAtomicWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "file.txt")

	if err := AtomicWriteFile(path, []byte("first"), 0644); err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "first" {
		t.Errorf("content = %q, want %q", data, "first")
	}

	// Overwrite must replace the whole file.
	if err := AtomicWriteFile(path, []byte("second"), 0644); err != nil {
		t.Fatalf("AtomicWriteFile overwrite: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "second" {
		t.Errorf("content after overwrite = %q, want %q", data, "second")
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}
