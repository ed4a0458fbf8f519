// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tokenstore

import (
	"path/filepath"
	"testing"
)

// =============================================================================
// ROUND-TRIP TESTS
// =============================================================================

func TestStore_SetGetClear(t *testing.T) {
	store := Open(filepath.Join(t.TempDir(), "tokens.db"))
	defer store.Close()

	if _, ok := store.Get(KindUserToken); ok {
		t.Fatal("fresh store should report absent")
	}

	store.Set(KindUserToken, "user-abc")
	store.Set(KindSessionToken, "sess-def")
	store.Set(KindActiveSession, "sid-1")

	if v, ok := store.Get(KindUserToken); !ok || v != "user-abc" {
		t.Errorf("user token = %q, %v", v, ok)
	}
	if v, ok := store.Get(KindSessionToken); !ok || v != "sess-def" {
		t.Errorf("session token = %q, %v", v, ok)
	}

	// Overwrite replaces.
	store.Set(KindUserToken, "user-xyz")
	if v, _ := store.Get(KindUserToken); v != "user-xyz" {
		t.Errorf("after overwrite = %q", v)
	}

	// Clear removes everything at once.
	store.Clear()
	for _, kind := range []Kind{KindUserToken, KindSessionToken, KindActiveSession} {
		if _, ok := store.Get(kind); ok {
			t.Errorf("%s survived Clear", kind)
		}
	}
}

func TestStore_SetEmptyRemoves(t *testing.T) {
	store := Open(filepath.Join(t.TempDir(), "tokens.db"))
	defer store.Close()

	store.Set(KindSessionToken, "sess-def")
	store.Set(KindSessionToken, "")

	if _, ok := store.Get(KindSessionToken); ok {
		t.Error("empty Set should remove the key")
	}
}

func TestStore_PersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")

	first := Open(path)
	first.Set(KindUserToken, "user-abc")
	first.Close()

	second := Open(path)
	defer second.Close()
	if v, ok := second.Get(KindUserToken); !ok || v != "user-abc" {
		t.Errorf("token did not survive reopen: %q, %v", v, ok)
	}
}

// =============================================================================
// DEGRADED MODE TESTS
// =============================================================================

// TestStore_UnavailableBackingStore verifies the no-op contract: when the
// database cannot be created, every operation must silently succeed.
func TestStore_UnavailableBackingStore(t *testing.T) {
	// A path under a regular file cannot be created as a directory.
	bad := Open(filepath.Join("/dev/null", "nested", "tokens.db"))
	defer bad.Close()

	bad.Set(KindUserToken, "user-abc") // must not panic
	if _, ok := bad.Get(KindUserToken); ok {
		t.Error("degraded store must report absent")
	}
	bad.Clear()
}

func TestStore_NilReceiver(t *testing.T) {
	var store *Store

	store.Set(KindUserToken, "x")
	if _, ok := store.Get(KindUserToken); ok {
		t.Error("nil store must report absent")
	}
	store.Clear()
	store.Close()
}
