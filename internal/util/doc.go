// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small dependency-free helpers shared by the
// parley packages: rune-safe string handling for session labels and
// atomic file writes for configuration.
package util
