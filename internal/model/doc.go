// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared across the parley
// core: chat messages, sessions, and their bearer tokens.
//
// The types here are deliberately passive. All lifecycle rules (who may
// append to a message, when a session becomes active, when tokens are
// cleared) live in the controller package; model only defines the shapes
// and a few constructors.
package model
