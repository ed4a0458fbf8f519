// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for parley.
//
// Configuration is TOML with sensible defaults and environment variable
// overrides, loaded from (in order of precedence):
//   - PARLEY_* environment variables
//   - ~/.parley/config.toml
//   - Built-in defaults
//
// The package also exposes a file watcher so a long-running client can
// pick up base URL changes without a restart.
package config
