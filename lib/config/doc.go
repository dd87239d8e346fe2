// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Taskweave
// commands.
//
// Configuration is loaded from a single file specified by either the
// TASKWEAVE_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks, no ~/.config
// discovery, and no automatic file search. This ensures deterministic,
// auditable configuration with no hidden overrides.
//
// Files ending in .yaml or .yml parse as YAML; .json and .jsonc parse
// as JSON with comments and trailing commas allowed. Environment
// variables never override file values.
//
// Key exports:
//
//   - [Config] -- room, secret, relays, TURN, device, tuning
//   - [Default] -- a Config with the defaults applied
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends only on lib-level packages.
package config
