// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the bst-sandbox
// command.
//
// Configuration is loaded from a single YAML file specified by:
//   - the BST_SANDBOX_CONFIG environment variable, or
//   - the --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
package config
