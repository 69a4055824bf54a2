// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for command binaries.
package process
