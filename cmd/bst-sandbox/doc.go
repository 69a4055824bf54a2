// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

// bst-sandbox is a thin command-line front end over the sandbox
// package, for running and debugging isolated build commands outside
// the full build pipeline.
package main
