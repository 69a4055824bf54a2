// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

// Package signals provides scoped mutation of process signal
// disposition.
//
// Signal handlers are process-global state. Installing one around a
// blocking call and forgetting to remove it on an error path leaves a
// stale handler pointing at a dead supervisee. Every helper in this
// package therefore follows the same shape: install, return a restore
// function, and the caller defers the restore so that the previous
// disposition is reinstated on every exit path.
//
// [Terminator] and [Suspendable] exist for the sandbox's process-tree
// supervision: the bubblewrap launcher is setuid and refuses signals,
// so termination and suspension requests arriving at this process must
// be translated into signals aimed at specific descendants of the
// launcher. The handlers are active only while the launcher runs.
package signals
