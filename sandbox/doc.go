// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox isolates build commands inside a restricted
// execution environment: a private filesystem view, optional network
// isolation, a minimal device set, and strict process-tree
// containment, so that build actions cannot see or mutate the host or
// other builds.
//
// The central type is [Sandbox], which owns the sandbox-relative state
// for one build action invocation (working directory, environment,
// marked directories, output directory, batching context) and runs
// commands through a pluggable [Backend]. [NewBwrap] wires in the
// bubblewrap backend, which assembles the launcher argument vector in
// a fixed order (PID namespace, read-write root bind, conditional
// network unshare, working directory, fresh /proc and /tmp, devices,
// marked directory binds, the read-only remount last, user namespace)
// and supervises the resulting process tree.
//
// Commands either run immediately via [Sandbox.Run] or are deferred
// into a [Batch]: an ordered tree of commands, nested groups and
// callbacks that executes when the outermost [Sandbox.Batch] scope
// closes, aborting at the first non-zero exit with a [CommandError]
// that carries the batch's collect directory for partial-output
// salvage.
//
// Mount points resolve to host paths through a [MountMap]. The default
// [HostMountMap] serves paths from the sandbox root directory and,
// under a read-only root, stages artifact-marked directories through
// fuse-overlayfs copy-on-write ([OverlayManager]) so staged input is
// never modified in place.
//
// The bubblewrap launcher is setuid and cannot be signaled directly.
// Supervision instead resolves [ProcessHandles] by walking the process
// tree: the launcher's direct child retains ownership of the PID
// namespace and is killed to terminate, and that process's child is
// the requested command, whose process group receives SIGSTOP/SIGCONT
// for suspend and resume. The hooks are installed through the
// lib/signals scoped helpers, active only while the launcher runs.
//
// One Sandbox instance executes at most one launcher at a time and is
// owned by exactly one caller. Parallelism in the larger system comes
// from running many independent Sandbox instances, each with its own
// root and scratch directories.
package sandbox
