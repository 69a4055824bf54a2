// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import "strings"

// Flags select how a command (or batch of commands) runs inside the
// sandbox. Flags are fixed per invocation: every command and nested
// batch under one open batch must carry flags identical to the batch's.
type Flags uint32

const (
	// RootReadOnly remounts the sandbox root read-only after all other
	// mounts are in place. This is the normal state for builds; it is
	// cleared when running integration commands that must update
	// caches on the staged root (ldconfig and friends).
	RootReadOnly Flags = 1 << iota

	// NetworkEnabled exposes the host network instead of unsharing the
	// network namespace. Never set for builds; useful for interactive
	// shells.
	NetworkEnabled

	// Interactive connects the sandboxed process to the calling
	// terminal: stdin is inherited, the full host /dev is bound so a
	// console and pseudo-terminals exist, and the launcher joins the
	// caller's session.
	Interactive

	// InheritUID runs sandboxed processes with the caller's uid and
	// gid instead of the default contained uid 0 / gid 0 inside a
	// fresh user namespace.
	InheritUID
)

// Has reports whether all bits in flag are set.
func (f Flags) Has(flag Flags) bool { return f&flag == flag }

// String renders the set flags for logs and assertion messages.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, entry := range []struct {
		flag Flags
		name string
	}{
		{RootReadOnly, "root-read-only"},
		{NetworkEnabled, "network-enabled"},
		{Interactive, "interactive"},
		{InheritUID, "inherit-uid"},
	} {
		if f.Has(entry.flag) {
			names = append(names, entry.name)
		}
	}
	return strings.Join(names, "|")
}
