// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ProcessHandles identifies the two descendants of the isolation
// launcher that supervision can act on. The launcher itself is setuid
// and refuses signals, so both handles are resolved by position in the
// process tree rather than by signaling upward.
//
// Because the launcher is started with a new PID namespace, its direct
// child is a second launcher process that retains ownership of the
// namespace: killing it tears the whole sandbox down (the Holder). That
// process's own child is the command the caller asked for: signaling
// its process group suspends or resumes the build, shell scripts
// included (the Leader).
type ProcessHandles struct {
	// Holder owns the PID namespace. Kill this to terminate the run.
	Holder int

	// Leader is the requested command. Signal its process group with
	// SIGSTOP/SIGCONT to suspend and resume.
	Leader int
}

// resolveProcessHandles walks the process tree below the launcher pid.
// It fails when the tree has not formed yet or has already collapsed;
// supervision hooks treat that as "nothing to act on".
func resolveProcessHandles(launcherPID int) (ProcessHandles, error) {
	holder, err := firstChild(launcherPID)
	if err != nil {
		return ProcessHandles{}, fmt.Errorf("resolving namespace holder: %w", err)
	}
	leader, err := firstChild(holder)
	if err != nil {
		return ProcessHandles{}, fmt.Errorf("resolving execution leader: %w", err)
	}
	return ProcessHandles{Holder: holder, Leader: leader}, nil
}

// firstChild returns the first child pid of pid, read from the
// kernel's children list for the process's main thread.
func firstChild(pid int) (int, error) {
	path := fmt.Sprintf("/proc/%d/task/%d/children", pid, pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("process %d has no children", pid)
	}
	child, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return child, nil
}

// terminateTree kills the namespace holder below the launcher, which
// collapses the PID namespace and everything in it. Absence of a
// resolvable tree means the run is already over; nothing to do.
func terminateTree(launcherPID int) {
	handles, err := resolveProcessHandles(launcherPID)
	if err != nil {
		return
	}
	_ = unix.Kill(handles.Holder, unix.SIGKILL)
}

// signalLeaderGroup sends sig to the execution leader's whole process
// group. Used for SIGSTOP/SIGCONT so that a shell and all of its build
// script children stop and resume together.
func signalLeaderGroup(launcherPID int, sig unix.Signal) {
	handles, err := resolveProcessHandles(launcherPID)
	if err != nil {
		return
	}
	pgid, err := unix.Getpgid(handles.Leader)
	if err != nil {
		return
	}
	_ = unix.Kill(-pgid, sig)
}
