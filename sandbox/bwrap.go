// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/misha-codethink/buildstream/lib/clock"
	"github.com/misha-codethink/buildstream/lib/signals"
)

// minimalDevices is the fixed device set exposed to non-interactive
// sandboxes. Each is dev-bound individually so no other host device
// nodes are visible inside.
var minimalDevices = []string{
	"/dev/full",
	"/dev/null",
	"/dev/urandom",
	"/dev/random",
	"/dev/zero",
}

// launcherDirs are the directories bwrap creates at the sandbox root
// for its own mounts. bwrap runs setuid and may leave them behind with
// unexpected group ownership, so they are removed after a run unless
// they already existed before launch.
var launcherDirs = []string{"tmp", "dev", "proc"}

const (
	devicePollInterval = 10 * time.Millisecond
	deviceMaxAttempts  = 1000
)

// BwrapConfig configures a bubblewrap-backed sandbox.
type BwrapConfig struct {
	Config

	// LauncherPath overrides resolution of the bwrap binary from
	// PATH.
	LauncherPath string
}

// NewBwrap creates a Sandbox backed by the bubblewrap isolation
// launcher. Commands run in fresh PID and user namespaces over a
// bind-mounted private root, with the network namespace and device
// set governed by Flags per command.
func NewBwrap(config BwrapConfig) (*Sandbox, error) {
	s, err := New(config.Config)
	if err != nil {
		return nil, err
	}
	s.SetBackend(&bwrapBackend{
		sandbox:      s,
		launcherPath: config.LauncherPath,
		newMountMap:  NewHostMountMap,
		removeFile:   os.Remove,
	})
	return s, nil
}

// bwrapBackend implements Backend using the bubblewrap launcher.
type bwrapBackend struct {
	sandbox      *Sandbox
	launcherPath string
	newMountMap  mountMapFactory

	// removeFile is os.Remove, injectable for device-cleanup tests.
	removeFile func(string) error
}

// ExecuteOne runs one command inside bubblewrap and returns its raw
// exit status. Non-zero statuses are not errors at this layer; whether
// they abort anything is the caller's (or the batch engine's) call.
func (b *bwrapBackend) ExecuteOne(ctx context.Context, command []string, flags Flags, cwd string, env map[string]string) (int, error) {
	launcher, err := b.launcher()
	if err != nil {
		return 0, err
	}

	mounts, err := b.newMountMap(b.sandbox, flags.Has(RootReadOnly))
	if err != nil {
		return 0, err
	}

	// bwrap may create tmp, dev and proc at the root while setuid,
	// possibly with root group ownership. Record what already exists
	// so cleanup only removes debris bwrap itself introduced.
	preExisting := make(map[string]bool, len(launcherDirs))
	for _, name := range launcherDirs {
		_, statErr := os.Stat(filepath.Join(b.sandbox.Root(), name))
		preExisting[name] = statErr == nil
	}

	var exitCode int

	// Everything from mount-source resolution to post-run cleanup
	// happens inside the mount scope: cleanup must run at the same
	// depth as mount teardown, because bwrap can have created device
	// nodes on a staged mount and they must be removed there, while
	// the staging layer still exists.
	err = mounts.WithMounts(ctx, func() error {
		rootSource, err := mounts.MountSource("/")
		if err != nil {
			return err
		}
		b.sandbox.setMountSource("/", rootSource)

		argv, err := b.buildArgv(launcher, rootSource, mounts, command, flags, cwd)
		if err != nil {
			return err
		}

		// Commands must never fail merely because their working
		// directory was not staged.
		workdir := filepath.Join(rootSource, strings.TrimPrefix(cwd, "/"))
		if err := os.MkdirAll(workdir, 0o755); err != nil {
			return fmt.Errorf("creating working directory %s: %w", workdir, err)
		}

		exitCode, err = b.runLauncher(ctx, argv, env, flags.Has(Interactive))
		if err != nil {
			return err
		}

		if !flags.Has(Interactive) {
			for _, device := range minimalDevices {
				path := filepath.Join(rootSource, strings.TrimPrefix(device, "/"))
				if err := removeDeviceNode(b.sandbox.clock, b.removeFile, path); err != nil {
					return err
				}
			}
		}
		return removeLauncherDirs(rootSource, preExisting)
	})
	if err != nil {
		return 0, err
	}
	return exitCode, nil
}

// launcher locates the bwrap binary.
func (b *bwrapBackend) launcher() (string, error) {
	if b.launcherPath != "" {
		if _, err := os.Stat(b.launcherPath); err != nil {
			return "", &ToolNotFoundError{Tool: b.launcherPath}
		}
		return b.launcherPath, nil
	}
	path, err := exec.LookPath("bwrap")
	if err != nil {
		return "", &ToolNotFoundError{Tool: "bwrap"}
	}
	return path, nil
}

// buildArgv assembles the launcher argument vector. The order is a
// wire contract with bwrap: later mount directives shadow earlier
// ones, so the root is bound read-write first, marked directories are
// layered on top, and only then is the root remounted read-only.
func (b *bwrapBackend) buildArgv(launcher, rootSource string, mounts MountMap, command []string, flags Flags, cwd string) ([]string, error) {
	argv := []string{launcher}

	// A fresh PID namespace guarantees any leaked grandchildren die
	// with the launcher.
	argv = append(argv, "--unshare-pid")

	argv = append(argv, "--bind", rootSource, "/")

	if !flags.Has(NetworkEnabled) {
		argv = append(argv, "--unshare-net")
	}

	argv = append(argv, "--chdir", cwd)

	argv = append(argv, "--proc", "/proc", "--tmpfs", "/tmp")

	// Interactive shells need a console and pseudo-terminals, so they
	// get the host's /dev wholesale. Builds get the hand-picked
	// minimal set and nothing else.
	if flags.Has(Interactive) {
		argv = append(argv, "--dev-bind", "/dev", "/dev")
	} else {
		for _, device := range minimalDevices {
			argv = append(argv, "--dev-bind", device, device)
		}
	}

	for _, mark := range b.sandbox.MarkedDirectories() {
		source, err := mounts.MountSource(mark.Path)
		if err != nil {
			return nil, err
		}
		b.sandbox.setMountSource(mark.Path, source)
		argv = append(argv, "--bind", source, mark.Path)
	}

	if flags.Has(RootReadOnly) {
		argv = append(argv, "--remount-ro", "/")
	}

	if !flags.Has(InheritUID) {
		argv = append(argv, "--unshare-user", "--uid", "0", "--gid", "0")
	}

	argv = append(argv, command...)
	return argv, nil
}

// runLauncher starts bwrap, supervises it until exit, and returns the
// raw exit status.
//
// Non-interactive runs get a new session, stdin on the null device,
// and suspend/resume/terminate hooks active for exactly as long as the
// launcher runs. Interactive runs inherit stdin and stay in the
// caller's session: starting a new session breaks job control in
// launched shells, for reasons upstream does not explain.
func (b *bwrapBackend) runLauncher(ctx context.Context, argv []string, env map[string]string, interactive bool) (int, error) {
	cmd := b.launcherCommand(ctx, argv, env, interactive)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	if !interactive {
		pid := cmd.Process.Pid
		restoreSuspend := signals.Suspendable(
			func() { signalLeaderGroup(pid, unix.SIGSTOP) },
			func() { signalLeaderGroup(pid, unix.SIGCONT) },
		)
		defer restoreSuspend()
		restoreTerminate := signals.Terminator(func() { terminateTree(pid) })
		defer restoreTerminate()
	}

	waitErr := cmd.Wait()

	if interactive && term.IsTerminal(int(os.Stdin.Fd())) {
		reclaimForeground()
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("waiting for %s: %w", argv[0], waitErr)
	}
	return 0, nil
}

// launcherCommand assembles the exec.Cmd for one launcher run.
func (b *bwrapBackend) launcherCommand(ctx context.Context, argv []string, env map[string]string, interactive bool) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = flattenEnvironment(env)
	cmd.Stdout, cmd.Stderr = b.sandbox.output()

	// Context cancellation must go through the same path as SIGTERM:
	// the launcher is setuid and refuses signals, so the default
	// cancel (a SIGKILL to the launcher itself) would do nothing.
	cmd.Cancel = func() error {
		terminateTree(cmd.Process.Pid)
		return nil
	}

	if interactive {
		cmd.Stdin = os.Stdin
	} else {
		// Nil stdin hands the child the null device, so the sandboxed
		// process is fully detached from any controlling terminal.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}
	return cmd
}

// reclaimForeground makes this process the foreground process group on
// the terminal again after an interactive run. The sandboxed process
// cannot do this on its way out (it lives in a separate PID
// namespace), and without it the next read from stdin raises SIGTTIN
// and stops us. tcsetpgrp from a background process group raises
// SIGTTOU, so that signal is ignored around the call.
func reclaimForeground() {
	signals.IgnoreDuring(unix.SIGTTOU, func() {
		_ = unix.IoctlSetPointerInt(int(os.Stdin.Fd()), unix.TIOCSPGRP, unix.Getpgrp())
	})
}

// removeDeviceNode unlinks a device node bwrap bound into the root,
// retrying on EBUSY: on some machines the bind-mount has not finished
// unmounting for a short window after bwrap exits. ENOENT means bwrap
// cleaned up itself. Any other error, or exhausting the retry budget,
// is fatal.
func removeDeviceNode(clk clock.Clock, remove func(string) error, path string) error {
	for attempt := 1; ; attempt++ {
		err := remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if !errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("removing device %s: %w", path, err)
		}
		if attempt >= deviceMaxAttempts {
			return fmt.Errorf("removing device %s: still busy after %d attempts: %w", path, attempt, err)
		}
		clk.Sleep(devicePollInterval)
	}
}

// removeLauncherDirs removes the tmp, dev and proc directories bwrap
// created at the root. Directories that existed before launch are left
// alone. A missing directory is fine (bwrap cleaned it up); a
// non-empty one is fatal, because it means bwrap is leaking a live
// mount and the contents must not end up in an artifact.
func removeLauncherDirs(rootSource string, preExisting map[string]bool) error {
	for _, name := range launcherDirs {
		if preExisting[name] {
			continue
		}
		path := filepath.Join(rootSource, name)
		err := os.Remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return fmt.Errorf("launcher left %s behind: %w", path, err)
	}
	return nil
}

// flattenEnvironment renders an environment map in the KEY=value form
// exec.Cmd expects, sorted for deterministic launcher invocations.
func flattenEnvironment(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	flattened := make([]string, 0, len(keys))
	for _, key := range keys {
		flattened = append(flattened, key+"="+env[key])
	}
	return flattened
}
