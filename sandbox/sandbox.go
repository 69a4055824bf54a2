// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/misha-codethink/buildstream/lib/clock"
)

// Deferred is returned by Run instead of an exit status when a batch
// is open: the command has been appended to the batch and will execute
// when the outermost batch scope closes. It is outside the 0-255 range
// of real exit statuses.
const Deferred = -1

// Backend executes a single command inside a concrete isolation
// implementation. It is the one primitive a Sandbox delegates to; the
// batching engine and the public Sandbox contract are expressed purely
// in terms of it.
type Backend interface {
	// ExecuteOne runs command with the given flags, working directory
	// and environment, blocking until it exits, and returns the raw
	// exit status. A non-zero status is not an error at this layer.
	ExecuteOne(ctx context.Context, command []string, flags Flags, cwd string, env map[string]string) (int, error)
}

// batchFactory lets a backend substitute its own Batch construction.
type batchFactory interface {
	createBatch(sandbox *Sandbox, root *Group, flags Flags, collect string) *Batch
}

// MarkedDirectory is a sandbox-relative path the caller has declared
// must be bind-mounted into the sandbox.
type MarkedDirectory struct {
	// Path is the absolute path within the sandbox.
	Path string

	// Artifact is true when the content staged at this location
	// contains build artifacts.
	Artifact bool
}

// Config holds configuration for creating a Sandbox.
type Config struct {
	// Directory is the host directory backing the sandbox. Unless Bare
	// is set, a "root" subdirectory backs the sandbox filesystem and a
	// "scratch" subdirectory holds backend-private temporary state.
	// The directory is caller-owned: the sandbox creates root and
	// scratch eagerly but never destroys them.
	Directory string

	// Bare uses Directory itself as the sandbox root, with no scratch
	// directory. Used when the directory already holds a prepared
	// filesystem and no backend staging is needed.
	Bare bool

	// Stdout and Stderr receive the sandboxed process output. Nil
	// means inherit the calling process's streams.
	Stdout io.Writer
	Stderr io.Writer

	// Logger for sandbox operations. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock for activity timing and backend polling. Defaults to
	// clock.Real(); tests inject a fake.
	Clock clock.Clock
}

// Sandbox owns the sandbox-relative state for one build action
// invocation (working directory, environment, marked directories,
// output directory, batching context) and runs commands through a
// pluggable isolation backend.
//
// A Sandbox is owned by exactly one caller and is not safe for
// concurrent use; the single-batch-per-sandbox invariant below relies
// on that ownership.
type Sandbox struct {
	root    string
	scratch string // empty for bare sandboxes

	workDirectory   string
	environment     map[string]string
	markedDirs      []MarkedDirectory
	outputDirectory string

	// mountSources maps sandbox-absolute mountpoints to the host paths
	// they are bound from. Populated by the backend as it resolves
	// each mount; write-once per mountpoint, read-only once a run
	// begins.
	mountSources map[string]string

	// batch is the single open batch, nil when idle. Nested batch
	// scopes share it and move currentGroup.
	batch *Batch

	backend Backend

	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
	clock  clock.Clock
}

// New creates a Sandbox with no execution backend. Concrete
// constructors (NewBwrap) wire a backend in; a bare Sandbox returns
// ErrNotImplemented from Run.
func New(config Config) (*Sandbox, error) {
	if config.Directory == "" {
		return nil, fmt.Errorf("sandbox directory is required")
	}
	directory, err := filepath.Abs(config.Directory)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox directory: %w", err)
	}

	s := &Sandbox{
		mountSources: make(map[string]string),
		stdout:       config.Stdout,
		stderr:       config.Stderr,
		logger:       config.Logger,
		clock:        config.Clock,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}

	if config.Bare {
		s.root = directory
		if err := os.MkdirAll(s.root, 0o755); err != nil {
			return nil, fmt.Errorf("creating sandbox root: %w", err)
		}
	} else {
		s.root = filepath.Join(directory, "root")
		s.scratch = filepath.Join(directory, "scratch")
		for _, d := range []string{s.root, s.scratch} {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return nil, fmt.Errorf("creating sandbox directory %s: %w", d, err)
			}
		}
	}
	return s, nil
}

// SetEnvironment sets the default environment for sandboxed commands.
func (s *Sandbox) SetEnvironment(environment map[string]string) {
	s.environment = environment
}

// SetWorkDirectory sets the default working directory, an absolute
// path within the sandbox.
func (s *Sandbox) SetWorkDirectory(directory string) {
	s.workDirectory = directory
}

// SetOutputDirectory sets the directory preserved as an artifact after
// assembly, an absolute path within the sandbox.
func (s *Sandbox) SetOutputDirectory(directory string) {
	s.outputDirectory = directory
}

// OutputDirectory returns the configured output directory, or empty.
func (s *Sandbox) OutputDirectory() string { return s.outputDirectory }

// Root returns the absolute host path backing the sandbox root.
func (s *Sandbox) Root() string { return s.root }

// Scratch returns the backend-private scratch directory, or empty for
// a bare sandbox.
func (s *Sandbox) Scratch() string { return s.scratch }

// MarkDirectory declares that the given sandbox-absolute path must be
// bind-mounted, optionally flagging it as holding build artifacts.
// Marks accumulate in call order; the backend binds them in that
// order. Duplicates are not filtered — they are the caller's
// responsibility.
func (s *Sandbox) MarkDirectory(directory string, artifact bool) {
	s.markedDirs = append(s.markedDirs, MarkedDirectory{Path: directory, Artifact: artifact})
}

// MarkedDirectories returns the marked directories in insertion order.
func (s *Sandbox) MarkedDirectories() []MarkedDirectory { return s.markedDirs }

// RunOptions carries the optional per-command settings for Run.
type RunOptions struct {
	// WorkDirectory overrides the sandbox default working directory
	// for this command only.
	WorkDirectory string

	// Environment overrides the sandbox default environment for this
	// command only. PWD is forced to the effective working directory
	// either way.
	Environment map[string]string

	// Label identifies the command in logs and failure messages.
	Label string
}

// Run runs a command in the sandbox.
//
// Outside a batch the command executes immediately and Run returns its
// raw exit status. Inside a batch the command is appended to the
// batch's current group for later execution and Run returns Deferred;
// the command's flags must equal the batch's flags (programming
// contract, enforced by panic).
func (s *Sandbox) Run(ctx context.Context, command []string, flags Flags, options RunOptions) (int, error) {
	if len(command) == 0 {
		return 0, fmt.Errorf("empty command")
	}

	cwd := s.effectiveWorkDirectory(options.WorkDirectory)
	env := s.effectiveEnvironment(cwd, options.Environment)

	if s.batch != nil {
		s.assertBatchFlags(flags)
		s.batch.currentGroup.append(&batchCommand{
			label: options.Label,
			argv:  append([]string(nil), command...),
			cwd:   cwd,
			env:   env,
		})
		return Deferred, nil
	}
	return s.executeOne(ctx, command, flags, cwd, env)
}

// RunScript is shorthand for running a single-element command, the
// common case of a shell script fragment already joined into one
// string.
func (s *Sandbox) RunScript(ctx context.Context, script string, flags Flags, options RunOptions) (int, error) {
	return s.Run(ctx, []string{script}, flags, options)
}

// BatchOptions carries the optional settings for Batch.
type BatchOptions struct {
	// Label names the batch group in logs; a labeled group is wrapped
	// in a timed activity scope.
	Label string

	// Collect is a sandbox directory whose partial install contents
	// should be preserved for inspection if a command in the batch
	// fails. Only meaningful on the outermost batch.
	Collect string
}

// Batch runs body inside a command batching scope. Commands issued via
// Run while the scope is open are deferred into an ordered tree and
// executed when the outermost scope closes, stopping at the first
// non-zero exit (reported as a *CommandError).
//
// Batches nest: an inner Batch adds a group under the current group
// rather than opening a second batch, and must use flags identical to
// the enclosing batch's (programming contract, enforced by panic).
func (s *Sandbox) Batch(ctx context.Context, flags Flags, options BatchOptions, body func() error) error {
	group := &Group{label: options.Label}

	if s.batch != nil {
		// Nested scope: only the group pointer moves; execution is
		// deferred to the outermost scope's exit.
		s.assertBatchFlags(flags)
		parent := s.batch.currentGroup
		parent.append(group)
		s.batch.currentGroup = group
		defer func() { s.batch.currentGroup = parent }()
		return body()
	}

	batch := s.createBatch(group, flags, options.Collect)
	s.batch = batch
	err := func() error {
		defer func() { s.batch = nil }()
		return body()
	}()
	if err != nil {
		return err
	}
	return batch.execute(ctx)
}

// Call invokes fn immediately, or defers it as a batch item when a
// batch is open. Deferred calls run in order with the surrounding
// commands; an error aborts the batch like a failed command.
func (s *Sandbox) Call(fn func() error) error {
	if s.batch != nil {
		s.batch.currentGroup.append(&batchCall{fn: fn})
		return nil
	}
	return fn()
}

// HasCommand reports whether a binary exists inside the sandbox. An
// absolute command is checked directly under the root; otherwise each
// colon-separated PATH entry from env is resolved relative to the
// root. Presence is checked without following symlinks: a staged root
// may hold links whose targets only resolve inside the sandbox. This
// is a pre-flight probe, not part of the execution path.
func (s *Sandbox) HasCommand(command string, env map[string]string) bool {
	if filepath.IsAbs(command) {
		_, err := os.Lstat(filepath.Join(s.root, strings.TrimPrefix(command, "/")))
		return err == nil
	}
	for _, entry := range strings.Split(env["PATH"], ":") {
		if entry == "" {
			continue
		}
		candidate := filepath.Join(s.root, strings.TrimPrefix(entry, "/"), command)
		if _, err := os.Lstat(candidate); err == nil {
			return true
		}
	}
	return false
}

// SetBackend wires the execution backend. Concrete constructors call
// this once during construction.
func (s *Sandbox) SetBackend(backend Backend) { s.backend = backend }

// executeOne delegates a single command to the backend.
func (s *Sandbox) executeOne(ctx context.Context, command []string, flags Flags, cwd string, env map[string]string) (int, error) {
	if s.backend == nil {
		return 0, ErrNotImplemented
	}
	return s.backend.ExecuteOne(ctx, command, flags, cwd, env)
}

// createBatch builds the outermost Batch, letting the backend override
// construction when it implements batchFactory.
func (s *Sandbox) createBatch(root *Group, flags Flags, collect string) *Batch {
	if factory, ok := s.backend.(batchFactory); ok {
		return factory.createBatch(s, root, flags, collect)
	}
	return newBatch(s, root, flags, collect)
}

// assertBatchFlags enforces the flag-consistency contract for one open
// batch. A mismatch is a bug in the calling element, not a runtime
// condition, so it panics rather than returning an error.
func (s *Sandbox) assertBatchFlags(flags Flags) {
	if flags != s.batch.flags {
		panic(fmt.Sprintf("inconsistent sandbox flags within one batch: batch has %v, got %v",
			s.batch.flags, flags))
	}
}

// effectiveWorkDirectory resolves the working directory for a command:
// explicit argument, then the sandbox default, then "/".
func (s *Sandbox) effectiveWorkDirectory(cwd string) string {
	if cwd != "" {
		return cwd
	}
	if s.workDirectory != "" {
		return s.workDirectory
	}
	return "/"
}

// effectiveEnvironment resolves the environment for a command:
// explicit argument, then the sandbox default. PWD is always set to
// the effective working directory: naive getcwd implementations break
// when bind-mounts to different paths on the same filesystem are
// present, and a correct PWD makes calling getcwd unnecessary.
func (s *Sandbox) effectiveEnvironment(cwd string, env map[string]string) map[string]string {
	if env == nil {
		env = s.environment
	}
	effective := make(map[string]string, len(env)+1)
	for key, value := range env {
		effective[key] = value
	}
	effective["PWD"] = cwd
	return effective
}

// setMountSource records the host path a sandbox mountpoint is bound
// from. Write-once per mountpoint during a run.
func (s *Sandbox) setMountSource(mountpoint, source string) {
	s.mountSources[mountpoint] = source
}

// MountSources returns a copy of the mountpoint to host-path table for
// the most recent run.
func (s *Sandbox) MountSources() map[string]string {
	sources := make(map[string]string, len(s.mountSources))
	for mountpoint, source := range s.mountSources {
		sources[mountpoint] = source
	}
	return sources
}

// now reads the injected clock.
func (s *Sandbox) now() time.Time { return s.clock.Now() }

// output returns the stdout and stderr writers, inheriting the calling
// process's streams when unset.
func (s *Sandbox) output() (io.Writer, io.Writer) {
	stdout, stderr := s.stdout, s.stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}
