// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"strings"
)

// Batch is a deferred tree of commands, nested groups and callbacks
// that executes as a unit when the outermost batch scope closes.
// Execution is strictly sequential, depth-first and pre-order; the
// first command to exit non-zero aborts the remainder of the entire
// batch.
type Batch struct {
	sandbox      *Sandbox
	mainGroup    *Group
	currentGroup *Group
	flags        Flags
	collect      string
}

func newBatch(sandbox *Sandbox, mainGroup *Group, flags Flags, collect string) *Batch {
	return &Batch{
		sandbox:      sandbox,
		mainGroup:    mainGroup,
		currentGroup: mainGroup,
		flags:        flags,
		collect:      collect,
	}
}

// execute runs the whole tree starting at the root group.
func (b *Batch) execute(ctx context.Context) error {
	return b.executeGroup(ctx, b.mainGroup)
}

// executeGroup runs a group's children in order. A labeled group is
// wrapped in a timed activity scope in the log.
func (b *Batch) executeGroup(ctx context.Context, group *Group) error {
	if group.label == "" {
		return group.executeChildren(ctx, b)
	}

	logger := b.sandbox.logger
	start := b.sandbox.now()
	logger.Info("starting activity", "activity", group.label)
	err := group.executeChildren(ctx, b)
	if err != nil {
		logger.Info("activity failed", "activity", group.label, "elapsed", b.sandbox.now().Sub(start))
		return err
	}
	logger.Info("finished activity", "activity", group.label, "elapsed", b.sandbox.now().Sub(start))
	return nil
}

// executeCommand runs one deferred command. A non-zero exit raises a
// *CommandError carrying the batch's collect directory and aborts the
// batch.
func (b *Batch) executeCommand(ctx context.Context, command *batchCommand) error {
	if command.label != "" {
		b.sandbox.logger.Info("running command", "label", command.label)
	}

	exitCode, err := b.sandbox.executeOne(ctx, command.argv, b.flags, command.cwd, command.env)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		label := command.label
		if label == "" {
			label = quoteCommand(command.argv)
		}
		return &CommandError{Label: label, ExitCode: exitCode, Collect: b.collect}
	}
	return nil
}

// batchItem is one node in the batch tree.
type batchItem interface {
	execute(ctx context.Context, batch *Batch) error
}

// Group is an ordered sequence of batch items, optionally labeled for
// timed activity logging.
type Group struct {
	label    string
	children []batchItem
}

func (g *Group) append(item batchItem) {
	g.children = append(g.children, item)
}

func (g *Group) execute(ctx context.Context, batch *Batch) error {
	return batch.executeGroup(ctx, g)
}

func (g *Group) executeChildren(ctx context.Context, batch *Batch) error {
	for _, item := range g.children {
		if err := item.execute(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// batchCommand is a deferred command with its cwd and environment
// snapshotted at Run time.
type batchCommand struct {
	label string
	argv  []string
	cwd   string
	env   map[string]string
}

func (c *batchCommand) execute(ctx context.Context, batch *Batch) error {
	return batch.executeCommand(ctx, c)
}

// batchCall is a deferred zero-argument side-effecting action.
type batchCall struct {
	fn func() error
}

func (c *batchCall) execute(ctx context.Context, batch *Batch) error {
	return c.fn()
}

// quoteCommand renders an argument vector as a shell-quoted string for
// failure messages.
func quoteCommand(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

// shellQuote quotes one argument for POSIX shell display. Arguments
// consisting only of safe characters pass through unchanged; anything
// else is single-quoted with embedded single quotes escaped.
func shellQuote(arg string) string {
	if arg == "" {
		return "''"
	}
	safe := true
	for _, r := range arg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("@%+=:,./-_", r):
		default:
			safe = false
		}
		if !safe {
			break
		}
	}
	if safe {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'"'"'`) + "'"
}
