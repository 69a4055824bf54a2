// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
)

// ErrNotImplemented is returned by Run when the Sandbox has no backend
// wired in. Hitting it is a programming error: a bare Sandbox only
// exists as the shared half of a concrete implementation.
var ErrNotImplemented = errors.New("sandbox has no execution backend")

// ToolNotFoundError indicates a required host binary is missing. It is
// fatal and never retried.
type ToolNotFoundError struct {
	// Tool is the binary that could not be located.
	Tool string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("host tool %q not found", e.Tool)
}

// CommandError indicates a batched command exited non-zero. It aborts
// the enclosing batch; the caller decides what to surface to the user.
type CommandError struct {
	// Label identifies the failed command: its configured label if it
	// had one, otherwise its shell-quoted argument vector.
	Label string

	// ExitCode is the command's raw exit status.
	ExitCode int

	// Collect is the optional directory holding partial install
	// output, salvageable for post-mortem inspection. Empty when the
	// batch was opened without a collect directory.
	Collect string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed with exit code %d", e.Label, e.ExitCode)
}

// AsCommandError unwraps err as a *CommandError.
func AsCommandError(err error) (*CommandError, bool) {
	var commandError *CommandError
	if errors.As(err, &commandError) {
		return commandError, true
	}
	return nil, false
}
