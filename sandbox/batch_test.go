// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"testing"
)

func TestBatchDefersExecution(t *testing.T) {
	s, backend := newTestSandbox(t)
	ctx := context.Background()

	err := s.Batch(ctx, 0, BatchOptions{}, func() error {
		code, err := s.Run(ctx, []string{"first"}, 0, RunOptions{})
		if err != nil {
			return err
		}
		if code != Deferred {
			t.Errorf("Run inside batch returned %d, want Deferred", code)
		}
		if len(backend.calls) != 0 {
			t.Error("command executed before the batch scope closed")
		}
		_, err = s.Run(ctx, []string{"second"}, 0, RunOptions{})
		return err
	})
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}

	if len(backend.calls) != 2 {
		t.Fatalf("executed %d commands, want 2", len(backend.calls))
	}
	if backend.calls[0].argv[0] != "first" || backend.calls[1].argv[0] != "second" {
		t.Errorf("commands ran out of order: %v", backend.calls)
	}
}

func TestBatchAbortsOnFirstFailure(t *testing.T) {
	s, backend := newTestSandbox(t)
	backend.exitCodes["b"] = 1
	ctx := context.Background()

	err := s.Batch(ctx, 0, BatchOptions{Collect: "/buildstream-install"}, func() error {
		for _, name := range []string{"a", "b", "c"} {
			if _, err := s.Run(ctx, []string{name}, 0, RunOptions{Label: "step " + name}); err != nil {
				return err
			}
		}
		return nil
	})

	commandError, ok := AsCommandError(err)
	if !ok {
		t.Fatalf("expected *CommandError, got: %v", err)
	}
	if commandError.Label != "step b" {
		t.Errorf("Label = %q, want %q", commandError.Label, "step b")
	}
	if commandError.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", commandError.ExitCode)
	}
	if commandError.Collect != "/buildstream-install" {
		t.Errorf("Collect = %q", commandError.Collect)
	}

	// A ran, B ran and failed, C never ran.
	if len(backend.calls) != 2 {
		t.Fatalf("executed %d commands, want 2: %v", len(backend.calls), backend.calls)
	}
	if backend.calls[0].argv[0] != "a" || backend.calls[1].argv[0] != "b" {
		t.Errorf("unexpected execution order: %v", backend.calls)
	}
}

func TestBatchUnlabeledFailureQuotesArgv(t *testing.T) {
	s, backend := newTestSandbox(t)
	backend.exitCodes["sh"] = 2
	ctx := context.Background()

	err := s.Batch(ctx, 0, BatchOptions{}, func() error {
		_, err := s.Run(ctx, []string{"sh", "-c", "echo hello world"}, 0, RunOptions{})
		return err
	})

	commandError, ok := AsCommandError(err)
	if !ok {
		t.Fatalf("expected *CommandError, got: %v", err)
	}
	want := `sh -c 'echo hello world'`
	if commandError.Label != want {
		t.Errorf("Label = %q, want %q", commandError.Label, want)
	}
}

func TestNestedBatchesComposeIntoOneTree(t *testing.T) {
	s, backend := newTestSandbox(t)
	ctx := context.Background()

	err := s.Batch(ctx, RootReadOnly, BatchOptions{Label: "assemble"}, func() error {
		if _, err := s.Run(ctx, []string{"configure"}, RootReadOnly, RunOptions{}); err != nil {
			return err
		}
		err := s.Batch(ctx, RootReadOnly, BatchOptions{Label: "compile"}, func() error {
			_, err := s.Run(ctx, []string{"make"}, RootReadOnly, RunOptions{})
			return err
		})
		if err != nil {
			return err
		}
		// After the nested scope closes, commands land in the outer
		// group again, and nothing has executed yet.
		if len(backend.calls) != 0 {
			t.Error("nested batch executed before the outermost scope closed")
		}
		_, err = s.Run(ctx, []string{"install"}, RootReadOnly, RunOptions{})
		return err
	})
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}

	got := make([]string, len(backend.calls))
	for i, call := range backend.calls {
		got[i] = call.argv[0]
	}
	want := []string{"configure", "make", "install"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

func TestNestedBatchFlagMismatchPanics(t *testing.T) {
	s, backend := newTestSandbox(t)
	ctx := context.Background()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for mismatched nested batch flags")
		}
		if len(backend.calls) != 0 {
			t.Error("commands executed despite the flag violation")
		}
	}()

	_ = s.Batch(ctx, RootReadOnly, BatchOptions{}, func() error {
		return s.Batch(ctx, NetworkEnabled, BatchOptions{}, func() error { return nil })
	})
}

func TestRunFlagMismatchInBatchPanics(t *testing.T) {
	s, _ := newTestSandbox(t)
	ctx := context.Background()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for mismatched command flags")
		}
	}()

	_ = s.Batch(ctx, RootReadOnly, BatchOptions{}, func() error {
		_, err := s.Run(ctx, []string{"true"}, NetworkEnabled, RunOptions{})
		return err
	})
}

func TestBatchBodyErrorSkipsExecution(t *testing.T) {
	s, backend := newTestSandbox(t)
	ctx := context.Background()

	bodyErr := errors.New("staging failed")
	err := s.Batch(ctx, 0, BatchOptions{}, func() error {
		if _, err := s.Run(ctx, []string{"a"}, 0, RunOptions{}); err != nil {
			return err
		}
		return bodyErr
	})
	if !errors.Is(err, bodyErr) {
		t.Fatalf("expected body error, got: %v", err)
	}
	if len(backend.calls) != 0 {
		t.Error("batch executed despite body error")
	}
}

func TestCallImmediateOutsideBatch(t *testing.T) {
	s, _ := newTestSandbox(t)
	called := false
	if err := s.Call(func() error { called = true; return nil }); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !called {
		t.Fatal("callback not invoked immediately outside a batch")
	}
}

func TestCallDeferredInBatchOrder(t *testing.T) {
	s, backend := newTestSandbox(t)
	ctx := context.Background()

	called := false
	err := s.Batch(ctx, 0, BatchOptions{}, func() error {
		if _, err := s.Run(ctx, []string{"cmd1"}, 0, RunOptions{}); err != nil {
			return err
		}
		if err := s.Call(func() error {
			// Runs between the two commands.
			if len(backend.calls) != 1 {
				t.Errorf("callback ran after %d commands, want 1", len(backend.calls))
			}
			called = true
			return nil
		}); err != nil {
			return err
		}
		_, err := s.Run(ctx, []string{"cmd2"}, 0, RunOptions{})
		return err
	})
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}
	if !called {
		t.Fatal("deferred callback never ran")
	}
	if len(backend.calls) != 2 {
		t.Fatalf("executed %d commands, want 2", len(backend.calls))
	}
}

func TestCallErrorAbortsBatch(t *testing.T) {
	s, backend := newTestSandbox(t)
	ctx := context.Background()

	callErr := errors.New("callback exploded")
	err := s.Batch(ctx, 0, BatchOptions{}, func() error {
		if err := s.Call(func() error { return callErr }); err != nil {
			return err
		}
		_, err := s.Run(ctx, []string{"never"}, 0, RunOptions{})
		return err
	})
	if !errors.Is(err, callErr) {
		t.Fatalf("expected callback error, got: %v", err)
	}
	if len(backend.calls) != 0 {
		t.Error("command executed after failing callback")
	}
}

func TestBatchIdleAfterExecution(t *testing.T) {
	s, backend := newTestSandbox(t)
	ctx := context.Background()

	if err := s.Batch(ctx, 0, BatchOptions{}, func() error { return nil }); err != nil {
		t.Fatalf("Batch failed: %v", err)
	}

	// Back to immediate execution once the batch is done.
	code, err := s.Run(ctx, []string{"true"}, 0, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if code == Deferred {
		t.Fatal("Run still deferred after batch closed")
	}
	if len(backend.calls) != 1 {
		t.Fatalf("executed %d commands, want 1", len(backend.calls))
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"make", "make"},
		{"/usr/bin/env", "/usr/bin/env"},
		{"", "''"},
		{"hello world", "'hello world'"},
		{"a'b", `'a'"'"'b'`},
		{"$HOME", "'$HOME'"},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
