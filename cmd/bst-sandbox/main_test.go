// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSandboxDirectoryExplicit(t *testing.T) {
	base := t.TempDir()
	got, err := sandboxDirectory("/var/tmp/build-42", base)
	if err != nil {
		t.Fatalf("sandboxDirectory failed: %v", err)
	}
	if got != "/var/tmp/build-42" {
		t.Errorf("directory = %q, want the explicit flag value", got)
	}

	// An explicit directory must not touch the scratch base.
	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch base has %d entries, want 0", len(entries))
	}
}

func TestSandboxDirectoryUnderScratchBase(t *testing.T) {
	base := filepath.Join(t.TempDir(), "bst-sandbox")

	first, err := sandboxDirectory("", base)
	if err != nil {
		t.Fatalf("sandboxDirectory failed: %v", err)
	}
	if filepath.Dir(first) != base {
		t.Errorf("directory %q not under scratch base %q", first, base)
	}
	info, err := os.Stat(first)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected directory at %s: %v", first, err)
	}

	second, err := sandboxDirectory("", base)
	if err != nil {
		t.Fatalf("sandboxDirectory failed: %v", err)
	}
	if second == first {
		t.Error("per-invocation directories are not unique")
	}
}
