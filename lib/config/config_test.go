// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParse(t *testing.T) {
	data := []byte(`
scratch_base: /var/tmp/sandboxes
launcher_path: /opt/bwrap/bin/bwrap
environment:
  PATH: /usr/bin:/bin
  TERM: dumb
`)
	config, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if config.ScratchBase != "/var/tmp/sandboxes" {
		t.Errorf("ScratchBase = %q", config.ScratchBase)
	}
	if config.LauncherPath != "/opt/bwrap/bin/bwrap" {
		t.Errorf("LauncherPath = %q", config.LauncherPath)
	}
	if config.Environment["PATH"] != "/usr/bin:/bin" {
		t.Errorf("Environment[PATH] = %q", config.Environment["PATH"])
	}
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	config, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if config.ScratchBase == "" {
		t.Error("expected default ScratchBase")
	}
	if config.LauncherPath != "" {
		t.Errorf("LauncherPath = %q, want empty", config.LauncherPath)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse([]byte("no_such_field: true\n")); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("scratch_base: /srv/bst\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.ScratchBase != "/srv/bst" {
		t.Errorf("ScratchBase = %q", config.ScratchBase)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
