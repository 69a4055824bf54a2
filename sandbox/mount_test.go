// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestMountMap(t *testing.T, rootReadOnly bool) (*HostMountMap, *Sandbox) {
	t.Helper()
	s, err := New(Config{Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	mounts, err := NewHostMountMap(s, rootReadOnly)
	if err != nil {
		t.Fatalf("NewHostMountMap failed: %v", err)
	}
	return mounts.(*HostMountMap), s
}

func TestMountSourceRoot(t *testing.T) {
	mounts, s := newTestMountMap(t, false)
	source, err := mounts.MountSource("/")
	if err != nil {
		t.Fatalf("MountSource failed: %v", err)
	}
	if source != s.Root() {
		t.Errorf("root source = %q, want %q", source, s.Root())
	}
}

func TestMountSourceCreatesMissingDirectory(t *testing.T) {
	mounts, s := newTestMountMap(t, false)
	source, err := mounts.MountSource("/buildstream/build")
	if err != nil {
		t.Fatalf("MountSource failed: %v", err)
	}
	want := filepath.Join(s.Root(), "buildstream", "build")
	if source != want {
		t.Errorf("source = %q, want %q", source, want)
	}
	info, err := os.Stat(source)
	if err != nil {
		t.Fatalf("source directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("source is not a directory")
	}
}

func TestMountSourcePrefersStagedDirectory(t *testing.T) {
	mounts, _ := newTestMountMap(t, true)
	merged := t.TempDir()
	mounts.staged["/buildstream-install"] = merged

	source, err := mounts.MountSource("/buildstream-install")
	if err != nil {
		t.Fatalf("MountSource failed: %v", err)
	}
	if source != merged {
		t.Errorf("source = %q, want staged %q", source, merged)
	}
}

func TestWithMountsWritableRootSkipsStaging(t *testing.T) {
	mounts, s := newTestMountMap(t, false)
	s.MarkDirectory("/buildstream-install", true)

	err := mounts.WithMounts(context.Background(), func() error {
		if len(mounts.staged) != 0 {
			t.Errorf("staged %d directories for a writable root", len(mounts.staged))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithMounts failed: %v", err)
	}
}

func TestWithMountsBareSandboxSkipsStaging(t *testing.T) {
	s, err := New(Config{Directory: t.TempDir(), Bare: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.MarkDirectory("/buildstream-install", true)
	mountMap, err := NewHostMountMap(s, true)
	if err != nil {
		t.Fatalf("NewHostMountMap failed: %v", err)
	}
	mounts := mountMap.(*HostMountMap)

	err = mounts.WithMounts(context.Background(), func() error {
		if len(mounts.staged) != 0 {
			t.Errorf("staged %d directories for a bare sandbox", len(mounts.staged))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithMounts failed: %v", err)
	}
}

func TestWithMountsClearsStagingOnExit(t *testing.T) {
	mounts, _ := newTestMountMap(t, true)
	mounts.staged["/buildstream-install"] = t.TempDir()

	if err := mounts.WithMounts(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("WithMounts failed: %v", err)
	}
	if len(mounts.staged) != 0 {
		t.Error("staged directories survive the mount scope")
	}
}

func TestUpperDirectoryLookup(t *testing.T) {
	m := &OverlayManager{mounts: []*overlayMount{
		{mountpoint: "/buildstream-install", upperDir: "/scratch/overlay/ab/upper"},
	}}
	if got := m.UpperDirectory("/buildstream-install"); got != "/scratch/overlay/ab/upper" {
		t.Errorf("UpperDirectory = %q", got)
	}
	if got := m.UpperDirectory("/not-staged"); got != "" {
		t.Errorf("UpperDirectory for unstaged mountpoint = %q, want empty", got)
	}
}

func TestTeardownPreservesAndReportsUpperLayer(t *testing.T) {
	var logBuffer bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuffer, nil))
	s, err := New(Config{Directory: t.TempDir(), Logger: logger})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	mountMap, err := NewHostMountMap(s, true)
	if err != nil {
		t.Fatalf("NewHostMountMap failed: %v", err)
	}
	mounts := mountMap.(*HostMountMap)

	stage := t.TempDir()
	upper := filepath.Join(stage, "upper")
	work := filepath.Join(stage, "work")
	merged := filepath.Join(stage, "merged")
	for _, dir := range []string{upper, work, merged} {
		if err := os.Mkdir(dir, 0o700); err != nil {
			t.Fatal(err)
		}
	}

	// "true" stands in for fusermount: there is no live mount to
	// detach, only the directory lifecycle to exercise.
	mounts.overlays = &OverlayManager{
		fusermountBin: "true",
		baseDirectory: stage,
		mounts: []*overlayMount{{
			mountpoint: "/buildstream-install",
			lowerDir:   s.Root(),
			upperDir:   upper,
			workDir:    work,
			mergedDir:  merged,
		}},
	}
	mounts.staged["/buildstream-install"] = merged

	mounts.teardownStaging()

	if !strings.Contains(logBuffer.String(), upper) {
		t.Errorf("teardown log does not name the upper layer:\n%s", logBuffer.String())
	}
	if _, err := os.Stat(upper); err != nil {
		t.Errorf("upper layer removed: %v", err)
	}
	for _, dir := range []string{merged, work} {
		if _, err := os.Stat(dir); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("%s not removed", dir)
		}
	}
	if len(mounts.staged) != 0 {
		t.Error("staged directories survive teardown")
	}
}

func TestStagingNameStable(t *testing.T) {
	a := stagingName("/buildstream-install")
	b := stagingName("/buildstream-install")
	if a != b {
		t.Errorf("stagingName not stable: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("stagingName length = %d, want 16", len(a))
	}
	if strings.ContainsAny(a, "/\\") {
		t.Errorf("stagingName %q not filesystem-safe", a)
	}
	if a == stagingName("/other") {
		t.Error("distinct mountpoints share a staging name")
	}
}

func TestValidateOverlayPath(t *testing.T) {
	cases := []struct {
		path string
		ok   bool
	}{
		{"/srv/scratch/overlay", true},
		{"/srv/with space/overlay", true},
		{"/srv/a,b/overlay", false},
		{"/srv/a\nb", false},
		{"/srv/a\x00b", false},
	}
	for _, tc := range cases {
		err := validateOverlayPath(tc.path)
		if tc.ok && err != nil {
			t.Errorf("validateOverlayPath(%q) = %v, want nil", tc.path, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("validateOverlayPath(%q) = nil, want error", tc.path)
		}
	}
}
