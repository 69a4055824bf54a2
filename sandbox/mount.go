// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MountMap resolves the sandbox's logical mount points to concrete
// host paths and keeps any indirection layers behind them alive for
// the duration of a run.
//
// The backend must resolve the root ("/") and every marked directory
// inside the WithMounts scope: a staged source resolved outside the
// scope may point at a mount that no longer exists by launch time.
type MountMap interface {
	// MountSource returns the host path to bind at the given
	// sandbox-absolute mountpoint.
	MountSource(mountpoint string) (string, error)

	// WithMounts prepares any indirection layers (overlay staging and
	// the like), runs body, and tears the layers down again on every
	// exit path.
	WithMounts(ctx context.Context, body func() error) error
}

// mountMapFactory builds a MountMap for one run. The backend calls it
// with the read-only disposition of the root, which decides whether
// artifact directories need copy-on-write staging.
type mountMapFactory func(s *Sandbox, rootReadOnly bool) (MountMap, error)

// HostMountMap is the default MountMap: mountpoints resolve to their
// paths under the sandbox root directory. When the root is read-only,
// artifact-marked directories are staged through a fuse-overlayfs
// copy-on-write layer under the scratch directory, so installs write
// to the upper layer and partial output survives a failed command
// without the staged input ever being modified.
type HostMountMap struct {
	sandbox      *Sandbox
	rootReadOnly bool

	// staged maps mountpoints to their overlay merged directories.
	// Populated on WithMounts entry, empty outside the scope.
	staged   map[string]string
	overlays *OverlayManager
}

// NewHostMountMap creates the default mount map for one run.
func NewHostMountMap(s *Sandbox, rootReadOnly bool) (MountMap, error) {
	return &HostMountMap{
		sandbox:      s,
		rootReadOnly: rootReadOnly,
		staged:       make(map[string]string),
	}, nil
}

// MountSource resolves a mountpoint to the host path to bind from.
// The directory is created under the root if missing, so marks never
// fail merely because nothing was staged at their path yet.
func (m *HostMountMap) MountSource(mountpoint string) (string, error) {
	if mountpoint == "/" {
		return m.sandbox.Root(), nil
	}
	if merged, ok := m.staged[mountpoint]; ok {
		return merged, nil
	}
	source := filepath.Join(m.sandbox.Root(), strings.TrimPrefix(mountpoint, "/"))
	if err := os.MkdirAll(source, 0o755); err != nil {
		return "", fmt.Errorf("creating mount source for %s: %w", mountpoint, err)
	}
	return source, nil
}

// WithMounts stages overlay layers for artifact directories and keeps
// them mounted while body runs.
func (m *HostMountMap) WithMounts(ctx context.Context, body func() error) error {
	if err := m.setupStaging(); err != nil {
		return err
	}
	defer m.teardownStaging()
	return body()
}

// setupStaging creates overlay mounts for artifact-marked directories.
// Staging only applies with a read-only root (a writable root is its
// own staging area) and never for bare sandboxes, which have no
// scratch directory to hold upper layers.
func (m *HostMountMap) setupStaging() error {
	if !m.rootReadOnly || m.sandbox.Scratch() == "" {
		return nil
	}

	for _, mark := range m.sandbox.MarkedDirectories() {
		if !mark.Artifact {
			continue
		}
		if _, ok := m.staged[mark.Path]; ok {
			// Duplicate mark; the first staging wins.
			continue
		}

		if m.overlays == nil {
			overlays, err := NewOverlayManager(filepath.Join(m.sandbox.Scratch(), "overlay"))
			if err != nil {
				return err
			}
			m.overlays = overlays
		}

		lower := filepath.Join(m.sandbox.Root(), strings.TrimPrefix(mark.Path, "/"))
		if err := os.MkdirAll(lower, 0o755); err != nil {
			return fmt.Errorf("creating staging lower directory for %s: %w", mark.Path, err)
		}

		merged, err := m.overlays.SetupMount(mark.Path, lower)
		if err != nil {
			m.teardownStaging()
			return fmt.Errorf("staging artifact directory %s: %w", mark.Path, err)
		}
		m.staged[mark.Path] = merged
	}
	return nil
}

func (m *HostMountMap) teardownStaging() {
	if m.overlays != nil {
		// The upper layers survive cleanup; tell the operator where
		// a failed install's partial output can be salvaged from.
		for mountpoint := range m.staged {
			if upper := m.overlays.UpperDirectory(mountpoint); upper != "" {
				m.sandbox.logger.Info("preserving overlay upper layer",
					"mountpoint", mountpoint, "upper", upper)
			}
		}
		m.overlays.Cleanup(m.sandbox.logger)
		m.overlays = nil
	}
	m.staged = make(map[string]string)
}
