// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/zeebo/blake3"
)

// OverlayManager handles fuse-overlayfs mounts used to stage artifact
// directories.
//
// Overlay mounts provide copy-on-write semantics: reads come from the
// lower (staged) layer, writes go to the upper layer under scratch.
// The staged input is never modified, and the upper layer holds
// whatever a failed install managed to write, available for salvage.
type OverlayManager struct {
	fuseBin       string
	fusermountBin string
	baseDirectory string
	mounts        []*overlayMount
}

// overlayMount is a single active overlay.
type overlayMount struct {
	mountpoint string // sandbox-absolute path the overlay backs
	lowerDir   string // staged content, read-only through the overlay
	upperDir   string // where writes land
	workDir    string // required by overlayfs
	mergedDir  string // what gets bind-mounted into the sandbox
}

// NewOverlayManager creates an overlay manager whose upper, work and
// merged directories live under baseDirectory (normally a subdirectory
// of the sandbox scratch directory, guaranteed to be on the same
// filesystem as the root).
//
// Returns an error if fuse-overlayfs is not available. Failing loudly
// beats silently staging artifact directories without copy-on-write.
func NewOverlayManager(baseDirectory string) (*OverlayManager, error) {
	fuseBin, err := exec.LookPath("fuse-overlayfs")
	if err != nil {
		return nil, &ToolNotFoundError{Tool: "fuse-overlayfs"}
	}

	fusermountBin, err := exec.LookPath("fusermount")
	if err != nil {
		fusermountBin, err = exec.LookPath("fusermount3")
		if err != nil {
			return nil, &ToolNotFoundError{Tool: "fusermount"}
		}
	}

	if err := os.MkdirAll(baseDirectory, 0o700); err != nil {
		return nil, fmt.Errorf("creating overlay base directory: %w", err)
	}

	return &OverlayManager{
		fuseBin:       fuseBin,
		fusermountBin: fusermountBin,
		baseDirectory: baseDirectory,
	}, nil
}

// SetupMount creates an overlay whose lower layer is the given host
// directory and returns the merged directory to bind-mount at the
// mountpoint. Call Cleanup when the run is done.
func (m *OverlayManager) SetupMount(mountpoint, lower string) (string, error) {
	if _, err := os.Stat(lower); err != nil {
		return "", fmt.Errorf("overlay lower path: %w", err)
	}

	// fuse-overlayfs separates options with commas, so a comma in a
	// path would smuggle in extra options.
	for _, path := range []string{lower, m.baseDirectory} {
		if err := validateOverlayPath(path); err != nil {
			return "", err
		}
	}

	overlay := &overlayMount{mountpoint: mountpoint, lowerDir: lower}
	stageDir := filepath.Join(m.baseDirectory, stagingName(mountpoint))
	overlay.upperDir = filepath.Join(stageDir, "upper")
	overlay.workDir = filepath.Join(stageDir, "work")
	overlay.mergedDir = filepath.Join(stageDir, "merged")

	// 0700 keeps other local users away from build artifacts.
	for _, dir := range []string{overlay.upperDir, overlay.workDir, overlay.mergedDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("creating overlay directory %s: %w", dir, err)
		}
	}

	args := []string{
		"-o", fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
			overlay.lowerDir, overlay.upperDir, overlay.workDir),
		overlay.mergedDir,
	}
	cmd := exec.Command(m.fuseBin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("fuse-overlayfs failed: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}

	// The launcher must not race fuse-overlayfs registering the mount.
	if err := waitForMount(overlay.mergedDir); err != nil {
		unmount := exec.Command(m.fusermountBin, "-u", overlay.mergedDir)
		_ = unmount.Run()
		return "", err
	}

	m.mounts = append(m.mounts, overlay)
	return overlay.mergedDir, nil
}

// UpperDirectory returns the upper (write) layer for a mountpoint, or
// empty if the mountpoint was not staged. This is where partial
// install output lives after a failure.
func (m *OverlayManager) UpperDirectory(mountpoint string) string {
	for _, overlay := range m.mounts {
		if overlay.mountpoint == mountpoint {
			return overlay.upperDir
		}
	}
	return ""
}

// Cleanup unmounts all overlays and removes their merged and work
// directories. Upper directories are left in place under scratch so
// that failed-install contents remain inspectable; the scratch
// directory is caller-owned and removed with the sandbox directory.
//
// Errors are logged rather than returned so every mount gets a
// teardown attempt.
func (m *OverlayManager) Cleanup(logger *slog.Logger) {
	for _, overlay := range m.mounts {
		cmd := exec.Command(m.fusermountBin, "-u", overlay.mergedDir)
		if output, err := cmd.CombinedOutput(); err != nil {
			// Lazy unmount as a second attempt.
			cmd = exec.Command(m.fusermountBin, "-u", "-z", overlay.mergedDir)
			if _, err2 := cmd.CombinedOutput(); err2 != nil {
				logger.Warn("failed to unmount overlay",
					"merged", overlay.mergedDir,
					"error", err,
					"output", strings.TrimSpace(string(output)))
				continue
			}
		}
		for _, dir := range []string{overlay.mergedDir, overlay.workDir} {
			if err := os.RemoveAll(dir); err != nil {
				logger.Warn("failed to remove overlay directory", "dir", dir, "error", err)
			}
		}
	}
	m.mounts = nil
}

// stagingName derives a stable directory name for a mountpoint. The
// digest keeps names unique and filesystem-safe regardless of how deep
// or strange the mountpoint path is.
func stagingName(mountpoint string) string {
	digest := blake3.Sum256([]byte(mountpoint))
	return hex.EncodeToString(digest[:8])
}

// validateOverlayPath rejects paths that would corrupt fuse-overlayfs
// option parsing.
func validateOverlayPath(path string) error {
	if strings.Contains(path, ",") {
		return fmt.Errorf("path %q contains a comma, which fuse-overlayfs uses as an option separator", path)
	}
	if strings.ContainsAny(path, "\x00\n\r") {
		return fmt.Errorf("path %q contains invalid characters", path)
	}
	return nil
}

// waitForMount waits until the FUSE mount at path is registered, by
// checking for the FUSE filesystem magic.
func waitForMount(path string) error {
	const maxAttempts = 50
	const sleepInterval = 20 * time.Millisecond
	const fuseMagic = 0x65735546

	for i := 0; i < maxAttempts; i++ {
		var stat syscall.Statfs_t
		if err := syscall.Statfs(path, &stat); err == nil && stat.Type == fuseMagic {
			return nil
		}
		time.Sleep(sleepInterval)
	}
	return fmt.Errorf("timeout waiting for FUSE mount at %s", path)
}
