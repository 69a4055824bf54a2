// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"os"
	"os/exec"
	"strings"
)

// Capabilities describes what sandbox features are available on this
// host.
type Capabilities struct {
	// BwrapAvailable is true if bubblewrap is installed.
	BwrapAvailable bool

	// BwrapPath is the path to bwrap if available.
	BwrapPath string

	// BwrapVersion is the bwrap version string.
	BwrapVersion string

	// UserNamespacesEnabled is true if unprivileged user namespaces
	// work.
	UserNamespacesEnabled bool

	// FuseOverlayfsAvailable is true if fuse-overlayfs is installed.
	// Required to stage artifact directories under a read-only root.
	FuseOverlayfsAvailable bool
}

// DetectCapabilities checks what sandbox features are available.
func DetectCapabilities() *Capabilities {
	caps := &Capabilities{}

	if path, err := exec.LookPath("bwrap"); err == nil {
		caps.BwrapAvailable = true
		caps.BwrapPath = path
		if out, err := exec.Command(path, "--version").Output(); err == nil {
			caps.BwrapVersion = strings.TrimSpace(string(out))
		}
	}

	caps.UserNamespacesEnabled = checkUserNamespaces(caps.BwrapPath)

	if _, err := exec.LookPath("fuse-overlayfs"); err == nil {
		caps.FuseOverlayfsAvailable = true
	}

	return caps
}

// CanRunSandbox returns true if basic sandbox execution is possible.
func (c *Capabilities) CanRunSandbox() bool {
	return c.BwrapAvailable && c.UserNamespacesEnabled
}

// SkipReason returns a human-readable reason why sandboxing isn't
// available, or an empty string if it is.
func (c *Capabilities) SkipReason() string {
	if !c.BwrapAvailable {
		return "bubblewrap not installed"
	}
	if !c.UserNamespacesEnabled {
		return "unprivileged user namespaces not enabled (set kernel.unprivileged_userns_clone=1)"
	}
	return ""
}

// checkUserNamespaces tests if unprivileged user namespaces work.
func checkUserNamespaces(bwrapPath string) bool {
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err == nil && strings.TrimSpace(string(data)) == "0" {
		return false
	}
	// File not existing usually means userns is allowed; confirm by
	// actually creating one.
	if bwrapPath == "" {
		return false
	}
	cmd := exec.Command(bwrapPath,
		"--unshare-user",
		"--ro-bind", "/", "/",
		"--",
		"true",
	)
	return cmd.Run() == nil
}
