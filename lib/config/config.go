// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// EnvVariable names the environment variable that points at the
// configuration file when no --config flag is given.
const EnvVariable = "BST_SANDBOX_CONFIG"

// Config is the configuration for the bst-sandbox command.
type Config struct {
	// ScratchBase is the directory under which per-sandbox root and
	// scratch directories are created when the caller does not supply
	// one. Defaults to a "bst-sandbox" directory under the user cache
	// directory.
	ScratchBase string `yaml:"scratch_base,omitempty"`

	// LauncherPath overrides the bubblewrap binary location. When
	// empty, bwrap is resolved from PATH.
	LauncherPath string `yaml:"launcher_path,omitempty"`

	// Environment is the default environment for sandboxed commands.
	// Values given on the command line override these.
	Environment map[string]string `yaml:"environment,omitempty"`
}

// Load reads configuration from the given path. If path is empty, the
// BST_SANDBOX_CONFIG environment variable is consulted; if that is
// also empty, built-in defaults are returned. There are no search
// paths or automatic discovery: configuration comes from exactly one
// explicitly named file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVariable)
	}
	if path == "" {
		return defaults()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return config, nil
}

// Parse decodes configuration from YAML bytes and fills in defaults
// for unset fields.
func Parse(data []byte) (*Config, error) {
	base, err := defaults()
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return base, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var config Config
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}

	if config.ScratchBase == "" {
		config.ScratchBase = base.ScratchBase
	}
	if config.Environment == nil {
		config.Environment = map[string]string{}
	}
	return &config, nil
}

func defaults() (*Config, error) {
	cacheDirectory, err := os.UserCacheDir()
	if err != nil {
		return nil, fmt.Errorf("resolving user cache directory: %w", err)
	}
	return &Config{
		ScratchBase: filepath.Join(cacheDirectory, "bst-sandbox"),
		Environment: map[string]string{},
	}, nil
}
