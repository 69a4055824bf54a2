// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

// bst-sandbox runs build commands in an isolated bubblewrap sandbox.
//
// Usage:
//
//	bst-sandbox run [flags] -- <command> [args...]
//	bst-sandbox shell [flags]
//	bst-sandbox check
//	bst-sandbox version
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/misha-codethink/buildstream/lib/config"
	"github.com/misha-codethink/buildstream/lib/process"
	"github.com/misha-codethink/buildstream/sandbox"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if os.Getenv("BST_SANDBOX_DEBUG") != "" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = runCmd(args, logger, false)
	case "shell":
		err = runCmd(args, logger, true)
	case "check":
		err = checkCmd()
	case "version", "--version", "-v":
		fmt.Printf("bst-sandbox %s\n", version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		var exit *exitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		process.Fatal(err)
	}
}

// exitCodeError propagates the sandboxed command's exit status to the
// shell.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.code)
}

func runCmd(args []string, logger *slog.Logger, interactive bool) error {
	flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to configuration file")
	directory := flagSet.String("directory", "", "host directory backing the sandbox (default: fresh directory under the scratch base)")
	bare := flagSet.Bool("bare", false, "use the directory itself as the root, no scratch space")
	cwd := flagSet.String("cwd", "", "working directory inside the sandbox")
	marks := flagSet.StringArray("mark", nil, "sandbox directory to bind-mount (repeatable)")
	artifactMarks := flagSet.StringArray("artifact-mark", nil, "sandbox directory holding build artifacts (repeatable)")
	envs := flagSet.StringToString("env", nil, "environment variable (KEY=value, repeatable)")
	rootReadOnly := flagSet.Bool("root-read-only", false, "remount the sandbox root read-only")
	network := flagSet.Bool("network", false, "expose the host network")
	inheritUID := flagSet.Bool("inherit-uid", false, "run with the caller's uid/gid instead of contained root")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	command := flagSet.Args()
	if interactive && len(command) == 0 {
		command = []string{"/bin/sh", "-i"}
	}
	if len(command) == 0 {
		return fmt.Errorf("no command given (use -- to separate the command)")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	directoryPath, err := sandboxDirectory(*directory, cfg.ScratchBase)
	if err != nil {
		return err
	}

	sb, err := sandbox.NewBwrap(sandbox.BwrapConfig{
		Config: sandbox.Config{
			Directory: directoryPath,
			Bare:      *bare,
			Logger:    logger,
		},
		LauncherPath: cfg.LauncherPath,
	})
	if err != nil {
		return err
	}

	environment := make(map[string]string, len(cfg.Environment)+len(*envs))
	for key, value := range cfg.Environment {
		environment[key] = value
	}
	for key, value := range *envs {
		environment[key] = value
	}
	sb.SetEnvironment(environment)
	if *cwd != "" {
		sb.SetWorkDirectory(*cwd)
	}
	for _, mark := range *marks {
		sb.MarkDirectory(mark, false)
	}
	for _, mark := range *artifactMarks {
		sb.MarkDirectory(mark, true)
	}

	var flags sandbox.Flags
	if *rootReadOnly {
		flags |= sandbox.RootReadOnly
	}
	if *network {
		flags |= sandbox.NetworkEnabled
	}
	if *inheritUID {
		flags |= sandbox.InheritUID
	}
	if interactive {
		flags |= sandbox.Interactive | sandbox.NetworkEnabled
	}

	logger.Debug("running sandboxed command",
		"directory", directoryPath,
		"flags", flags,
		"command", command,
	)

	code, err := sb.Run(context.Background(), command, flags, sandbox.RunOptions{})
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

// sandboxDirectory resolves the host directory backing the sandbox:
// the --directory flag when given, otherwise a fresh per-invocation
// directory under the configured scratch base.
func sandboxDirectory(flagValue, scratchBase string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if err := os.MkdirAll(scratchBase, 0o755); err != nil {
		return "", fmt.Errorf("creating scratch base %s: %w", scratchBase, err)
	}
	directory, err := os.MkdirTemp(scratchBase, "sandbox-")
	if err != nil {
		return "", fmt.Errorf("creating sandbox directory: %w", err)
	}
	return directory, nil
}

func checkCmd() error {
	caps := sandbox.DetectCapabilities()
	fmt.Printf("bubblewrap:          %v", caps.BwrapAvailable)
	if caps.BwrapAvailable {
		fmt.Printf(" (%s, %s)", caps.BwrapPath, caps.BwrapVersion)
	}
	fmt.Println()
	fmt.Printf("user namespaces:     %v\n", caps.UserNamespacesEnabled)
	fmt.Printf("fuse-overlayfs:      %v\n", caps.FuseOverlayfsAvailable)

	if reason := caps.SkipReason(); reason != "" {
		return fmt.Errorf("sandboxing unavailable: %s", reason)
	}
	fmt.Println("sandboxing available")
	return nil
}

func printUsage() {
	fmt.Print(`bst-sandbox - Run build commands in isolated bubblewrap sandboxes

USAGE
    bst-sandbox <command> [flags] [-- <args>...]

COMMANDS
    run       Run a command in the sandbox
    shell     Run an interactive shell in the sandbox
    check     Report host sandboxing capabilities
    version   Show version

EXAMPLES
    # Run a build command over a staged root
    bst-sandbox run --directory=/var/tmp/build-42 --root-read-only \
        --artifact-mark=/buildstream-install -- make install

    # Debug a failed build interactively
    bst-sandbox shell --directory=/var/tmp/build-42

ENVIRONMENT
    BST_SANDBOX_CONFIG   Path to the configuration file
    BST_SANDBOX_DEBUG    Enable debug logging
`)
}
