// Package procutil wraps external process invocation (mount, umount,
// fsck.vfat, cp --reflink, rclone) the way internal/podman's Client wraps
// the podman CLI: capture stdout/stderr, turn a non-zero exit into a
// structured result rather than a bare error.
package procutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Result holds the output from a completed external command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes name with args and returns its captured result. A non-zero
// exit is not an error by itself — callers inspect ExitCode/Stderr. Only a
// failure to start the process (binary not found, context already
// cancelled) returns a non-nil error.
func Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("%s: %w", name, err)
	}

	return result, nil
}

// RunChecked is Run plus a non-zero-exit-is-an-error convenience wrapper,
// for call sites that have no useful recovery path for a failed exit.
func RunChecked(ctx context.Context, name string, args ...string) (*Result, error) {
	result, err := Run(ctx, name, args...)
	if err != nil {
		return result, err
	}
	if result.ExitCode != 0 {
		return result, fmt.Errorf("%s %s failed (exit %d): %s",
			name, strings.Join(args, " "), result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return result, nil
}
