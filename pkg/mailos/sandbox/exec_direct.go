//go:build !windows

// Package sandbox – exec_direct.go runs requests as child processes in
// their own process group, with the memory ceiling applied right after
// start.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
)

// DirectExecutor runs requests via os/exec.
type DirectExecutor struct {
	cfg    Config
	logger *slog.Logger
}

// NewDirectExecutor creates a new direct executor.
func NewDirectExecutor(cfg Config, logger *slog.Logger) *DirectExecutor {
	return &DirectExecutor{cfg: cfg, logger: logger}
}

// Execute runs the prepared request. The caller owns ctx's deadline.
func (e *DirectExecutor) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	cmd := e.buildCommand(ctx, req)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", req.Runtime, err)
	}
	if req.MaxMemoryMB > 0 {
		if err := applyMemoryLimit(cmd.Process.Pid, req.MaxMemoryMB); err != nil {
			e.logger.Warn("sandbox: memory limit not applied", "pid", cmd.Process.Pid, "error", err)
		}
	}

	err := cmd.Wait()
	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("running %s: %w", req.Runtime, err)
		}
		result.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			result.Killed = true
			result.KillReason = "timeout"
		} else if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			result.Killed = true
			result.KillReason = status.Signal().String()
		}
	}
	return result, nil
}

// Name returns the executor name.
func (e *DirectExecutor) Name() string { return "direct" }

func (e *DirectExecutor) buildCommand(ctx context.Context, req *ExecRequest) *exec.Cmd {
	bin, args := e.resolveCommand(req)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = req.Dir
	cmd.Env = envList(req.Env)

	// Own process group so a timeout kills every descendant.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	return cmd
}

func (e *DirectExecutor) resolveCommand(req *ExecRequest) (string, []string) {
	interpreter := e.cfg.Runtimes[req.Runtime]
	switch req.Runtime {
	case RuntimePython:
		if interpreter == "" {
			interpreter = "python3"
		}
		// -I: ignore PYTHON* env and user site-packages.
		return interpreter, []string{"-I", "-u", "-c", req.Code}
	default:
		if interpreter == "" {
			interpreter = "/bin/sh"
		}
		return interpreter, []string{"-c", req.Code}
	}
}
