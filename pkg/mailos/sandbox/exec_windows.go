//go:build windows

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// DirectExecutor runs requests via os/exec. Process groups and memory
// ceilings are not available on Windows; only the timeout applies.
type DirectExecutor struct {
	cfg    Config
	logger *slog.Logger
}

// NewDirectExecutor creates a new direct executor.
func NewDirectExecutor(cfg Config, logger *slog.Logger) *DirectExecutor {
	return &DirectExecutor{cfg: cfg, logger: logger}
}

// Execute runs the prepared request.
func (e *DirectExecutor) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	var cmd *exec.Cmd
	switch req.Runtime {
	case RuntimePython:
		bin := e.cfg.Runtimes[RuntimePython]
		if bin == "" {
			bin = "python"
		}
		cmd = exec.CommandContext(ctx, bin, "-I", "-u", "-c", req.Code)
	default:
		cmd = exec.CommandContext(ctx, "cmd", "/C", req.Code)
	}
	cmd.Dir = req.Dir
	cmd.Env = envList(req.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	err := cmd.Run()
	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("running %s: %w", req.Runtime, err)
		}
		result.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			result.Killed = true
			result.KillReason = "timeout"
		}
	}
	return result, nil
}

// Name returns the executor name.
func (e *DirectExecutor) Name() string { return "direct" }
