// Package sandbox – runner.go implements Runner, which applies defaults,
// checks policy, prepares the filesystem and environment and dispatches
// to the executor.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Runner is the execution entry point used by the built-in tools.
type Runner struct {
	cfg      Config
	policy   *Policy
	executor Executor
	logger   *slog.Logger
}

// NewRunner creates a runner with the given configuration.
func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sandbox")
	return &Runner{
		cfg:      cfg,
		policy:   NewPolicy(cfg),
		executor: NewDirectExecutor(cfg, logger),
		logger:   logger,
	}, nil
}

// Run executes req. Policy rejections return a non-nil result carrying
// KillReason "policy_violation" together with an error wrapping
// ErrPolicyViolation.
func (r *Runner) Run(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	if req.Timeout <= 0 {
		req.Timeout = r.cfg.Timeout
	}
	if req.MaxMemoryMB <= 0 {
		req.MaxMemoryMB = r.cfg.MaxMemoryMB
	}

	if err := r.policy.Validate(req); err != nil {
		r.logger.Warn("sandbox: request rejected", "runtime", req.Runtime, "error", err)
		return &ExecResult{
			ExitCode:   1,
			Stderr:     err.Error(),
			Killed:     true,
			KillReason: "policy_violation",
		}, err
	}

	tmpDir, err := r.prepareTempDir()
	if err != nil {
		return nil, fmt.Errorf("preparing temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	root := req.Root
	if root == "" {
		root = tmpDir
	}
	dir, err := ResolveDir(root, req.Dir)
	if err != nil {
		return &ExecResult{
			ExitCode:   1,
			Stderr:     err.Error(),
			Killed:     true,
			KillReason: "policy_violation",
		}, err
	}
	req.Dir = dir

	env := r.policy.HostEnv()
	for k, v := range r.policy.FilterEnv(req.Env) {
		env[k] = v
	}
	env["TMPDIR"] = tmpDir
	env["HOME"] = tmpDir
	req.Env = env

	execCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	r.logger.Debug("sandbox: executing",
		"runtime", req.Runtime,
		"dir", req.Dir,
		"timeout", req.Timeout,
		"max_memory_mb", req.MaxMemoryMB,
	)

	start := time.Now()
	result, err := r.executor.Execute(execCtx, req)
	if result != nil {
		result.Duration = time.Since(start)
		r.truncateOutput(result)
	}
	if err != nil {
		r.logger.Error("sandbox: execution failed",
			"runtime", req.Runtime,
			"error", err,
			"duration", time.Since(start),
		)
	}
	return result, err
}

func (r *Runner) prepareTempDir() (string, error) {
	baseDir := r.cfg.TempDir
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "mailos-sandbox")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return "", err
	}
	return os.MkdirTemp(baseDir, "exec-*")
}

// truncateOutput enforces the MaxOutputBytes limit.
func (r *Runner) truncateOutput(result *ExecResult) {
	max := int(r.cfg.MaxOutputBytes)
	if max <= 0 {
		return
	}
	if len(result.Stdout) > max {
		result.Stdout = result.Stdout[:max] + "\n... [output truncated]"
	}
	if len(result.Stderr) > max {
		result.Stderr = result.Stderr[:max] + "\n... [output truncated]"
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
