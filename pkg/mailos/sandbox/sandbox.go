// Package sandbox runs model-requested shell commands and Python snippets
// under per-checker bounds.
//
// Every execution gets:
//   - a wall-clock timeout that kills the whole process group
//   - an address-space ceiling (RLIMIT_AS, Linux only)
//   - a filtered environment and a private temp directory
//   - a working directory confined to the configured root
//   - capped stdout/stderr capture
//
// What a request may run (commands, Python modules, network tools) is
// decided by Policy before any process is started.
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// Runtime identifies the interpreter used for a request.
type Runtime string

const (
	RuntimeShell  Runtime = "shell"
	RuntimePython Runtime = "python"
)

// Config holds process-wide sandbox defaults. Per-checker limits arrive
// on each ExecRequest and take precedence when set.
type Config struct {
	// Timeout is the default wall-clock limit. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutputBytes caps each of stdout and stderr. Defaults to 64KB.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// MaxMemoryMB is the default address-space ceiling. Defaults to 512MB.
	MaxMemoryMB int `yaml:"max_memory_mb"`

	// TempDir is the parent of per-execution temp directories.
	TempDir string `yaml:"temp_dir"`

	// AllowedEnv, when non-empty, is the only set of host variables
	// passed through to children.
	AllowedEnv []string `yaml:"allowed_env"`

	// BlockedEnv is always stripped. Takes precedence over AllowedEnv.
	BlockedEnv []string `yaml:"blocked_env"`

	// Runtimes maps a Runtime to its interpreter path.
	Runtimes map[Runtime]string `yaml:"runtimes"`
}

// ExecRequest describes one execution.
type ExecRequest struct {
	Runtime Runtime

	// Code is a shell command line (RuntimeShell) or Python source
	// (RuntimePython).
	Code string

	Stdin string

	// Env is added on top of the filtered host environment.
	Env map[string]string

	// Root is the directory executions are confined to. Dir must resolve
	// inside it. Empty Root means the private temp directory.
	Root string

	// Dir is the requested working directory, relative to Root or
	// absolute inside it.
	Dir string

	Timeout     time.Duration
	MaxMemoryMB int

	// AllowedCommands is the per-checker allow-list for RuntimeShell.
	// Empty denies every command.
	AllowedCommands []string

	// AllowedModules restricts Python imports when non-empty.
	AllowedModules []string

	// AllowNetwork permits network clients (curl, socket, urllib...).
	AllowNetwork bool
}

// ExecResult holds the outcome of an execution.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	Duration   time.Duration
	Killed     bool
	KillReason string
}

// Executor starts a process for a prepared request.
type Executor interface {
	Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error)
	Name() string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		MaxOutputBytes: 64 * 1024,
		MaxMemoryMB:    512,
		Runtimes: map[Runtime]string{
			RuntimePython: "python3",
			RuntimeShell:  "/bin/sh",
		},
		BlockedEnv: defaultBlockedEnv(),
	}
}

// defaultBlockedEnv returns variables stripped from every child because
// they inject code into interpreters or the dynamic linker.
func defaultBlockedEnv() []string {
	return []string{
		"PYTHONHOME",
		"PYTHONPATH",
		"PYTHONSTARTUP",
		"LD_PRELOAD",
		"LD_LIBRARY_PATH",
		"DYLD_INSERT_LIBRARIES",
		"DYLD_LIBRARY_PATH",
		"BASH_ENV",
		"ENV",
		"CDPATH",
		"IFS",
	}
}

var blockedEnvPrefixes = []string{
	"LD_",
	"DYLD_",
	"MAILOS_",
	"AWS_",
	"OPENAI_",
	"ANTHROPIC_",
}

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxOutputBytes <= 0 {
		return fmt.Errorf("max_output_bytes must be positive")
	}
	if c.MaxMemoryMB < 0 {
		return fmt.Errorf("max_memory_mb must not be negative")
	}
	return nil
}
