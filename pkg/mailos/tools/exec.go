package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/jholhewres/mailos/pkg/mailos/sandbox"
)

// execOutput is the payload of execute_bash and execute_python.
type execOutput struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func bashTool(runner *sandbox.Runner) Tool {
	return Tool{
		Name:        "execute_bash",
		Description: "Execute a shell command and return its output. Only allow-listed commands may run.",
		Parameters: Schema{
			Properties: map[string]Property{
				"command":     {Type: "string", Description: "Command to execute"},
				"working_dir": {Type: "string", Description: "Optional working directory, relative to the tool work directory"},
				"timeout":     {Type: "integer", Description: "Optional timeout in seconds (default: 30)", Default: 30},
			},
			Required: []string{"command"},
		},
		Handler: func(ctx context.Context, args map[string]any, cfg Config) (any, error) {
			return runSandboxed(ctx, runner, &sandbox.ExecRequest{
				Runtime:         sandbox.RuntimeShell,
				Code:            argString(args, "command"),
				Root:            cfg.WorkDir,
				Dir:             argString(args, "working_dir"),
				Timeout:         time.Duration(argInt(args, "timeout", 30)) * time.Second,
				MaxMemoryMB:     cfg.MaxMemoryMB,
				AllowedCommands: cfg.AllowedCommands,
				AllowNetwork:    cfg.AllowNetwork,
			})
		},
	}
}

func pythonTool(runner *sandbox.Runner) Tool {
	return Tool{
		Name:        "execute_python",
		Description: "Execute Python code and return what it prints.",
		Parameters: Schema{
			Properties: map[string]Property{
				"code":    {Type: "string", Description: "Python code to execute"},
				"timeout": {Type: "integer", Description: "Maximum execution time in seconds (default: 5)", Default: 5},
			},
			Required: []string{"code"},
		},
		Handler: func(ctx context.Context, args map[string]any, cfg Config) (any, error) {
			return runSandboxed(ctx, runner, &sandbox.ExecRequest{
				Runtime:        sandbox.RuntimePython,
				Code:           argString(args, "code"),
				Root:           cfg.WorkDir,
				Timeout:        time.Duration(argInt(args, "timeout", 5)) * time.Second,
				MaxMemoryMB:    cfg.MaxMemoryMB,
				AllowedModules: cfg.AllowedModules,
				AllowNetwork:   cfg.AllowNetwork,
			})
		},
	}
}

// runSandboxed executes req and maps the sandbox outcome onto handler
// errors. A non-zero exit is still a successful call: the model gets the
// exit code with the output.
func runSandboxed(ctx context.Context, runner *sandbox.Runner, req *sandbox.ExecRequest) (any, error) {
	if runner == nil {
		return nil, fmt.Errorf("sandbox is not configured")
	}
	if req.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}
	res, err := runner.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Killed && res.KillReason == "timeout" {
		return nil, fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
	}
	out := execOutput{
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Killed && res.KillReason != "" {
		out.Stderr += fmt.Sprintf("\n[killed: %s]", res.KillReason)
	}
	return out, nil
}
