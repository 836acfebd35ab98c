//go:build !windows

package sandbox

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRunner builds a runner; maxOutput of zero keeps the default cap.
func newTestRunner(t *testing.T, maxOutput int) *Runner {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := DefaultConfig()
	cfg.TempDir = t.TempDir()
	if maxOutput > 0 {
		cfg.MaxOutputBytes = int64(maxOutput)
	}
	r, err := NewRunner(cfg, logger)
	require.NoError(t, err)
	return r
}

func TestRunnerShell(t *testing.T) {
	r := newTestRunner(t, 0)
	ctx := context.Background()

	t.Run("runs allowed command", func(t *testing.T) {
		res, err := r.Run(ctx, &ExecRequest{
			Runtime:         RuntimeShell,
			Code:            "echo hello",
			AllowedCommands: []string{"echo"},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, "hello\n", res.Stdout)
		assert.False(t, res.Killed)
	})

	t.Run("non-zero exit is a result not an error", func(t *testing.T) {
		res, err := r.Run(ctx, &ExecRequest{
			Runtime:         RuntimeShell,
			Code:            "false",
			AllowedCommands: []string{"false"},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, res.ExitCode)
	})

	t.Run("policy violation never starts a process", func(t *testing.T) {
		res, err := r.Run(ctx, &ExecRequest{
			Runtime:         RuntimeShell,
			Code:            "touch /tmp/should-not-exist && echo x",
			AllowedCommands: []string{"echo"},
		})
		require.ErrorIs(t, err, ErrPolicyViolation)
		assert.Equal(t, "policy_violation", res.KillReason)
	})

	t.Run("timeout kills the process group", func(t *testing.T) {
		start := time.Now()
		res, err := r.Run(ctx, &ExecRequest{
			Runtime:         RuntimeShell,
			Code:            "sleep 5 | sleep 5",
			AllowedCommands: []string{"sleep"},
			Timeout:         200 * time.Millisecond,
		})
		require.NoError(t, err)
		assert.True(t, res.Killed)
		assert.Equal(t, "timeout", res.KillReason)
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("output is truncated", func(t *testing.T) {
		res, err := newTestRunner(t, 32).Run(ctx, &ExecRequest{
			Runtime:         RuntimeShell,
			Code:            "printf '%0100d' 0",
			AllowedCommands: []string{"printf"},
		})
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(res.Stdout, "[output truncated]"))
	})

	t.Run("working directory confined to root", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.Mkdir(root+"/work", 0o755))

		res, err := r.Run(ctx, &ExecRequest{
			Runtime:         RuntimeShell,
			Code:            "pwd",
			AllowedCommands: []string{"pwd"},
			Root:            root,
			Dir:             "work",
		})
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(strings.TrimSpace(res.Stdout), "/work"))

		_, err = r.Run(ctx, &ExecRequest{
			Runtime:         RuntimeShell,
			Code:            "pwd",
			AllowedCommands: []string{"pwd"},
			Root:            root,
			Dir:             "..",
		})
		assert.ErrorIs(t, err, ErrPolicyViolation)
	})

	t.Run("secrets are not inherited", func(t *testing.T) {
		t.Setenv("MAILOS_TEST_PASSWORD", "hunter2")
		res, err := r.Run(ctx, &ExecRequest{
			Runtime:         RuntimeShell,
			Code:            "echo \"[$MAILOS_TEST_PASSWORD]\"",
			AllowedCommands: []string{"echo"},
		})
		require.NoError(t, err)
		assert.Equal(t, "[]\n", res.Stdout)
	})
}

func TestRunnerPython(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	r := newTestRunner(t, 0)

	res, err := r.Run(context.Background(), &ExecRequest{
		Runtime: RuntimePython,
		Code:    "print(6*7)",
	})
	require.NoError(t, err)
	assert.Equal(t, "42\n", res.Stdout)
}
