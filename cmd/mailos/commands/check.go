package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/mailos/pkg/mailos/config"
	"github.com/jholhewres/mailos/pkg/mailos/scheduler"
	"github.com/jholhewres/mailos/pkg/mailos/store"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <checker-id>",
		Short: "Run one tick of a single checker",
		Long: `Fetch and handle the unseen messages of one checker, then exit. The
checker runs even when it is disabled in the configuration. With --task,
run one of the checker's scheduled tasks instead.

Examples:
  mailos check support
  mailos check support -v
  mailos check reports --task digest`,
		Args: cobra.ExactArgs(1),
		RunE: runCheck,
	}
	cmd.Flags().String("task", "", "run this scheduled task instead of a tick")
	return cmd
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	cc, ok := cfg.Checker(args[0])
	if !ok {
		return fmt.Errorf("checker %q not found in configuration", args[0])
	}
	taskID, _ := cmd.Flags().GetString("task")
	var task config.TaskConfig
	if taskID != "" {
		if task, ok = cc.Task(taskID); !ok {
			return fmt.Errorf("task %q not found in checker %q", taskID, cc.ID)
		}
	}
	logger := newLogger(cmd, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	cc.Enabled = true
	if taskID != "" {
		return runCheckTask(ctx, cmd, rt, cc, task)
	}

	// Scheduled tasks only run under serve.
	cc.Tasks = nil
	sched := scheduler.New(rt.builder(), rt.db, logger)
	sched.Restore(ctx)
	sched.Reload([]config.CheckerConfig{cc})
	rep, err := sched.RunNow(ctx, cc.ID)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checker:   %s\n", cc.DisplayName())
	fmt.Fprintf(out, "Run:       %s\n", rep.RunID)
	fmt.Fprintf(out, "Fetched:   %d\n", rep.Fetched)
	fmt.Fprintf(out, "Replied:   %d\n", rep.Replied)
	fmt.Fprintf(out, "Monitored: %d\n", rep.Monitored)
	fmt.Fprintf(out, "Skipped:   %d\n", rep.Skipped)
	fmt.Fprintf(out, "No reply:  %d\n", rep.NoReply)
	fmt.Fprintf(out, "Failed:    %d\n", rep.Failed)
	fmt.Fprintf(out, "Deferred:  %d\n", rep.Deferred)
	if err != nil {
		return fmt.Errorf("tick failed: %w", err)
	}
	return nil
}

func runCheckTask(ctx context.Context, cmd *cobra.Command, rt *runtime, cc config.CheckerConfig, task config.TaskConfig) error {
	c, err := rt.newChecker(cc)
	if err != nil {
		return err
	}

	start := time.Now()
	rep, runErr := c.RunTask(ctx, task)
	run := store.TaskRun{CheckerID: cc.ID, TaskID: task.ID, LastRunAt: start}
	if prev, err := rt.db.LoadTaskRuns(ctx); err == nil {
		run.RunCount = prev[store.TaskKey(cc.ID, task.ID)].RunCount
	}
	run.RunCount++
	if runErr != nil {
		run.LastError = runErr.Error()
	}
	if err := rt.db.SaveTaskRun(context.WithoutCancel(ctx), run); err != nil {
		rt.logger.Warn("failed to persist task run", "checker", cc.ID, "task", task.ID, "error", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checker:    %s\n", cc.DisplayName())
	fmt.Fprintf(out, "Task:       %s\n", task.Title)
	fmt.Fprintf(out, "Run:        %s\n", rep.RunID)
	fmt.Fprintf(out, "Iterations: %d\n", rep.Iterations)
	fmt.Fprintf(out, "Tool calls: %d\n", rep.ToolCalls)
	if runErr != nil {
		return fmt.Errorf("task failed: %w", runErr)
	}
	fmt.Fprintf(out, "\n%s\n", rep.Answer)
	return nil
}
