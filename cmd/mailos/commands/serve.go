package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/mailos/pkg/mailos/config"
	"github.com/jholhewres/mailos/pkg/mailos/gateway"
	"github.com/jholhewres/mailos/pkg/mailos/scheduler"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run every enabled checker on its interval",
		Long: `Start the MailOS daemon. Each enabled checker polls its mailbox on its own
interval; edits to the configuration file are applied without a restart.

Examples:
  mailos serve
  mailos serve --config ./mailos.yaml
  mailos serve --once`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}
	cmd.Flags().Bool("once", false, "run one tick of every enabled checker and exit")
	cmd.Flags().Duration("reload-debounce", 500*time.Millisecond, "delay before applying configuration file changes")
	return cmd
}

func runServe(cmd *cobra.Command, version string) error {
	cfg, path, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	sched := scheduler.New(rt.builder(), rt.db, logger)

	if once, _ := cmd.Flags().GetBool("once"); once {
		return runOnce(ctx, sched, cfg)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	sched.Reload(cfg.Checkers)

	debounce, _ := cmd.Flags().GetDuration("reload-debounce")
	watcher := config.NewWatcher(path, debounce, func(next *config.Config) {
		sched.Reload(next.Checkers)
	}, logger)
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher stopped, edits will need a restart", "error", err)
		}
	}()

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(sched, rt.db, cfg.Gateway, version, logger)
		if err := gw.Start(ctx); err != nil {
			sched.Stop()
			return fmt.Errorf("starting gateway: %w", err)
		}
	}

	logger.Info("mailos running, press Ctrl+C to stop", "config", path, "checkers", len(cfg.Checkers))
	<-ctx.Done()
	logger.Info("shutdown signal received, stopping")

	done := make(chan struct{})
	go func() {
		if gw != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := gw.Stop(sctx); err != nil {
				logger.Warn("gateway shutdown failed", "error", err)
			}
			cancel()
		}
		sched.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(2 * shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
	}
	return nil
}

// runOnce ticks every enabled checker once, concurrently, and reports the
// checkers that failed.
func runOnce(ctx context.Context, sched *scheduler.Scheduler, cfg *config.Config) error {
	sched.Restore(ctx)
	sched.Reload(cfg.Checkers)

	var (
		g    errgroup.Group
		errs = make([]error, len(cfg.Checkers))
	)
	for i, c := range cfg.Checkers {
		if !c.Enabled {
			continue
		}
		i, c := i, c
		g.Go(func() error {
			rep, err := sched.RunNow(ctx, c.ID)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.ID, err)
				return nil
			}
			fmt.Fprintf(os.Stdout, "%s: fetched=%d replied=%d monitored=%d skipped=%d no_reply=%d failed=%d deferred=%d\n",
				c.ID, rep.Fetched, rep.Replied, rep.Monitored, rep.Skipped, rep.NoReply, rep.Failed, rep.Deferred)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
