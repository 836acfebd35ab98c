package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jholhewres/mailos/pkg/mailos/checker"
	"github.com/jholhewres/mailos/pkg/mailos/config"
	"github.com/jholhewres/mailos/pkg/mailos/gate"
	"github.com/jholhewres/mailos/pkg/mailos/mailbox"
	"github.com/jholhewres/mailos/pkg/mailos/sandbox"
	"github.com/jholhewres/mailos/pkg/mailos/scheduler"
	"github.com/jholhewres/mailos/pkg/mailos/store"
	"github.com/jholhewres/mailos/pkg/mailos/tools"
	"github.com/jholhewres/mailos/pkg/mailos/vendor"
)

// runtime holds the process-wide pieces every checker shares.
type runtime struct {
	cfg       *config.Config
	db        *store.SQLite
	processed store.ProcessedStore
	gate      *gate.Gate
	tools     *tools.Registry
	logger    *slog.Logger
}

func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	sqlDB, err := store.OpenDatabase(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db := store.NewSQLite(sqlDB, logger)

	if cfg.Database.Retention > 0 {
		n, err := db.Prune(ctx, time.Now().Add(-cfg.Database.Retention))
		if err != nil {
			logger.Warn("pruning processed messages failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned processed messages", "count", n, "retention", cfg.Database.Retention)
		}
	}

	runner, err := sandbox.NewRunner(cfg.Sandbox, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	reg := tools.NewRegistry(logger)
	if err := tools.RegisterBuiltins(reg, tools.Builtins{
		Runner:     runner,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		SearchURL:  cfg.SearchURL,
		ArxivURL:   cfg.ArxivURL,
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	processed := store.NewCached(db)
	return &runtime{
		cfg:       cfg,
		db:        db,
		processed: processed,
		gate:      gate.New(processed, logger),
		tools:     reg,
		logger:    logger,
	}, nil
}

func (rt *runtime) Close() error { return rt.db.Close() }

// newChecker builds a checker for cfg against the shared runtime.
func (rt *runtime) newChecker(cfg config.CheckerConfig) (*checker.Checker, error) {
	return checker.New(cfg, checker.Deps{
		MailboxOptions: mailbox.Options{Logger: rt.logger},
		Store:          rt.processed,
		Gate:           rt.gate,
		Tools:          rt.tools,
		Agent:          rt.cfg.Agent,
		Vendor:         vendor.Options{Logger: rt.logger},
		Logger:         rt.logger,
	})
}

// builder adapts newChecker to the scheduler.
func (rt *runtime) builder() scheduler.Builder {
	return func(cfg config.CheckerConfig) (scheduler.Ticker, error) {
		c, err := rt.newChecker(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
