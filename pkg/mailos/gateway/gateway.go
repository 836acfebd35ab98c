// Package gateway exposes checker status and manual ticks over HTTP.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/jholhewres/mailos/pkg/mailos/checker"
	"github.com/jholhewres/mailos/pkg/mailos/config"
	"github.com/jholhewres/mailos/pkg/mailos/scheduler"
	"github.com/jholhewres/mailos/pkg/mailos/store"
)

// Controller is the part of the scheduler the gateway drives.
type Controller interface {
	Statuses() []scheduler.CheckerStatus
	Status(id string) (scheduler.CheckerStatus, bool)
	RunNow(ctx context.Context, id string) (checker.Report, error)
	RunTaskNow(ctx context.Context, checkerID, taskID string) (checker.TaskReport, error)
}

// History lists recently processed messages. *store.SQLite implements it.
type History interface {
	Recent(ctx context.Context, checkerID string, limit int) ([]store.Record, error)
}

// Gateway is the HTTP status API.
type Gateway struct {
	ctl       Controller
	history   History
	config    config.GatewayConfig
	version   string
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a gateway. history may be nil.
func New(ctl Controller, history History, cfg config.GatewayConfig, version string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8089"
	}
	return &Gateway{
		ctl:       ctl,
		history:   history,
		config:    cfg,
		version:   version,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler builds the router.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(securityHeaders)
	r.Use(g.requestLogger)

	r.Get("/health", g.handleHealth)

	r.Route("/api/checkers", func(r chi.Router) {
		r.Use(g.authMiddleware)
		r.Get("/", g.handleListCheckers)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", g.handleGetChecker)
			r.Post("/run", g.handleRunChecker)
			r.Post("/tasks/{task}/run", g.handleRunTask)
			r.Get("/processed", g.handleProcessed)
		})
	})
	return r
}

// Start serves in the background until Stop.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if g.config.AuthToken == "" && !isLoopback(g.config.Address) {
		g.logger.Warn("gateway has no auth token and is bound to a non-loopback address",
			"address", g.config.Address)
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop shuts the server down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping")
	return g.server.Shutdown(ctx)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
