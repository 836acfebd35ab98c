package checker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jholhewres/mailos/pkg/mailos/agent"
	"github.com/jholhewres/mailos/pkg/mailos/config"
	"github.com/jholhewres/mailos/pkg/mailos/mailbox"
	"github.com/jholhewres/mailos/pkg/mailos/mailerr"
)

// TaskReport summarizes one scheduled task run.
type TaskReport struct {
	RunID      string `json:"run_id"`
	TaskID     string `json:"task_id"`
	Iterations int    `json:"iterations"`
	ToolCalls  int    `json:"tool_calls"`
	Answer     string `json:"answer"`
}

// RunTask hands a scheduled task to the checker's agent. The mailbox is
// only opened if a tool needs it, and a checker with auto_reply disabled
// still cannot send.
func (c *Checker) RunTask(ctx context.Context, task config.TaskConfig) (TaskReport, error) {
	rep := TaskReport{RunID: uuid.NewString(), TaskID: task.ID}
	ctx, span := tracer.Start(ctx, "checker.task", trace.WithAttributes(
		attribute.String("checker.id", c.cfg.ID),
		attribute.String("task.id", task.ID),
		attribute.String("checker.run_id", rep.RunID),
	))
	defer span.End()

	logger := c.logger.With("task", task.ID, "run", rep.RunID)
	start := time.Now()

	mb := &lazyMailbox{open: c.open, cfg: c.cfg.MailboxConfig()}
	defer mb.release(logger)

	res, err := c.runner.Run(c.toolContext(ctx, mb, c.cfg.AutoReply), agent.Request{
		SystemPrompt: agent.SystemPrompt(c.cfg.MonitorEmail, c.cfg.SystemPrompt),
		UserPrompt: agent.TaskPrompt(agent.Task{
			Title:       task.Title,
			Description: task.Description,
			Variables:   task.Variables,
		}, start, c.toolInfos()),
		EnabledTools: c.cfg.EnabledTools,
		ToolConfig:   c.toolCfg,
	})
	if res != nil {
		rep.Iterations = res.Iterations
		rep.ToolCalls = len(res.ToolCalls)
	}
	if err == nil && (res == nil || strings.TrimSpace(res.Answer) == "") {
		err = fmt.Errorf("%w: empty response from model", mailerr.ErrVendorPermanent)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, mailerr.Kind(err))
		return rep, fmt.Errorf("task %s: %w", task.ID, err)
	}

	rep.Answer = res.Answer
	logger.Info("task finished",
		"title", task.Title,
		"iterations", rep.Iterations,
		"tool_calls", rep.ToolCalls,
		"duration", time.Since(start),
	)
	return rep, nil
}

// lazyMailbox opens a session on first use. Most tasks never touch mail.
type lazyMailbox struct {
	open Opener
	cfg  mailbox.Config

	mu      sync.Mutex
	session Mailbox
}

func (l *lazyMailbox) get(ctx context.Context) (Mailbox, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		s, err := l.open(ctx, l.cfg)
		if err != nil {
			return nil, fmt.Errorf("opening mailbox: %w", err)
		}
		l.session = s
	}
	return l.session, nil
}

func (l *lazyMailbox) release(logger *slog.Logger) {
	if err := l.Close(); err != nil {
		logger.Debug("closing mailbox", "error", err)
	}
}

func (l *lazyMailbox) FetchUnseen(ctx context.Context) ([]mailbox.Message, error) {
	s, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return s.FetchUnseen(ctx)
}

func (l *lazyMailbox) MarkProcessed(ctx context.Context, uid uint32) error {
	s, err := l.get(ctx)
	if err != nil {
		return err
	}
	return s.MarkProcessed(ctx, uid)
}

func (l *lazyMailbox) Search(ctx context.Context, q mailbox.Query) ([]mailbox.Summary, error) {
	s, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return s.Search(ctx, q)
}

func (l *lazyMailbox) Send(ctx context.Context, out mailbox.Outgoing) error {
	s, err := l.get(ctx)
	if err != nil {
		return err
	}
	return s.Send(ctx, out)
}

func (l *lazyMailbox) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	err := l.session.Close()
	l.session = nil
	return err
}
