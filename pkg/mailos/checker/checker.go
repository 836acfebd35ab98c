// Package checker runs one tick of a mailbox checker: fetch unseen mail,
// filter it through the reply gate, let the agent answer eligible
// messages and send the replies.
package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/mailos/pkg/mailos/agent"
	"github.com/jholhewres/mailos/pkg/mailos/config"
	"github.com/jholhewres/mailos/pkg/mailos/gate"
	"github.com/jholhewres/mailos/pkg/mailos/mailbox"
	"github.com/jholhewres/mailos/pkg/mailos/mailerr"
	"github.com/jholhewres/mailos/pkg/mailos/store"
	"github.com/jholhewres/mailos/pkg/mailos/tools"
	"github.com/jholhewres/mailos/pkg/mailos/vendor"
)

var tracer = otel.Tracer("github.com/jholhewres/mailos/pkg/mailos/checker")

// finishTimeout bounds the bookkeeping after a message was handled. It
// runs detached from the tick deadline so a sent reply is always marked.
const finishTimeout = 30 * time.Second

// Mailbox is the per-tick mailbox session. *mailbox.Session implements it.
type Mailbox interface {
	FetchUnseen(ctx context.Context) ([]mailbox.Message, error)
	MarkProcessed(ctx context.Context, uid uint32) error
	Search(ctx context.Context, q mailbox.Query) ([]mailbox.Summary, error)
	Send(ctx context.Context, out mailbox.Outgoing) error
	Close() error
}

// Opener opens a mailbox session.
type Opener func(ctx context.Context, cfg mailbox.Config) (Mailbox, error)

// Runner runs one agent conversation. *agent.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Deps are the process-wide collaborators shared by all checkers.
type Deps struct {
	// Open defaults to mailbox.Open with MailboxOptions.
	Open           Opener
	MailboxOptions mailbox.Options

	Store store.ProcessedStore
	Gate  *gate.Gate
	Tools *tools.Registry

	Agent  agent.Config
	Vendor vendor.Options

	// NewAdapter defaults to vendor.New.
	NewAdapter func(cfg config.CheckerConfig) (vendor.Adapter, error)

	Logger *slog.Logger
}

// Report summarizes a tick.
type Report struct {
	RunID     string `json:"run_id"`
	Fetched   int    `json:"fetched"`
	Skipped   int    `json:"skipped"`
	Monitored int    `json:"monitored"`
	Replied   int    `json:"replied"`
	NoReply   int    `json:"no_reply"`
	Failed    int    `json:"failed"`
	Deferred  int    `json:"deferred"`
}

// Processed is the number of messages marked processed by the tick.
func (r Report) Processed() int {
	return r.Skipped + r.Monitored + r.Replied + r.NoReply + r.Failed
}

// Checker is a compiled checker configuration. It is immutable; a config
// change builds a new Checker.
type Checker struct {
	cfg     config.CheckerConfig
	open    Opener
	store   store.ProcessedStore
	gate    *gate.Gate
	gateCfg gate.Checker
	runner  Runner
	tools   *tools.Registry
	toolCfg tools.Config
	planner tools.Planner
	logger  *slog.Logger
}

// New resolves the checker's vendor and builds its agent once.
func New(cfg config.CheckerConfig, deps Deps) (*Checker, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "checker", "checker", cfg.ID)

	newAdapter := deps.NewAdapter
	if newAdapter == nil {
		opts := deps.Vendor
		newAdapter = func(cfg config.CheckerConfig) (vendor.Adapter, error) {
			return vendor.New(cfg.Vendor, cfg.Model, cfg.VendorConfig, opts)
		}
	}
	adapter, err := newAdapter(cfg)
	if err != nil {
		return nil, fmt.Errorf("checker %s: building vendor %s: %w", cfg.ID, cfg.Vendor, err)
	}

	var toolSet agent.ToolSet
	if deps.Tools != nil {
		toolSet = deps.Tools
	}
	c := NewWithRunner(cfg, deps, agent.New(adapter, toolSet, cfg.AgentConfig(deps.Agent), logger))
	c.planner = agent.NewPlanner(adapter)
	return c, nil
}

// NewWithRunner builds a Checker around an existing runner.
func NewWithRunner(cfg config.CheckerConfig, deps Deps, runner Runner) *Checker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	open := deps.Open
	if open == nil {
		opts := deps.MailboxOptions
		opts.Logger = logger
		open = func(ctx context.Context, mc mailbox.Config) (Mailbox, error) {
			s, err := mailbox.Open(ctx, mc, opts)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}
	g := deps.Gate
	if g == nil {
		g = gate.New(deps.Store, logger)
	}
	return &Checker{
		cfg:     cfg,
		open:    open,
		store:   deps.Store,
		gate:    g,
		gateCfg: cfg.GateChecker(),
		runner:  runner,
		tools:   deps.Tools,
		toolCfg: cfg.ToolSettings(),
		logger:  logger.With("component", "checker", "checker", cfg.ID),
	}
}

// Config returns the checker's configuration.
func (c *Checker) Config() config.CheckerConfig { return c.cfg }

// Tick processes the unseen messages of the mailbox once. A failure on
// one message never stops the others; the returned error is reserved for
// failures of the tick itself (connection, auth, deadline).
func (c *Checker) Tick(ctx context.Context) (Report, error) {
	rep := Report{RunID: uuid.NewString()}
	ctx, span := tracer.Start(ctx, "checker.tick", trace.WithAttributes(
		attribute.String("checker.id", c.cfg.ID),
		attribute.String("checker.run_id", rep.RunID),
	))
	defer span.End()

	logger := c.logger.With("run", rep.RunID)
	start := time.Now()

	err := c.tick(ctx, logger, &rep)
	span.SetAttributes(
		attribute.Int("checker.fetched", rep.Fetched),
		attribute.Int("checker.replied", rep.Replied),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, mailerr.Kind(err))
		return rep, err
	}

	logger.Info("tick finished",
		"fetched", rep.Fetched,
		"replied", rep.Replied,
		"skipped", rep.Skipped,
		"monitored", rep.Monitored,
		"no_reply", rep.NoReply,
		"failed", rep.Failed,
		"deferred", rep.Deferred,
		"duration", time.Since(start),
	)
	return rep, nil
}

func (c *Checker) tick(ctx context.Context, logger *slog.Logger, rep *Report) error {
	mb, err := c.open(ctx, c.cfg.MailboxConfig())
	if err != nil {
		return fmt.Errorf("opening mailbox: %w", err)
	}
	defer func() {
		if err := mb.Close(); err != nil {
			logger.Debug("closing mailbox", "error", err)
		}
	}()

	msgs, err := mb.FetchUnseen(ctx)
	if err != nil {
		return fmt.Errorf("fetching unseen messages: %w", err)
	}
	rep.Fetched = len(msgs)
	if len(msgs) == 0 {
		return nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(max(c.cfg.Concurrency, 1))
	for _, thread := range groupByThread(msgs) {
		thread := thread
		g.Go(func() error {
			held := false
			for _, msg := range thread {
				// Once a message is deferred the rest of its conversation
				// waits too, so replies never go out of order.
				if held || ctx.Err() != nil {
					mu.Lock()
					rep.Deferred++
					mu.Unlock()
					continue
				}
				o := c.handle(ctx, mb, msg, logger)
				held = o == deferred
				mu.Lock()
				rep.add(o)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("tick interrupted after %d of %d messages: %w", rep.Processed(), rep.Fetched, err)
	}
	return nil
}

// outcome is the per-message result; the zero value means deferred to a
// later tick.
type outcome string

const (
	deferred  outcome = ""
	skipped   outcome = outcome(store.OutcomeSkipped)
	monitored outcome = outcome(store.OutcomeMonitored)
	replied   outcome = outcome(store.OutcomeReplied)
	noReply   outcome = outcome(store.OutcomeNoReply)
	failed    outcome = outcome(store.OutcomeFailed)
)

func (r *Report) add(o outcome) {
	switch o {
	case skipped:
		r.Skipped++
	case monitored:
		r.Monitored++
	case replied:
		r.Replied++
	case noReply:
		r.NoReply++
	case failed:
		r.Failed++
	default:
		r.Deferred++
	}
}

func (c *Checker) handle(ctx context.Context, mb Mailbox, msg *mailbox.Message, logger *slog.Logger) outcome {
	ctx, span := tracer.Start(ctx, "checker.message", trace.WithAttributes(
		attribute.Int64("mail.uid", int64(msg.UID)),
		attribute.String("mail.key", msg.Key),
	))
	defer span.End()

	logger = logger.With("uid", msg.UID, "from", msg.From)

	d := c.gate.Classify(ctx, msg, c.gateCfg)
	span.SetAttributes(attribute.String("gate.verdict", string(d.Verdict)), attribute.Int("gate.rule", d.Rule))
	if !d.Eligible() {
		logger.Info("message skipped", "reason", d.Reason, "rule", d.Rule)
		// An already-recorded message only needs its \Seen flag.
		return c.finish(ctx, mb, msg, skipped, logger)
	}

	res, err := c.runner.Run(c.toolContext(ctx, mb, d.Sendable), agent.Request{
		SystemPrompt: agent.SystemPrompt(c.cfg.MonitorEmail, c.cfg.SystemPrompt),
		UserPrompt:   agent.UserPrompt(inbound(msg), c.toolInfos()),
		EnabledTools: c.cfg.EnabledTools,
		ToolConfig:   c.toolCfg,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, mailerr.Kind(err))
		switch {
		case errors.Is(err, mailerr.ErrVendorTransient), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			logger.Warn("agent run failed, message left for a later tick", "kind", mailerr.Kind(err), "error", err)
			return deferred
		case errors.Is(err, mailerr.ErrToolLoopExceeded):
			logger.Warn("tool_loop_exceeded", "error", err)
			return c.finish(ctx, mb, msg, noReply, logger)
		default:
			logger.Error("agent run failed, message marked processed", "kind", mailerr.Kind(err), "error", err)
			return c.finish(ctx, mb, msg, failed, logger)
		}
	}

	if !d.Sendable {
		logger.Info("reply not sent, auto_reply disabled", "answer_len", len(res.Answer), "iterations", res.Iterations)
		return c.finish(ctx, mb, msg, monitored, logger)
	}
	if strings.TrimSpace(res.Answer) == "" {
		logger.Warn("agent produced an empty answer")
		return c.finish(ctx, mb, msg, noReply, logger)
	}

	if err := mb.Send(ctx, mailbox.Reply(msg, res.Answer)); err != nil {
		span.RecordError(err)
		logger.Error("sending reply failed", "kind", mailerr.Kind(err), "error", err)
		return deferred
	}
	logger.Info("reply sent", "subject", msg.Subject, "iterations", res.Iterations, "tool_calls", len(res.ToolCalls))
	return c.finish(ctx, mb, msg, replied, logger)
}

// finish records the message in the store, then sets \Seen. The store
// goes first so that a failed flag update cannot cause a second reply.
func (c *Checker) finish(ctx context.Context, mb Mailbox, msg *mailbox.Message, o outcome, logger *slog.Logger) outcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if c.store != nil && msg.Key != "" {
		err := c.store.MarkProcessed(ctx, store.Record{
			CheckerID:   c.cfg.ID,
			MessageKey:  msg.Key,
			Outcome:     store.Outcome(o),
			ProcessedAt: time.Now(),
		})
		if err != nil {
			logger.Warn("recording processed message", "error", err)
		}
	}
	if err := mb.MarkProcessed(ctx, msg.UID); err != nil {
		logger.Error("marking message processed", "error", err)
	}
	return o
}

// toolContext binds the tick's mailbox and the checker's planner to the
// tool calls of one run. Without sendable, send_email is refused.
func (c *Checker) toolContext(ctx context.Context, mb Mailbox, sendable bool) context.Context {
	var bound tools.Mailbox = &toolMailbox{mb: mb}
	if !sendable {
		bound = monitorMailbox{&toolMailbox{mb: mb}}
	}
	ctx = tools.WithMailbox(ctx, bound)
	if c.planner != nil {
		ctx = tools.WithPlanner(ctx, c.planner)
	}
	return ctx
}

func (c *Checker) toolInfos() []agent.ToolInfo {
	if c.tools == nil || len(c.cfg.EnabledTools) == 0 {
		return nil
	}
	desc := c.tools.Describe(c.cfg.EnabledTools)
	out := make([]agent.ToolInfo, 0, len(desc))
	for _, name := range c.cfg.EnabledTools {
		if d, ok := desc[name]; ok {
			out = append(out, agent.ToolInfo{Name: name, Description: d})
		}
	}
	return out
}

func inbound(msg *mailbox.Message) agent.Inbound {
	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}
	return agent.Inbound{
		From:        from,
		Subject:     msg.Subject,
		Body:        msg.Body,
		Attachments: msg.AttachmentPaths(),
	}
}

// groupByThread splits msgs into conversations: messages sharing a
// thread key or a sender end up in the same group. Groups are ordered by
// their first message and keep arrival order inside.
func groupByThread(msgs []mailbox.Message) [][]*mailbox.Message {
	parent := make([]int, len(msgs))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	owner := make(map[string]int)
	link := func(key string, i int) {
		j, ok := owner[key]
		if !ok {
			owner[key] = i
			return
		}
		// The root of a group is always its earliest message.
		a, b := find(i), find(j)
		if a != b {
			parent[max(a, b)] = min(a, b)
		}
	}
	for i := range msgs {
		link(msgs[i].ThreadKey(), i)
		if from := strings.ToLower(strings.TrimSpace(msgs[i].From)); from != "" {
			link("from:"+from, i)
		}
	}

	index := make(map[int]int)
	var groups [][]*mailbox.Message
	for i := range msgs {
		root := find(i)
		n, ok := index[root]
		if !ok {
			n = len(groups)
			index[root] = n
			groups = append(groups, nil)
		}
		groups[n] = append(groups[n], &msgs[i])
	}
	return groups
}
