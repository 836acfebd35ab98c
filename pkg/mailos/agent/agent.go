// Package agent drives one conversation with a vendor adapter: it sends
// the conversation, runs the tools the model asks for, feeds their
// results back and stops at a final answer or at the iteration cap.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jholhewres/mailos/pkg/mailos/mailerr"
	"github.com/jholhewres/mailos/pkg/mailos/tools"
	"github.com/jholhewres/mailos/pkg/mailos/vendor"
)

var tracer = otel.Tracer("github.com/jholhewres/mailos/pkg/mailos/agent")

// Config bounds one run.
type Config struct {
	// MaxIterations caps adapter calls per run.
	MaxIterations int `yaml:"max_iterations"`

	// VendorRetries is how many times a transient adapter error is retried.
	VendorRetries int `yaml:"vendor_retries"`

	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// ToolGrace is how long a running tool may keep going after the run's
	// context is cancelled.
	ToolGrace time.Duration `yaml:"tool_grace"`
}

// DefaultConfig returns the defaults used when a checker sets nothing.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  10,
		VendorRetries:  3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		ToolGrace:      5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.VendorRetries < 0 {
		c.VendorRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.ToolGrace < 0 {
		c.ToolGrace = 0
	}
	return c
}

// ToolSet is the part of the tool registry the orchestrator uses.
type ToolSet interface {
	Specs(enabled []string) []vendor.ToolSpec
	Invoke(ctx context.Context, name, argsJSON string, cfg tools.Config) tools.Result
}

// Request is the input of one run.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	EnabledTools []string
	ToolConfig   tools.Config
}

// ToolCallRecord describes one executed (or rejected) tool call.
type ToolCallRecord struct {
	Name      string
	Arguments string
	Result    tools.Result
	Duration  time.Duration
}

// Result is the outcome of a run. On error it still carries the partial
// conversation.
type Result struct {
	Answer       string
	Iterations   int
	ToolCalls    []ToolCallRecord
	Usage        vendor.Usage
	Conversation vendor.Conversation
}

// Orchestrator runs conversations against one adapter.
type Orchestrator struct {
	adapter vendor.Adapter
	tools   ToolSet
	cfg     Config
	logger  *slog.Logger

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator.
func New(adapter vendor.Adapter, toolSet ToolSet, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		adapter: adapter,
		tools:   toolSet,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "agent", "vendor", adapter.Name()),
		sleep:   sleepCtx,
	}
}

// Run executes the loop. Tool failures become conversation content; only
// adapter errors, cancellation and the iteration cap end a run with an
// error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "agent.run")
	defer span.End()

	res, err := o.run(ctx, req)
	span.SetAttributes(
		attribute.Int("agent.iterations", res.Iterations),
		attribute.Int("agent.tool_calls", len(res.ToolCalls)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, mailerr.Kind(err))
	}
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, req Request) (*Result, error) {
	res := &Result{
		Conversation: vendor.Conversation{
			{Role: vendor.RoleSystem, Content: req.SystemPrompt},
			{Role: vendor.RoleUser, Content: req.UserPrompt},
		},
	}

	var specs []vendor.ToolSpec
	if o.tools != nil && len(req.EnabledTools) > 0 && o.adapter.Capabilities().ToolCalling {
		specs = o.tools.Specs(req.EnabledTools)
	}
	enabled := make(map[string]bool, len(specs))
	for _, s := range specs {
		enabled[s.Name] = true
	}

	for res.Iterations < o.cfg.MaxIterations {
		res.Iterations++

		resp, err := o.converse(ctx, res.Conversation, specs)
		if err != nil {
			return res, err
		}
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens

		if resp.IsFinal() {
			res.Answer = strings.TrimSpace(resp.FinalAnswer)
			res.Conversation = append(res.Conversation, vendor.Turn{Role: vendor.RoleAssistant, Content: res.Answer})
			o.logger.Debug("run finished",
				"iterations", res.Iterations,
				"tool_calls", len(res.ToolCalls),
				"input_tokens", res.Usage.InputTokens,
				"output_tokens", res.Usage.OutputTokens,
			)
			return res, nil
		}

		res.Conversation = append(res.Conversation, vendor.Turn{
			Role:      vendor.RoleAssistant,
			Content:   resp.Thinking,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			rec := o.execute(ctx, call, enabled, req.ToolConfig)
			res.ToolCalls = append(res.ToolCalls, rec)
			res.Conversation = append(res.Conversation, vendor.Turn{
				Role:       vendor.RoleTool,
				Content:    rec.Result.String(),
				ToolCallID: call.ID,
				Name:       call.Name,
			})
			if err := ctx.Err(); err != nil {
				return res, fmt.Errorf("run cancelled during tool %s: %w", call.Name, err)
			}
		}
	}

	o.logger.Warn("tool loop exceeded", "max_iterations", o.cfg.MaxIterations, "tool_calls", len(res.ToolCalls))
	return res, fmt.Errorf("%w: no final answer after %d iterations", mailerr.ErrToolLoopExceeded, o.cfg.MaxIterations)
}

// execute runs one tool call. Calls to tools outside the enabled set are
// answered with an unknown_tool result without reaching the registry.
func (o *Orchestrator) execute(ctx context.Context, call vendor.ToolCall, enabled map[string]bool, cfg tools.Config) ToolCallRecord {
	rec := ToolCallRecord{Name: call.Name, Arguments: call.Arguments}
	if !enabled[call.Name] {
		o.logger.Warn("model called a tool that is not enabled", "tool", call.Name)
		rec.Result = tools.Failure(tools.KindUnknownTool, "tool %q is not available", call.Name)
		return rec
	}

	toolCtx, cancel := withGrace(ctx, o.cfg.ToolGrace)
	defer cancel()

	start := time.Now()
	rec.Result = o.tools.Invoke(toolCtx, call.Name, call.Arguments, cfg)
	rec.Duration = time.Since(start)

	if rec.Result.OK() {
		o.logger.Info("tool call succeeded", "tool", call.Name, "duration_ms", rec.Duration.Milliseconds())
	} else {
		o.logger.Info("tool call failed", "tool", call.Name, "kind", rec.Result.Kind,
			"message", rec.Result.Message, "duration_ms", rec.Duration.Milliseconds())
	}
	return rec
}

// converse calls the adapter, retrying transient failures with
// exponential backoff. Retry-After wins when it is longer, capped at
// MaxBackoff.
func (o *Orchestrator) converse(ctx context.Context, conv vendor.Conversation, specs []vendor.ToolSpec) (*vendor.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.VendorRetries; attempt++ {
		resp, err := o.adapter.Converse(ctx, conv, specs)
		if err == nil {
			if resp == nil {
				return nil, fmt.Errorf("%w: adapter returned no response", mailerr.ErrVendorPermanent)
			}
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("adapter call cancelled: %w", ctx.Err())
		}
		if !vendor.IsTransient(err) {
			o.logger.Warn("permanent vendor error", "attempt", attempt+1, "error", err)
			return nil, err
		}
		if attempt == o.cfg.VendorRetries {
			break
		}

		wait := backoff(o.cfg.InitialBackoff, o.cfg.MaxBackoff, attempt)
		if ra := vendor.RetryAfter(err); ra > wait {
			wait = min(ra, o.cfg.MaxBackoff)
		}
		o.logger.Info("retrying after transient vendor error",
			"attempt", attempt+1,
			"next_attempt", attempt+2,
			"backoff_ms", wait.Milliseconds(),
			"error", err,
		)
		if err := o.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("context cancelled during backoff: %w", err)
		}
	}
	o.logger.Warn("exhausted vendor retries", "attempts", o.cfg.VendorRetries+1, "error", lastErr)
	return nil, lastErr
}

// backoff returns min(initial * 2^attempt, maxWait).
func backoff(initial, maxWait time.Duration, attempt int) time.Duration {
	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxWait {
			return maxWait
		}
	}
	return min(d, maxWait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// withGrace derives a context that outlives parent's cancellation by
// grace. Deadlines of parent are not inherited.
func withGrace(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	if grace <= 0 {
		return context.WithCancel(parent)
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	go func() {
		select {
		case <-parent.Done():
		case <-ctx.Done():
			return
		}
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
