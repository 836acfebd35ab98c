package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jholhewres/mailos/pkg/mailos/sandbox"
	"github.com/jholhewres/mailos/pkg/mailos/vendor"
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

var tracer = otel.Tracer("github.com/jholhewres/mailos/pkg/mailos/tools")

// ErrTimeout is returned by handlers whose work was cut off by a deadline.
var ErrTimeout = errors.New("tool timed out")

// Registry maps tool names to descriptors. It is built at startup and
// read concurrently by every checker.
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]Tool
	order          []string
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:          make(map[string]Tool),
		defaultTimeout: DefaultTimeout,
		logger:         logger.With("component", "tools"),
	}
}

// Register adds a tool. Names must be unique and API-safe.
func (r *Registry) Register(t Tool) error {
	if !toolNamePattern.MatchString(t.Name) {
		return fmt.Errorf("invalid tool name %q", t.Name)
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: nil handler", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names lists registered tools in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Describe returns the descriptions of the enabled tools keyed by name.
func (r *Registry) Describe(enabled []string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(enabled))
	for _, name := range enabled {
		if t, ok := r.tools[name]; ok {
			out[name] = t.Description
		}
	}
	return out
}

// Specs returns the vendor-facing specs for enabled, in the given order.
// Unregistered names are skipped.
func (r *Registry) Specs(enabled []string) []vendor.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]vendor.ToolSpec, 0, len(enabled))
	seen := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		t, ok := r.tools[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		params, err := json.Marshal(t.Parameters)
		if err != nil {
			r.logger.Warn("skipping tool with unserializable schema", "tool", name, "error", err)
			continue
		}
		specs = append(specs, vendor.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return specs
}

// Invoke runs a tool and always returns a Result: unknown names and bad
// arguments are rejected before the handler runs, and handler errors,
// panics and timeouts become error results.
func (r *Registry) Invoke(ctx context.Context, name, argsJSON string, cfg Config) Result {
	ctx, span := tracer.Start(ctx, "tool.invoke")
	span.SetAttributes(attribute.String("tool.name", name))
	defer span.End()

	result := r.invoke(ctx, name, argsJSON, cfg)
	span.SetAttributes(attribute.String("tool.status", result.Status))
	if !result.OK() {
		span.SetStatus(codes.Error, result.Kind)
	}
	return result
}

func (r *Registry) invoke(ctx context.Context, name, argsJSON string, cfg Config) Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("unknown tool called", "name", name)
		return Failure(KindUnknownTool, "unknown tool %q", name)
	}

	args, err := parseArgs(argsJSON)
	if err != nil {
		r.logger.Warn("tool argument parse error", "name", name, "error", err)
		return Failure(KindInvalidArguments, "%v", err)
	}
	if err := validateArgs(tool.Parameters, args); err != nil {
		r.logger.Warn("tool argument validation error", "name", name, "error", err)
		return Failure(KindInvalidArguments, "%v", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = tool.Timeout
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("tool panicked", "name", name, "panic", rec, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("%w: %v", errPanic, rec)}
			}
		}()
		data, err := tool.Handler(callCtx, args, cfg)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		dur := time.Since(start)
		switch {
		case out.err == nil:
			r.logger.Debug("tool executed", "name", name, "duration_ms", dur.Milliseconds())
			return Success(out.data)
		case errors.Is(out.err, errPanic):
			return Failure(KindPanic, "%v", out.err)
		case errors.Is(out.err, sandbox.ErrPolicyViolation):
			r.logger.Warn("tool call rejected by policy", "name", name, "error", out.err)
			return Failure(KindForbidden, "%v", out.err)
		case errors.Is(out.err, ErrTimeout) || errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, context.Canceled):
			return Failure(KindTimeout, "%s timed out after %s", name, timeout)
		default:
			r.logger.Info("tool returned error", "name", name, "error", out.err, "duration_ms", dur.Milliseconds())
			return Failure(KindExecution, "%v", out.err)
		}
	case <-callCtx.Done():
		r.logger.Warn("tool timed out", "name", name, "timeout", timeout)
		if errors.Is(callCtx.Err(), context.Canceled) {
			return Failure(KindTimeout, "%s cancelled", name)
		}
		return Failure(KindTimeout, "%s timed out after %s", name, timeout)
	}
}

var errPanic = errors.New("tool panicked")
