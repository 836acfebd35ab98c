// Package scheduler runs every enabled checker on its own interval using
// robfig/cron, with at most one tick in flight per checker and status
// persisted across restarts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/mailos/pkg/mailos/checker"
	"github.com/jholhewres/mailos/pkg/mailos/config"
	"github.com/jholhewres/mailos/pkg/mailos/mailerr"
	"github.com/jholhewres/mailos/pkg/mailos/store"
)

var (
	ErrUnknownChecker = errors.New("unknown checker")
	ErrAlreadyRunning = errors.New("checker tick already running")
	ErrSuspended      = errors.New("checker suspended after authentication failure")
	ErrDisabled       = errors.New("checker disabled")
)

// stopTimeout bounds how long Stop waits for running ticks before
// cancelling them.
const stopTimeout = 10 * time.Second

// Ticker runs one checker tick. *checker.Checker implements it.
type Ticker interface {
	Tick(ctx context.Context) (checker.Report, error)
}

// Builder compiles a checker configuration into a Ticker.
type Builder func(cfg config.CheckerConfig) (Ticker, error)

// CheckerStatus is the observable state of one checker.
type CheckerStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Enabled      bool          `json:"enabled"`
	Suspended    bool          `json:"suspended"`
	Running      bool          `json:"running"`
	Interval     time.Duration `json:"interval"`
	LastRunAt    time.Time     `json:"last_run_at,omitzero"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	NextRunAt    time.Time     `json:"next_run_at,omitzero"`
	RunCount     int64         `json:"run_count"`
	Processed    int64         `json:"processed"`
	Replied      int64         `json:"replied"`
	Tasks        []TaskStatus  `json:"tasks,omitempty"`
}

// State is a short label for the status.
func (s CheckerStatus) State() string {
	switch {
	case !s.Enabled:
		return "disabled"
	case s.Suspended:
		return "auth_failed"
	case s.Running:
		return "running"
	case s.LastError != "":
		return "error"
	default:
		return "idle"
	}
}

type entry struct {
	cfg         config.CheckerConfig
	fingerprint string
	ticker      Ticker
	buildErr    error
	cronID      cron.EntryID
	scheduled   bool
	status      store.Status
	tasks       map[string]*taskEntry
}

// Scheduler owns the set of active checkers.
type Scheduler struct {
	build    Builder
	statuses store.StatusStore
	logger   *slog.Logger

	cron *cron.Cron

	mu        sync.RWMutex
	entries   map[string]*entry
	running   map[string]bool
	persisted map[string]store.Status
	taskRuns  map[string]store.TaskRun

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. statuses may be nil.
func New(build Builder, statuses store.StatusStore, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		build:     build,
		statuses:  statuses,
		logger:    logger.With("component", "scheduler"),
		cron:      cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		entries:   make(map[string]*entry),
		running:   make(map[string]bool),
		persisted: make(map[string]store.Status),
		taskRuns:  make(map[string]store.TaskRun),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start loads persisted statuses and starts the timers. Call Reload after
// Start so restored counters are attached to the checkers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.Restore(ctx)
	s.cron.Start()
	s.mu.RLock()
	n := len(s.entries)
	s.mu.RUnlock()
	s.logger.Info("scheduler started", "checkers", n)
	return nil
}

// Restore loads persisted statuses so the next Reload attaches them to
// the checkers. Start calls it.
func (s *Scheduler) Restore(ctx context.Context) {
	if s.statuses == nil {
		return
	}
	loaded, err := s.statuses.LoadStatuses(ctx)
	if err != nil {
		s.logger.Warn("failed to load checker statuses", "error", err)
		return
	}
	s.mu.Lock()
	s.persisted = loaded
	s.mu.Unlock()

	ts, ok := s.statuses.(store.TaskStore)
	if !ok {
		return
	}
	runs, err := ts.LoadTaskRuns(ctx)
	if err != nil {
		s.logger.Warn("failed to load task runs", "error", err)
		return
	}
	s.mu.Lock()
	s.taskRuns = runs
	s.mu.Unlock()
}

// Stop stops the timers and waits for running ticks to finish, cancelling
// them after a grace period.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(stopTimeout):
		s.logger.Warn("scheduler stop timed out, cancelling running ticks")
	}
	s.cancel()
	s.logger.Info("scheduler stopped")
}

// Reload applies a new checker list: new ids are added, missing ids are
// removed, changed fingerprints are rebuilt. A rebuilt checker loses its
// suspension.
func (s *Scheduler) Reload(configs []config.CheckerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		seen[cfg.ID] = true
		fp := cfg.Fingerprint()

		old, exists := s.entries[cfg.ID]
		if exists && old.fingerprint == fp {
			continue
		}

		e := &entry{cfg: cfg, fingerprint: fp}
		s.attachTasks(e, old)
		switch {
		case exists:
			s.unschedule(old)
			e.status = old.status
			s.logger.Info("checker updated", "checker", cfg.ID)
		default:
			e.status = s.persisted[cfg.ID]
			s.logger.Info("checker added", "checker", cfg.ID, "interval", cfg.Interval, "enabled", cfg.Enabled)
		}
		e.status.CheckerID = cfg.ID
		e.status.Suspended = false

		if cfg.Enabled {
			e.ticker, e.buildErr = s.build(cfg)
			if e.buildErr != nil {
				e.status.LastError = e.buildErr.Error()
				s.logger.Error("failed to build checker", "checker", cfg.ID, "error", e.buildErr)
			} else if err := s.schedule(e); err != nil {
				e.buildErr = err
				e.status.LastError = err.Error()
				s.logger.Error("failed to schedule checker", "checker", cfg.ID, "error", err)
			} else if err := s.scheduleTasks(e); err != nil {
				s.logger.Error("failed to schedule tasks", "checker", cfg.ID, "error", err)
			}
		}
		s.entries[cfg.ID] = e
	}

	for id, e := range s.entries {
		if !seen[id] {
			s.unschedule(e)
			delete(s.entries, id)
			s.logger.Info("checker removed", "checker", id)
		}
	}
}

// schedule registers e's timer. Caller holds mu.
func (s *Scheduler) schedule(e *entry) error {
	id := e.cfg.ID
	cronID, err := s.cron.AddFunc("@every "+e.cfg.Interval.String(), func() {
		s.mu.RLock()
		ctx := s.ctx
		s.mu.RUnlock()
		_, _ = s.execute(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("adding timer for %s: %w", id, err)
	}
	e.cronID = cronID
	e.scheduled = true
	return nil
}

// unschedule removes e's timers. Caller holds mu.
func (s *Scheduler) unschedule(e *entry) {
	if e.scheduled {
		s.cron.Remove(e.cronID)
		e.scheduled = false
	}
	s.unscheduleTasks(e)
}

// RunNow runs one tick of id immediately, under the same single-flight
// guard as the timer.
func (s *Scheduler) RunNow(ctx context.Context, id string) (checker.Report, error) {
	return s.execute(ctx, id)
}

func (s *Scheduler) execute(ctx context.Context, id string) (rep checker.Report, err error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	switch {
	case !ok:
		s.mu.Unlock()
		return rep, fmt.Errorf("%w: %s", ErrUnknownChecker, id)
	case !e.cfg.Enabled:
		s.mu.Unlock()
		return rep, fmt.Errorf("%w: %s", ErrDisabled, id)
	case s.running[id]:
		s.mu.Unlock()
		s.logger.Info("skipping tick (already running)", "checker", id)
		return rep, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	case e.status.Suspended:
		s.mu.Unlock()
		s.logger.Debug("skipping tick (suspended)", "checker", id)
		return rep, fmt.Errorf("%w: %s", ErrSuspended, id)
	case e.ticker == nil:
		s.mu.Unlock()
		return rep, fmt.Errorf("checker %s is not runnable: %w", id, e.buildErr)
	}
	s.running[id] = true
	ticker, cfg, fp := e.ticker, e.cfg, e.fingerprint
	s.mu.Unlock()

	start := time.Now()
	rep, err = s.tick(ctx, ticker, cfg)
	dur := time.Since(start)

	s.mu.Lock()
	delete(s.running, id)
	cur, ok := s.entries[id]
	var st store.Status
	suspended := false
	if ok {
		cur.status.LastRunAt = start
		cur.status.LastDuration = dur
		cur.status.RunCount++
		cur.status.Processed += int64(rep.Processed())
		cur.status.Replied += int64(rep.Replied)
		cur.status.LastError = ""
		if err != nil {
			cur.status.LastError = err.Error()
		}
		if errors.Is(err, mailerr.ErrAuth) && cur.fingerprint == fp {
			cur.status.Suspended = true
			suspended = true
		}
		st = cur.status
	}
	s.mu.Unlock()

	switch {
	case suspended:
		s.logger.Error("checker suspended after authentication failure, update its credentials to resume",
			"checker", id, "error", err)
	case err != nil:
		s.logger.Error("tick failed", "checker", id, "kind", mailerr.Kind(err), "error", err, "duration", dur)
	default:
		s.logger.Info("tick completed", "checker", id, "processed", rep.Processed(), "replied", rep.Replied, "duration", dur)
	}

	if ok {
		s.persist(st)
	}
	return rep, err
}

// tick runs one tick under the checker's deadline, turning a panic into
// the tick error.
func (s *Scheduler) tick(ctx context.Context, t Ticker, cfg config.CheckerConfig) (rep checker.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tick panicked", "checker", cfg.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	timeout := cfg.TickTimeout
	if timeout <= 0 {
		timeout = config.DefaultTickTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return t.Tick(ctx)
}

func (s *Scheduler) persist(st store.Status) {
	if s.statuses == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.statuses.SaveStatus(ctx, st); err != nil {
		s.logger.Warn("failed to persist checker status", "checker", st.CheckerID, "error", err)
	}
}

// Status returns the status of id.
func (s *Scheduler) Status(id string) (CheckerStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return CheckerStatus{}, false
	}
	return s.statusOf(e), true
}

// Statuses returns every checker's status sorted by id.
func (s *Scheduler) Statuses() []CheckerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CheckerStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, s.statusOf(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// statusOf builds the public status. Caller holds mu.
func (s *Scheduler) statusOf(e *entry) CheckerStatus {
	st := CheckerStatus{
		ID:           e.cfg.ID,
		Name:         e.cfg.DisplayName(),
		Enabled:      e.cfg.Enabled,
		Suspended:    e.status.Suspended,
		Running:      s.running[e.cfg.ID],
		Interval:     e.cfg.Interval,
		LastRunAt:    e.status.LastRunAt,
		LastDuration: e.status.LastDuration,
		LastError:    e.status.LastError,
		RunCount:     e.status.RunCount,
		Processed:    e.status.Processed,
		Replied:      e.status.Replied,
		Tasks:        s.taskStatuses(e),
	}
	if e.scheduled {
		st.NextRunAt = s.cron.Entry(e.cronID).Next
	}
	return st
}
