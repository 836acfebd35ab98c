package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/mailos/pkg/mailos/checker"
	"github.com/jholhewres/mailos/pkg/mailos/config"
	"github.com/jholhewres/mailos/pkg/mailos/mailerr"
	"github.com/jholhewres/mailos/pkg/mailos/store"
)

var ErrUnknownTask = errors.New("unknown task")

// TaskRunner runs a checker's scheduled tasks. *checker.Checker
// implements it.
type TaskRunner interface {
	RunTask(ctx context.Context, task config.TaskConfig) (checker.TaskReport, error)
}

// TaskStatus is the observable state of one scheduled task.
type TaskStatus struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Schedule  string    `json:"schedule"`
	Enabled   bool      `json:"enabled"`
	Running   bool      `json:"running"`
	LastRunAt time.Time `json:"last_run_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	RunCount  int64     `json:"run_count"`
	NextRunAt time.Time `json:"next_run_at,omitzero"`
}

type taskEntry struct {
	cfg       config.TaskConfig
	cronID    cron.EntryID
	scheduled bool
	run       store.TaskRun
}

// attachTasks builds e's task entries, keeping the run state of prev or
// of the persisted runs. Caller holds mu.
func (s *Scheduler) attachTasks(e, prev *entry) {
	e.tasks = make(map[string]*taskEntry, len(e.cfg.Tasks))
	for _, t := range e.cfg.Tasks {
		te := &taskEntry{cfg: t}
		if prev != nil && prev.tasks[t.ID] != nil {
			te.run = prev.tasks[t.ID].run
		} else {
			te.run = s.taskRuns[store.TaskKey(e.cfg.ID, t.ID)]
		}
		te.run.CheckerID, te.run.TaskID = e.cfg.ID, t.ID
		e.tasks[t.ID] = te
	}
}

// scheduleTasks registers a cron entry per enabled task and starts the
// ones whose last run is older than their latest due time. Caller holds
// mu.
func (s *Scheduler) scheduleTasks(e *entry) error {
	if _, ok := e.ticker.(TaskRunner); !ok {
		return nil
	}
	now := time.Now()
	for _, te := range e.sortedTasks() {
		if !te.cfg.Enabled {
			continue
		}
		checkerID, taskID := e.cfg.ID, te.cfg.ID
		cronID, err := s.cron.AddFunc(te.cfg.Schedule, func() {
			s.mu.RLock()
			ctx := s.ctx
			s.mu.RUnlock()
			_, _ = s.executeTask(ctx, checkerID, taskID)
		})
		if err != nil {
			return fmt.Errorf("adding timer for task %s/%s: %w", checkerID, taskID, err)
		}
		te.cronID = cronID
		te.scheduled = true

		if taskDue(te, now) {
			ctx := s.ctx
			go func() { _, _ = s.executeTask(ctx, checkerID, taskID) }()
		}
	}
	return nil
}

// taskDue reports whether a task never ran or missed a run while the
// process was down.
func taskDue(te *taskEntry, now time.Time) bool {
	if te.run.LastRunAt.IsZero() {
		return true
	}
	sched, err := config.TaskSchedule.Parse(te.cfg.Schedule)
	if err != nil {
		return false
	}
	return !sched.Next(te.run.LastRunAt).After(now)
}

func (s *Scheduler) unscheduleTasks(e *entry) {
	for _, te := range e.tasks {
		if te.scheduled {
			s.cron.Remove(te.cronID)
			te.scheduled = false
		}
	}
}

func (e *entry) sortedTasks() []*taskEntry {
	out := make([]*taskEntry, 0, len(e.tasks))
	for _, te := range e.tasks {
		out = append(out, te)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.ID < out[j].cfg.ID })
	return out
}

// RunTaskNow runs one task immediately, under the same single-flight guard
// as its timer.
func (s *Scheduler) RunTaskNow(ctx context.Context, checkerID, taskID string) (checker.TaskReport, error) {
	return s.executeTask(ctx, checkerID, taskID)
}

func (s *Scheduler) executeTask(ctx context.Context, checkerID, taskID string) (rep checker.TaskReport, err error) {
	key := store.TaskKey(checkerID, taskID)

	s.mu.Lock()
	e, ok := s.entries[checkerID]
	if !ok {
		s.mu.Unlock()
		return rep, fmt.Errorf("%w: %s", ErrUnknownChecker, checkerID)
	}
	te, ok := e.tasks[taskID]
	runner, runnable := e.ticker.(TaskRunner)
	switch {
	case !ok:
		s.mu.Unlock()
		return rep, fmt.Errorf("%w: %s", ErrUnknownTask, key)
	case !e.cfg.Enabled || !te.cfg.Enabled:
		s.mu.Unlock()
		return rep, fmt.Errorf("%w: %s", ErrDisabled, key)
	case s.running[key]:
		s.mu.Unlock()
		s.logger.Info("skipping task (already running)", "checker", checkerID, "task", taskID)
		return rep, fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	case e.status.Suspended:
		s.mu.Unlock()
		return rep, fmt.Errorf("%w: %s", ErrSuspended, checkerID)
	case e.ticker == nil:
		s.mu.Unlock()
		return rep, fmt.Errorf("checker %s is not runnable: %w", checkerID, e.buildErr)
	case !runnable:
		s.mu.Unlock()
		return rep, fmt.Errorf("checker %s cannot run tasks", checkerID)
	}
	s.running[key] = true
	task, cfg, fp := te.cfg, e.cfg, e.fingerprint
	s.mu.Unlock()

	start := time.Now()
	rep, err = s.runTask(ctx, runner, cfg, task)
	dur := time.Since(start)

	s.mu.Lock()
	delete(s.running, key)
	var run store.TaskRun
	persist := false
	if cur, ok := s.entries[checkerID]; ok {
		if cte, ok := cur.tasks[taskID]; ok {
			cte.run.LastRunAt = start
			cte.run.RunCount++
			cte.run.LastError = ""
			if err != nil {
				cte.run.LastError = err.Error()
			}
			run, persist = cte.run, true
		}
		if errors.Is(err, mailerr.ErrAuth) && cur.fingerprint == fp {
			cur.status.Suspended = true
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("task failed", "checker", checkerID, "task", taskID, "kind", mailerr.Kind(err), "error", err, "duration", dur)
	} else {
		s.logger.Info("task completed", "checker", checkerID, "task", taskID, "tool_calls", rep.ToolCalls, "duration", dur)
	}
	if persist {
		s.persistTask(run)
	}
	return rep, err
}

func (s *Scheduler) runTask(ctx context.Context, r TaskRunner, cfg config.CheckerConfig, task config.TaskConfig) (rep checker.TaskReport, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("task panicked", "checker", cfg.ID, "task", task.ID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	timeout := cfg.TickTimeout
	if timeout <= 0 {
		timeout = config.DefaultTickTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.RunTask(ctx, task)
}

func (s *Scheduler) persistTask(run store.TaskRun) {
	ts, ok := s.statuses.(store.TaskStore)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.SaveTaskRun(ctx, run); err != nil {
		s.logger.Warn("failed to persist task run", "checker", run.CheckerID, "task", run.TaskID, "error", err)
	}
}

// taskStatuses builds the public task statuses. Caller holds mu.
func (s *Scheduler) taskStatuses(e *entry) []TaskStatus {
	if len(e.tasks) == 0 {
		return nil
	}
	out := make([]TaskStatus, 0, len(e.tasks))
	for _, te := range e.sortedTasks() {
		st := TaskStatus{
			ID:        te.cfg.ID,
			Title:     te.cfg.Title,
			Schedule:  te.cfg.Schedule,
			Enabled:   te.cfg.Enabled,
			Running:   s.running[store.TaskKey(e.cfg.ID, te.cfg.ID)],
			LastRunAt: te.run.LastRunAt,
			LastError: te.run.LastError,
			RunCount:  te.run.RunCount,
		}
		if te.scheduled {
			st.NextRunAt = s.cron.Entry(te.cronID).Next
		}
		out = append(out, st)
	}
	return out
}
