// Package store keeps the per-checker record of handled messages and the
// persisted checker status. The IMAP \Seen flag remains the source of
// truth for idempotence; this is the cache the reply gate consults.
package store

import (
	"context"
	"time"
)

// Outcome records how a message was handled.
type Outcome string

const (
	OutcomeReplied   Outcome = "replied"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeMonitored Outcome = "monitored"
	OutcomeNoReply   Outcome = "no_reply"
	OutcomeFailed    Outcome = "failed"
)

// Record is one handled message.
type Record struct {
	CheckerID   string
	MessageKey  string
	Outcome     Outcome
	ProcessedAt time.Time
}

// ProcessedStore is the set of (checker, message key) pairs already
// handled. Implementations are safe for concurrent use.
type ProcessedStore interface {
	IsProcessed(ctx context.Context, checkerID, key string) (bool, error)
	MarkProcessed(ctx context.Context, rec Record) error
	// Forget drops every record of a checker.
	Forget(ctx context.Context, checkerID string) error
}

// Status is the persisted part of a checker's runtime status.
type Status struct {
	CheckerID    string
	LastRunAt    time.Time
	LastDuration time.Duration
	LastError    string
	Suspended    bool
	RunCount     int64
	Processed    int64
	Replied      int64
}

// StatusStore persists checker status across restarts.
type StatusStore interface {
	SaveStatus(ctx context.Context, st Status) error
	LoadStatuses(ctx context.Context) (map[string]Status, error)
}

// TaskRun is the persisted state of one scheduled task.
type TaskRun struct {
	CheckerID string
	TaskID    string
	LastRunAt time.Time
	LastError string
	RunCount  int64
}

// TaskStore persists scheduled task runs across restarts.
type TaskStore interface {
	SaveTaskRun(ctx context.Context, run TaskRun) error
	// LoadTaskRuns returns every run keyed by TaskKey.
	LoadTaskRuns(ctx context.Context) (map[string]TaskRun, error)
}

// TaskKey identifies a task across checkers.
func TaskKey(checkerID, taskID string) string {
	return checkerID + "/" + taskID
}
