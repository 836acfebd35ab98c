package store

import (
	"context"
	"sync"
)

// Memory is an in-process ProcessedStore and StatusStore.
type Memory struct {
	mu       sync.RWMutex
	seen     map[string]map[string]Record
	statuses map[string]Status
	tasks    map[string]TaskRun
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		seen:     make(map[string]map[string]Record),
		statuses: make(map[string]Status),
		tasks:    make(map[string]TaskRun),
	}
}

func (m *Memory) IsProcessed(_ context.Context, checkerID, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seen[checkerID][key]
	return ok, nil
}

func (m *Memory) MarkProcessed(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey := m.seen[rec.CheckerID]
	if byKey == nil {
		byKey = make(map[string]Record)
		m.seen[rec.CheckerID] = byKey
	}
	byKey[rec.MessageKey] = rec
	return nil
}

func (m *Memory) Forget(_ context.Context, checkerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, checkerID)
	return nil
}

// Len returns how many messages are recorded for checkerID.
func (m *Memory) Len(checkerID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.seen[checkerID])
}

func (m *Memory) SaveStatus(_ context.Context, st Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[st.CheckerID] = st
	return nil
}

func (m *Memory) LoadStatuses(_ context.Context) (map[string]Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.statuses))
	for id, st := range m.statuses {
		out[id] = st
	}
	return out, nil
}

func (m *Memory) SaveTaskRun(_ context.Context, run TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[TaskKey(run.CheckerID, run.TaskID)] = run
	return nil
}

func (m *Memory) LoadTaskRuns(_ context.Context) (map[string]TaskRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]TaskRun, len(m.tasks))
	for k, run := range m.tasks {
		out[k] = run
	}
	return out, nil
}
