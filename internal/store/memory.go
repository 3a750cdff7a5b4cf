// Package store provides TaskStore implementations: an in-memory store for
// single-process use and tests, and a PostgreSQL store for shared state.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/UniQw/mediarelay"
)

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Memory is an in-process TaskStore. It records every status a task went
// through, which makes lifecycle assertions cheap.
type Memory struct {
	mu      sync.RWMutex
	tasks   map[string]*mediarelay.Task
	history map[string][]mediarelay.Status
	now     func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		tasks:   make(map[string]*mediarelay.Task),
		history: make(map[string][]mediarelay.Status),
		now:     o.now,
	}
}

func (m *Memory) Create(_ context.Context, t *mediarelay.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(t)
	return nil
}

func (m *Memory) CreateBatch(_ context.Context, ts []*mediarelay.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range ts {
		m.putLocked(t)
	}
	return nil
}

func (m *Memory) putLocked(t *mediarelay.Task) {
	c := t.Clone()
	if c.Status == "" {
		c.Status = mediarelay.StatusQueued
	}
	m.tasks[c.ID] = c
	m.history[c.ID] = []mediarelay.Status{c.Status}
}

func (m *Memory) FindByID(_ context.Context, id string) (*mediarelay.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, mediarelay.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) FindByGroupID(_ context.Context, groupID string) ([]*mediarelay.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*mediarelay.Task
	for _, t := range m.tasks {
		if groupID != "" && t.GroupID == groupID {
			out = append(out, t.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *Memory) FindStalled(_ context.Context, age time.Duration) ([]*mediarelay.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := m.now().Add(-age)
	var out []*mediarelay.Task
	for _, t := range m.tasks {
		if !t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			out = append(out, t.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, s mediarelay.Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return mediarelay.ErrTaskNotFound
	}
	if err := checkTransition(t.Status, s); err != nil {
		return err
	}
	m.setLocked(t, s, errMsg)
	return nil
}

func (m *Memory) SetLocalPath(_ context.Context, id, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return mediarelay.ErrTaskNotFound
	}
	t.LocalPath = path
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) MarkCancelled(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return mediarelay.ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return mediarelay.ErrTaskFinalized
	}
	m.setLocked(t, mediarelay.StatusCancelled, CancelledReason)
	return nil
}

func (m *Memory) MarkGroupCancelled(_ context.Context, groupID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if groupID != "" && t.GroupID == groupID && !t.Status.IsTerminal() {
			m.setLocked(t, mediarelay.StatusCancelled, CancelledReason)
			n++
		}
	}
	return n, nil
}

// History returns every status the task went through, oldest first.
func (m *Memory) History(id string) []mediarelay.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]mediarelay.Status(nil), m.history[id]...)
}

// Touch sets UpdatedAt of a task, mainly to simulate stalled rows.
func (m *Memory) Touch(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.UpdatedAt = at
	}
}

func (m *Memory) setLocked(t *mediarelay.Task, s mediarelay.Status, errMsg string) {
	if t.Status != s {
		m.history[t.ID] = append(m.history[t.ID], s)
	}
	t.Status = s
	t.ErrorMessage = errMsg
	t.UpdatedAt = m.now()
}

// CancelledReason is the error message persisted for user cancellations.
const CancelledReason = "user cancelled"

// checkTransition allows the lifecycle edges plus idempotent rewrites of a
// non-terminal status.
func checkTransition(from, to mediarelay.Status) error {
	if from.IsTerminal() {
		return mediarelay.ErrTaskFinalized
	}
	if from == to || from.CanTransitionTo(to) {
		return nil
	}
	return mediarelay.ErrInvalidTransition
}

func sortByCreated(ts []*mediarelay.Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}
