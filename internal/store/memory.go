package store

import (
	"context"
	"sort"
	"sync"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/runner"
)

// Memory is a Store backed by a map.  Records are copied on the way in and
// out so callers never share state with the store.
type Memory struct {
	mu      sync.Mutex
	runners map[string]*runner.Runner
}

// Compile-time check.
var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{runners: make(map[string]*runner.Runner)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, id string) (*runner.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[id]
	if !ok {
		return nil, apperrors.New("Get", id, apperrors.ErrNotFound, nil)
	}
	return r.Clone(), nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, r *runner.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runners[r.ID] = r.Clone()
	return nil
}

// PutIf implements Store.
func (m *Memory) PutIf(_ context.Context, r *runner.Runner, expected runner.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.runners[r.ID]
	if !ok || cur.State != expected {
		return apperrors.New("PutIf", r.ID, apperrors.ErrConflict, nil)
	}
	m.runners[r.ID] = r.Clone()
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.runners, id)
	return nil
}

// Scan implements Store.  Records are returned in id order; since ids are
// UUIDv7 this is also creation order.
func (m *Memory) Scan(_ context.Context, cursor string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.runners))
	for id := range m.runners {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	page := &Page{}
	for i, id := range ids {
		if i == limit {
			page.Next = page.Runners[len(page.Runners)-1].ID
			break
		}
		page.Runners = append(page.Runners, m.runners[id].Clone())
	}
	m.mu.Unlock()

	return page, nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runners)
}
