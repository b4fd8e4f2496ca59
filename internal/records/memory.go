package records

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/lansync/internal/model"
)

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	units map[uuid.UUID]model.Unit
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{units: make(map[uuid.UUID]model.Unit)}
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (model.Unit, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	return u, ok, nil
}

func (m *Memory) Put(_ context.Context, u model.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[u.ID] = u
	return nil
}

func (m *Memory) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.units, id)
	return nil
}

func (m *Memory) All(_ context.Context) ([]model.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Unit, 0, len(m.units))
	for _, u := range m.units {
		out = append(out, u)
	}
	sortByID(out)
	return out, nil
}

func (m *Memory) Replace(_ context.Context, units []model.Unit) error {
	next := make(map[uuid.UUID]model.Unit, len(units))
	for _, u := range units {
		next[u.ID] = u
	}
	m.mu.Lock()
	m.units = next
	m.mu.Unlock()
	return nil
}
