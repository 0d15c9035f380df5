package storage

import (
	"context"
	"fmt"
	"sync"

	"imagebatch/internal/models"
)

type Memory struct {
	mu       sync.RWMutex
	requests map[string]models.Request
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{requests: make(map[string]models.Request)}
}

func (m *Memory) Create(ctx context.Context, req models.Request) error {
	const op = "storage.Memory.Create"

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[req.ID]; ok {
		return models.NewError(models.KindStoreFailure, op, fmt.Errorf("request %s already exists", req.ID))
	}
	m.requests[req.ID] = req.Clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (models.Request, error) {
	const op = "storage.Memory.Get"

	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return models.Request{}, notFound(op, id)
	}
	return req.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, id string, fn func(*models.Request) error) error {
	const op = "storage.Memory.Update"

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.requests[id]
	if !ok {
		return notFound(op, id)
	}
	next, err := applyUpdate(current, fn)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	m.requests[id] = next
	return nil
}
