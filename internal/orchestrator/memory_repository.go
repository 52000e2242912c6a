package orchestrator

import (
	"context"
	"errors"
	"sync"
)

type memoryRepository struct {
	mu      sync.RWMutex
	storage map[string]Depositor
}

// NewMemoryRepository constructs an in-memory repository for tests and
// development mode.
func NewMemoryRepository() Repository {
	return &memoryRepository{storage: make(map[string]Depositor)}
}

func (r *memoryRepository) Create(_ context.Context, d Depositor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.storage[d.Address]; exists {
		return errors.New("depositor exists")
	}
	r.storage[d.Address] = d
	return nil
}

func (r *memoryRepository) FindByAddress(_ context.Context, address string) (Depositor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.storage[address]
	if !ok {
		return Depositor{}, errors.New("depositor not found")
	}
	return d, nil
}
