package state

import (
	"context"
	"sync"
)

type inMemoryStore struct {
	mu      sync.RWMutex
	globals map[uint64]Partition
	locals  map[uint64]map[string]Partition
}

// NewInMemory creates a concurrency-safe in-memory store useful for unit
// tests and development mode.
func NewInMemory() Store {
	return &inMemoryStore{
		globals: make(map[uint64]Partition),
		locals:  make(map[uint64]map[string]Partition),
	}
}

func (s *inMemoryStore) Global(_ context.Context, appID uint64) (Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globals[appID].Clone(), nil
}

func (s *inMemoryStore) SetGlobal(_ context.Context, appID uint64, p Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globals[appID] = p.Clone()
	return nil
}

func (s *inMemoryStore) Local(_ context.Context, appID uint64, addr string) (Partition, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	part, ok := s.locals[appID][addr]
	if !ok {
		return nil, false, nil
	}
	return part.Clone(), true, nil
}

func (s *inMemoryStore) OptIn(_ context.Context, appID uint64, addr string, init Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts, ok := s.locals[appID]
	if !ok {
		accounts = make(map[string]Partition)
		s.locals[appID] = accounts
	}
	if _, exists := accounts[addr]; exists {
		return ErrAlreadyOptedIn
	}
	part := init.Clone()
	if part == nil {
		part = Partition{}
	}
	accounts[addr] = part
	return nil
}

func (s *inMemoryStore) Apply(_ context.Context, appID uint64, addr string, delta Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts := s.locals[appID]
	part, ok := accounts[addr]
	if !ok {
		return ErrNotOptedIn
	}

	if delta.ClearLocal {
		delete(accounts, addr)
		return nil
	}

	for k, v := range delta.Local.Clone() {
		part[k] = v
	}
	if len(delta.Global) > 0 {
		global, ok := s.globals[appID]
		if !ok {
			global = Partition{}
			s.globals[appID] = global
		}
		for k, v := range delta.Global.Clone() {
			global[k] = v
		}
	}
	return nil
}
