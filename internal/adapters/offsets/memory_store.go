package offsets

import (
	"context"
	"sync"

	"github.com/eleven-am/conduit/internal/domain"
)

type MemoryStore struct {
	mu      sync.RWMutex
	data    map[string][]byte
	started bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *MemoryStore) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

func (s *MemoryStore) Get(_ context.Context, keys [][]byte) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return nil, domain.ErrNotStarted
	}

	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if value, ok := s.data[string(key)]; ok {
			result[string(key)] = append([]byte(nil), value...)
		}
	}
	return result, nil
}

func (s *MemoryStore) Set(_ context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return domain.ErrNotStarted
	}

	for key, value := range values {
		if value == nil {
			delete(s.data, key)
			continue
		}
		s.data[key] = append([]byte(nil), value...)
	}
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
