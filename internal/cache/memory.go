package cache

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu          sync.RWMutex
	generations map[string]map[string]StoredResponse
}

// NewMemory returns the in-process generation store used by default.
func NewMemory() GenerationStore {
	return &memoryStore{generations: make(map[string]map[string]StoredResponse)}
}

func (s *memoryStore) Lookup(_ context.Context, generation, key string) (StoredResponse, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.generations[generation]
	if !ok {
		return StoredResponse{}, false, nil
	}
	resp, ok := entries[key]
	if !ok {
		return StoredResponse{}, false, nil
	}
	return cloneResponse(resp), true, nil
}

func (s *memoryStore) Store(_ context.Context, generation, key string, resp StoredResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now().UTC()
	}
	entries, ok := s.generations[generation]
	if !ok {
		entries = make(map[string]StoredResponse)
		s.generations[generation] = entries
	}
	entries[key] = cloneResponse(resp)
	return nil
}

func (s *memoryStore) Generations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]string, 0, len(s.generations))
	for tag := range s.generations {
		tags = append(tags, tag)
	}
	return tags, nil
}

func (s *memoryStore) DeleteGeneration(_ context.Context, generation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.generations, generation)
	return nil
}

func (s *memoryStore) Size(_ context.Context, generation string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.generations[generation])), nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}
