package store

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/die-net/sshdirect/internal/config"
)

// Memory is a Store that lives only as long as the process.
type Memory struct {
	mu sync.RWMutex
	m  map[string]config.Descriptor
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{m: make(map[string]config.Descriptor)}
}

func (s *Memory) Get(_ context.Context, id string) (config.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.m[id]
	if !ok {
		return config.Descriptor{}, ErrNotFound
	}
	return d, nil
}

func (s *Memory) List(_ context.Context) ([]config.Descriptor, error) {
	s.mu.RLock()
	ds := slices.Collect(maps.Values(s.m))
	s.mu.RUnlock()

	sortDescriptors(ds)
	return ds, nil
}

func (s *Memory) Put(_ context.Context, d config.Descriptor) (config.Descriptor, error) {
	d, err := prepare(d)
	if err != nil {
		return d, err
	}

	s.mu.Lock()
	s.m[d.ID] = d
	s.mu.Unlock()
	return d, nil
}

func (s *Memory) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; !ok {
		return ErrNotFound
	}
	delete(s.m, id)
	return nil
}
