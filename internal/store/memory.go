package store

import (
	"context"
	"sort"
	"sync"

	"github.com/psantana5/fortress/internal/report"
)

// MemoryStore keeps results for the life of the process
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*report.Result
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*report.Result)}
}

func (s *MemoryStore) Save(_ context.Context, r *report.Result) error {
	cp := *r
	s.mu.Lock()
	s.sessions[r.SessionID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*report.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) Recent(_ context.Context, n int) ([]*report.Result, error) {
	s.mu.RLock()
	out := make([]*report.Result, 0, len(s.sessions))
	for _, r := range s.sessions {
		cp := *r
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
