package sessioncache

import (
	"context"
	"sync"
)

// MemoryStore keeps the entry in process memory
type MemoryStore struct {
	mu      sync.Mutex
	seq     uint64
	applied uint64
	entry   *Entry
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return nil, nil
	}
	e := *s.entry
	return &e, nil
}

func (s *MemoryStore) NextSeq(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *MemoryStore) Apply(ctx context.Context, seq uint64, entry *Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.applied {
		return false, nil
	}
	s.applied = seq
	if entry == nil {
		s.entry = nil
	} else {
		e := *entry
		s.entry = &e
	}
	return true, nil
}
