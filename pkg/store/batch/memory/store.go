// Package memory provides an in-memory batch store.
//
// Records do not survive a restart; suitable for one-shot job runs and
// tests. The persistent alternative lives in the sibling badger package.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/offsvc/wimforge/pkg/batch"
)

// MemoryStore implements batch.Store with a mutex-guarded map.
//
// Thread safety: all operations are safe for concurrent use. Every record
// crossing the API boundary is cloned, so callers never share pointers with
// the store.
type MemoryStore struct {
	mu  sync.RWMutex
	ops map[string]*batch.Operation
}

// NewMemoryStore creates an empty in-memory batch store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ops: make(map[string]*batch.Operation),
	}
}

func (s *MemoryStore) Create(ctx context.Context, op *batch.Operation) error {
	if op.ID == "" {
		return fmt.Errorf("cannot store batch with empty id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ops[op.ID]; exists {
		return fmt.Errorf("batch %s already exists", op.ID)
	}
	s.ops[op.ID] = op.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*batch.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.ops[id]
	if !ok {
		return nil, batch.ErrNotFound
	}
	return op.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, op *batch.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ops[op.ID]; !ok {
		return batch.ErrNotFound
	}
	s.ops[op.ID] = op.Clone()
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*batch.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*batch.Operation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ops[id]; !ok {
		return batch.ErrNotFound
	}
	delete(s.ops, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
