package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vultisig/shadowvault/internal/types"
)

// MemoryPendingStore keeps pending computations in process memory. Used by tests and the
// single-shot CLI when Redis is not configured.
type MemoryPendingStore struct {
	mu      sync.Mutex
	pending map[string]types.PendingComputation
}

func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{pending: make(map[string]types.PendingComputation)}
}

func (m *MemoryPendingStore) SavePending(ctx context.Context, p types.PendingComputation) error {
	if p.ComputationRef == "" {
		return errors.New("computation reference is empty")
	}
	p.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[p.ComputationRef] = p
	return nil
}

func (m *MemoryPendingStore) GetPending(ctx context.Context, ref string) (*types.PendingComputation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[ref]
	if !ok {
		return nil, ErrPendingNotFound
	}
	return &p, nil
}

func (m *MemoryPendingStore) ListPending(ctx context.Context) ([]types.PendingComputation, error) {
	m.mu.Lock()
	out := make([]types.PendingComputation, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	m.mu.Unlock()
	types.SortPending(out)
	return out, nil
}

func (m *MemoryPendingStore) DeletePending(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, ref)
	return nil
}
