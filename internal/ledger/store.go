package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/vultisig/shadowvault/internal/types"
)

// Record is one owner's vault: the metadata account and, once initialized, the data account.
type Record struct {
	Metadata types.VaultMetadata
	Data     *types.VaultData
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{Metadata: r.Metadata}
	if r.Data != nil {
		d := r.Data.Clone()
		out.Data = &d
	}
	return out
}

// Store persists vault records.
type Store interface {
	// Update loads the records of owners (nil for owners without a vault) and hands them to fn.
	// When fn returns nil every non-nil record left in the map is written back; otherwise nothing is.
	// Updates touching the same owners are serialized.
	Update(ctx context.Context, owners []types.Identity, fn func(records map[types.Identity]*Record) error) error
	// Get returns a copy of owner's record or ErrVaultNotFound.
	Get(ctx context.Context, owner types.Identity) (*Record, error)
}

// SortedOwners returns owners deduplicated in lock order.
func SortedOwners(owners []types.Identity) []types.Identity {
	seen := make(map[types.Identity]struct{}, len(owners))
	out := make([]types.Identity, 0, len(owners))
	for _, o := range owners {
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MemoryStore keeps records in process memory behind one mutex.
type MemoryStore struct {
	mu      sync.Mutex
	records map[types.Identity]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[types.Identity]*Record)}
}

func (s *MemoryStore) Update(ctx context.Context, owners []types.Identity, fn func(map[types.Identity]*Record) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	working := make(map[types.Identity]*Record, len(owners))
	for _, o := range SortedOwners(owners) {
		working[o] = s.records[o].Clone()
	}
	if err := fn(working); err != nil {
		return err
	}
	for o, r := range working {
		if r != nil {
			s.records[o] = r.Clone()
		}
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, owner types.Identity) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[owner]
	if !ok {
		return nil, ErrVaultNotFound
	}
	return r.Clone(), nil
}
