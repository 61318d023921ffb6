package storage

import (
	"context"

	"github.com/vultisig/shadowvault/internal/ledger"
	"github.com/vultisig/shadowvault/internal/types"
	"github.com/vultisig/shadowvault/storage/postgres"
)

// DatabaseStorage is a persistent ledger store.
type DatabaseStorage interface {
	ledger.Store
	Close() error

	ListQueuedVaults(ctx context.Context) ([]types.VaultMetadata, error)
}

var _ DatabaseStorage = (*postgres.PostgresBackend)(nil)
