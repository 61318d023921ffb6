package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/shadowvault/internal/ledger"
	"github.com/vultisig/shadowvault/internal/types"
)

const (
	VAULT_METADATA_TABLE = "vault_metadata"
	VAULT_DATA_TABLE     = "vault_data"
)

var selectVaultQuery = fmt.Sprintf(`SELECT m.owner, m.authority, m.bump, m.computation_queued, m.initialized,
	m.pending_computation, m.pending_operation,
	d.encrypted_balance, d.encrypted_total_deposits, d.encrypted_total_withdrawals, d.encrypted_tx_count,
	d.execution_count, d.is_active, d.created_at
	FROM %s m LEFT JOIN %s d ON d.owner = m.owner
	WHERE m.owner = $1`, VAULT_METADATA_TABLE, VAULT_DATA_TABLE)

func scanVault(row pgx.Row) (*ledger.Record, error) {
	var (
		rec            ledger.Record
		owner          string
		authority      string
		bump           int16
		pendingOp      string
		balance        []byte
		deposits       []byte
		withdrawals    []byte
		txCount        []byte
		executionCount *int64
		isActive       *bool
		createdAt      *time.Time
	)
	err := row.Scan(
		&owner,
		&authority,
		&bump,
		&rec.Metadata.ComputationQueued,
		&rec.Metadata.Initialized,
		&rec.Metadata.PendingComputation,
		&pendingOp,
		&balance,
		&deposits,
		&withdrawals,
		&txCount,
		&executionCount,
		&isActive,
		&createdAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan vault: %w", err)
	}
	rec.Metadata.Owner = types.Identity(owner)
	rec.Metadata.Authority = types.Identity(authority)
	rec.Metadata.Bump = uint8(bump)
	rec.Metadata.PendingOperation = types.Operation(pendingOp)
	if isActive != nil {
		rec.Data = &types.VaultData{
			EncryptedBalance:          balance,
			EncryptedTotalDeposits:    deposits,
			EncryptedTotalWithdrawals: withdrawals,
			EncryptedTxCount:          txCount,
			IsActive:                  *isActive,
		}
		if executionCount != nil {
			rec.Data.ExecutionCount = uint64(*executionCount)
		}
		if createdAt != nil {
			rec.Data.CreatedAt = createdAt.UTC()
		}
	}
	return &rec, nil
}

// Get returns owner's vault records.
func (p *PostgresBackend) Get(ctx context.Context, owner types.Identity) (*ledger.Record, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}
	rec, err := scanVault(p.pool.QueryRow(ctx, selectVaultQuery, string(owner)))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ledger.ErrVaultNotFound
	}
	return rec, nil
}

// Update locks the owners' rows in owner order for the duration of fn and writes back the result
// in the same transaction.
func (p *PostgresBackend) Update(ctx context.Context, owners []types.Identity, fn func(map[types.Identity]*ledger.Record) error) error {
	if p.pool == nil {
		return fmt.Errorf("database pool is nil")
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	sorted := ledger.SortedOwners(owners)
	records := make(map[types.Identity]*ledger.Record, len(sorted))
	existed := make(map[types.Identity]bool, len(sorted))
	for _, owner := range sorted {
		rec, err := scanVault(tx.QueryRow(ctx, selectVaultQuery+" FOR UPDATE OF m", string(owner)))
		if err != nil {
			return err
		}
		records[owner] = rec
		existed[owner] = rec != nil
	}

	if err := fn(records); err != nil {
		return err
	}

	for _, owner := range sorted {
		rec := records[owner]
		if rec == nil {
			continue
		}
		if existed[owner] {
			err = updateMetadataTx(ctx, tx, rec.Metadata)
		} else {
			err = insertMetadataTx(ctx, tx, rec.Metadata)
		}
		if err != nil {
			return err
		}
		if rec.Data != nil {
			if err := upsertDataTx(ctx, tx, owner, *rec.Data); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	p.logger.WithFields(logrus.Fields{
		"owners": sorted,
	}).Debug("vault records updated")
	return nil
}

func insertMetadataTx(ctx context.Context, tx pgx.Tx, m types.VaultMetadata) error {
	query := fmt.Sprintf(`INSERT INTO %s
	(owner, authority, bump, computation_queued, initialized, pending_computation, pending_operation)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (owner) DO NOTHING`, VAULT_METADATA_TABLE)
	tag, err := tx.Exec(ctx, query,
		string(m.Owner), string(m.Authority), int16(m.Bump), m.ComputationQueued, m.Initialized,
		m.PendingComputation, string(m.PendingOperation))
	if err != nil {
		return fmt.Errorf("failed to insert vault metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vault %s created concurrently: %w", m.Owner, ledger.ErrOperationInFlight)
	}
	return nil
}

func updateMetadataTx(ctx context.Context, tx pgx.Tx, m types.VaultMetadata) error {
	query := fmt.Sprintf(`UPDATE %s
	SET authority = $2, bump = $3, computation_queued = $4, initialized = $5,
	pending_computation = $6, pending_operation = $7, updated_at = NOW()
	WHERE owner = $1`, VAULT_METADATA_TABLE)
	_, err := tx.Exec(ctx, query,
		string(m.Owner), string(m.Authority), int16(m.Bump), m.ComputationQueued, m.Initialized,
		m.PendingComputation, string(m.PendingOperation))
	if err != nil {
		return fmt.Errorf("failed to update vault metadata: %w", err)
	}
	return nil
}

func upsertDataTx(ctx context.Context, tx pgx.Tx, owner types.Identity, d types.VaultData) error {
	query := fmt.Sprintf(`INSERT INTO %s
	(owner, encrypted_balance, encrypted_total_deposits, encrypted_total_withdrawals, encrypted_tx_count,
	execution_count, is_active, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (owner) DO UPDATE SET
	encrypted_balance = EXCLUDED.encrypted_balance,
	encrypted_total_deposits = EXCLUDED.encrypted_total_deposits,
	encrypted_total_withdrawals = EXCLUDED.encrypted_total_withdrawals,
	encrypted_tx_count = EXCLUDED.encrypted_tx_count,
	execution_count = EXCLUDED.execution_count,
	is_active = EXCLUDED.is_active,
	updated_at = NOW()`, VAULT_DATA_TABLE)
	_, err := tx.Exec(ctx, query,
		string(owner),
		[]byte(d.EncryptedBalance),
		[]byte(d.EncryptedTotalDeposits),
		[]byte(d.EncryptedTotalWithdrawals),
		[]byte(d.EncryptedTxCount),
		int64(d.ExecutionCount),
		d.IsActive,
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vault data: %w", err)
	}
	return nil
}

// ListQueuedVaults returns the metadata of every vault holding the single-flight guard.
func (p *PostgresBackend) ListQueuedVaults(ctx context.Context) ([]types.VaultMetadata, error) {
	query := fmt.Sprintf(`SELECT owner, authority, initialized, pending_computation, pending_operation
	FROM %s WHERE computation_queued ORDER BY updated_at`, VAULT_METADATA_TABLE)
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued vaults: %w", err)
	}
	defer rows.Close()

	var out []types.VaultMetadata
	for rows.Next() {
		var owner, authority, ref, op string
		var initialized bool
		if err := rows.Scan(&owner, &authority, &initialized, &ref, &op); err != nil {
			return nil, fmt.Errorf("failed to scan queued vault: %w", err)
		}
		out = append(out, types.VaultMetadata{
			Owner:              types.Identity(owner),
			Authority:          types.Identity(authority),
			ComputationQueued:  true,
			Initialized:        initialized,
			PendingComputation: ref,
			PendingOperation:   types.Operation(op),
		})
	}
	return out, rows.Err()
}
