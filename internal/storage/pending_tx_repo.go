package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/multisafe/custody/pkg/types"
)

// PendingTransactionRepository is the durable record store consulted by
// the two transaction monitors. Records are keyed by
// (eth_tx_hash, chain_id).
//
// UpdateStatusIf is an optimistic-concurrency update: it applies only
// when the stored updated_at still matches the caller's snapshot, and
// reports whether it did. A false result means the record changed
// between read and write; callers re-read on the next tick.
type PendingTransactionRepository interface {
	Create(ctx context.Context, tx *types.PendingTransaction) error
	GetByHash(ctx context.Context, ethTxHash string, chainID int64) (*types.PendingTransaction, error)
	ListByStatus(ctx context.Context, chainID int64, statuses ...types.TxStatus) ([]*types.PendingTransaction, error)
	UpdateStatusIf(ctx context.Context, tx *types.PendingTransaction, status types.TxStatus, executedAt *time.Time) (bool, error)
}

// PendingTxRepository is the pgx-backed implementation.
type PendingTxRepository struct {
	store *Store
}

var _ PendingTransactionRepository = (*PendingTxRepository)(nil)

// NewPendingTxRepository creates a pending-transaction repository.
func NewPendingTxRepository(store *Store) *PendingTxRepository {
	return &PendingTxRepository{store: store}
}

const pendingTxColumns = `
	eth_tx_hash, safe_tx_hash, chain_id, status, task_id,
	submitted_at, updated_at, executed_at`

// Create inserts a new pending record. Any existing record with the
// same hash and chain is removed first so a resubmission never leaves
// duplicate rows.
func (r *PendingTxRepository) Create(ctx context.Context, tx *types.PendingTransaction) error {
	dbTx, err := r.store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	_, err = dbTx.Exec(ctx,
		`DELETE FROM pending_transactions WHERE eth_tx_hash = $1 AND chain_id = $2`,
		tx.EthTxHash, tx.ChainID)
	if err != nil {
		return fmt.Errorf("failed to clear duplicate pending record: %w", err)
	}

	now := time.Now().UTC()
	if tx.SubmittedAt.IsZero() {
		tx.SubmittedAt = now
	}
	tx.UpdatedAt = now

	_, err = dbTx.Exec(ctx, `
		INSERT INTO pending_transactions (`+pendingTxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tx.EthTxHash,
		tx.SafeTxHash,
		tx.ChainID,
		tx.Status,
		tx.TaskID,
		tx.SubmittedAt,
		tx.UpdatedAt,
		tx.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create pending record: %w", err)
	}

	return dbTx.Commit(ctx)
}

// GetByHash retrieves a record by its key, nil when absent.
func (r *PendingTxRepository) GetByHash(ctx context.Context, ethTxHash string, chainID int64) (*types.PendingTransaction, error) {
	row := r.store.pool.QueryRow(ctx, `
		SELECT `+pendingTxColumns+`
		FROM pending_transactions
		WHERE eth_tx_hash = $1 AND chain_id = $2`,
		ethTxHash, chainID)

	tx, err := scanPendingTx(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pending record: %w", err)
	}
	return tx, nil
}

// ListByStatus retrieves a chain's records in any of the given
// statuses, oldest submission first.
func (r *PendingTxRepository) ListByStatus(ctx context.Context, chainID int64, statuses ...types.TxStatus) ([]*types.PendingTransaction, error) {
	rows, err := r.store.pool.Query(ctx, `
		SELECT `+pendingTxColumns+`
		FROM pending_transactions
		WHERE chain_id = $1 AND status = ANY($2)
		ORDER BY submitted_at ASC`,
		chainID, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending records: %w", err)
	}
	defer rows.Close()

	var out []*types.PendingTransaction
	for rows.Next() {
		tx, err := scanPendingTx(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending record: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// UpdateStatusIf applies the status change only if the stored record
// still matches the snapshot's updated_at.
func (r *PendingTxRepository) UpdateStatusIf(ctx context.Context, tx *types.PendingTransaction, status types.TxStatus, executedAt *time.Time) (bool, error) {
	tag, err := r.store.pool.Exec(ctx, `
		UPDATE pending_transactions
		SET status = $1, executed_at = $2, updated_at = $3
		WHERE eth_tx_hash = $4 AND chain_id = $5 AND updated_at = $6`,
		status, executedAt, time.Now().UTC(),
		tx.EthTxHash, tx.ChainID, tx.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to update pending record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanPendingTx(row pgx.Row) (*types.PendingTransaction, error) {
	var tx types.PendingTransaction
	err := row.Scan(
		&tx.EthTxHash,
		&tx.SafeTxHash,
		&tx.ChainID,
		&tx.Status,
		&tx.TaskID,
		&tx.SubmittedAt,
		&tx.UpdatedAt,
		&tx.ExecutedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func statusStrings(statuses []types.TxStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
