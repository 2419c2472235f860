package storage

import (
	"context"
	"sync"
	"time"

	"github.com/multisafe/custody/pkg/types"
)

// MemoryPendingTxRepository is the in-memory implementation used by
// tests and single-process runs without Postgres.
type MemoryPendingTxRepository struct {
	mu      sync.RWMutex
	records map[pendingKey]types.PendingTransaction
}

type pendingKey struct {
	hash    string
	chainID int64
}

var _ PendingTransactionRepository = (*MemoryPendingTxRepository)(nil)

// NewMemoryPendingTxRepository creates an empty in-memory repository.
func NewMemoryPendingTxRepository() *MemoryPendingTxRepository {
	return &MemoryPendingTxRepository{records: make(map[pendingKey]types.PendingTransaction)}
}

func (r *MemoryPendingTxRepository) Create(ctx context.Context, tx *types.PendingTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if tx.SubmittedAt.IsZero() {
		tx.SubmittedAt = now
	}
	tx.UpdatedAt = now
	r.records[pendingKey{tx.EthTxHash, tx.ChainID}] = *tx
	return nil
}

func (r *MemoryPendingTxRepository) GetByHash(ctx context.Context, ethTxHash string, chainID int64) (*types.PendingTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[pendingKey{ethTxHash, chainID}]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (r *MemoryPendingTxRepository) ListByStatus(ctx context.Context, chainID int64, statuses ...types.TxStatus) ([]*types.PendingTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.PendingTransaction
	for _, rec := range r.records {
		if rec.ChainID != chainID {
			continue
		}
		for _, s := range statuses {
			if rec.Status == s {
				copy := rec
				out = append(out, &copy)
				break
			}
		}
	}
	return out, nil
}

func (r *MemoryPendingTxRepository) UpdateStatusIf(ctx context.Context, tx *types.PendingTransaction, status types.TxStatus, executedAt *time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pendingKey{tx.EthTxHash, tx.ChainID}
	rec, ok := r.records[key]
	if !ok || !rec.UpdatedAt.Equal(tx.UpdatedAt) {
		return false, nil
	}
	rec.Status = status
	rec.ExecutedAt = executedAt
	rec.UpdatedAt = time.Now().UTC()
	r.records[key] = rec
	return true, nil
}
