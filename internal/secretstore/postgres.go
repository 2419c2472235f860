package secretstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/multisafe/custody/pkg/errors"
	"github.com/multisafe/custody/pkg/types"
)

// PostgresStore is a Store backed by the secure_items table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Store over an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Create stores an item with upsert semantics: any pre-existing item
// with the same identity is deleted first, inside one transaction.
func (s *PostgresStore) Create(ctx context.Context, item Item) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.StoreFailure("begin create", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`DELETE FROM secure_items WHERE kind = $1 AND class = $2 AND item_id = $3`,
		string(item.Kind), string(item.Class), item.ID,
	)
	if err != nil {
		return apperrors.StoreFailure("delete existing item", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO secure_items (kind, class, item_id, data) VALUES ($1, $2, $3, $4)`,
		string(item.Kind), string(item.Class), item.ID, item.Data,
	)
	if err != nil {
		return apperrors.StoreFailure("insert item", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.StoreFailure("commit create", err)
	}
	return nil
}

// Find returns the item data, or (nil, nil) if it does not exist.
func (s *PostgresStore) Find(ctx context.Context, kind Kind, id string, class types.ProtectionClass) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM secure_items WHERE kind = $1 AND class = $2 AND item_id = $3`,
		string(kind), string(class), id,
	).Scan(&data)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, apperrors.StoreFailure("find item", err)
	}
	return data, nil
}

// Delete removes an item. Missing items are not an error.
func (s *PostgresStore) Delete(ctx context.Context, kind Kind, id string, class types.ProtectionClass) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM secure_items WHERE kind = $1 AND class = $2 AND item_id = $3`,
		string(kind), string(class), id,
	)
	if err != nil {
		return apperrors.StoreFailure("delete item", err)
	}
	return nil
}

// List returns the IDs of all items of a kind within a class.
func (s *PostgresStore) List(ctx context.Context, kind Kind, class types.ProtectionClass) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT item_id FROM secure_items WHERE kind = $1 AND class = $2 ORDER BY item_id`,
		string(kind), string(class),
	)
	if err != nil {
		return nil, apperrors.StoreFailure("list items", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.StoreFailure("scan item id", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var _ Store = (*PostgresStore)(nil)
