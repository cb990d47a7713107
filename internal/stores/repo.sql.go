package stores

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists stores in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const storeColumns = `id, name, code, is_main, is_active, created_at, updated_at`

func scanStore(row pgx.Row) (Store, error) {
	var s Store
	err := row.Scan(&s.ID, &s.Name, &s.Code, &s.IsMain, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// Create inserts a store. Marking it main demotes the previous main store in
// the same transaction.
func (r *Repository) Create(ctx context.Context, store Store) (Store, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Store{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if store.IsMain {
		if _, err := tx.Exec(ctx, `UPDATE stores SET is_main=FALSE, updated_at=NOW() WHERE is_main`); err != nil {
			return Store{}, err
		}
	}
	created, err := scanStore(tx.QueryRow(ctx, `INSERT INTO stores (name, code, is_main, is_active, created_at, updated_at)
VALUES ($1, $2, $3, TRUE, NOW(), NOW()) RETURNING `+storeColumns, store.Name, store.Code, store.IsMain))
	if err != nil {
		return Store{}, translateStoreError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Store{}, err
	}
	return created, nil
}

// Update changes name/code/main flag.
func (r *Repository) Update(ctx context.Context, store Store) (Store, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Store{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if store.IsMain {
		if _, err := tx.Exec(ctx, `UPDATE stores SET is_main=FALSE, updated_at=NOW() WHERE is_main AND id <> $1`, store.ID); err != nil {
			return Store{}, err
		}
	}
	updated, err := scanStore(tx.QueryRow(ctx, `UPDATE stores
SET name=$1, code=$2, is_main=$3, updated_at=NOW()
WHERE id=$4 RETURNING `+storeColumns, store.Name, store.Code, store.IsMain, store.ID))
	if err != nil {
		return Store{}, translateStoreError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Store{}, err
	}
	return updated, nil
}

// SetActive toggles the tombstone flag.
func (r *Repository) SetActive(ctx context.Context, id int64, active bool) (Store, error) {
	s, err := scanStore(r.pool.QueryRow(ctx, `UPDATE stores SET is_active=$1, updated_at=NOW() WHERE id=$2 RETURNING `+storeColumns, active, id))
	if err != nil {
		return Store{}, translateStoreError(err)
	}
	return s, nil
}

// Get fetches one store.
func (r *Repository) Get(ctx context.Context, id int64) (Store, error) {
	s, err := scanStore(r.pool.QueryRow(ctx, `SELECT `+storeColumns+` FROM stores WHERE id=$1`, id))
	if err != nil {
		return Store{}, translateStoreError(err)
	}
	return s, nil
}

// List returns stores matching the filter.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Store, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+storeColumns+`
FROM stores
WHERE ($1 = '' OR name ILIKE '%' || $1 || '%' OR code ILIKE '%' || $1 || '%')
  AND (NOT $2 OR is_active)
ORDER BY is_main DESC, name
LIMIT $3 OFFSET $4`, filter.Search, filter.ActiveOnly, limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Store{}
	for rows.Next() {
		s, err := scanStore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountOpenRequisitions counts non-terminal requisitions touching the store.
func (r *Repository) CountOpenRequisitions(ctx context.Context, storeID int64) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM requisitions
WHERE (from_store_id=$1 OR to_store_id=$1) AND status IN ('PENDING', 'APPROVED', 'PARTIAL')`, storeID).Scan(&n)
	return n, err
}

func translateStoreError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateCode
	}
	return err
}
