package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists batches and stock transactions in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the movement primitive.
type TxRepository interface {
	InsertBatch(ctx context.Context, batch Batch) (int64, error)
	GetBatchForUpdate(ctx context.Context, batchID int64) (Batch, error)
	SelectBatchesForUpdate(ctx context.Context, storeID, itemID int64) ([]Batch, error)
	SetBatchQuantity(ctx context.Context, batchID, quantity int64) error
	InsertTransaction(ctx context.Context, tx Transaction) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const batchColumns = `id, item_id, store_id, batch_no, expiry_date, quantity, purchase_price, sale_price, created_at`

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.ItemID, &b.StoreID, &b.BatchNo, &b.ExpiryDate, &b.Quantity, &b.PurchasePrice, &b.SalePrice, &b.CreatedAt)
	return b, err
}

// GetBatch fetches one batch without locking.
func (r *Repository) GetBatch(ctx context.Context, batchID int64) (Batch, error) {
	b, err := scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM item_batches WHERE id=$1`, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrNotFound
		}
		return Batch{}, err
	}
	return b, nil
}

// GetStockLevel returns the materialized quantity with batch breakdown.
func (r *Repository) GetStockLevel(ctx context.Context, storeID, itemID int64) (StockLevel, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, batch_no, expiry_date, quantity
FROM item_batches
WHERE store_id=$1 AND item_id=$2 AND quantity > 0
ORDER BY expiry_date ASC NULLS LAST, id ASC`, storeID, itemID)
	if err != nil {
		return StockLevel{}, err
	}
	defer rows.Close()
	level := StockLevel{StoreID: storeID, ItemID: itemID, Batches: []BatchQuantity{}}
	for rows.Next() {
		var bq BatchQuantity
		if err := rows.Scan(&bq.BatchID, &bq.BatchNo, &bq.ExpiryDate, &bq.Quantity); err != nil {
			return StockLevel{}, err
		}
		level.Total += bq.Quantity
		level.Batches = append(level.Batches, bq)
	}
	if err := rows.Err(); err != nil {
		return StockLevel{}, err
	}
	return level, nil
}

// ListTransactions returns the audit trail for an item/store over a date range.
func (r *Repository) ListTransactions(ctx context.Context, filter TrailFilter) ([]Transaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT t.id, t.batch_id, t.tx_type, t.quantity, t.increase, t.reference_type, t.reference_id, t.occurred_at, t.performed_by, t.notes
FROM stock_transactions t
JOIN item_batches b ON b.id = t.batch_id
WHERE ($1 = 0 OR b.store_id = $1)
  AND ($2 = 0 OR b.item_id = $2)
  AND ($3::timestamptz IS NULL OR t.occurred_at >= $3)
  AND ($4::timestamptz IS NULL OR t.occurred_at <= $4)
ORDER BY t.occurred_at ASC, t.id ASC
LIMIT $5`, filter.StoreID, filter.ItemID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	txs := []Transaction{}
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.BatchID, &t.Type, &t.Quantity, &t.Increase, &t.RefType, &t.RefID, &t.OccurredAt, &t.PerformedBy, &t.Notes); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

// RecomputeBalance sums the signed transaction log for one batch.
func (r *Repository) RecomputeBalance(ctx context.Context, batchID int64) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(CASE WHEN increase THEN quantity ELSE -quantity END), 0)
FROM stock_transactions WHERE batch_id=$1`, batchID).Scan(&sum)
	return sum, err
}

// ListBalanceDrift compares materialized batch quantities against the ledger sum.
func (r *Repository) ListBalanceDrift(ctx context.Context) ([]BalanceDrift, error) {
	rows, err := r.pool.Query(ctx, `SELECT b.id, b.quantity, COALESCE(SUM(CASE WHEN t.increase THEN t.quantity ELSE -t.quantity END), 0) AS ledger_sum
FROM item_batches b
LEFT JOIN stock_transactions t ON t.batch_id = b.id
GROUP BY b.id, b.quantity
HAVING b.quantity <> COALESCE(SUM(CASE WHEN t.increase THEN t.quantity ELSE -t.quantity END), 0)
ORDER BY b.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var drifts []BalanceDrift
	for rows.Next() {
		var d BalanceDrift
		if err := rows.Scan(&d.BatchID, &d.Quantity, &d.LedgerSum); err != nil {
			return nil, err
		}
		d.Difference = d.Quantity - d.LedgerSum
		drifts = append(drifts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return drifts, nil
}

// ReorderAlert flags an item below its reorder level at one store.
type ReorderAlert struct {
	StoreID      int64  `json:"store_id"`
	ItemID       int64  `json:"item_id"`
	ItemCode     string `json:"item_code"`
	ItemName     string `json:"item_name"`
	Total        int64  `json:"total"`
	ReorderLevel int64  `json:"reorder_level"`
}

// ListBelowReorder returns active items whose per-store stock fell to or below
// the reorder level.
func (r *Repository) ListBelowReorder(ctx context.Context) ([]ReorderAlert, error) {
	rows, err := r.pool.Query(ctx, `SELECT b.store_id, i.id, i.code, i.name, COALESCE(SUM(b.quantity), 0) AS total, i.reorder_level
FROM items i
JOIN item_batches b ON b.item_id = i.id
WHERE i.is_active AND i.reorder_level > 0
GROUP BY b.store_id, i.id, i.code, i.name, i.reorder_level
HAVING COALESCE(SUM(b.quantity), 0) <= i.reorder_level
ORDER BY b.store_id, i.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var alerts []ReorderAlert
	for rows.Next() {
		var a ReorderAlert
		if err := rows.Scan(&a.StoreID, &a.ItemID, &a.ItemCode, &a.ItemName, &a.Total, &a.ReorderLevel); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *txRepository) InsertBatch(ctx context.Context, batch Batch) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO item_batches (item_id, store_id, batch_no, expiry_date, quantity, purchase_price, sale_price, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`, batch.ItemID, batch.StoreID, batch.BatchNo, batch.ExpiryDate, batch.Quantity, batch.PurchasePrice, batch.SalePrice, batch.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) GetBatchForUpdate(ctx context.Context, batchID int64) (Batch, error) {
	b, err := scanBatch(r.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM item_batches WHERE id=$1 FOR UPDATE`, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrNotFound
		}
		return Batch{}, err
	}
	return b, nil
}

// SelectBatchesForUpdate locks and returns consumable batches in
// earliest-expiry-first order (nulls last, then creation order). Selection and
// locking happen in one statement so the order reflects the state at lock time.
func (r *txRepository) SelectBatchesForUpdate(ctx context.Context, storeID, itemID int64) ([]Batch, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+batchColumns+`
FROM item_batches
WHERE store_id=$1 AND item_id=$2 AND quantity > 0
ORDER BY expiry_date ASC NULLS LAST, id ASC
FOR UPDATE`, storeID, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var batches []Batch
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.ID, &b.ItemID, &b.StoreID, &b.BatchNo, &b.ExpiryDate, &b.Quantity, &b.PurchasePrice, &b.SalePrice, &b.CreatedAt); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (r *txRepository) SetBatchQuantity(ctx context.Context, batchID, quantity int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE item_batches SET quantity=$1 WHERE id=$2`, quantity, batchID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) InsertTransaction(ctx context.Context, t Transaction) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_transactions (batch_id, tx_type, quantity, increase, reference_type, reference_id, occurred_at, performed_by, notes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		t.BatchID, string(t.Type), t.Quantity, t.Increase, string(t.RefType), t.RefID, t.OccurredAt, t.PerformedBy, t.Notes).Scan(&id)
	return id, err
}

// isSerializationFailure reports postgres serialization or deadlock errors
// that warrant a retry.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
