package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists items and categories in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const itemColumns = `id, name, code, item_type, category_id, unit, reorder_level, standard_price, is_active, created_at, updated_at`

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.Name, &it.Code, &it.Type, &it.CategoryID, &it.Unit, &it.ReorderLevel, &it.StandardPrice, &it.IsActive, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

// CreateItem inserts an item.
func (r *Repository) CreateItem(ctx context.Context, item Item) (Item, error) {
	created, err := scanItem(r.pool.QueryRow(ctx, `INSERT INTO items (name, code, item_type, category_id, unit, reorder_level, standard_price, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, NOW(), NOW()) RETURNING `+itemColumns,
		item.Name, item.Code, item.Type, item.CategoryID, item.Unit, item.ReorderLevel, item.StandardPrice))
	if err != nil {
		return Item{}, translateCatalogError(err)
	}
	return created, nil
}

// UpdateItem edits item master data.
func (r *Repository) UpdateItem(ctx context.Context, item Item) (Item, error) {
	updated, err := scanItem(r.pool.QueryRow(ctx, `UPDATE items
SET name=$1, code=$2, item_type=$3, category_id=$4, unit=$5, reorder_level=$6, standard_price=$7, updated_at=NOW()
WHERE id=$8 RETURNING `+itemColumns,
		item.Name, item.Code, item.Type, item.CategoryID, item.Unit, item.ReorderLevel, item.StandardPrice, item.ID))
	if err != nil {
		return Item{}, translateCatalogError(err)
	}
	return updated, nil
}

// SetItemActive toggles the tombstone flag.
func (r *Repository) SetItemActive(ctx context.Context, id int64, active bool) (Item, error) {
	it, err := scanItem(r.pool.QueryRow(ctx, `UPDATE items SET is_active=$1, updated_at=NOW() WHERE id=$2 RETURNING `+itemColumns, active, id))
	if err != nil {
		return Item{}, translateCatalogError(err)
	}
	return it, nil
}

// GetItem fetches one item.
func (r *Repository) GetItem(ctx context.Context, id int64) (Item, error) {
	it, err := scanItem(r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id=$1`, id))
	if err != nil {
		return Item{}, translateCatalogError(err)
	}
	return it, nil
}

// ListItems returns items matching the filter.
func (r *Repository) ListItems(ctx context.Context, filter ItemFilter) ([]Item, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+itemColumns+`
FROM items
WHERE ($1 = '' OR name ILIKE '%' || $1 || '%' OR code ILIKE '%' || $1 || '%')
  AND ($2 = 0 OR category_id = $2)
  AND (NOT $3 OR is_active)
ORDER BY name
LIMIT $4 OFFSET $5`, filter.Search, filter.CategoryID, filter.ActiveOnly, limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// CountItems counts items matching the filter, ignoring paging.
func (r *Repository) CountItems(ctx context.Context, filter ItemFilter) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*)
FROM items
WHERE ($1 = '' OR name ILIKE '%' || $1 || '%' OR code ILIKE '%' || $1 || '%')
  AND ($2 = 0 OR category_id = $2)
  AND (NOT $3 OR is_active)`, filter.Search, filter.CategoryID, filter.ActiveOnly).Scan(&n)
	return n, err
}

// CountOpenRequisitionsForItem counts open requisition lines referencing the item.
func (r *Repository) CountOpenRequisitionsForItem(ctx context.Context, itemID int64) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*)
FROM requisition_lines l
JOIN requisitions r ON r.id = l.requisition_id
WHERE l.item_id=$1 AND r.status IN ('PENDING', 'APPROVED', 'PARTIAL')`, itemID).Scan(&n)
	return n, err
}

// CreateCategory inserts a category node.
func (r *Repository) CreateCategory(ctx context.Context, c Category) (Category, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO item_categories (name, parent_id) VALUES ($1, $2) RETURNING id`, c.Name, c.ParentID).Scan(&c.ID)
	if err != nil {
		return Category{}, translateCatalogError(err)
	}
	return c, nil
}

// UpdateCategory renames or reparents a node. Cycle checks happen in the service.
func (r *Repository) UpdateCategory(ctx context.Context, c Category) (Category, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE item_categories SET name=$1, parent_id=$2 WHERE id=$3`, c.Name, c.ParentID, c.ID)
	if err != nil {
		return Category{}, translateCatalogError(err)
	}
	if tag.RowsAffected() == 0 {
		return Category{}, ErrNotFound
	}
	return c, nil
}

// GetCategory fetches one node.
func (r *Repository) GetCategory(ctx context.Context, id int64) (Category, error) {
	var c Category
	err := r.pool.QueryRow(ctx, `SELECT id, name, parent_id FROM item_categories WHERE id=$1`, id).Scan(&c.ID, &c.Name, &c.ParentID)
	if err != nil {
		return Category{}, translateCatalogError(err)
	}
	return c, nil
}

// ListCategories returns the whole tree as a flat list.
func (r *Repository) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, parent_id FROM item_categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Category{}
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.ParentID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func translateCatalogError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicateCode
		case "23503":
			return ErrNotFound
		}
	}
	return err
}
