package requisition

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists requisitions and their lines in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts the requisition header and lines in one transaction.
// The requisition number is derived from the generated id.
func (r *Repository) Create(ctx context.Context, req Requisition) (Requisition, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Requisition{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	req.PublicID = uuid.New()
	req.Status = StatusPending
	req.RequestedAt = time.Now().UTC()
	err = tx.QueryRow(ctx, `INSERT INTO requisitions (public_id, requisition_no, from_store_id, to_store_id, status, requested_by, requested_at, note)
VALUES ($1, '', $2, $3, $4, $5, $6, $7) RETURNING id`,
		req.PublicID, req.FromStoreID, req.ToStoreID, string(req.Status), req.RequestedBy, req.RequestedAt, req.Note).Scan(&req.ID)
	if err != nil {
		return Requisition{}, err
	}
	err = tx.QueryRow(ctx, `UPDATE requisitions
SET requisition_no = 'REQ-' || to_char(requested_at, 'YYYYMMDD') || '-' || lpad(id::text, 6, '0')
WHERE id=$1 RETURNING requisition_no`, req.ID).Scan(&req.RequisitionNo)
	if err != nil {
		return Requisition{}, err
	}
	for i := range req.Lines {
		line := &req.Lines[i]
		line.RequisitionID = req.ID
		err = tx.QueryRow(ctx, `INSERT INTO requisition_lines (requisition_id, item_id, requested_quantity, issued_quantity)
VALUES ($1, $2, $3, 0) RETURNING id`, req.ID, line.ItemID, line.RequestedQuantity).Scan(&line.ID)
		if err != nil {
			return Requisition{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Requisition{}, err
	}
	return req, nil
}

const requisitionColumns = `id, public_id, requisition_no, from_store_id, to_store_id, status, requested_by, requested_at, approved_by, approved_at, note`

func scanRequisition(row pgx.Row) (Requisition, error) {
	var req Requisition
	var status string
	err := row.Scan(&req.ID, &req.PublicID, &req.RequisitionNo, &req.FromStoreID, &req.ToStoreID, &status, &req.RequestedBy, &req.RequestedAt, &req.ApprovedBy, &req.ApprovedAt, &req.Note)
	if err != nil {
		return Requisition{}, err
	}
	req.Status = Status(status)
	return req, nil
}

// Get fetches one requisition with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (Requisition, error) {
	req, err := scanRequisition(r.pool.QueryRow(ctx, `SELECT `+requisitionColumns+` FROM requisitions WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requisition{}, ErrNotFound
		}
		return Requisition{}, err
	}
	req.Lines, err = r.listLines(ctx, id)
	if err != nil {
		return Requisition{}, err
	}
	return req, nil
}

func (r *Repository) listLines(ctx context.Context, requisitionID int64) ([]Line, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, requisition_id, item_id, requested_quantity, issued_quantity
FROM requisition_lines WHERE requisition_id=$1 ORDER BY id`, requisitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := []Line{}
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.RequisitionID, &l.ItemID, &l.RequestedQuantity, &l.IssuedQuantity); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// List returns requisition headers matching the filter, newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Requisition, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+requisitionColumns+`
FROM requisitions
WHERE ($1 = 0 OR from_store_id = $1 OR to_store_id = $1)
  AND ($2 = '' OR status = $2)
ORDER BY id DESC
LIMIT $3 OFFSET $4`, filter.StoreID, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	reqs := []Requisition{}
	for rows.Next() {
		req, err := scanRequisition(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// UpdateDecision moves a requisition out of PENDING with a compare-and-set so
// racing approvals cannot both win.
func (r *Repository) UpdateDecision(ctx context.Context, id int64, to Status, actorID int64) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `UPDATE requisitions
SET status=$1, approved_by=$2, approved_at=$3
WHERE id=$4 AND status=$5`, string(to), actorID, now, id, string(StatusPending))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var status string
	err = r.pool.QueryRow(ctx, `SELECT status FROM requisitions WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	action := "approve"
	if to == StatusRejected {
		action = "reject"
	}
	return &TransitionError{From: Status(status), Action: action}
}

// RecordLineIssue claims quantity on one line with a compare-and-set against
// the requested quantity and refreshes the requisition status in the same
// transaction. Committed per line so an interrupted multi-line issue leaves a
// well-defined partial state. The guard clause makes racing claims on the
// same line serialize: the loser's update matches zero rows.
func (r *Repository) RecordLineIssue(ctx context.Context, requisitionID, lineID, quantity int64) (Status, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE requisition_lines
SET issued_quantity = issued_quantity + $1
WHERE id=$2 AND requisition_id=$3 AND issued_quantity + $1 <= requested_quantity`,
		quantity, lineID, requisitionID)
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return "", ErrExcessIssuance
	}

	status, err := refreshStatus(ctx, tx, requisitionID)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return status, nil
}

// ReleaseLineIssue backs out a claimed increment after a failed stock move and
// rederives the requisition status in the same transaction.
func (r *Repository) ReleaseLineIssue(ctx context.Context, requisitionID, lineID, quantity int64) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE requisition_lines
SET issued_quantity = issued_quantity - $1
WHERE id=$2 AND requisition_id=$3 AND issued_quantity >= $1`,
		quantity, lineID, requisitionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := refreshStatus(ctx, tx, requisitionID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// refreshStatus rereads the lines and writes the derived requisition status.
func refreshStatus(ctx context.Context, tx pgx.Tx, requisitionID int64) (Status, error) {
	rows, err := tx.Query(ctx, `SELECT id, requisition_id, item_id, requested_quantity, issued_quantity
FROM requisition_lines WHERE requisition_id=$1 ORDER BY id`, requisitionID)
	if err != nil {
		return "", err
	}
	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.RequisitionID, &l.ItemID, &l.RequestedQuantity, &l.IssuedQuantity); err != nil {
			rows.Close()
			return "", err
		}
		lines = append(lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", err
	}

	status := DeriveStatus(lines)
	if _, err := tx.Exec(ctx, `UPDATE requisitions SET status=$1 WHERE id=$2`, string(status), requisitionID); err != nil {
		return "", err
	}
	return status, nil
}
