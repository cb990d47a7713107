package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType enumerates supported stock movements.
type TransactionType string

const (
	// TransactionTypeIn represents an inbound movement (receipt, requisition credit).
	TransactionTypeIn TransactionType = "IN"
	// TransactionTypeOut represents an outbound movement (sale, issue, requisition debit).
	TransactionTypeOut TransactionType = "OUT"
	// TransactionTypeAdjustment indicates a manual correction.
	TransactionTypeAdjustment TransactionType = "ADJUSTMENT"
)

// ReferenceType tags the business event that caused a movement.
type ReferenceType string

const (
	ReferenceSale         ReferenceType = "SALE"
	ReferenceRequisition  ReferenceType = "REQUISITION"
	ReferenceManual       ReferenceType = "MANUAL"
	ReferenceIPDIssue     ReferenceType = "IPD_ISSUE"
	ReferenceGoodsReceipt ReferenceType = "GOODS_RECEIPT"
)

// Valid reports whether the reference type is a known tag.
func (t ReferenceType) Valid() bool {
	switch t {
	case ReferenceSale, ReferenceRequisition, ReferenceManual, ReferenceIPDIssue, ReferenceGoodsReceipt:
		return true
	}
	return false
}

// Reference identifies the causing business event of a movement.
type Reference struct {
	Type ReferenceType
	ID   uuid.UUID
}

// Batch is a discrete, expiry-dated quantity of one item held at one store.
// Quantity is materialized and kept synchronously consistent with the
// transaction log; it is mutated only through the movement primitive.
type Batch struct {
	ID            int64           `json:"id"`
	ItemID        int64           `json:"item_id"`
	StoreID       int64           `json:"store_id"`
	BatchNo       string          `json:"batch_no"`
	ExpiryDate    *time.Time      `json:"expiry_date,omitempty"`
	Quantity      int64           `json:"quantity"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	SalePrice     decimal.Decimal `json:"sale_price"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Transaction is an immutable ledger entry for one batch. Quantity is always
// positive; direction follows Type, and for adjustments the Increase flag.
type Transaction struct {
	ID          int64           `json:"id"`
	BatchID     int64           `json:"batch_id"`
	Type        TransactionType `json:"type"`
	Quantity    int64           `json:"quantity"`
	Increase    bool            `json:"increase"`
	RefType     ReferenceType   `json:"reference_type"`
	RefID       uuid.UUID       `json:"reference_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	PerformedBy int64           `json:"performed_by"`
	Notes       string          `json:"notes,omitempty"`
}

// SignedQuantity returns the quantity with its direction applied.
func (t Transaction) SignedQuantity() int64 {
	if t.Increase {
		return t.Quantity
	}
	return -t.Quantity
}

// Consumption records how much was taken from one batch during a consume call.
type Consumption struct {
	BatchID       int64           `json:"batch_id"`
	BatchNo       string          `json:"batch_no"`
	Taken         int64           `json:"quantity_taken"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	SalePrice     decimal.Decimal `json:"sale_price"`
}

// BatchQuantity is one row of a stock breakdown.
type BatchQuantity struct {
	BatchID    int64      `json:"batch_id"`
	BatchNo    string     `json:"batch_no"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	Quantity   int64      `json:"quantity"`
}

// StockLevel summarises current stock of one item at one store.
type StockLevel struct {
	ItemID  int64           `json:"item_id"`
	StoreID int64           `json:"store_id"`
	Total   int64           `json:"total"`
	Batches []BatchQuantity `json:"batches"`
}

// TrailFilter selects transactions for the audit trail.
type TrailFilter struct {
	StoreID int64
	ItemID  int64
	From    time.Time
	To      time.Time
	Limit   int
}

// BalanceDrift reports a batch whose materialized quantity disagrees with the
// transaction log sum.
type BalanceDrift struct {
	BatchID    int64 `json:"batch_id"`
	Quantity   int64 `json:"quantity"`
	LedgerSum  int64 `json:"ledger_sum"`
	Difference int64 `json:"difference"`
}

var (
	// ErrInvalidQuantity indicates a non-positive quantity input.
	ErrInvalidQuantity = errors.New("ledger: quantity must be positive")
	// ErrInsufficientStock indicates consumption exceeding available stock.
	ErrInsufficientStock = errors.New("ledger: insufficient stock")
	// ErrConcurrencyConflict indicates lock contention exhausted retries.
	ErrConcurrencyConflict = errors.New("ledger: concurrency conflict")
	// ErrInvalidReference indicates an unknown reference tag.
	ErrInvalidReference = errors.New("ledger: invalid movement reference")
	// ErrNotFound indicates a missing batch.
	ErrNotFound = errors.New("ledger: batch not found")
)

// InsufficientStockError carries the offending store/item/quantities.
type InsufficientStockError struct {
	StoreID   int64 `json:"store_id"`
	ItemID    int64 `json:"item_id"`
	BatchID   int64 `json:"batch_id,omitempty"`
	Requested int64 `json:"requested"`
	Available int64 `json:"available"`
}

func (e *InsufficientStockError) Error() string {
	if e.BatchID != 0 {
		return fmt.Sprintf("ledger: insufficient stock on batch %d: requested %d, available %d", e.BatchID, e.Requested, e.Available)
	}
	return fmt.Sprintf("ledger: insufficient stock for item %d at store %d: requested %d, available %d", e.ItemID, e.StoreID, e.Requested, e.Available)
}

// Unwrap lets callers match the sentinel with errors.Is.
func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }
