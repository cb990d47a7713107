package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-hms/meridian/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBatch(ctx context.Context, batchID int64) (Batch, error)
	GetStockLevel(ctx context.Context, storeID, itemID int64) (StockLevel, error)
	ListTransactions(ctx context.Context, filter TrailFilter) ([]Transaction, error)
	RecomputeBalance(ctx context.Context, batchID int64) (int64, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort abstracts stock operation metrics.
type MetricsPort interface {
	RecordMovement(txType string)
	RecordStockError(kind string)
}

// Service owns the movement primitive: every batch mutation and its ledger
// append commit together or not at all.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	metrics MetricsPort
	retries int
	backoff time.Duration
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// Retries bounds serialization-failure retries per operation.
	Retries int
	// Backoff is the base delay between retries.
	Backoff time.Duration
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, metrics MetricsPort, cfg ServiceConfig) *Service {
	retries := cfg.Retries
	if retries <= 0 {
		retries = 3
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 25 * time.Millisecond
	}
	return &Service{repo: repo, audit: audit, metrics: metrics, retries: retries, backoff: backoff}
}

// ReceiveInput describes a goods receipt creating a new batch.
type ReceiveInput struct {
	StoreID       int64
	ItemID        int64
	BatchNo       string
	ExpiryDate    *time.Time
	Quantity      int64
	PurchasePrice decimal.Decimal
	SalePrice     decimal.Decimal
	Ref           Reference
	ActorID       int64
	Notes         string
}

// ConsumeInput describes an outbound movement against a store+item.
type ConsumeInput struct {
	StoreID  int64
	ItemID   int64
	Quantity int64
	Ref      Reference
	ActorID  int64
	Notes    string
}

// AdjustInput describes a signed correction on one batch.
type AdjustInput struct {
	BatchID int64
	Delta   int64
	Reason  string
	ActorID int64
}

// MoveInput describes an atomic inter-store transfer of one item.
type MoveInput struct {
	FromStoreID int64 // debited (issuing) store
	ToStoreID   int64 // credited (receiving) store
	ItemID      int64
	Quantity    int64
	BatchNo     string
	Ref         Reference
	ActorID     int64
	Notes       string
}

// MoveResult reports both sides of a transfer.
type MoveResult struct {
	Consumed []Consumption `json:"consumed"`
	Credited Batch         `json:"credited"`
}

// Receive creates a new batch and its inbound ledger entry atomically.
func (s *Service) Receive(ctx context.Context, input ReceiveInput) (Batch, error) {
	if input.StoreID == 0 || input.ItemID == 0 {
		return Batch{}, errors.New("ledger: store and item required")
	}
	if input.Quantity <= 0 {
		s.countError("invalid_quantity")
		return Batch{}, ErrInvalidQuantity
	}
	if input.PurchasePrice.IsNegative() || input.SalePrice.IsNegative() {
		return Batch{}, errors.New("ledger: prices must be >= 0")
	}
	if input.ActorID == 0 {
		return Batch{}, errors.New("ledger: acting user required")
	}
	ref, err := normalizeRef(input.Ref, ReferenceGoodsReceipt)
	if err != nil {
		return Batch{}, err
	}

	now := time.Now().UTC()
	batch := Batch{
		ItemID:        input.ItemID,
		StoreID:       input.StoreID,
		BatchNo:       input.BatchNo,
		ExpiryDate:    input.ExpiryDate,
		Quantity:      input.Quantity,
		PurchasePrice: input.PurchasePrice,
		SalePrice:     input.SalePrice,
		CreatedAt:     now,
	}
	err = s.withRetry(ctx, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			id, err := tx.InsertBatch(ctx, batch)
			if err != nil {
				return err
			}
			batch.ID = id
			_, err = tx.InsertTransaction(ctx, Transaction{
				BatchID:     id,
				Type:        TransactionTypeIn,
				Quantity:    input.Quantity,
				Increase:    true,
				RefType:     ref.Type,
				RefID:       ref.ID,
				OccurredAt:  now,
				PerformedBy: input.ActorID,
				Notes:       input.Notes,
			})
			return err
		})
	})
	if err != nil {
		return Batch{}, err
	}
	s.countMovement(TransactionTypeIn)
	s.recordAudit(ctx, input.ActorID, "stock:receive", batch.ID, map[string]any{
		"store_id": input.StoreID,
		"item_id":  input.ItemID,
		"batch_no": input.BatchNo,
		"quantity": input.Quantity,
	})
	return batch, nil
}

// Consume takes stock from a store+item in earliest-expiry-first order.
// All-or-nothing: when total availability is short, nothing commits.
func (s *Service) Consume(ctx context.Context, input ConsumeInput) ([]Consumption, error) {
	if input.StoreID == 0 || input.ItemID == 0 {
		return nil, errors.New("ledger: store and item required")
	}
	if input.Quantity <= 0 {
		s.countError("invalid_quantity")
		return nil, ErrInvalidQuantity
	}
	if input.ActorID == 0 {
		return nil, errors.New("ledger: acting user required")
	}
	ref, err := normalizeRef(input.Ref, ReferenceManual)
	if err != nil {
		return nil, err
	}

	var consumed []Consumption
	err = s.withRetry(ctx, func() error {
		consumed = nil
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			taken, err := consumeLocked(ctx, tx, input.StoreID, input.ItemID, input.Quantity, ref, input.ActorID, input.Notes)
			if err != nil {
				return err
			}
			consumed = taken
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			s.countError("insufficient_stock")
		}
		return nil, err
	}
	s.countMovement(TransactionTypeOut)
	s.recordAudit(ctx, input.ActorID, "stock:consume", input.ItemID, map[string]any{
		"store_id": input.StoreID,
		"item_id":  input.ItemID,
		"quantity": input.Quantity,
		"batches":  len(consumed),
	})
	return consumed, nil
}

// Adjust applies a signed correction to one batch, never below zero.
func (s *Service) Adjust(ctx context.Context, input AdjustInput) (Batch, error) {
	if input.BatchID == 0 {
		return Batch{}, errors.New("ledger: batch required")
	}
	if input.Delta == 0 {
		s.countError("invalid_quantity")
		return Batch{}, ErrInvalidQuantity
	}
	if input.ActorID == 0 {
		return Batch{}, errors.New("ledger: acting user required")
	}

	now := time.Now().UTC()
	var updated Batch
	err := s.withRetry(ctx, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			batch, err := tx.GetBatchForUpdate(ctx, input.BatchID)
			if err != nil {
				return err
			}
			newQty := batch.Quantity + input.Delta
			if newQty < 0 {
				return &InsufficientStockError{
					StoreID:   batch.StoreID,
					ItemID:    batch.ItemID,
					BatchID:   batch.ID,
					Requested: -input.Delta,
					Available: batch.Quantity,
				}
			}
			if err := tx.SetBatchQuantity(ctx, batch.ID, newQty); err != nil {
				return err
			}
			magnitude := input.Delta
			if magnitude < 0 {
				magnitude = -magnitude
			}
			_, err = tx.InsertTransaction(ctx, Transaction{
				BatchID:     batch.ID,
				Type:        TransactionTypeAdjustment,
				Quantity:    magnitude,
				Increase:    input.Delta > 0,
				RefType:     ReferenceManual,
				RefID:       uuid.New(),
				OccurredAt:  now,
				PerformedBy: input.ActorID,
				Notes:       input.Reason,
			})
			if err != nil {
				return err
			}
			batch.Quantity = newQty
			updated = batch
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			s.countError("insufficient_stock")
		}
		return Batch{}, err
	}
	s.countMovement(TransactionTypeAdjustment)
	s.recordAudit(ctx, input.ActorID, "stock:adjust", updated.ID, map[string]any{
		"batch_id": updated.ID,
		"delta":    input.Delta,
		"reason":   input.Reason,
	})
	return updated, nil
}

// MoveStock debits the issuing store and credits the receiving store in one
// transaction. The credited batch carries the pricing of the first consumed
// batch from the issuing side.
func (s *Service) MoveStock(ctx context.Context, input MoveInput) (MoveResult, error) {
	if input.FromStoreID == 0 || input.ToStoreID == 0 || input.ItemID == 0 {
		return MoveResult{}, errors.New("ledger: stores and item required")
	}
	if input.FromStoreID == input.ToStoreID {
		return MoveResult{}, errors.New("ledger: source and destination store must differ")
	}
	if input.Quantity <= 0 {
		s.countError("invalid_quantity")
		return MoveResult{}, ErrInvalidQuantity
	}
	if input.ActorID == 0 {
		return MoveResult{}, errors.New("ledger: acting user required")
	}
	ref, err := normalizeRef(input.Ref, ReferenceRequisition)
	if err != nil {
		return MoveResult{}, err
	}

	now := time.Now().UTC()
	var result MoveResult
	err = s.withRetry(ctx, func() error {
		result = MoveResult{}
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			consumed, err := consumeLocked(ctx, tx, input.FromStoreID, input.ItemID, input.Quantity, ref, input.ActorID, input.Notes)
			if err != nil {
				return err
			}
			credit := Batch{
				ItemID:        input.ItemID,
				StoreID:       input.ToStoreID,
				BatchNo:       input.BatchNo,
				ExpiryDate:    nil,
				Quantity:      input.Quantity,
				PurchasePrice: consumed[0].PurchasePrice,
				SalePrice:     consumed[0].SalePrice,
				CreatedAt:     now,
			}
			id, err := tx.InsertBatch(ctx, credit)
			if err != nil {
				return err
			}
			credit.ID = id
			if _, err := tx.InsertTransaction(ctx, Transaction{
				BatchID:     id,
				Type:        TransactionTypeIn,
				Quantity:    input.Quantity,
				Increase:    true,
				RefType:     ref.Type,
				RefID:       ref.ID,
				OccurredAt:  now,
				PerformedBy: input.ActorID,
				Notes:       input.Notes,
			}); err != nil {
				return err
			}
			result = MoveResult{Consumed: consumed, Credited: credit}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			s.countError("insufficient_stock")
		}
		return MoveResult{}, err
	}
	s.countMovement(TransactionTypeOut)
	s.countMovement(TransactionTypeIn)
	s.recordAudit(ctx, input.ActorID, "stock:move", input.ItemID, map[string]any{
		"from_store": input.FromStoreID,
		"to_store":   input.ToStoreID,
		"item_id":    input.ItemID,
		"quantity":   input.Quantity,
	})
	return result, nil
}

// StockLevel returns current stock with batch breakdown.
func (s *Service) StockLevel(ctx context.Context, storeID, itemID int64) (StockLevel, error) {
	if storeID == 0 || itemID == 0 {
		return StockLevel{}, errors.New("ledger: store and item required")
	}
	return s.repo.GetStockLevel(ctx, storeID, itemID)
}

// AuditTrail lists ledger entries for an item/store over a date range.
func (s *Service) AuditTrail(ctx context.Context, filter TrailFilter) ([]Transaction, error) {
	if filter.StoreID == 0 && filter.ItemID == 0 {
		return nil, errors.New("ledger: store or item filter required")
	}
	return s.repo.ListTransactions(ctx, filter)
}

// RecomputeBalance returns the ledger-derived balance for one batch.
func (s *Service) RecomputeBalance(ctx context.Context, batchID int64) (int64, error) {
	if batchID == 0 {
		return 0, errors.New("ledger: batch required")
	}
	return s.repo.RecomputeBalance(ctx, batchID)
}

// GetBatch fetches one batch.
func (s *Service) GetBatch(ctx context.Context, batchID int64) (Batch, error) {
	if batchID == 0 {
		return Batch{}, errors.New("ledger: batch required")
	}
	return s.repo.GetBatch(ctx, batchID)
}

// consumeLocked implements the selection half of the movement primitive.
// Batches are locked and ordered in the same statement; availability is
// re-checked on the locked rows so a concurrent depletion fails cleanly.
func consumeLocked(ctx context.Context, tx TxRepository, storeID, itemID, quantity int64, ref Reference, actorID int64, notes string) ([]Consumption, error) {
	batches, err := tx.SelectBatchesForUpdate(ctx, storeID, itemID)
	if err != nil {
		return nil, err
	}
	var available int64
	for _, b := range batches {
		available += b.Quantity
	}
	if available < quantity {
		return nil, &InsufficientStockError{
			StoreID:   storeID,
			ItemID:    itemID,
			Requested: quantity,
			Available: available,
		}
	}
	now := time.Now().UTC()
	remaining := quantity
	var consumed []Consumption
	for _, b := range batches {
		if remaining == 0 {
			break
		}
		take := b.Quantity
		if take > remaining {
			take = remaining
		}
		if err := tx.SetBatchQuantity(ctx, b.ID, b.Quantity-take); err != nil {
			return nil, err
		}
		if _, err := tx.InsertTransaction(ctx, Transaction{
			BatchID:     b.ID,
			Type:        TransactionTypeOut,
			Quantity:    take,
			Increase:    false,
			RefType:     ref.Type,
			RefID:       ref.ID,
			OccurredAt:  now,
			PerformedBy: actorID,
			Notes:       notes,
		}); err != nil {
			return nil, err
		}
		consumed = append(consumed, Consumption{
			BatchID:       b.ID,
			BatchNo:       b.BatchNo,
			Taken:         take,
			PurchasePrice: b.PurchasePrice,
			SalePrice:     b.SalePrice,
		})
		remaining -= take
	}
	return consumed, nil
}

func normalizeRef(ref Reference, fallback ReferenceType) (Reference, error) {
	if ref.Type == "" {
		ref.Type = fallback
	}
	if !ref.Type.Valid() {
		return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, ref.Type)
	}
	if ref.ID == uuid.Nil {
		ref.ID = uuid.New()
	}
	return ref, nil
}

func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.retries; attempt++ {
		err = fn()
		if err == nil || !isSerializationFailure(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff << attempt):
		}
	}
	s.countError("concurrency_conflict")
	return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
}

func (s *Service) countMovement(txType TransactionType) {
	if s.metrics != nil {
		s.metrics.RecordMovement(string(txType))
	}
}

func (s *Service) countError(kind string) {
	if s.metrics != nil {
		s.metrics.RecordStockError(kind)
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "stock",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}
