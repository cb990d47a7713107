package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-hms/meridian/internal/platform/httpx"
	"github.com/meridian-hms/meridian/internal/shared"
)

// IdempotencyPort guards duplicate submission of mutating stock requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Handler exposes stock movement endpoints.
type Handler struct {
	service  *Service
	idem     IdempotencyPort
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler constructs Handler.
func NewHandler(service *Service, idem IdempotencyPort, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		idem:     idem,
		validate: validator.New(),
		logger:   logger,
	}
}

// claimIdempotencyKey reserves the request's Idempotency-Key when one is sent.
// The returned release func frees the key again if the operation fails, so a
// retry after a transient error is not treated as a duplicate.
func (h *Handler) claimIdempotencyKey(w http.ResponseWriter, r *http.Request) (release func(failed bool), ok bool) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" || h.idem == nil {
		return func(bool) {}, true
	}
	if err := h.idem.CheckAndInsert(r.Context(), key, "stock"); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			httpx.Problem(w, http.StatusConflict, "Duplicate Request", "this idempotency key was already processed")
			return nil, false
		}
		h.logger.Error("idempotency check failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return nil, false
	}
	return func(failed bool) {
		if failed {
			_ = h.idem.Delete(r.Context(), key)
		}
	}, true
}

// MountRoutes registers /stock endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receive", h.receive)
	r.Post("/consume", h.consume)
	r.Post("/adjust", h.adjust)
	r.Get("/transactions", h.transactions)
	r.Get("/batches/{batchID}", h.batch)
	r.Get("/batches/{batchID}/balance", h.balance)
}

// MountItemRoutes registers item-scoped stock endpoints on the root router.
func (h *Handler) MountItemRoutes(r chi.Router) {
	r.Get("/items/{itemID}/stock", h.stockLevel)
}

type receivePayload struct {
	StoreID       int64   `json:"store_id" validate:"required,gt=0"`
	ItemID        int64   `json:"item_id" validate:"required,gt=0"`
	BatchNo       string  `json:"batch_no" validate:"max=100"`
	ExpiryDate    *string `json:"expiry_date,omitempty"`
	Quantity      int64   `json:"quantity" validate:"required"`
	PurchasePrice string  `json:"purchase_price" validate:"required"`
	SalePrice     string  `json:"sale_price" validate:"required"`
	RefType       string  `json:"reference_type,omitempty"`
	RefID         string  `json:"reference_id,omitempty"`
	Notes         string  `json:"notes,omitempty" validate:"max=500"`
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	var payload receivePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	purchase, err := decimal.NewFromString(payload.PurchasePrice)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "purchase_price must be numeric")
		return
	}
	sale, err := decimal.NewFromString(payload.SalePrice)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "sale_price must be numeric")
		return
	}
	expiry, err := parseExpiry(payload.ExpiryDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expiry_date must be YYYY-MM-DD")
		return
	}
	ref, err := parseRef(payload.RefType, payload.RefID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	release, ok := h.claimIdempotencyKey(w, r)
	if !ok {
		return
	}

	batch, err := h.service.Receive(r.Context(), ReceiveInput{
		StoreID:       payload.StoreID,
		ItemID:        payload.ItemID,
		BatchNo:       payload.BatchNo,
		ExpiryDate:    expiry,
		Quantity:      payload.Quantity,
		PurchasePrice: purchase,
		SalePrice:     sale,
		Ref:           ref,
		ActorID:       shared.ActorFromRequest(r),
		Notes:         payload.Notes,
	})
	if err != nil {
		release(true)
		h.respondError(w, err)
		return
	}
	release(false)
	httpx.JSON(w, http.StatusCreated, batch)
}

type consumePayload struct {
	StoreID  int64  `json:"store_id" validate:"required,gt=0"`
	ItemID   int64  `json:"item_id" validate:"required,gt=0"`
	Quantity int64  `json:"quantity" validate:"required"`
	RefType  string `json:"reference_type,omitempty"`
	RefID    string `json:"reference_id,omitempty"`
	Notes    string `json:"notes,omitempty" validate:"max=500"`
}

func (h *Handler) consume(w http.ResponseWriter, r *http.Request) {
	var payload consumePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	ref, err := parseRef(payload.RefType, payload.RefID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	release, ok := h.claimIdempotencyKey(w, r)
	if !ok {
		return
	}

	consumed, err := h.service.Consume(r.Context(), ConsumeInput{
		StoreID:  payload.StoreID,
		ItemID:   payload.ItemID,
		Quantity: payload.Quantity,
		Ref:      ref,
		ActorID:  shared.ActorFromRequest(r),
		Notes:    payload.Notes,
	})
	if err != nil {
		release(true)
		h.respondError(w, err)
		return
	}
	release(false)
	httpx.JSON(w, http.StatusOK, map[string]any{"consumed": consumed})
}

type adjustPayload struct {
	BatchID int64  `json:"batch_id" validate:"required,gt=0"`
	Delta   int64  `json:"delta" validate:"required"`
	Reason  string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	var payload adjustPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	release, ok := h.claimIdempotencyKey(w, r)
	if !ok {
		return
	}

	batch, err := h.service.Adjust(r.Context(), AdjustInput{
		BatchID: payload.BatchID,
		Delta:   payload.Delta,
		Reason:  payload.Reason,
		ActorID: shared.ActorFromRequest(r),
	})
	if err != nil {
		release(true)
		h.respondError(w, err)
		return
	}
	release(false)
	httpx.JSON(w, http.StatusOK, batch)
}

func (h *Handler) transactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := TrailFilter{
		StoreID: parseInt64(q.Get("store_id")),
		ItemID:  parseInt64(q.Get("item_id")),
		Limit:   int(parseInt64(q.Get("limit"))),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be YYYY-MM-DD")
			return
		}
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}

	txs, err := h.service.AuditTrail(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (h *Handler) stockLevel(w http.ResponseWriter, r *http.Request) {
	itemID := parseInt64(chi.URLParam(r, "itemID"))
	storeID := parseInt64(r.URL.Query().Get("store_id"))
	if itemID == 0 || storeID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "item id and store_id are required")
		return
	}
	level, err := h.service.StockLevel(r.Context(), storeID, itemID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, level)
}

func (h *Handler) batch(w http.ResponseWriter, r *http.Request) {
	batchID := parseInt64(chi.URLParam(r, "batchID"))
	if batchID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "batch id is required")
		return
	}
	b, err := h.service.GetBatch(r.Context(), batchID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	batchID := parseInt64(chi.URLParam(r, "batchID"))
	if batchID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "batch id is required")
		return
	}
	sum, err := h.service.RecomputeBalance(r.Context(), batchID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "ledger_sum": sum})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var short *InsufficientStockError
	switch {
	case errors.As(err, &short):
		httpx.ProblemWithFields(w, http.StatusConflict, "Insufficient Stock", short.Error(), short)
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidReference):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Movement", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrConcurrencyConflict):
		httpx.Problem(w, http.StatusConflict, "Concurrency Conflict", "the operation conflicted with concurrent stock movements, retry")
	default:
		h.logger.Error("stock operation failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func parseExpiry(raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", *raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseRef(refType, refID string) (Reference, error) {
	var ref Reference
	if refType != "" {
		ref.Type = ReferenceType(refType)
	}
	if refID != "" {
		id, err := uuid.Parse(refID)
		if err != nil {
			return Reference{}, errors.New("reference_id must be a UUID")
		}
		ref.ID = id
	}
	return ref, nil
}

func parseInt64(raw string) int64 {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
