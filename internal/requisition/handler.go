package requisition

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-hms/meridian/internal/ledger"
	"github.com/meridian-hms/meridian/internal/platform/httpx"
	"github.com/meridian-hms/meridian/internal/shared"
)

// Handler exposes requisition endpoints.
type Handler struct {
	service  *Service
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler constructs Handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(),
		logger:   logger,
	}
}

// MountRoutes registers /requisitions endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/reject", h.reject)
	r.Post("/{id}/issue", h.issue)
}

type createPayload struct {
	FromStoreID int64               `json:"from_store_id" validate:"required,gt=0"`
	ToStoreID   int64               `json:"to_store_id" validate:"required,gt=0"`
	Note        string              `json:"note,omitempty" validate:"max=500"`
	Lines       []createLinePayload `json:"lines" validate:"required,min=1,dive"`
}

type createLinePayload struct {
	ItemID   int64 `json:"item_id" validate:"required,gt=0"`
	Quantity int64 `json:"requested_quantity" validate:"required"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var payload createPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	lines := make([]LineIssueRequest, 0, len(payload.Lines))
	for _, l := range payload.Lines {
		lines = append(lines, LineIssueRequest{ItemID: l.ItemID, Quantity: l.Quantity})
	}

	req, err := h.service.Create(r.Context(), CreateInput{
		FromStoreID: payload.FromStoreID,
		ToStoreID:   payload.ToStoreID,
		Lines:       lines,
		ActorID:     shared.ActorFromRequest(r),
		Note:        payload.Note,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, req)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		StoreID: parseInt64(q.Get("store_id")),
		Status:  Status(q.Get("status")),
		Limit:   int(parseInt64(q.Get("limit"))),
		Offset:  int(parseInt64(q.Get("offset"))),
	}
	reqs, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"requisitions": reqs})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "requisition id is required")
		return
	}
	req, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	req, err := h.service.Approve(r.Context(), id, shared.ActorFromRequest(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

type rejectPayload struct {
	Note string `json:"note,omitempty" validate:"max=500"`
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	var payload rejectPayload
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &payload); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
			return
		}
	}
	req, err := h.service.Reject(r.Context(), id, shared.ActorFromRequest(r), payload.Note)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

type issuePayload struct {
	Lines []issueLinePayload `json:"lines" validate:"required,min=1,dive"`
}

type issueLinePayload struct {
	ItemID   int64 `json:"item_id" validate:"required,gt=0"`
	Quantity int64 `json:"quantity_to_issue" validate:"required"`
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	var payload issuePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	lines := make([]LineIssue, 0, len(payload.Lines))
	for _, l := range payload.Lines {
		lines = append(lines, LineIssue{ItemID: l.ItemID, Quantity: l.Quantity})
	}

	req, outcomes, err := h.service.Issue(r.Context(), id, shared.ActorFromRequest(r), lines)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"requisition": req,
		"lines":       outcomes,
	})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var excess *ExcessIssuanceError
	var shortage *ledger.InsufficientStockError
	var transition *TransitionError
	switch {
	case errors.As(err, &excess):
		httpx.ProblemWithFields(w, http.StatusUnprocessableEntity, "Excess Issuance", excess.Error(), excess)
	case errors.As(err, &shortage):
		httpx.ProblemWithFields(w, http.StatusConflict, "Insufficient Stock", shortage.Error(), shortage)
	case errors.As(err, &transition):
		httpx.Problem(w, http.StatusConflict, "Invalid Transition", transition.Error())
	case errors.Is(err, ErrInvalidTransition):
		httpx.Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, ErrExcessIssuance):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Excess Issuance", err.Error())
	case errors.Is(err, ErrInvalidRequisition), errors.Is(err, ledger.ErrInvalidQuantity):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Requisition", err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		httpx.Problem(w, http.StatusConflict, "Concurrency Conflict", "the operation conflicted with concurrent stock movements, retry")
	default:
		h.logger.Error("requisition operation failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func parseInt64(raw string) int64 {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
