package catalog

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-hms/meridian/internal/platform/httpx"
	"github.com/meridian-hms/meridian/internal/shared"
)

// Handler exposes item and category endpoints.
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

// MountRoutes registers /items and /categories endpoints on the root router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/items", func(r chi.Router) {
		r.Post("/", h.createItem)
		r.Get("/", h.listItems)
		r.Get("/{id}", h.getItem)
		r.Put("/{id}", h.updateItem)
		r.Post("/{id}/deactivate", h.deactivateItem)
		r.Post("/{id}/activate", h.activateItem)
	})
	r.Route("/categories", func(r chi.Router) {
		r.Post("/", h.createCategory)
		r.Get("/", h.listCategories)
		r.Put("/{id}", h.updateCategory)
	})
}

type itemPayload struct {
	Name          string `json:"name" validate:"required,max=200"`
	Code          string `json:"code" validate:"required,max=50"`
	Type          string `json:"type" validate:"max=50"`
	CategoryID    *int64 `json:"category_id,omitempty"`
	Unit          string `json:"unit" validate:"max=30"`
	ReorderLevel  int64  `json:"reorder_level" validate:"gte=0"`
	StandardPrice string `json:"standard_price,omitempty"`
}

func (h *Handler) itemInput(r *http.Request, payload itemPayload) (ItemInput, error) {
	price := decimal.Zero
	if payload.StandardPrice != "" {
		var err error
		price, err = decimal.NewFromString(payload.StandardPrice)
		if err != nil {
			return ItemInput{}, errors.New("standard_price must be numeric")
		}
	}
	return ItemInput{
		Name:          payload.Name,
		Code:          payload.Code,
		Type:          payload.Type,
		CategoryID:    payload.CategoryID,
		Unit:          payload.Unit,
		ReorderLevel:  payload.ReorderLevel,
		StandardPrice: price,
		ActorID:       shared.ActorFromRequest(r),
	}, nil
}

func (h *Handler) createItem(w http.ResponseWriter, r *http.Request) {
	var payload itemPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input, err := h.itemInput(r, payload)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	item, err := h.service.CreateItem(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, item)
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	var payload itemPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input, err := h.itemInput(r, payload)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input.ID = parseInt64(chi.URLParam(r, "id"))
	item, err := h.service.UpdateItem(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) deactivateItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.DeactivateItem(r.Context(), parseInt64(chi.URLParam(r, "id")), shared.ActorFromRequest(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) activateItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.ActivateItem(r.Context(), parseInt64(chi.URLParam(r, "id")), shared.ActorFromRequest(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.GetItem(r.Context(), parseInt64(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := shared.ListFilters{
		Page:   int(parseInt64(q.Get("page"))),
		Limit:  int(parseInt64(q.Get("per_page"))),
		Search: q.Get("search"),
	}
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.Limit <= 0 {
		filters.Limit = 20
	}
	items, total, err := h.service.ListItems(r.Context(), ItemFilter{
		Search:     filters.Search,
		CategoryID: parseInt64(q.Get("category_id")),
		ActiveOnly: q.Get("active") == "true",
		Limit:      filters.Limit,
		Offset:     filters.Offset(),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items":      items,
		"pagination": shared.NewPagination(filters.Page, filters.Limit, int(total)),
	})
}

type categoryPayload struct {
	Name     string `json:"name" validate:"required,max=200"`
	ParentID *int64 `json:"parent_id,omitempty"`
}

func (h *Handler) createCategory(w http.ResponseWriter, r *http.Request) {
	var payload categoryPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	c, err := h.service.CreateCategory(r.Context(), CategoryInput{
		Name:     payload.Name,
		ParentID: payload.ParentID,
		ActorID:  shared.ActorFromRequest(r),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, c)
}

func (h *Handler) updateCategory(w http.ResponseWriter, r *http.Request) {
	var payload categoryPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	c, err := h.service.UpdateCategory(r.Context(), CategoryInput{
		ID:       parseInt64(chi.URLParam(r, "id")),
		Name:     payload.Name,
		ParentID: payload.ParentID,
		ActorID:  shared.ActorFromRequest(r),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) listCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.service.ListCategories(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"categories": cats})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicateCode):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrItemInUse):
		httpx.Problem(w, http.StatusConflict, "Item In Use", err.Error())
	case errors.Is(err, ErrCategoryCycle):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Category Cycle", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("catalog operation failed", slog.Any("error", err))
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
