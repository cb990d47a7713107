package catalog

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Item is master data for a stockable article.
type Item struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Code          string          `json:"code"`
	Type          string          `json:"type"`
	CategoryID    *int64          `json:"category_id,omitempty"`
	Unit          string          `json:"unit"`
	ReorderLevel  int64           `json:"reorder_level"`
	StandardPrice decimal.Decimal `json:"standard_price"`
	IsActive      bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Category is a node in the self-referencing item category tree.
type Category struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID *int64 `json:"parent_id,omitempty"`
}

// ItemFilter selects items.
type ItemFilter struct {
	Search     string
	CategoryID int64
	ActiveOnly bool
	Limit      int
	Offset     int
}

var (
	// ErrNotFound indicates a missing item or category.
	ErrNotFound = errors.New("catalog: not found")
	// ErrDuplicateCode indicates an item code collision.
	ErrDuplicateCode = errors.New("catalog: item code already exists")
	// ErrItemInUse indicates open requisitions block deactivation.
	ErrItemInUse = errors.New("catalog: item referenced by open requisitions")
	// ErrCategoryCycle indicates a reparent that would loop the tree.
	ErrCategoryCycle = errors.New("catalog: category reparent would create a cycle")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("catalog: validation failed")
)
