package stores

import (
	"errors"
	"time"
)

// Store is a physical or logical stock location.
type Store struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	IsMain    bool      `json:"is_main"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListFilter selects stores.
type ListFilter struct {
	Search     string
	ActiveOnly bool
	Limit      int
	Offset     int
}

var (
	// ErrNotFound indicates a missing store.
	ErrNotFound = errors.New("stores: store not found")
	// ErrDuplicateCode indicates a store code collision.
	ErrDuplicateCode = errors.New("stores: store code already exists")
	// ErrStoreInUse indicates open requisitions block deactivation.
	ErrStoreInUse = errors.New("stores: store has open requisitions")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("stores: validation failed")
)
