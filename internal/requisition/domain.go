package requisition

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status enumerates requisition states.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusPartial  Status = "PARTIAL"
	StatusIssued   Status = "ISSUED"
)

// Issuable reports whether stock may still be issued in this state.
func (s Status) Issuable() bool {
	return s == StatusApproved || s == StatusPartial
}

// Open reports whether the requisition still blocks store/item deactivation.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusApproved || s == StatusPartial
}

// Requisition is a request to move stock from an issuing store to a
// requesting store. FromStoreID is the requester; ToStoreID is the issuer.
type Requisition struct {
	ID            int64      `json:"id"`
	PublicID      uuid.UUID  `json:"public_id"`
	RequisitionNo string     `json:"requisition_no"`
	FromStoreID   int64      `json:"from_store_id"`
	ToStoreID     int64      `json:"to_store_id"`
	Status        Status     `json:"status"`
	RequestedBy   int64      `json:"requested_by"`
	RequestedAt   time.Time  `json:"requested_at"`
	ApprovedBy    *int64     `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	Note          string     `json:"note,omitempty"`
	Lines         []Line     `json:"lines"`
}

// Line tracks requested versus issued quantity for one item.
// IssuedQuantity only grows and never exceeds RequestedQuantity.
type Line struct {
	ID                int64 `json:"id"`
	RequisitionID     int64 `json:"requisition_id"`
	ItemID            int64 `json:"item_id"`
	RequestedQuantity int64 `json:"requested_quantity"`
	IssuedQuantity    int64 `json:"issued_quantity"`
}

// Remaining returns the quantity still owed on the line.
func (l Line) Remaining() int64 {
	return l.RequestedQuantity - l.IssuedQuantity
}

// DeriveStatus computes the post-issuance status from line fulfilment.
func DeriveStatus(lines []Line) Status {
	fulfilled := 0
	started := false
	for _, l := range lines {
		if l.IssuedQuantity > 0 {
			started = true
		}
		if l.IssuedQuantity == l.RequestedQuantity {
			fulfilled++
		}
	}
	switch {
	case fulfilled == len(lines) && len(lines) > 0:
		return StatusIssued
	case started:
		return StatusPartial
	default:
		return StatusApproved
	}
}

// LineIssue is one requested issuance within an issue call.
type LineIssue struct {
	ItemID   int64 `json:"item_id"`
	Quantity int64 `json:"quantity_to_issue"`
}

// LineOutcome reports what happened to one line during an issue call.
type LineOutcome struct {
	ItemID  int64  `json:"item_id"`
	Issued  int64  `json:"issued"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ListFilter selects requisitions.
type ListFilter struct {
	StoreID int64
	Status  Status
	Limit   int
	Offset  int
}

var (
	// ErrInvalidRequisition indicates a malformed request (self-transfer,
	// empty or non-positive lines, duplicate items).
	ErrInvalidRequisition = errors.New("requisition: invalid requisition")
	// ErrInvalidTransition indicates a state machine violation.
	ErrInvalidTransition = errors.New("requisition: invalid state transition")
	// ErrExcessIssuance indicates issuance beyond the requested quantity.
	ErrExcessIssuance = errors.New("requisition: issued quantity exceeds requested")
	// ErrNotFound indicates a missing requisition or line.
	ErrNotFound = errors.New("requisition: not found")
)

// TransitionError carries the offending states.
type TransitionError struct {
	From   Status
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("requisition: cannot %s from %s", e.Action, e.From)
}

// Unwrap lets callers match the sentinel with errors.Is.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ExcessIssuanceError carries the offending line quantities.
type ExcessIssuanceError struct {
	ItemID    int64 `json:"item_id"`
	Requested int64 `json:"requested"`
	Issued    int64 `json:"issued"`
	Attempted int64 `json:"attempted"`
}

func (e *ExcessIssuanceError) Error() string {
	return fmt.Sprintf("requisition: item %d: issuing %d would exceed requested %d (already issued %d)", e.ItemID, e.Attempted, e.Requested, e.Issued)
}

// Unwrap lets callers match the sentinel with errors.Is.
func (e *ExcessIssuanceError) Unwrap() error { return ErrExcessIssuance }
