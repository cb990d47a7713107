package requisition

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridian-hms/meridian/internal/ledger"
	"github.com/meridian-hms/meridian/internal/shared"
)

// RepositoryPort abstracts requisition persistence.
type RepositoryPort interface {
	Create(ctx context.Context, req Requisition) (Requisition, error)
	Get(ctx context.Context, id int64) (Requisition, error)
	List(ctx context.Context, filter ListFilter) ([]Requisition, error)
	UpdateDecision(ctx context.Context, id int64, to Status, actorID int64) error
	RecordLineIssue(ctx context.Context, requisitionID, lineID, quantity int64) (Status, error)
	ReleaseLineIssue(ctx context.Context, requisitionID, lineID, quantity int64) error
}

// LedgerPort is the stock movement dependency.
type LedgerPort interface {
	MoveStock(ctx context.Context, input ledger.MoveInput) (ledger.MoveResult, error)
}

// ApprovalPort records the approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service drives the request, approval and issuance cycle.
type Service struct {
	repo      RepositoryPort
	stock     LedgerPort
	approvals ApprovalPort
	audit     AuditPort
}

// NewService constructs Service.
func NewService(repo RepositoryPort, stock LedgerPort, approvals ApprovalPort, audit AuditPort) *Service {
	return &Service{repo: repo, stock: stock, approvals: approvals, audit: audit}
}

// CreateInput describes a new requisition.
type CreateInput struct {
	FromStoreID int64
	ToStoreID   int64
	Lines       []LineIssueRequest
	ActorID     int64
	Note        string
}

// LineIssueRequest is one requested item line.
type LineIssueRequest struct {
	ItemID   int64
	Quantity int64
}

// Create validates and records a new pending requisition.
func (s *Service) Create(ctx context.Context, input CreateInput) (Requisition, error) {
	if input.FromStoreID == 0 || input.ToStoreID == 0 {
		return Requisition{}, fmt.Errorf("%w: both stores required", ErrInvalidRequisition)
	}
	if input.FromStoreID == input.ToStoreID {
		return Requisition{}, fmt.Errorf("%w: cannot requisition from own store", ErrInvalidRequisition)
	}
	if len(input.Lines) == 0 {
		return Requisition{}, fmt.Errorf("%w: at least one line required", ErrInvalidRequisition)
	}
	if input.ActorID == 0 {
		return Requisition{}, fmt.Errorf("%w: acting user required", ErrInvalidRequisition)
	}
	seen := make(map[int64]bool, len(input.Lines))
	lines := make([]Line, 0, len(input.Lines))
	for _, l := range input.Lines {
		if l.ItemID == 0 {
			return Requisition{}, fmt.Errorf("%w: line item required", ErrInvalidRequisition)
		}
		if l.Quantity <= 0 {
			return Requisition{}, fmt.Errorf("%w: item %d: requested quantity must be positive", ErrInvalidRequisition, l.ItemID)
		}
		if seen[l.ItemID] {
			return Requisition{}, fmt.Errorf("%w: item %d appears twice", ErrInvalidRequisition, l.ItemID)
		}
		seen[l.ItemID] = true
		lines = append(lines, Line{ItemID: l.ItemID, RequestedQuantity: l.Quantity})
	}

	req, err := s.repo.Create(ctx, Requisition{
		FromStoreID: input.FromStoreID,
		ToStoreID:   input.ToStoreID,
		RequestedBy: input.ActorID,
		Note:        input.Note,
		Lines:       lines,
	})
	if err != nil {
		return Requisition{}, err
	}
	s.recordApproval(ctx, req, input.ActorID, shared.ApprovalSubmit, input.Note)
	s.recordAudit(ctx, input.ActorID, "requisition:create", req, map[string]any{
		"from_store": req.FromStoreID,
		"to_store":   req.ToStoreID,
		"lines":      len(req.Lines),
	})
	return req, nil
}

// Approve moves a pending requisition to approved.
func (s *Service) Approve(ctx context.Context, id, actorID int64) (Requisition, error) {
	if actorID == 0 {
		return Requisition{}, fmt.Errorf("%w: acting user required", ErrInvalidRequisition)
	}
	if err := s.repo.UpdateDecision(ctx, id, StatusApproved, actorID); err != nil {
		return Requisition{}, err
	}
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return Requisition{}, err
	}
	s.recordApproval(ctx, req, actorID, shared.ApprovalApprove, "")
	s.recordAudit(ctx, actorID, "requisition:approve", req, nil)
	return req, nil
}

// Reject terminally rejects a pending requisition.
func (s *Service) Reject(ctx context.Context, id, actorID int64, note string) (Requisition, error) {
	if actorID == 0 {
		return Requisition{}, fmt.Errorf("%w: acting user required", ErrInvalidRequisition)
	}
	if err := s.repo.UpdateDecision(ctx, id, StatusRejected, actorID); err != nil {
		return Requisition{}, err
	}
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return Requisition{}, err
	}
	s.recordApproval(ctx, req, actorID, shared.ApprovalReject, note)
	s.recordAudit(ctx, actorID, "requisition:reject", req, map[string]any{"note": note})
	return req, nil
}

// Issue moves stock for the given lines. Each line commits independently:
// the line's issued quantity is claimed first with a compare-and-set against
// the requested quantity, then the issuer is debited and the requester
// credited in one ledger transaction. A failed move releases the claim, so
// stock never leaves the issuer for a line that is already fully issued.
// A line short on stock is skipped, not rolled back across siblings.
func (s *Service) Issue(ctx context.Context, id, actorID int64, requests []LineIssue) (Requisition, []LineOutcome, error) {
	if actorID == 0 {
		return Requisition{}, nil, fmt.Errorf("%w: acting user required", ErrInvalidRequisition)
	}
	if len(requests) == 0 {
		return Requisition{}, nil, fmt.Errorf("%w: no lines to issue", ErrInvalidRequisition)
	}
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return Requisition{}, nil, err
	}
	if !req.Status.Issuable() {
		return Requisition{}, nil, &TransitionError{From: req.Status, Action: "issue"}
	}

	byItem := make(map[int64]Line, len(req.Lines))
	for _, l := range req.Lines {
		byItem[l.ItemID] = l
	}

	// Validate everything before the first commit.
	seen := make(map[int64]bool, len(requests))
	for _, r := range requests {
		if r.Quantity <= 0 {
			return Requisition{}, nil, fmt.Errorf("%w: item %d", ledger.ErrInvalidQuantity, r.ItemID)
		}
		if seen[r.ItemID] {
			return Requisition{}, nil, fmt.Errorf("%w: item %d appears twice", ErrInvalidRequisition, r.ItemID)
		}
		seen[r.ItemID] = true
		line, ok := byItem[r.ItemID]
		if !ok {
			return Requisition{}, nil, fmt.Errorf("%w: item %d not on requisition", ErrNotFound, r.ItemID)
		}
		if line.IssuedQuantity+r.Quantity > line.RequestedQuantity {
			return Requisition{}, nil, &ExcessIssuanceError{
				ItemID:    r.ItemID,
				Requested: line.RequestedQuantity,
				Issued:    line.IssuedQuantity,
				Attempted: r.Quantity,
			}
		}
	}

	outcomes := make([]LineOutcome, 0, len(requests))
	var firstShortage error
	issued := 0
	for _, r := range requests {
		line := byItem[r.ItemID]
		// Claim the quantity on the line before any stock moves. The CAS in
		// RecordLineIssue is the authoritative excess guard under concurrency.
		if _, err := s.repo.RecordLineIssue(ctx, req.ID, line.ID, r.Quantity); err != nil {
			if errors.Is(err, ErrExcessIssuance) {
				return Requisition{}, outcomes, s.excessError(ctx, id, line, r.Quantity)
			}
			return Requisition{}, outcomes, err
		}
		_, err := s.stock.MoveStock(ctx, ledger.MoveInput{
			FromStoreID: req.ToStoreID, // issuer is debited
			ToStoreID:   req.FromStoreID,
			ItemID:      r.ItemID,
			Quantity:    r.Quantity,
			BatchNo:     req.RequisitionNo,
			Ref:         ledger.Reference{Type: ledger.ReferenceRequisition, ID: req.PublicID},
			ActorID:     actorID,
			Notes:       "requisition issue " + req.RequisitionNo,
		})
		if err != nil {
			if relErr := s.repo.ReleaseLineIssue(ctx, req.ID, line.ID, r.Quantity); relErr != nil {
				return Requisition{}, outcomes, fmt.Errorf("releasing line %d after failed move: %w", line.ID, relErr)
			}
			if errors.Is(err, ledger.ErrInsufficientStock) {
				if firstShortage == nil {
					firstShortage = err
				}
				outcomes = append(outcomes, LineOutcome{ItemID: r.ItemID, Skipped: true, Reason: err.Error()})
				continue
			}
			return Requisition{}, outcomes, err
		}
		outcomes = append(outcomes, LineOutcome{ItemID: r.ItemID, Issued: r.Quantity})
		issued++
	}
	if issued == 0 {
		return Requisition{}, outcomes, firstShortage
	}

	updated, err := s.repo.Get(ctx, id)
	if err != nil {
		return Requisition{}, outcomes, err
	}
	s.recordAudit(ctx, actorID, "requisition:issue", updated, map[string]any{
		"issued_lines":  issued,
		"skipped_lines": len(outcomes) - issued,
		"status":        string(updated.Status),
	})
	return updated, outcomes, nil
}

// excessError builds the typed excess error from current line state so a
// caller that lost a claim race sees what was actually issued, not the
// snapshot it started from.
func (s *Service) excessError(ctx context.Context, id int64, line Line, attempted int64) error {
	if cur, err := s.repo.Get(ctx, id); err == nil {
		for _, l := range cur.Lines {
			if l.ID == line.ID {
				line = l
			}
		}
	}
	return &ExcessIssuanceError{
		ItemID:    line.ItemID,
		Requested: line.RequestedQuantity,
		Issued:    line.IssuedQuantity,
		Attempted: attempted,
	}
}

// Get fetches one requisition with lines.
func (s *Service) Get(ctx context.Context, id int64) (Requisition, error) {
	return s.repo.Get(ctx, id)
}

// List returns requisition headers matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Requisition, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) recordApproval(ctx context.Context, req Requisition, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	_ = s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  "requisition",
		RefID:   req.PublicID,
		ActorID: actorID,
		Action:  action,
		Note:    note,
	})
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, req Requisition, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "requisition",
		EntityID: fmt.Sprintf("%d", req.ID),
		Meta:     meta,
	})
}
