package requisition

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-hms/meridian/internal/ledger"
	"github.com/meridian-hms/meridian/internal/shared"
)

type memReqRepo struct {
	mu       sync.Mutex
	nextID   int64
	nextLine int64
	reqs     map[int64]Requisition
}

func newMemReqRepo() *memReqRepo {
	return &memReqRepo{reqs: map[int64]Requisition{}}
}

func (m *memReqRepo) Create(ctx context.Context, req Requisition) (Requisition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	req.ID = m.nextID
	req.PublicID = uuid.New()
	req.RequisitionNo = fmt.Sprintf("REQ-%06d", req.ID)
	req.Status = StatusPending
	for i := range req.Lines {
		m.nextLine++
		req.Lines[i].ID = m.nextLine
		req.Lines[i].RequisitionID = req.ID
	}
	m.reqs[req.ID] = req
	return req, nil
}

func (m *memReqRepo) Get(ctx context.Context, id int64) (Requisition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.reqs[id]
	if !ok {
		return Requisition{}, ErrNotFound
	}
	req.Lines = append([]Line(nil), req.Lines...)
	return req, nil
}

func (m *memReqRepo) List(ctx context.Context, filter ListFilter) ([]Requisition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Requisition
	for _, req := range m.reqs {
		if filter.StoreID != 0 && req.FromStoreID != filter.StoreID && req.ToStoreID != filter.StoreID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

func (m *memReqRepo) UpdateDecision(ctx context.Context, id int64, to Status, actorID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.reqs[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != StatusPending {
		action := "approve"
		if to == StatusRejected {
			action = "reject"
		}
		return &TransitionError{From: req.Status, Action: action}
	}
	req.Status = to
	req.ApprovedBy = &actorID
	m.reqs[id] = req
	return nil
}

func (m *memReqRepo) RecordLineIssue(ctx context.Context, requisitionID, lineID, quantity int64) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.reqs[requisitionID]
	if !ok {
		return "", ErrNotFound
	}
	for i := range req.Lines {
		if req.Lines[i].ID != lineID {
			continue
		}
		if req.Lines[i].IssuedQuantity+quantity > req.Lines[i].RequestedQuantity {
			return "", ErrExcessIssuance
		}
		req.Lines[i].IssuedQuantity += quantity
		req.Status = DeriveStatus(req.Lines)
		m.reqs[requisitionID] = req
		return req.Status, nil
	}
	return "", ErrNotFound
}

func (m *memReqRepo) ReleaseLineIssue(ctx context.Context, requisitionID, lineID, quantity int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.reqs[requisitionID]
	if !ok {
		return ErrNotFound
	}
	for i := range req.Lines {
		if req.Lines[i].ID != lineID {
			continue
		}
		if req.Lines[i].IssuedQuantity < quantity {
			return ErrNotFound
		}
		req.Lines[i].IssuedQuantity -= quantity
		req.Status = DeriveStatus(req.Lines)
		m.reqs[requisitionID] = req
		return nil
	}
	return ErrNotFound
}

// memLedger tracks per store+item totals and mimics the transfer primitive.
type memLedger struct {
	mu    sync.Mutex
	stock map[string]int64
	moves []ledger.MoveInput
}

func newMemLedger() *memLedger {
	return &memLedger{stock: map[string]int64{}}
}

func stockKey(storeID, itemID int64) string {
	return fmt.Sprintf("%d/%d", storeID, itemID)
}

func (m *memLedger) set(storeID, itemID, qty int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[stockKey(storeID, itemID)] = qty
}

func (m *memLedger) at(storeID, itemID int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[stockKey(storeID, itemID)]
}

func (m *memLedger) MoveStock(ctx context.Context, input ledger.MoveInput) (ledger.MoveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := stockKey(input.FromStoreID, input.ItemID)
	if m.stock[from] < input.Quantity {
		return ledger.MoveResult{}, &ledger.InsufficientStockError{
			StoreID:   input.FromStoreID,
			ItemID:    input.ItemID,
			Requested: input.Quantity,
			Available: m.stock[from],
		}
	}
	m.stock[from] -= input.Quantity
	m.stock[stockKey(input.ToStoreID, input.ItemID)] += input.Quantity
	m.moves = append(m.moves, input)
	return ledger.MoveResult{
		Consumed: []ledger.Consumption{{BatchID: 1, Taken: input.Quantity, PurchasePrice: decimal.NewFromInt(10), SalePrice: decimal.NewFromInt(15)}},
		Credited: ledger.Batch{StoreID: input.ToStoreID, ItemID: input.ItemID, Quantity: input.Quantity},
	}, nil
}

type memApprovals struct {
	mu   sync.Mutex
	logs []shared.ApprovalLog
}

func (m *memApprovals) Record(ctx context.Context, log shared.ApprovalLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func newTestService() (*Service, *memReqRepo, *memLedger, *memApprovals) {
	repo := newMemReqRepo()
	stock := newMemLedger()
	approvals := &memApprovals{}
	return NewService(repo, stock, approvals, nil), repo, stock, approvals
}

const (
	requesterStore = int64(1)
	issuerStore    = int64(2)
	itemX          = int64(7)
)

func createApproved(t *testing.T, svc *Service, qty int64) Requisition {
	t.Helper()
	req, err := svc.Create(context.Background(), CreateInput{
		FromStoreID: requesterStore,
		ToStoreID:   issuerStore,
		Lines:       []LineIssueRequest{{ItemID: itemX, Quantity: qty}},
		ActorID:     11,
	})
	require.NoError(t, err)
	req, err = svc.Approve(context.Background(), req.ID, 12)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, req.Status)
	return req
}

func TestCreateRejectsMalformedRequests(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateInput
	}{
		{"self transfer", CreateInput{FromStoreID: 1, ToStoreID: 1, Lines: []LineIssueRequest{{ItemID: 7, Quantity: 5}}, ActorID: 1}},
		{"no lines", CreateInput{FromStoreID: 1, ToStoreID: 2, ActorID: 1}},
		{"zero quantity", CreateInput{FromStoreID: 1, ToStoreID: 2, Lines: []LineIssueRequest{{ItemID: 7, Quantity: 0}}, ActorID: 1}},
		{"negative quantity", CreateInput{FromStoreID: 1, ToStoreID: 2, Lines: []LineIssueRequest{{ItemID: 7, Quantity: -3}}, ActorID: 1}},
		{"duplicate item", CreateInput{FromStoreID: 1, ToStoreID: 2, Lines: []LineIssueRequest{{ItemID: 7, Quantity: 1}, {ItemID: 7, Quantity: 2}}, ActorID: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.input)
			require.ErrorIs(t, err, ErrInvalidRequisition)
		})
	}
}

func TestCreateRecordsSubmission(t *testing.T) {
	svc, _, _, approvals := newTestService()

	req, err := svc.Create(context.Background(), CreateInput{
		FromStoreID: requesterStore,
		ToStoreID:   issuerStore,
		Lines:       []LineIssueRequest{{ItemID: itemX, Quantity: 40}},
		ActorID:     11,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, req.Status)
	require.NotEmpty(t, req.RequisitionNo)
	require.Len(t, approvals.logs, 1)
	require.Equal(t, shared.ApprovalSubmit, approvals.logs[0].Action)
}

func TestOnlyPendingCanBeDecided(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	req := createApproved(t, svc, 40)

	_, err := svc.Approve(ctx, req.ID, 12)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.Reject(ctx, req.ID, 12, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestIssueOnRejectedFails(t *testing.T) {
	svc, _, stock, _ := newTestService()
	ctx := context.Background()
	stock.set(issuerStore, itemX, 100)

	req, err := svc.Create(ctx, CreateInput{
		FromStoreID: requesterStore,
		ToStoreID:   issuerStore,
		Lines:       []LineIssueRequest{{ItemID: itemX, Quantity: 40}},
		ActorID:     11,
	})
	require.NoError(t, err)
	req, err = svc.Reject(ctx, req.ID, 12, "not needed")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, req.Status)

	_, _, err = svc.Issue(ctx, req.ID, 13, []LineIssue{{ItemID: itemX, Quantity: 40}})
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.EqualValues(t, 100, stock.at(issuerStore, itemX))
}

func TestIssueOnPendingFails(t *testing.T) {
	svc, _, stock, _ := newTestService()
	ctx := context.Background()
	stock.set(issuerStore, itemX, 100)

	req, err := svc.Create(ctx, CreateInput{
		FromStoreID: requesterStore,
		ToStoreID:   issuerStore,
		Lines:       []LineIssueRequest{{ItemID: itemX, Quantity: 40}},
		ActorID:     11,
	})
	require.NoError(t, err)

	_, _, err = svc.Issue(ctx, req.ID, 13, []LineIssue{{ItemID: itemX, Quantity: 40}})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPartialThenFullIssuance(t *testing.T) {
	svc, _, stock, _ := newTestService()
	ctx := context.Background()
	stock.set(issuerStore, itemX, 100)

	req := createApproved(t, svc, 40)

	req, outcomes, err := svc.Issue(ctx, req.ID, 13, []LineIssue{{ItemID: itemX, Quantity: 25}})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, req.Status)
	require.Len(t, outcomes, 1)
	require.EqualValues(t, 25, outcomes[0].Issued)
	require.EqualValues(t, 25, req.Lines[0].IssuedQuantity)
	require.EqualValues(t, 75, stock.at(issuerStore, itemX))
	require.EqualValues(t, 25, stock.at(requesterStore, itemX))

	req, outcomes, err = svc.Issue(ctx, req.ID, 13, []LineIssue{{ItemID: itemX, Quantity: 15}})
	require.NoError(t, err)
	require.Equal(t, StatusIssued, req.Status)
	require.EqualValues(t, 15, outcomes[0].Issued)
	require.EqualValues(t, 40, req.Lines[0].IssuedQuantity)
	require.EqualValues(t, 60, stock.at(issuerStore, itemX))
	require.EqualValues(t, 40, stock.at(requesterStore, itemX))
}

func TestIssueTagsMovementsWithRequisitionReference(t *testing.T) {
	svc, _, stock, _ := newTestService()
	ctx := context.Background()
	stock.set(issuerStore, itemX, 100)

	req := createApproved(t, svc, 40)
	_, _, err := svc.Issue(ctx, req.ID, 13, []LineIssue{{ItemID: itemX, Quantity: 40}})
	require.NoError(t, err)

	require.Len(t, stock.moves, 1)
	move := stock.moves[0]
	require.Equal(t, ledger.ReferenceRequisition, move.Ref.Type)
	require.Equal(t, req.PublicID, move.Ref.ID)
	require.Equal(t, issuerStore, move.FromStoreID)
	require.Equal(t, requesterStore, move.ToStoreID)
}

func TestExcessIssuanceRejectedBeforeAnyCommit(t *testing.T) {
	svc, _, stock, _ := newTestService()
	ctx := context.Background()
	stock.set(issuerStore, itemX, 100)

	req := createApproved(t, svc, 40)

	_, _, err := svc.Issue(ctx, req.ID, 13, []LineIssue{{ItemID: itemX, Quantity: 50}})
	require.ErrorIs(t, err, ErrExcessIssuance)

	var excess *ExcessIssuanceError
	require.ErrorAs(t, err, &excess)
	require.EqualValues(t, 40, excess.Requested)
	require.EqualValues(t, 50, excess.Attempted)

	require.EqualValues(t, 100, stock.at(issuerStore, itemX))
	current, err := svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, current.Status)
	require.EqualValues(t, 0, current.Lines[0].IssuedQuantity)
}

func TestExcessAcrossRepeatedIssues(t *testing.T) {
	svc, _, stock, _ := newTestService()
	ctx := context.Background()
	stock.set(issuerStore, itemX, 100)

	req := createApproved(t, svc, 40)
	_, _, err := svc.Issue(ctx, req.ID, 13, []LineIssue{{ItemID: itemX, Quantity: 30}})
	require.NoError(t, err)

	_, _, err = svc.Issue(ctx, req.ID, 13, []LineIssue{{ItemID: itemX, Quantity: 11}})
	require.ErrorIs(t, err, ErrExcessIssuance)

	current, err := svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.EqualValues(t, 30, current.Lines[0].IssuedQuantity)
}

// interceptLedger runs a callback once, just before the first stock move
// commits, to interleave a rival issuance at the worst possible moment.
type interceptLedger struct {
	inner      *memLedger
	beforeMove func()
	once       sync.Once
}

func (l *interceptLedger) MoveStock(ctx context.Context, input ledger.MoveInput) (ledger.MoveResult, error) {
	l.once.Do(l.beforeMove)
	return l.inner.MoveStock(ctx, input)
}

// staleReadRepo serves reads from a fixed snapshot while writing through to
// the shared store, so a caller can pass validation on pre-race state.
type staleReadRepo struct {
	*memReqRepo
	stale Requisition
}

func (r *staleReadRepo) Get(ctx context.Context, id int64) (Requisition, error) {
	req := r.stale
	req.Lines = append([]Line(nil), req.Lines...)
	return req, nil
}

func TestRacingIssuesCannotOverIssueLine(t *testing.T) {
	repo := newMemReqRepo()
	stock := newMemLedger()
	stock.set(issuerStore, itemX, 100)
	gate := &interceptLedger{inner: stock}
	svc := NewService(repo, gate, nil, nil)
	ctx := context.Background()

	req, err := svc.Create(ctx, CreateInput{
		FromStoreID: requesterStore,
		ToStoreID:   issuerStore,
		Lines:       []LineIssueRequest{{ItemID: itemX, Quantity: 40}},
		ActorID:     11,
	})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, req.ID, 12)
	require.NoError(t, err)

	// The rival validates against the approved, nothing-issued snapshot and
	// issues the full line while the first caller has claimed it but not yet
	// moved stock. Its claim must lose before anything moves.
	snapshot, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	rival := NewService(&staleReadRepo{memReqRepo: repo, stale: snapshot}, gate, nil, nil)
	var rivalErr error
	gate.beforeMove = func() {
		_, _, rivalErr = rival.Issue(ctx, req.ID, 14, []LineIssue{{ItemID: itemX, Quantity: 40}})
	}

	updated, outcomes, err := svc.Issue(ctx, req.ID, 13, []LineIssue{{ItemID: itemX, Quantity: 40}})
	require.NoError(t, err)
	require.ErrorIs(t, rivalErr, ErrExcessIssuance)
	require.Len(t, outcomes, 1)
	require.EqualValues(t, 40, outcomes[0].Issued)

	// Exactly one line's worth of stock crossed stores.
	require.EqualValues(t, 40, updated.Lines[0].IssuedQuantity)
	require.EqualValues(t, 60, stock.at(issuerStore, itemX))
	require.EqualValues(t, 40, stock.at(requesterStore, itemX))
	require.Len(t, stock.moves, 1)
}

func TestIssueRejectsDuplicateItems(t *testing.T) {
	svc, _, stock, _ := newTestService()
	ctx := context.Background()
	stock.set(issuerStore, itemX, 100)

	req := createApproved(t, svc, 40)

	_, _, err := svc.Issue(ctx, req.ID, 13, []LineIssue{
		{ItemID: itemX, Quantity: 20},
		{ItemID: itemX, Quantity: 20},
	})
	require.ErrorIs(t, err, ErrInvalidRequisition)
	require.EqualValues(t, 100, stock.at(issuerStore, itemX))

	current, err := svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.EqualValues(t, 0, current.Lines[0].IssuedQuantity)
}

func TestFailedMoveReleasesLineClaim(t *testing.T) {
	svc, repo, stock, _ := newTestService()
	ctx := context.Background()
	stock.set(issuerStore, itemX, 10)

	req := createApproved(t, svc, 40)

	_, _, err := svc.Issue(ctx, req.ID, 13, []LineIssue{{ItemID: itemX, Quantity: 40}})
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)

	// The claim taken before the move must be fully backed out.
	current, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, current.Status)
	require.EqualValues(t, 0, current.Lines[0].IssuedQuantity)
}

func TestShortLineSkippedSiblingsCommit(t *testing.T) {
	svc, _, stock, _ := newTestService()
	ctx := context.Background()
	itemY := int64(8)
	stock.set(issuerStore, itemX, 100)
	stock.set(issuerStore, itemY, 5)

	req, err := svc.Create(ctx, CreateInput{
		FromStoreID: requesterStore,
		ToStoreID:   issuerStore,
		Lines: []LineIssueRequest{
			{ItemID: itemX, Quantity: 40},
			{ItemID: itemY, Quantity: 20},
		},
		ActorID: 11,
	})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, req.ID, 12)
	require.NoError(t, err)

	updated, outcomes, err := svc.Issue(ctx, req.ID, 13, []LineIssue{
		{ItemID: itemX, Quantity: 40},
		{ItemID: itemY, Quantity: 20},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, updated.Status)
	require.Len(t, outcomes, 2)
	require.EqualValues(t, 40, outcomes[0].Issued)
	require.True(t, outcomes[1].Skipped)

	require.EqualValues(t, 60, stock.at(issuerStore, itemX))
	require.EqualValues(t, 40, stock.at(requesterStore, itemX))
	require.EqualValues(t, 5, stock.at(issuerStore, itemY))
}

func TestIssueFailsWhenEveryLineIsShort(t *testing.T) {
	svc, _, stock, _ := newTestService()
	ctx := context.Background()
	stock.set(issuerStore, itemX, 10)

	req := createApproved(t, svc, 40)

	_, _, err := svc.Issue(ctx, req.ID, 13, []LineIssue{{ItemID: itemX, Quantity: 40}})
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)

	current, err := svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, current.Status)
	require.EqualValues(t, 10, stock.at(issuerStore, itemX))
}

func TestIssueRejectsUnknownItem(t *testing.T) {
	svc, _, stock, _ := newTestService()
	stock.set(issuerStore, itemX, 100)

	req := createApproved(t, svc, 40)
	_, _, err := svc.Issue(context.Background(), req.ID, 13, []LineIssue{{ItemID: 999, Quantity: 1}})
	require.ErrorIs(t, err, ErrNotFound)
}
