package stores

import (
	"context"
	"fmt"
	"strings"

	"github.com/meridian-hms/meridian/internal/shared"
)

// RepositoryPort abstracts store persistence.
type RepositoryPort interface {
	Create(ctx context.Context, store Store) (Store, error)
	Update(ctx context.Context, store Store) (Store, error)
	SetActive(ctx context.Context, id int64, active bool) (Store, error)
	Get(ctx context.Context, id int64) (Store, error)
	List(ctx context.Context, filter ListFilter) ([]Store, error)
	CountOpenRequisitions(ctx context.Context, storeID int64) (int64, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns store master data rules.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
}

// NewService constructs Service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit}
}

// CreateInput describes a new store.
type CreateInput struct {
	Name    string
	Code    string
	IsMain  bool
	ActorID int64
}

// Create registers a store.
func (s *Service) Create(ctx context.Context, input CreateInput) (Store, error) {
	name, code, err := normalizeStore(input.Name, input.Code)
	if err != nil {
		return Store{}, err
	}
	if input.ActorID == 0 {
		return Store{}, fmt.Errorf("%w: acting user required", ErrValidation)
	}
	store, err := s.repo.Create(ctx, Store{Name: name, Code: code, IsMain: input.IsMain})
	if err != nil {
		return Store{}, err
	}
	s.recordAudit(ctx, input.ActorID, "store:create", store)
	return store, nil
}

// UpdateInput describes store changes.
type UpdateInput struct {
	ID      int64
	Name    string
	Code    string
	IsMain  bool
	ActorID int64
}

// Update edits a store.
func (s *Service) Update(ctx context.Context, input UpdateInput) (Store, error) {
	if input.ID == 0 {
		return Store{}, fmt.Errorf("%w: store id required", ErrValidation)
	}
	name, code, err := normalizeStore(input.Name, input.Code)
	if err != nil {
		return Store{}, err
	}
	if input.ActorID == 0 {
		return Store{}, fmt.Errorf("%w: acting user required", ErrValidation)
	}
	store, err := s.repo.Update(ctx, Store{ID: input.ID, Name: name, Code: code, IsMain: input.IsMain})
	if err != nil {
		return Store{}, err
	}
	s.recordAudit(ctx, input.ActorID, "store:update", store)
	return store, nil
}

// Deactivate tombstones a store. Fails while open requisitions reference it.
func (s *Service) Deactivate(ctx context.Context, id, actorID int64) (Store, error) {
	if id == 0 {
		return Store{}, fmt.Errorf("%w: store id required", ErrValidation)
	}
	if actorID == 0 {
		return Store{}, fmt.Errorf("%w: acting user required", ErrValidation)
	}
	open, err := s.repo.CountOpenRequisitions(ctx, id)
	if err != nil {
		return Store{}, err
	}
	if open > 0 {
		return Store{}, fmt.Errorf("%w: %d open requisitions", ErrStoreInUse, open)
	}
	store, err := s.repo.SetActive(ctx, id, false)
	if err != nil {
		return Store{}, err
	}
	s.recordAudit(ctx, actorID, "store:deactivate", store)
	return store, nil
}

// Activate lifts the tombstone.
func (s *Service) Activate(ctx context.Context, id, actorID int64) (Store, error) {
	if id == 0 {
		return Store{}, fmt.Errorf("%w: store id required", ErrValidation)
	}
	store, err := s.repo.SetActive(ctx, id, true)
	if err != nil {
		return Store{}, err
	}
	s.recordAudit(ctx, actorID, "store:activate", store)
	return store, nil
}

// Get fetches one store.
func (s *Service) Get(ctx context.Context, id int64) (Store, error) {
	return s.repo.Get(ctx, id)
}

// List returns stores matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Store, error) {
	return s.repo.List(ctx, filter)
}

func normalizeStore(name, code string) (string, string, error) {
	name = strings.TrimSpace(name)
	code = strings.ToUpper(strings.TrimSpace(code))
	if name == "" {
		return "", "", fmt.Errorf("%w: name required", ErrValidation)
	}
	if code == "" {
		return "", "", fmt.Errorf("%w: code required", ErrValidation)
	}
	return name, code, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, store Store) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "store",
		EntityID: fmt.Sprintf("%d", store.ID),
		Meta:     map[string]any{"code": store.Code, "is_main": store.IsMain},
	})
}
