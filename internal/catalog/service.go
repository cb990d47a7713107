package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/meridian-hms/meridian/internal/shared"
)

// RepositoryPort abstracts catalog persistence.
type RepositoryPort interface {
	CreateItem(ctx context.Context, item Item) (Item, error)
	UpdateItem(ctx context.Context, item Item) (Item, error)
	SetItemActive(ctx context.Context, id int64, active bool) (Item, error)
	GetItem(ctx context.Context, id int64) (Item, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]Item, error)
	CountItems(ctx context.Context, filter ItemFilter) (int64, error)
	CountOpenRequisitionsForItem(ctx context.Context, itemID int64) (int64, error)
	CreateCategory(ctx context.Context, c Category) (Category, error)
	UpdateCategory(ctx context.Context, c Category) (Category, error)
	GetCategory(ctx context.Context, id int64) (Category, error)
	ListCategories(ctx context.Context) ([]Category, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns item and category master data rules.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
}

// NewService constructs Service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit}
}

// ItemInput describes item master data.
type ItemInput struct {
	ID            int64
	Name          string
	Code          string
	Type          string
	CategoryID    *int64
	Unit          string
	ReorderLevel  int64
	StandardPrice decimal.Decimal
	ActorID       int64
}

func (in *ItemInput) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	in.Unit = strings.TrimSpace(in.Unit)
	if in.Name == "" {
		return fmt.Errorf("%w: name required", ErrValidation)
	}
	if in.Code == "" {
		return fmt.Errorf("%w: code required", ErrValidation)
	}
	if in.ReorderLevel < 0 {
		return fmt.Errorf("%w: reorder level must be >= 0", ErrValidation)
	}
	if in.StandardPrice.IsNegative() {
		return fmt.Errorf("%w: standard price must be >= 0", ErrValidation)
	}
	if in.ActorID == 0 {
		return fmt.Errorf("%w: acting user required", ErrValidation)
	}
	return nil
}

// CreateItem registers an item.
func (s *Service) CreateItem(ctx context.Context, input ItemInput) (Item, error) {
	if err := input.normalize(); err != nil {
		return Item{}, err
	}
	if input.CategoryID != nil {
		if _, err := s.repo.GetCategory(ctx, *input.CategoryID); err != nil {
			return Item{}, err
		}
	}
	item, err := s.repo.CreateItem(ctx, Item{
		Name:          input.Name,
		Code:          input.Code,
		Type:          input.Type,
		CategoryID:    input.CategoryID,
		Unit:          input.Unit,
		ReorderLevel:  input.ReorderLevel,
		StandardPrice: input.StandardPrice,
	})
	if err != nil {
		return Item{}, err
	}
	s.recordAudit(ctx, input.ActorID, "item:create", item.ID, map[string]any{"code": item.Code})
	return item, nil
}

// UpdateItem edits an item.
func (s *Service) UpdateItem(ctx context.Context, input ItemInput) (Item, error) {
	if input.ID == 0 {
		return Item{}, fmt.Errorf("%w: item id required", ErrValidation)
	}
	if err := input.normalize(); err != nil {
		return Item{}, err
	}
	if input.CategoryID != nil {
		if _, err := s.repo.GetCategory(ctx, *input.CategoryID); err != nil {
			return Item{}, err
		}
	}
	item, err := s.repo.UpdateItem(ctx, Item{
		ID:            input.ID,
		Name:          input.Name,
		Code:          input.Code,
		Type:          input.Type,
		CategoryID:    input.CategoryID,
		Unit:          input.Unit,
		ReorderLevel:  input.ReorderLevel,
		StandardPrice: input.StandardPrice,
	})
	if err != nil {
		return Item{}, err
	}
	s.recordAudit(ctx, input.ActorID, "item:update", item.ID, map[string]any{"code": item.Code})
	return item, nil
}

// DeactivateItem tombstones an item so historical batches and transactions
// stay resolvable. Fails while open requisitions reference it.
func (s *Service) DeactivateItem(ctx context.Context, id, actorID int64) (Item, error) {
	if id == 0 {
		return Item{}, fmt.Errorf("%w: item id required", ErrValidation)
	}
	if actorID == 0 {
		return Item{}, fmt.Errorf("%w: acting user required", ErrValidation)
	}
	open, err := s.repo.CountOpenRequisitionsForItem(ctx, id)
	if err != nil {
		return Item{}, err
	}
	if open > 0 {
		return Item{}, fmt.Errorf("%w: %d open requisition lines", ErrItemInUse, open)
	}
	item, err := s.repo.SetItemActive(ctx, id, false)
	if err != nil {
		return Item{}, err
	}
	s.recordAudit(ctx, actorID, "item:deactivate", item.ID, nil)
	return item, nil
}

// ActivateItem lifts the tombstone.
func (s *Service) ActivateItem(ctx context.Context, id, actorID int64) (Item, error) {
	if id == 0 {
		return Item{}, fmt.Errorf("%w: item id required", ErrValidation)
	}
	item, err := s.repo.SetItemActive(ctx, id, true)
	if err != nil {
		return Item{}, err
	}
	s.recordAudit(ctx, actorID, "item:activate", item.ID, nil)
	return item, nil
}

// GetItem fetches one item.
func (s *Service) GetItem(ctx context.Context, id int64) (Item, error) {
	return s.repo.GetItem(ctx, id)
}

// ListItems returns one page of items plus the unpaged match count.
func (s *Service) ListItems(ctx context.Context, filter ItemFilter) ([]Item, int64, error) {
	items, err := s.repo.ListItems(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.CountItems(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// CategoryInput describes a category node.
type CategoryInput struct {
	ID       int64
	Name     string
	ParentID *int64
	ActorID  int64
}

// CreateCategory adds a tree node.
func (s *Service) CreateCategory(ctx context.Context, input CategoryInput) (Category, error) {
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return Category{}, fmt.Errorf("%w: name required", ErrValidation)
	}
	if input.ParentID != nil {
		if _, err := s.repo.GetCategory(ctx, *input.ParentID); err != nil {
			return Category{}, err
		}
	}
	c, err := s.repo.CreateCategory(ctx, Category{Name: input.Name, ParentID: input.ParentID})
	if err != nil {
		return Category{}, err
	}
	s.recordAudit(ctx, input.ActorID, "category:create", c.ID, nil)
	return c, nil
}

// UpdateCategory renames or reparents a node. Reparenting onto the node's own
// subtree is rejected by walking the proposed ancestor chain before commit.
func (s *Service) UpdateCategory(ctx context.Context, input CategoryInput) (Category, error) {
	if input.ID == 0 {
		return Category{}, fmt.Errorf("%w: category id required", ErrValidation)
	}
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return Category{}, fmt.Errorf("%w: name required", ErrValidation)
	}
	if _, err := s.repo.GetCategory(ctx, input.ID); err != nil {
		return Category{}, err
	}
	if input.ParentID != nil {
		if *input.ParentID == input.ID {
			return Category{}, ErrCategoryCycle
		}
		if err := s.ensureNoCycle(ctx, input.ID, *input.ParentID); err != nil {
			return Category{}, err
		}
	}
	c, err := s.repo.UpdateCategory(ctx, Category{ID: input.ID, Name: input.Name, ParentID: input.ParentID})
	if err != nil {
		return Category{}, err
	}
	s.recordAudit(ctx, input.ActorID, "category:update", c.ID, nil)
	return c, nil
}

// ListCategories returns the flat tree.
func (s *Service) ListCategories(ctx context.Context) ([]Category, error) {
	return s.repo.ListCategories(ctx)
}

// ensureNoCycle walks up from the proposed parent; finding the node itself
// means the new parent sits inside the node's subtree.
func (s *Service) ensureNoCycle(ctx context.Context, nodeID, parentID int64) error {
	visited := map[int64]bool{}
	current := parentID
	for {
		if current == nodeID {
			return ErrCategoryCycle
		}
		if visited[current] {
			// Pre-existing loop in stored data; refuse to extend it.
			return ErrCategoryCycle
		}
		visited[current] = true
		parent, err := s.repo.GetCategory(ctx, current)
		if err != nil {
			return err
		}
		if parent.ParentID == nil {
			return nil
		}
		current = *parent.ParentID
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "catalog",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}
