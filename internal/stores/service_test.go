package stores

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memStoreRepo struct {
	mu     sync.Mutex
	nextID int64
	stores map[int64]Store
	open   map[int64]int64
}

func newMemStoreRepo() *memStoreRepo {
	return &memStoreRepo{stores: map[int64]Store{}, open: map[int64]int64{}}
}

func (m *memStoreRepo) Create(ctx context.Context, store Store) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.stores {
		if s.Code == store.Code {
			return Store{}, ErrDuplicateCode
		}
	}
	if store.IsMain {
		for id, s := range m.stores {
			s.IsMain = false
			m.stores[id] = s
		}
	}
	m.nextID++
	store.ID = m.nextID
	store.IsActive = true
	m.stores[store.ID] = store
	return store, nil
}

func (m *memStoreRepo) Update(ctx context.Context, store Store) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.stores[store.ID]
	if !ok {
		return Store{}, ErrNotFound
	}
	for id, s := range m.stores {
		if id != store.ID && s.Code == store.Code {
			return Store{}, ErrDuplicateCode
		}
	}
	if store.IsMain {
		for id, s := range m.stores {
			if id != store.ID {
				s.IsMain = false
				m.stores[id] = s
			}
		}
	}
	existing.Name, existing.Code, existing.IsMain = store.Name, store.Code, store.IsMain
	m.stores[store.ID] = existing
	return existing, nil
}

func (m *memStoreRepo) SetActive(ctx context.Context, id int64, active bool) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[id]
	if !ok {
		return Store{}, ErrNotFound
	}
	s.IsActive = active
	m.stores[id] = s
	return s, nil
}

func (m *memStoreRepo) Get(ctx context.Context, id int64) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[id]
	if !ok {
		return Store{}, ErrNotFound
	}
	return s, nil
}

func (m *memStoreRepo) List(ctx context.Context, filter ListFilter) ([]Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Store
	for _, s := range m.stores {
		if filter.ActiveOnly && !s.IsActive {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *memStoreRepo) CountOpenRequisitions(ctx context.Context, storeID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[storeID], nil
}

func TestCreateNormalizesAndUppercasesCode(t *testing.T) {
	repo := newMemStoreRepo()
	svc := NewService(repo, nil)

	store, err := svc.Create(context.Background(), CreateInput{Name: "  Main Pharmacy ", Code: " mph ", IsMain: true, ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, "Main Pharmacy", store.Name)
	require.Equal(t, "MPH", store.Code)
	require.True(t, store.IsMain)
	require.True(t, store.IsActive)
}

func TestCreateRejectsBlankFields(t *testing.T) {
	svc := NewService(newMemStoreRepo(), nil)

	_, err := svc.Create(context.Background(), CreateInput{Name: "", Code: "X", ActorID: 1})
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.Create(context.Background(), CreateInput{Name: "X", Code: "  ", ActorID: 1})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateDuplicateCode(t *testing.T) {
	svc := NewService(newMemStoreRepo(), nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{Name: "A", Code: "ST1", ActorID: 1})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateInput{Name: "B", Code: "st1", ActorID: 1})
	require.ErrorIs(t, err, ErrDuplicateCode)
}

func TestSingleMainStore(t *testing.T) {
	repo := newMemStoreRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateInput{Name: "A", Code: "ST1", IsMain: true, ActorID: 1})
	require.NoError(t, err)
	second, err := svc.Create(ctx, CreateInput{Name: "B", Code: "ST2", IsMain: true, ActorID: 1})
	require.NoError(t, err)
	require.True(t, second.IsMain)

	demoted, err := svc.Get(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, demoted.IsMain)
}

func TestDeactivateBlockedByOpenRequisitions(t *testing.T) {
	repo := newMemStoreRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	store, err := svc.Create(ctx, CreateInput{Name: "A", Code: "ST1", ActorID: 1})
	require.NoError(t, err)
	repo.open[store.ID] = 2

	_, err = svc.Deactivate(ctx, store.ID, 1)
	require.ErrorIs(t, err, ErrStoreInUse)

	current, err := svc.Get(ctx, store.ID)
	require.NoError(t, err)
	require.True(t, current.IsActive)

	repo.open[store.ID] = 0
	current, err = svc.Deactivate(ctx, store.ID, 1)
	require.NoError(t, err)
	require.False(t, current.IsActive)
}

func TestActivateRestoresStore(t *testing.T) {
	repo := newMemStoreRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	store, err := svc.Create(ctx, CreateInput{Name: "A", Code: "ST1", ActorID: 1})
	require.NoError(t, err)
	_, err = svc.Deactivate(ctx, store.ID, 1)
	require.NoError(t, err)

	restored, err := svc.Activate(ctx, store.ID, 1)
	require.NoError(t, err)
	require.True(t, restored.IsActive)
}
