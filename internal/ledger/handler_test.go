package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/meridian-hms/meridian/internal/shared"
)

type memIdem struct {
	keys map[string]bool
}

func (m *memIdem) CheckAndInsert(ctx context.Context, key, module string) error {
	if m.keys == nil {
		m.keys = map[string]bool{}
	}
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memIdem) Delete(ctx context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

func newTestRouter(repo *memRepo, idem IdempotencyPort) http.Handler {
	svc, _ := newTestService(repo)
	handler := NewHandler(svc, idem, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	r.Route("/stock", handler.MountRoutes)
	handler.MountItemRoutes(r)
	return r
}

func postJSON(t *testing.T, router http.Handler, path string, body map[string]any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set(shared.ActorHeader, "42")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestReceiveEndpointCreatesBatch(t *testing.T) {
	router := newTestRouter(newMemRepo(), nil)

	rr := postJSON(t, router, "/stock/receive", map[string]any{
		"store_id":       1,
		"item_id":        7,
		"batch_no":       "B-001",
		"expiry_date":    "2027-01-31",
		"quantity":       100,
		"purchase_price": "0.90",
		"sale_price":     "1.50",
	}, nil)
	require.Equal(t, http.StatusCreated, rr.Code)

	var batch Batch
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &batch))
	require.NotZero(t, batch.ID)
	require.EqualValues(t, 100, batch.Quantity)
}

func TestConsumeEndpointReportsShortageWithFields(t *testing.T) {
	repo := newMemRepo()
	seedBatch(t, repo, 1, 7, 30, nil)
	router := newTestRouter(repo, nil)

	rr := postJSON(t, router, "/stock/consume", map[string]any{
		"store_id": 1,
		"item_id":  7,
		"quantity": 999,
	}, nil)
	require.Equal(t, http.StatusConflict, rr.Code)

	var problem struct {
		Title  string `json:"title"`
		Fields struct {
			Requested int64 `json:"requested"`
			Available int64 `json:"available"`
		} `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	require.Equal(t, "Insufficient Stock", problem.Title)
	require.EqualValues(t, 999, problem.Fields.Requested)
	require.EqualValues(t, 30, problem.Fields.Available)
}

func TestReceiveEndpointRejectsNonPositiveQuantity(t *testing.T) {
	router := newTestRouter(newMemRepo(), nil)

	rr := postJSON(t, router, "/stock/receive", map[string]any{
		"store_id":       1,
		"item_id":        7,
		"quantity":       -5,
		"purchase_price": "1",
		"sale_price":     "1",
	}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestIdempotencyKeyBlocksReplay(t *testing.T) {
	repo := newMemRepo()
	router := newTestRouter(repo, &memIdem{})
	body := map[string]any{
		"store_id":       1,
		"item_id":        7,
		"quantity":       10,
		"purchase_price": "1",
		"sale_price":     "1",
	}
	header := map[string]string{"Idempotency-Key": "req-123"}

	first := postJSON(t, router, "/stock/receive", body, header)
	require.Equal(t, http.StatusCreated, first.Code)

	replay := postJSON(t, router, "/stock/receive", body, header)
	require.Equal(t, http.StatusConflict, replay.Code)
}

func TestIdempotencyKeyReleasedOnFailure(t *testing.T) {
	repo := newMemRepo()
	router := newTestRouter(repo, &memIdem{})
	header := map[string]string{"Idempotency-Key": "req-456"}

	// Fails on insufficient stock, key must be reusable afterwards.
	fail := postJSON(t, router, "/stock/consume", map[string]any{
		"store_id": 1, "item_id": 7, "quantity": 5,
	}, header)
	require.Equal(t, http.StatusConflict, fail.Code)

	seedBatch(t, repo, 1, 7, 10, nil)
	retry := postJSON(t, router, "/stock/consume", map[string]any{
		"store_id": 1, "item_id": 7, "quantity": 5,
	}, header)
	require.Equal(t, http.StatusOK, retry.Code)
}

func TestStockLevelEndpoint(t *testing.T) {
	repo := newMemRepo()
	seedBatch(t, repo, 1, 7, 25, datePtr(2027, 1, 1))
	router := newTestRouter(repo, nil)

	req := httptest.NewRequest(http.MethodGet, "/items/7/stock?store_id=1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var level StockLevel
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &level))
	require.EqualValues(t, 25, level.Total)
	require.Len(t, level.Batches, 1)
}
