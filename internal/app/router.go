package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-hms/meridian/internal/catalog"
	"github.com/meridian-hms/meridian/internal/ledger"
	"github.com/meridian-hms/meridian/internal/observability"
	"github.com/meridian-hms/meridian/internal/requisition"
	"github.com/meridian-hms/meridian/internal/stores"
	"github.com/meridian-hms/meridian/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	StoresHandler      *stores.Handler
	CatalogHandler     *catalog.Handler
	LedgerHandler      *ledger.Handler
	RequisitionHandler *requisition.Handler
	JobsHandler        *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with Meridian defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/stores", params.StoresHandler.MountRoutes)
	params.CatalogHandler.MountRoutes(r)
	r.Route("/stock", params.LedgerHandler.MountRoutes)
	params.LedgerHandler.MountItemRoutes(r)
	r.Route("/requisitions", params.RequisitionHandler.MountRoutes)
	if params.JobsHandler != nil {
		r.Route("/jobs", params.JobsHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
