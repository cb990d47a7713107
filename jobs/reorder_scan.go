package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/meridian-hms/meridian/internal/ledger"
)

// ReorderReportKey is the cache key holding the latest reorder alerts.
const ReorderReportKey = "meridian:stock:reorder:last"

// ReorderLister exposes the below-reorder query.
type ReorderLister interface {
	ListBelowReorder(ctx context.Context) ([]ledger.ReorderAlert, error)
}

// ReorderReport is the cached result of one scan.
type ReorderReport struct {
	RanAt  time.Time             `json:"ran_at"`
	Alerts []ledger.ReorderAlert `json:"alerts"`
}

// ReorderScanJob flags items whose per-store stock fell to or below the
// reorder level.
type ReorderScanJob struct {
	Repo   ReorderLister
	Cache  *redis.Client
	Logger *slog.Logger
	clock  func() time.Time
}

// NewReorderScanJob initialises the reorder scan handler.
func NewReorderScanJob(repo ReorderLister, cache *redis.Client, logger *slog.Logger) *ReorderScanJob {
	return &ReorderScanJob{
		Repo:   repo,
		Cache:  cache,
		Logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the scan.
func (j *ReorderScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Repo == nil {
		return errors.New("reorder scan: handler not configured")
	}
	var payload ReorderScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	start := j.now()
	logger := j.logger()
	logger.Info("starting reorder scan")

	alerts, err := j.Repo.ListBelowReorder(ctx)
	if err != nil {
		logger.Error("reorder scan failed", slog.Any("error", err))
		return err
	}
	for _, a := range alerts {
		logger.Warn("item below reorder level",
			slog.Int64("store_id", a.StoreID),
			slog.Int64("item_id", a.ItemID),
			slog.String("item_code", a.ItemCode),
			slog.Int64("total", a.Total),
			slog.Int64("reorder_level", a.ReorderLevel),
		)
	}

	if err := j.cacheReport(ctx, ReorderReport{RanAt: start, Alerts: alerts}); err != nil {
		logger.Warn("caching reorder report", slog.Any("error", err))
	}

	logger.Info("completed reorder scan",
		slog.Int("alerts", len(alerts)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *ReorderScanJob) cacheReport(ctx context.Context, report ReorderReport) error {
	if j.Cache == nil {
		return nil
	}
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return j.Cache.Set(ctx, ReorderReportKey, body, 24*time.Hour).Err()
}

func (j *ReorderScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReorderScan))
	}
	return slog.Default().With(slog.String("job", TaskReorderScan))
}

func (j *ReorderScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
