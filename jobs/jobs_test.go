package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/meridian-hms/meridian/internal/ledger"
)

type fakeDriftLister struct {
	drifts []ledger.BalanceDrift
	err    error
}

func (f *fakeDriftLister) ListBalanceDrift(ctx context.Context) ([]ledger.BalanceDrift, error) {
	return f.drifts, f.err
}

type fakeReorderLister struct {
	alerts []ledger.ReorderAlert
	err    error
}

func (f *fakeReorderLister) ListBelowReorder(ctx context.Context) ([]ledger.ReorderAlert, error) {
	return f.alerts, f.err
}

type gaugeSpy struct {
	last int
	set  bool
}

func (g *gaugeSpy) SetLedgerDrift(batches int) {
	g.last = batches
	g.set = true
}

func testCache(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestLedgerIntegrityJobPublishesDrift(t *testing.T) {
	cache := testCache(t)
	gauge := &gaugeSpy{}
	repo := &fakeDriftLister{drifts: []ledger.BalanceDrift{
		{BatchID: 3, Quantity: 10, LedgerSum: 8, Difference: 2},
	}}
	job := NewLedgerIntegrityJob(repo, cache, nil, gauge)

	task, err := NewLedgerIntegrityTask(time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.True(t, gauge.set)
	require.Equal(t, 1, gauge.last)

	raw, err := cache.Get(context.Background(), IntegrityReportKey).Bytes()
	require.NoError(t, err)
	var report IntegrityReport
	require.NoError(t, json.Unmarshal(raw, &report))
	require.Len(t, report.Batches, 1)
	require.EqualValues(t, 3, report.Batches[0].BatchID)
	require.EqualValues(t, 2, report.Batches[0].Difference)
}

func TestLedgerIntegrityJobCleanLedgerZeroesGauge(t *testing.T) {
	gauge := &gaugeSpy{last: -1}
	job := NewLedgerIntegrityJob(&fakeDriftLister{}, testCache(t), nil, gauge)

	task, err := NewLedgerIntegrityTask(time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.True(t, gauge.set)
	require.Equal(t, 0, gauge.last)
}

func TestReorderScanJobCachesAlerts(t *testing.T) {
	cache := testCache(t)
	repo := &fakeReorderLister{alerts: []ledger.ReorderAlert{
		{StoreID: 1, ItemID: 7, ItemCode: "PCM", ItemName: "Paracetamol", Total: 4, ReorderLevel: 10},
	}}
	job := NewReorderScanJob(repo, cache, nil)

	task, err := NewReorderScanTask(time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	raw, err := cache.Get(context.Background(), ReorderReportKey).Bytes()
	require.NoError(t, err)
	var report ReorderReport
	require.NoError(t, json.Unmarshal(raw, &report))
	require.Len(t, report.Alerts, 1)
	require.Equal(t, "PCM", report.Alerts[0].ItemCode)
}

func TestJobsRejectMalformedPayload(t *testing.T) {
	// Malformed payloads must not be retried.
	intJob := NewLedgerIntegrityJob(&fakeDriftLister{}, nil, nil, nil)
	err := intJob.Handle(context.Background(), newRawTask(TaskLedgerIntegrity, "{not json"))
	require.Error(t, err)

	scanJob := NewReorderScanJob(&fakeReorderLister{}, nil, nil)
	err = scanJob.Handle(context.Background(), newRawTask(TaskReorderScan, "{not json"))
	require.Error(t, err)
}

func newRawTask(taskType, payload string) *asynq.Task {
	return asynq.NewTask(taskType, []byte(payload))
}
