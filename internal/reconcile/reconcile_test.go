package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversion-relay/internal/config"
	"conversion-relay/internal/models"
)

type fakeReconStore struct {
	mu     sync.Mutex
	jobs   map[string]*models.ReconciliationJob
	counts map[string]int64 // site|period -> authoritative count
	sites  []string

	countErr error
	setCalls int
}

func newFakeReconStore() *fakeReconStore {
	return &fakeReconStore{
		jobs:   map[string]*models.ReconciliationJob{},
		counts: map[string]int64{},
	}
}

func (f *fakeReconStore) ActiveSites(context.Context, []string) ([]string, error) {
	return f.sites, nil
}

func (f *fakeReconStore) EnsureReconciliationJob(_ context.Context, siteID, period string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := siteID + "|" + period
	if _, ok := f.jobs[key]; ok {
		return false, nil
	}
	f.jobs[key] = &models.ReconciliationJob{
		ID: key, SiteID: siteID, Period: period, Status: models.ReconStatusQueued,
	}
	return true, nil
}

func (f *fakeReconStore) ClaimReconciliationJobs(_ context.Context, limit int, _ time.Duration) ([]models.ReconciliationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var claimed []models.ReconciliationJob
	for _, j := range f.jobs {
		if len(claimed) >= limit {
			break
		}
		if j.Status == models.ReconStatusQueued || j.Status == models.ReconStatusFailed {
			j.Status = models.ReconStatusProcessing
			claimed = append(claimed, *j)
		}
	}
	return claimed, nil
}

func (f *fakeReconStore) CompleteReconciliationJob(_ context.Context, id string, driftPct *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = models.ReconStatusCompleted
	j.LastDriftPct = driftPct
	return nil
}

func (f *fakeReconStore) FailReconciliationJob(_ context.Context, id, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = models.ReconStatusFailed
	j.LastError = &lastError
	return nil
}

func (f *fakeReconStore) BillableCount(_ context.Context, siteID, period string) (int64, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.counts[siteID+"|"+period], nil
}

func (f *fakeReconStore) requeue(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].Status = models.ReconStatusQueued
}

func testWorker(t *testing.T, st *fakeReconStore) (*Worker, *RedisCounter) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	counter := NewRedisCounter(client)
	cfg := config.Config{
		ReconBatchSize:    100,
		StuckThreshold:    15 * time.Minute,
		DriftAbsThreshold: 5,
		DriftPctThreshold: 0.01,
	}
	return NewWorker(cfg, st, counter), counter
}

func TestDriftBeyondToleranceIsCorrected(t *testing.T) {
	ctx := context.Background()
	st := newFakeReconStore()
	st.counts["site-S|2026-08"] = 120
	_, err := st.EnsureReconciliationJob(ctx, "site-S", "2026-08")
	require.NoError(t, err)

	w, counter := testWorker(t, st)
	require.NoError(t, counter.Set(ctx, "site-S", "2026-08", 100))

	res, err := w.RunCycle(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Processed: 1, Completed: 1}, res)

	corrected, err := counter.Get(ctx, "site-S", "2026-08")
	require.NoError(t, err)
	assert.EqualValues(t, 120, corrected, "fast path corrected to the ledger value")

	job := st.jobs["site-S|2026-08"]
	assert.Equal(t, models.ReconStatusCompleted, job.Status)
	require.NotNil(t, job.LastDriftPct)
	assert.InDelta(t, -16.67, *job.LastDriftPct, 0.01)
}

func TestDriftWithinToleranceLeftAlone(t *testing.T) {
	ctx := context.Background()
	st := newFakeReconStore()
	st.counts["site-S|2026-08"] = 1000
	_, err := st.EnsureReconciliationJob(ctx, "site-S", "2026-08")
	require.NoError(t, err)

	w, counter := testWorker(t, st)
	require.NoError(t, counter.Set(ctx, "site-S", "2026-08", 997))

	_, err = w.RunCycle(ctx, 10)
	require.NoError(t, err)

	v, err := counter.Get(ctx, "site-S", "2026-08")
	require.NoError(t, err)
	assert.EqualValues(t, 997, v, "within tolerance means no correction")
}

func TestSecondRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newFakeReconStore()
	st.counts["site-S|2026-08"] = 120
	_, err := st.EnsureReconciliationJob(ctx, "site-S", "2026-08")
	require.NoError(t, err)

	w, counter := testWorker(t, st)
	require.NoError(t, counter.Set(ctx, "site-S", "2026-08", 100))

	_, err = w.RunCycle(ctx, 10)
	require.NoError(t, err)

	// Re-run with no new ledger activity: counters already agree, drift zero.
	st.requeue("site-S|2026-08")
	res, err := w.RunCycle(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Processed: 1, Completed: 1}, res)

	v, err := counter.Get(ctx, "site-S", "2026-08")
	require.NoError(t, err)
	assert.EqualValues(t, 120, v)
	assert.InDelta(t, 0, *st.jobs["site-S|2026-08"].LastDriftPct, 0.0001)
}

func TestCacheFailureDoesNotFailJob(t *testing.T) {
	ctx := context.Background()
	st := newFakeReconStore()
	st.counts["site-S|2026-08"] = 50
	_, err := st.EnsureReconciliationJob(ctx, "site-S", "2026-08")
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	counter := NewRedisCounter(client)
	mr.Close() // cache unreachable from here on

	cfg := config.Config{ReconBatchSize: 100, StuckThreshold: 15 * time.Minute, DriftAbsThreshold: 5, DriftPctThreshold: 0.01}
	w := NewWorker(cfg, st, counter)

	res, err := w.RunCycle(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Processed: 1, Completed: 1}, res,
		"reconciliation answers to the ledger; a dead cache is logged, not fatal")
	assert.Nil(t, st.jobs["site-S|2026-08"].LastDriftPct,
		"unmeasured drift stays NULL, never a fake zero")
}

func TestLedgerFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	st := newFakeReconStore()
	st.countErr = eris.New("ledger unreachable")
	_, err := st.EnsureReconciliationJob(ctx, "site-S", "2026-08")
	require.NoError(t, err)

	w, _ := testWorker(t, st)
	res, err := w.RunCycle(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Processed: 1, Failed: 1}, res)
	assert.Equal(t, models.ReconStatusFailed, st.jobs["site-S|2026-08"].Status)

	// Failed jobs are claim-eligible again next cycle.
	st.countErr = nil
	res, err = w.RunCycle(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Processed: 1, Completed: 1}, res)
}

func TestEnqueueJobsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newFakeReconStore()
	st.sites = []string{"site-A", "site-B"}

	w, _ := testWorker(t, st)

	res, err := w.EnqueueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ActiveSites)
	assert.Equal(t, 4, res.Enqueued, "two periods per active site")

	res, err = w.EnqueueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Enqueued, "insert-if-absent on re-trigger")
}
