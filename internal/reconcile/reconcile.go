// Package reconcile audits metered usage: it recomputes authoritative
// billable-event counts from the append-only ledger and corrects fast-path
// counters that drifted past tolerance. The ledger is the source of truth;
// the cache is best-effort and its unavailability is never fatal.
package reconcile

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"conversion-relay/internal/config"
	"conversion-relay/internal/models"
	"conversion-relay/internal/telemetry"
)

// Store is the persistence surface the worker needs. Satisfied by
// *store.Store.
type Store interface {
	ActiveSites(ctx context.Context, periods []string) ([]string, error)
	EnsureReconciliationJob(ctx context.Context, siteID, period string) (bool, error)
	ClaimReconciliationJobs(ctx context.Context, limit int, stuckAfter time.Duration) ([]models.ReconciliationJob, error)
	CompleteReconciliationJob(ctx context.Context, id string, driftPct *float64) error
	FailReconciliationJob(ctx context.Context, id, lastError string) error
	BillableCount(ctx context.Context, siteID, period string) (int64, error)
}

// Worker runs the periodic usage audit.
type Worker struct {
	cfg     config.Config
	store   Store
	counter Counter
}

func NewWorker(cfg config.Config, st Store, counter Counter) *Worker {
	return &Worker{cfg: cfg, store: st, counter: counter}
}

// EnqueueResult summarizes one enqueue pass.
type EnqueueResult struct {
	Enqueued    int `json:"enqueued"`
	ActiveSites int `json:"active_sites"`
}

// EnqueueJobs creates reconciliation jobs for every site active in the
// current or prior period. Creation is insert-if-absent, so repeated
// triggers are harmless.
func (w *Worker) EnqueueJobs(ctx context.Context) (EnqueueResult, error) {
	now := time.Now()
	periods := []string{models.PeriodOf(now.AddDate(0, -1, 0)), models.PeriodOf(now)}

	sites, err := w.store.ActiveSites(ctx, periods)
	if err != nil {
		return EnqueueResult{}, eris.Wrap(err, "list active sites")
	}

	res := EnqueueResult{ActiveSites: len(sites)}
	for _, site := range sites {
		for _, period := range periods {
			created, err := w.store.EnsureReconciliationJob(ctx, site, period)
			if err != nil {
				return res, eris.Wrapf(err, "ensure job for site %s period %s", site, period)
			}
			if created {
				res.Enqueued++
			}
		}
	}
	return res, nil
}

// CycleResult summarizes one reconciliation run.
type CycleResult struct {
	Processed int `json:"processed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// RunCycle claims up to limit jobs and audits each one.
func (w *Worker) RunCycle(ctx context.Context, limit int) (CycleResult, error) {
	if limit <= 0 {
		limit = w.cfg.ReconBatchSize
	}
	jobs, err := w.store.ClaimReconciliationJobs(ctx, limit, w.cfg.StuckThreshold)
	if err != nil {
		return CycleResult{}, eris.Wrap(err, "claim reconciliation jobs")
	}

	var res CycleResult
	for _, job := range jobs {
		res.Processed++
		if err := w.auditJob(ctx, job); err != nil {
			res.Failed++
			telemetry.ReconFailed.Inc()
			if ferr := w.store.FailReconciliationJob(ctx, job.ID, err.Error()); ferr != nil {
				zap.L().Error("mark reconciliation job failed", zap.String("job_id", job.ID), zap.Error(ferr))
			}
			continue
		}
		res.Completed++
		telemetry.ReconCompleted.Inc()
	}
	return res, nil
}

// auditJob recomputes the authoritative count for one (site, period) and
// corrects the fast-path counter when drift exceeds tolerance. Only ledger
// errors fail the job; every cache interaction degrades to a log line.
func (w *Worker) auditJob(ctx context.Context, job models.ReconciliationJob) error {
	log := zap.L().With(zap.String("site_id", job.SiteID), zap.String("period", job.Period))

	authoritative, err := w.store.BillableCount(ctx, job.SiteID, job.Period)
	if err != nil {
		return eris.Wrap(err, "recompute authoritative count")
	}

	fastPath, cacheOK := int64(0), true
	if v, err := w.counter.Get(ctx, job.SiteID, job.Period); err != nil {
		cacheOK = false
		log.Warn("fast-path counter unreadable, skipping drift check", zap.Error(err))
	} else {
		fastPath = v
	}

	// nil means "not measured", distinct from a measured zero drift.
	var driftPct *float64
	if cacheOK {
		drift := fastPath - authoritative
		pct := 0.0
		switch {
		case authoritative > 0:
			pct = float64(drift) / float64(authoritative) * 100
		case drift != 0:
			pct = 100
		}
		driftPct = &pct

		tolerance := float64(w.cfg.DriftAbsThreshold)
		if rel := w.cfg.DriftPctThreshold * float64(authoritative); rel > tolerance {
			tolerance = rel
		}
		if math.Abs(float64(drift)) > tolerance {
			log.Warn("usage drift beyond tolerance",
				zap.Int64("fast_path", fastPath),
				zap.Int64("authoritative", authoritative),
				zap.Int64("drift", drift))
			if err := w.counter.Set(ctx, job.SiteID, job.Period, authoritative); err != nil {
				log.Warn("fast-path counter correction failed", zap.Error(err))
			} else {
				telemetry.ReconCorrections.Inc()
			}
		}
		telemetry.ReconDriftGauge.WithLabelValues(job.SiteID).Set(pct)
	}

	if err := w.store.CompleteReconciliationJob(ctx, job.ID, driftPct); err != nil {
		return eris.Wrap(err, "complete reconciliation job")
	}
	return nil
}
