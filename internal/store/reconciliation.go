package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"conversion-relay/internal/models"
)

const reconColumns = `id, site_id, period, status, last_drift_pct, last_error, claimed_at, created_at, updated_at`

// EnsureReconciliationJob creates the (site, period) job if absent. Creation
// is idempotent; re-running the enqueue step never duplicates jobs.
func (s *Store) EnsureReconciliationJob(ctx context.Context, siteID, period string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO reconciliation_jobs (id, site_id, period, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (site_id, period) DO NOTHING
	`, uuid.New().String(), siteID, period, models.ReconStatusQueued)
	if err != nil {
		return false, fmt.Errorf("ensure reconciliation job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimReconciliationJobs claims up to limit jobs under the same skip-locked
// discipline as the upload queue. Failed jobs are eligible again (a failed
// audit is retried next cycle), as are jobs stuck in processing beyond
// stuckAfter.
func (s *Store) ClaimReconciliationJobs(ctx context.Context, limit int, stuckAfter time.Duration) ([]models.ReconciliationJob, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE reconciliation_jobs
		SET status = $1, claimed_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM reconciliation_jobs
			WHERE status IN ($2, $3)
			   OR (status = $1 AND claimed_at <= NOW() - $4::interval)
			ORDER BY updated_at, id
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+reconColumns,
		models.ReconStatusProcessing, models.ReconStatusQueued, models.ReconStatusFailed,
		intervalArg(stuckAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("claim reconciliation jobs: %w", err)
	}
	defer rows.Close()

	var claimed []models.ReconciliationJob
	for rows.Next() {
		job, err := scanReconJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reconciliation job: %w", err)
		}
		claimed = append(claimed, job)
	}
	return claimed, rows.Err()
}

// CompleteReconciliationJob records the audit result. A nil driftPct means
// the fast-path cache was unreadable and no drift could be measured; that is
// persisted as NULL, distinct from a measured zero.
func (s *Store) CompleteReconciliationJob(ctx context.Context, id string, driftPct *float64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE reconciliation_jobs
		SET status = $2, last_drift_pct = $3, last_error = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.ReconStatusCompleted, driftPct)
	return err
}

// FailReconciliationJob leaves the job failed; it will be retried next cycle.
func (s *Store) FailReconciliationJob(ctx context.Context, id, lastError string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE reconciliation_jobs
		SET status = $2, last_error = $3, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.ReconStatusFailed, boundErr(lastError))
	return err
}

func scanReconJob(r rowScanner) (models.ReconciliationJob, error) {
	var job models.ReconciliationJob
	var drift pgtype.Float8
	var lastErr pgtype.Text
	var claimedAt pgtype.Timestamptz

	err := r.Scan(&job.ID, &job.SiteID, &job.Period, &job.Status,
		&drift, &lastErr, &claimedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.ReconciliationJob{}, err
	}
	if drift.Valid {
		job.LastDriftPct = &drift.Float64
	}
	job.LastError = textPtr(lastErr)
	if claimedAt.Valid {
		job.ClaimedAt = &claimedAt.Time
	}
	return job, nil
}
