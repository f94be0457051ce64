package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"conversion-relay/internal/models"
)

// Operator bulk actions over queue rows (see QueueAction).
const (
	ActionRetrySelected = "retry_selected"
	ActionResetToQueued = "reset_to_queued"
	ActionMarkFailed    = "mark_failed"
)

// maxLastErrorLen bounds free-text error storage.
const maxLastErrorLen = 500

const queueColumns = `id, site_id, provider_key, payload, occurred_at, amount, currency, click_ids,
	status, attempt_count, claimed_at, next_retry_at,
	last_error, provider_error_code, provider_error_category, created_at, updated_at`

// EnqueueParams collects inputs required to insert a queue row.
type EnqueueParams struct {
	SiteID      string
	ProviderKey string
	// EventKey identifies the underlying business event. Duplicate enqueue
	// attempts with the same key return the existing row.
	EventKey   string
	Payload    map[string]any
	OccurredAt time.Time
	Amount     int64
	Currency   string
	ClickIDs   map[string]string
}

// Enqueue inserts a queue row, honoring the business-event key if provided.
// The returned bool reports whether an existing row was reused.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (models.QueueRow, bool, error) {
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	if p.ClickIDs == nil {
		p.ClickIDs = map[string]string{}
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.QueueRow{}, false, fmt.Errorf("marshal payload: %w", err)
	}
	clickJSON, err := json.Marshal(p.ClickIDs)
	if err != nil {
		return models.QueueRow{}, false, fmt.Errorf("marshal click ids: %w", err)
	}

	// If the event key already exists, short-circuit before creating anything.
	if p.EventKey != "" {
		if existing, found, err := s.FindByEventKey(ctx, p.EventKey); err != nil {
			return models.QueueRow{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return models.QueueRow{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO conversion_jobs (id, site_id, provider_key, payload, occurred_at, amount, currency, click_ids, status, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $10)
	`, id, p.SiteID, p.ProviderKey, payloadJSON, p.OccurredAt, p.Amount, p.Currency, clickJSON, models.StatusQueued, now)
	if err != nil {
		return models.QueueRow{}, false, fmt.Errorf("insert queue row: %w", err)
	}

	if p.EventKey != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO event_keys (key, job_id)
			VALUES ($1, $2)
			ON CONFLICT (key) DO NOTHING
		`, p.EventKey, id)
		if err != nil {
			return models.QueueRow{}, false, fmt.Errorf("insert event key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return their row.
			if err := tx.Rollback(ctx); err != nil {
				return models.QueueRow{}, false, fmt.Errorf("rollback after event key conflict: %w", err)
			}
			existing, found, err := s.FindByEventKey(ctx, p.EventKey)
			if err != nil {
				return models.QueueRow{}, false, err
			}
			if !found {
				return models.QueueRow{}, false, errors.New("event key conflict but no existing row found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.QueueRow{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.QueueRow{
		ID:          id,
		SiteID:      p.SiteID,
		ProviderKey: p.ProviderKey,
		Payload:     p.Payload,
		OccurredAt:  p.OccurredAt,
		Amount:      p.Amount,
		Currency:    p.Currency,
		ClickIDs:    p.ClickIDs,
		Status:      models.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, false, nil
}

// FindByEventKey returns the queue row mapped to a business-event key.
func (s *Store) FindByEventKey(ctx context.Context, key string) (models.QueueRow, bool, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		SELECT job_id FROM event_keys WHERE key = $1
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueRow{}, false, nil
	}
	if err != nil {
		return models.QueueRow{}, false, fmt.Errorf("query event key: %w", err)
	}
	row, err := s.GetRow(ctx, id)
	if err != nil {
		return models.QueueRow{}, false, err
	}
	return row, true, nil
}

// GetRow fetches a queue row by id.
func (s *Store) GetRow(ctx context.Context, id string) (models.QueueRow, error) {
	r := s.db.QueryRow(ctx, `SELECT `+queueColumns+` FROM conversion_jobs WHERE id = $1`, id)
	row, err := scanQueueRow(r)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueRow{}, fmt.Errorf("queue row not found: %w", err)
	}
	return row, err
}

// ClaimBatch atomically selects up to limit eligible rows, transitions them
// to processing and returns them. Eligible rows are queued or retry with a
// due (or absent) next_retry_at, oldest first. FOR UPDATE SKIP LOCKED makes
// concurrent claims disjoint: a row locked by another claimer is skipped,
// never returned twice.
func (s *Store) ClaimBatch(ctx context.Context, providerKey string, limit int) ([]models.QueueRow, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE conversion_jobs
		SET status = $1, claimed_at = NOW(), attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM conversion_jobs
			WHERE status IN ($2, $3)
			  AND ($4 = '' OR provider_key = $4)
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY updated_at, id
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns,
		models.StatusProcessing, models.StatusQueued, models.StatusRetry, providerKey, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var claimed []models.QueueRow
	for rows.Next() {
		row, err := scanQueueRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed row: %w", err)
		}
		claimed = append(claimed, row)
	}
	return claimed, rows.Err()
}

// MarkCompleted transitions a row to its terminal success state.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversion_jobs
		SET status = $2, claimed_at = NULL, next_retry_at = NULL, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusCompleted)
	return err
}

// MarkRetry schedules another attempt after nextRetryAt, recording the
// classified provider error.
func (s *Store) MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, errCode, category, lastError string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversion_jobs
		SET status = $2, claimed_at = NULL, next_retry_at = $3,
		    last_error = $4, provider_error_code = $5, provider_error_category = $6, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusRetry, nextRetryAt, boundErr(lastError), errCode, category)
	return err
}

// MarkFailed transitions a row to its terminal failure state.
func (s *Store) MarkFailed(ctx context.Context, id, errCode, category, lastError string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversion_jobs
		SET status = $2, claimed_at = NULL, next_retry_at = NULL,
		    last_error = $3, provider_error_code = $4, provider_error_category = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, boundErr(lastError), errCode, category)
	return err
}

// ReleaseThrottled requeues a claimed row that never reached the provider
// because no semaphore slot was free. The attempt the claim consumed is
// handed back.
func (s *Store) ReleaseThrottled(ctx context.Context, id string, nextRetryAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversion_jobs
		SET status = $2, claimed_at = NULL, next_retry_at = $3,
		    attempt_count = GREATEST(attempt_count - 1, 0), updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusRetry, nextRetryAt)
	return err
}

// SweepAttemptCap force-fails non-terminal rows that exhausted their
// attempts and have not moved for minAge. Returns the number of rows failed.
func (s *Store) SweepAttemptCap(ctx context.Context, maxAttempts int, minAge time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE conversion_jobs
		SET status = $1, claimed_at = NULL, next_retry_at = NULL,
		    provider_error_code = $2, provider_error_category = $3, updated_at = NOW()
		WHERE status NOT IN ($4, $5)
		  AND attempt_count >= $6
		  AND updated_at <= NOW() - $7::interval
	`, models.StatusFailed, models.ErrCodeMaxAttempts, models.CategoryPermanent,
		models.StatusCompleted, models.StatusFailed, maxAttempts, intervalArg(minAge))
	if err != nil {
		return 0, fmt.Errorf("sweep attempt cap: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SweepStuckProcessing recovers rows abandoned by a crashed worker: anything
// processing longer than minAge goes back to queued with its claim cleared.
func (s *Store) SweepStuckProcessing(ctx context.Context, minAge time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE conversion_jobs
		SET status = $1, claimed_at = NULL, updated_at = NOW()
		WHERE status = $2
		  AND claimed_at <= NOW() - $3::interval
	`, models.StatusQueued, models.StatusProcessing, intervalArg(minAge))
	if err != nil {
		return 0, fmt.Errorf("sweep stuck processing: %w", err)
	}
	return tag.RowsAffected(), nil
}

// QueueActionParams describe one operator bulk action.
type QueueActionParams struct {
	SiteID string
	Action string
	IDs    []string
	// Reason/code/category apply to mark_failed; reason defaults when empty.
	Reason      string
	ErrCode     string
	ClearErrors bool
}

// QueueAction applies an idempotent bulk transition to the caller's rows.
// Rows not matching the action's required current status are silently
// skipped, so an in-flight worker is never raced; the affected count tells
// the operator how many rows actually moved.
func (s *Store) QueueAction(ctx context.Context, p QueueActionParams) (int64, error) {
	if len(p.IDs) == 0 {
		return 0, nil
	}
	switch p.Action {
	case ActionRetrySelected:
		tag, err := s.db.Exec(ctx, `
			UPDATE conversion_jobs
			SET status = $1, claimed_at = NULL, next_retry_at = NULL, updated_at = NOW()
			WHERE site_id = $2 AND id = ANY($3::uuid[]) AND status IN ($4, $5)
		`, models.StatusQueued, p.SiteID, p.IDs, models.StatusFailed, models.StatusRetry)
		if err != nil {
			return 0, fmt.Errorf("retry selected: %w", err)
		}
		return tag.RowsAffected(), nil

	case ActionResetToQueued:
		clear := ""
		if p.ClearErrors {
			clear = ", last_error = NULL, provider_error_code = NULL, provider_error_category = NULL"
		}
		tag, err := s.db.Exec(ctx, `
			UPDATE conversion_jobs
			SET status = $1, claimed_at = NULL, next_retry_at = NULL, updated_at = NOW()`+clear+`
			WHERE site_id = $2 AND id = ANY($3::uuid[]) AND status IN ($4, $5, $6, $7)
		`, models.StatusQueued, p.SiteID, p.IDs,
			models.StatusQueued, models.StatusRetry, models.StatusProcessing, models.StatusFailed)
		if err != nil {
			return 0, fmt.Errorf("reset to queued: %w", err)
		}
		return tag.RowsAffected(), nil

	case ActionMarkFailed:
		code := p.ErrCode
		if code == "" {
			code = "OPERATOR_MARKED_FAILED"
		}
		reason := p.Reason
		if reason == "" {
			reason = "marked failed by operator"
		}
		tag, err := s.db.Exec(ctx, `
			UPDATE conversion_jobs
			SET status = $1, claimed_at = NULL, next_retry_at = NULL,
			    last_error = $2, provider_error_code = $3, provider_error_category = $4, updated_at = NOW()
			WHERE site_id = $5 AND id = ANY($6::uuid[]) AND status IN ($7, $8, $9)
		`, models.StatusFailed, boundErr(reason), code, models.CategoryPermanent,
			p.SiteID, p.IDs, models.StatusProcessing, models.StatusQueued, models.StatusRetry)
		if err != nil {
			return 0, fmt.Errorf("mark failed: %w", err)
		}
		return tag.RowsAffected(), nil

	default:
		return 0, fmt.Errorf("unknown queue action %q", p.Action)
	}
}

// QueueStats returns row counts by status.
func (s *Store) QueueStats(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM conversion_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// EligibleDepth counts rows a claimer would currently consider.
func (s *Store) EligibleDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM conversion_jobs
		WHERE status IN ($1, $2) AND (next_retry_at IS NULL OR next_retry_at <= NOW())
	`, models.StatusQueued, models.StatusRetry).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count eligible rows: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueRow(r rowScanner) (models.QueueRow, error) {
	var row models.QueueRow
	var payloadJSON, clickJSON []byte
	var claimedAt, nextRetryAt pgtype.Timestamptz
	var lastErr, errCode, errCategory pgtype.Text

	err := r.Scan(&row.ID, &row.SiteID, &row.ProviderKey, &payloadJSON, &row.OccurredAt,
		&row.Amount, &row.Currency, &clickJSON, &row.Status, &row.AttemptCount,
		&claimedAt, &nextRetryAt, &lastErr, &errCode, &errCategory,
		&row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return models.QueueRow{}, err
	}

	if err := json.Unmarshal(payloadJSON, &row.Payload); err != nil {
		return models.QueueRow{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(clickJSON, &row.ClickIDs); err != nil {
		return models.QueueRow{}, fmt.Errorf("unmarshal click ids: %w", err)
	}
	if claimedAt.Valid {
		row.ClaimedAt = &claimedAt.Time
	}
	if nextRetryAt.Valid {
		row.NextRetryAt = &nextRetryAt.Time
	}
	row.LastError = textPtr(lastErr)
	row.ProviderErrorCode = textPtr(errCode)
	row.ProviderErrorCategory = textPtr(errCategory)
	return row, nil
}

func boundErr(s string) string {
	if len(s) <= maxLastErrorLen {
		return s
	}
	// Back off to a rune boundary so truncation never splits a character.
	cut := maxLastErrorLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func intervalArg(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
