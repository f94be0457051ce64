package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conversion-relay/internal/models"
)

// RecordLedgerEntry appends one realized revenue/usage fact. There is no
// update or delete path; the storage layer rejects both by trigger.
func (s *Store) RecordLedgerEntry(ctx context.Context, siteID string, value int64, currency string, recordedAt time.Time) (models.LedgerEntry, error) {
	id := uuid.New().String()
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO ledger_entries (id, site_id, value, currency, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, siteID, value, currency, recordedAt)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	return models.LedgerEntry{ID: id, SiteID: siteID, Value: value, Currency: currency, RecordedAt: recordedAt}, nil
}

// BillableCount recomputes the authoritative billable-event count for one
// site and period directly from the ledger, never from any cache.
func (s *Store) BillableCount(ctx context.Context, siteID, period string) (int64, error) {
	start, end, err := periodBounds(period)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE site_id = $1 AND recorded_at >= $2 AND recorded_at < $3
	`, siteID, start, end).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// ActiveSites lists distinct sites with ledger activity in any of the given
// periods.
func (s *Store) ActiveSites(ctx context.Context, periods []string) ([]string, error) {
	sites := make(map[string]struct{})
	for _, period := range periods {
		start, end, err := periodBounds(period)
		if err != nil {
			return nil, err
		}
		rows, err := s.db.Query(ctx, `
			SELECT DISTINCT site_id FROM ledger_entries
			WHERE recorded_at >= $1 AND recorded_at < $2
		`, start, end)
		if err != nil {
			return nil, fmt.Errorf("query active sites: %w", err)
		}
		for rows.Next() {
			var site string
			if err := rows.Scan(&site); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan site: %w", err)
			}
			sites[site] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	out := make([]string, 0, len(sites))
	for site := range sites {
		out = append(out, site)
	}
	return out, nil
}

// periodBounds converts a "YYYY-MM" period into its UTC month window.
func periodBounds(period string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation("2006-01", period, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse period %q: %w", period, err)
	}
	return start, start.AddDate(0, 1, 0), nil
}
