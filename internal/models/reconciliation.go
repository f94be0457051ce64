package models

import "time"

// ReconciliationJob statuses. One job exists per (site_id, period); period
// is a UTC "YYYY-MM" string.
const (
	ReconStatusQueued     = "queued"
	ReconStatusProcessing = "processing"
	ReconStatusCompleted  = "completed"
	ReconStatusFailed     = "failed"
)

// ReconciliationJob audits one tenant's billable-event count for one period.
type ReconciliationJob struct {
	ID           string     `json:"id"`
	SiteID       string     `json:"site_id"`
	Period       string     `json:"period"`
	Status       string     `json:"status"`
	LastDriftPct *float64   `json:"last_drift_pct,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PeriodOf formats t's year-month in UTC, the canonical reconciliation period key.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}
