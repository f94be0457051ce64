package models

import (
	"time"
)

// QueueRow status values persisted in Postgres. Completed and failed are
// terminal; no automatic transition leaves them.
const (
	StatusQueued     = "queued"
	StatusRetry      = "retry"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Provider error categories recorded against a row's last attempt.
const (
	CategoryValidation        = "validation"
	CategoryTransient         = "transient"
	CategoryPermanent         = "permanent"
	CategoryDeterministicSkip = "deterministic_skip"
	CategoryAuth              = "auth"
)

// ErrCodeMaxAttempts is stamped by the attempt-cap sweeper.
const ErrCodeMaxAttempts = "MAX_ATTEMPTS_EXCEEDED"

// TerminalStatus reports whether a status admits no further transitions.
func TerminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusFailed
}

// QueueRow is one conversion upload job persisted in Postgres.
type QueueRow struct {
	ID          string            `json:"id"`
	SiteID      string            `json:"site_id"`
	ProviderKey string            `json:"provider_key"`
	Payload     map[string]any    `json:"payload"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	ClickIDs    map[string]string `json:"click_ids,omitempty"`

	Status       string     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`

	LastError             *string `json:"last_error,omitempty"`
	ProviderErrorCode     *string `json:"provider_error_code,omitempty"`
	ProviderErrorCategory *string `json:"provider_error_category,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PrimaryClickID returns a stable correlation token for idempotency-key
// construction: the lexicographically smallest populated click id network.
func (r QueueRow) PrimaryClickID() (network, token string, ok bool) {
	for _, n := range clickNetworks {
		if v, present := r.ClickIDs[n]; present && v != "" {
			return n, v, true
		}
	}
	return "", "", false
}

// clickNetworks is ordered so the same row always yields the same token.
var clickNetworks = []string{"fbclid", "gbraid", "gclid", "msclkid", "wbraid"}
