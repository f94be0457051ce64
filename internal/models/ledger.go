package models

import "time"

// LedgerEntry is an append-only usage/revenue fact. The storage layer
// forbids UPDATE and DELETE on ledger rows via trigger; there is no mutator
// on this type anywhere in the codebase.
type LedgerEntry struct {
	ID         string    `json:"id"`
	SiteID     string    `json:"site_id"`
	Value      int64     `json:"value"` // minor units
	Currency   string    `json:"currency"`
	RecordedAt time.Time `json:"recorded_at"`
}
