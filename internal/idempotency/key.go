// Package idempotency builds deterministic external-reference ids for
// provider uploads. Re-submitting the same row always yields the same key,
// so retries collide at the provider instead of duplicating conversions.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// MaxKeyLen is the common length ceiling across supported providers.
const MaxKeyLen = 128

// KeyInput carries the immutable row fields the key is derived from.
type KeyInput struct {
	RowID      string
	ClickID    string // optional correlation token
	OccurredAt time.Time
	Amount     int64
}

// BuildKey returns the idempotency key for a job.
//
// With a correlation token the key composes the token and canonical
// timestamp, suffixed with a short hash that bakes in the row id and amount
// so two rows sharing a token and timestamp still diverge. Without a token
// the row id alone is already unique and is used directly.
func BuildKey(in KeyInput) string {
	if in.ClickID == "" {
		return truncate("cr_" + in.RowID)
	}
	ts := in.OccurredAt.UTC().Unix()
	suffix := shortHash(fmt.Sprintf("%s|%d|%s|%d", in.ClickID, ts, in.RowID, in.Amount))
	key := fmt.Sprintf("cr_%s_%d_%s", in.ClickID, ts, suffix)
	if len(key) > MaxKeyLen {
		// Oversized tokens are trimmed rather than the whole key, so the
		// disambiguating hash suffix always survives.
		token := in.ClickID[:len(in.ClickID)-(len(key)-MaxKeyLen)]
		key = fmt.Sprintf("cr_%s_%d_%s", token, ts, suffix)
	}
	return key
}

// shortHash returns the first 8 hex chars of SHA-256 over s.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

func truncate(k string) string {
	if len(k) > MaxKeyLen {
		return k[:MaxKeyLen]
	}
	return k
}
