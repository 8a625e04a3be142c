// Package model defines domain types for mergemeter usage records and merge summaries.
package model

import (
	"errors"
	"time"
)

// UnknownBranch is recorded when no branch could be resolved for a call.
const UnknownBranch = "unknown"

// ErrNegativeTokens is returned when a usage record carries a negative token count.
var ErrNegativeTokens = errors.New("model: token counts must not be negative")

// UsageRecord is one metered API call. Rows are immutable once written to the ledger.
type UsageRecord struct {
	ID       int64
	SourceID string // idempotency key: spool record ID or generated for direct writes

	Timestamp time.Time
	Actor     string
	Branch    string
	Commit    string

	Provider string
	ModelID  string
	Endpoint string

	PromptTokens     int64
	CompletionTokens int64
	// TotalTokens is derived by the ledger on write; any caller-supplied value is replaced.
	TotalTokens int64
}

// Normalize enforces the write-time invariants of a ledger row: non-negative
// counts, derived total, non-empty branch, and a timestamp.
func (r *UsageRecord) Normalize(now time.Time) error {
	if r.PromptTokens < 0 || r.CompletionTokens < 0 {
		return ErrNegativeTokens
	}
	r.TotalTokens = r.PromptTokens + r.CompletionTokens
	if r.Branch == "" {
		r.Branch = UnknownBranch
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	r.Timestamp = r.Timestamp.UTC()
	return nil
}
