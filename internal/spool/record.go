// Package spool holds usage written where the ledger is unreachable and
// imports it into the ledger exactly once.
package spool

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/theirongolddev/mergemeter/internal/model"
)

// ErrMalformed marks a spool record that can never be imported.
var ErrMalformed = errors.New("spool: malformed record")

// sourcePrefix namespaces spool IDs in the ledger's idempotency key.
const sourcePrefix = "spool:"

// Record is one spooled usage record. Token counts are pointers so that a
// missing count is distinguishable from zero.
type Record struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Branch           string    `json:"branch,omitempty"`
	Commit           string    `json:"commit,omitempty"`
	Actor            string    `json:"actor,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	ModelID          string    `json:"model_id"`
	Endpoint         string    `json:"endpoint,omitempty"`
	PromptTokens     *int64    `json:"prompt_tokens"`
	CompletionTokens *int64    `json:"completion_tokens"`
}

// Item is a pending record as read from a queue. Raw holds the stored bytes;
// Err is set when they could not be decoded.
type Item struct {
	ID     string
	Record Record
	Raw    []byte
	Err    error
}

// NewID returns a time-sortable record ID.
func NewID() string {
	return ulid.Make().String()
}

// FromUsage builds a spool record from a usage record's inputs.
func FromUsage(u model.UsageRecord) Record {
	prompt, completion := u.PromptTokens, u.CompletionTokens
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Record{
		ID:               NewID(),
		Timestamp:        ts.UTC(),
		Branch:           u.Branch,
		Commit:           u.Commit,
		Actor:            u.Actor,
		Provider:         u.Provider,
		ModelID:          u.ModelID,
		Endpoint:         u.Endpoint,
		PromptTokens:     &prompt,
		CompletionTokens: &completion,
	}
}

// Decode parses one stored record. Any parse failure wraps ErrMalformed.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return r, nil
}

// Validate reports why r cannot become a ledger row.
func (r Record) Validate() error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return fmt.Errorf("%w: missing id", ErrMalformed)
	case strings.TrimSpace(r.ModelID) == "":
		return fmt.Errorf("%w: missing model_id", ErrMalformed)
	case r.PromptTokens == nil:
		return fmt.Errorf("%w: missing prompt_tokens", ErrMalformed)
	case r.CompletionTokens == nil:
		return fmt.Errorf("%w: missing completion_tokens", ErrMalformed)
	case *r.PromptTokens < 0 || *r.CompletionTokens < 0:
		return fmt.Errorf("%w: negative token count", ErrMalformed)
	}
	return nil
}

// UsageRecord converts a validated record. The spool ID becomes the ledger
// SourceID so a second import of the same record is detected.
func (r Record) UsageRecord() model.UsageRecord {
	u := model.UsageRecord{
		SourceID:  sourcePrefix + r.ID,
		Timestamp: r.Timestamp,
		Actor:     r.Actor,
		Branch:    r.Branch,
		Commit:    r.Commit,
		Provider:  r.Provider,
		ModelID:   r.ModelID,
		Endpoint:  r.Endpoint,
	}
	if r.PromptTokens != nil {
		u.PromptTokens = *r.PromptTokens
	}
	if r.CompletionTokens != nil {
		u.CompletionTokens = *r.CompletionTokens
	}
	return u
}
