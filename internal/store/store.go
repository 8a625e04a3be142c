// Package store persists the usage ledger and merge summaries.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/theirongolddev/mergemeter/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a usage record's SourceID was already ingested.
	ErrDuplicate = errors.New("store: duplicate source id")
)

// Store is the durable ledger plus the merge summary table.
// Implementations must be safe for concurrent use, including from separate processes.
type Store interface {
	// InsertUsage appends one record. The record is normalized first (derived
	// total, branch sentinel, timestamp) and ID/SourceID are filled in.
	// Returns ErrDuplicate if SourceID is already present.
	InsertUsage(ctx context.Context, r *model.UsageRecord) error

	// UsageByBranch returns records for branch created at or before until,
	// oldest first. A zero until returns every record on the branch.
	UsageByBranch(ctx context.Context, branch string, until time.Time) ([]model.UsageRecord, error)

	// UsageSince returns records created at or after since, across branches, oldest first.
	UsageSince(ctx context.Context, since time.Time) ([]model.UsageRecord, error)

	// SummaryByCommit returns the summary for a merge commit or ErrNotFound.
	SummaryByCommit(ctx context.Context, commitID string) (*model.MergeSummary, error)

	// LatestSummary returns the last summary written or ErrNotFound. Its
	// cumulative fields cover every summary, whatever their merge times.
	LatestSummary(ctx context.Context) (*model.MergeSummary, error)

	// SummariesForBranch returns summaries whose source branch matches, oldest first.
	SummariesForBranch(ctx context.Context, branch string) ([]model.MergeSummary, error)

	// ListSummaries returns summaries newest merge time first. limit <= 0 returns all.
	ListSummaries(ctx context.Context, limit int) ([]model.MergeSummary, error)

	// InsertSummary writes s unless a summary for s.CommitID exists. The
	// cumulative fields are computed inside the write from the last summary
	// written, so a merge finalized with an earlier merge time still reaches
	// every later running total. Returns false, nil when another summary already holds the commit.
	InsertSummary(ctx context.Context, s *model.MergeSummary) (bool, error)

	Close() error
}

// PrepareUsage applies the ledger's write-time rules to r.
func PrepareUsage(r *model.UsageRecord, now time.Time) error {
	if err := r.Normalize(now); err != nil {
		return err
	}
	if r.SourceID == "" {
		r.SourceID = uuid.NewString()
	}
	return nil
}
