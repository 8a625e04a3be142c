// Package merge finalizes per-merge cost summaries.
package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/theirongolddev/mergemeter/internal/config"
	"github.com/theirongolddev/mergemeter/internal/logging"
	"github.com/theirongolddev/mergemeter/internal/model"
	"github.com/theirongolddev/mergemeter/internal/pipeline"
	"github.com/theirongolddev/mergemeter/internal/store"
)

var (
	// ErrMissingCommit is returned when a finalize request has no commit ID.
	ErrMissingCommit = errors.New("merge: commit id is required")
	// ErrMissingBranch is returned when a finalize request has no source branch.
	ErrMissingBranch = errors.New("merge: source branch is required")
)

// Request identifies one merge event.
type Request struct {
	CommitID     string
	SourceBranch string
	TargetBranch string
	MergedBy     string
	// MergeTime bounds which usage is attributed; zero means now.
	MergeTime time.Time
}

// Options configures an Aggregator.
type Options struct {
	// ExcludeClaimed skips usage already covered by an earlier merge of the
	// same source branch.
	ExcludeClaimed bool
	Logger         *zap.Logger
}

// Aggregator turns a branch's ledger rows into one immutable MergeSummary.
type Aggregator struct {
	store   store.Store
	pricing config.PricingTable
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
}

// New returns an aggregator pricing with the given table.
func New(s store.Store, pricing config.PricingTable, opts Options) *Aggregator {
	return &Aggregator{
		store:   s,
		pricing: pricing,
		opts:    opts,
		logger:  logging.Component(opts.Logger, "merge"),
		now:     time.Now,
	}
}

// FinalizeMerge returns the summary for req.CommitID, creating it on the
// first call. Later calls, including concurrent ones that lose the insert,
// return the stored row unchanged. The bool reports whether this call
// created it.
func (a *Aggregator) FinalizeMerge(ctx context.Context, req Request) (*model.MergeSummary, bool, error) {
	req.CommitID = strings.TrimSpace(req.CommitID)
	req.SourceBranch = strings.TrimSpace(req.SourceBranch)
	if req.CommitID == "" {
		return nil, false, ErrMissingCommit
	}
	if req.SourceBranch == "" {
		return nil, false, ErrMissingBranch
	}

	existing, err := a.store.SummaryByCommit(ctx, req.CommitID)
	if err == nil {
		a.logger.Debug("merge already finalized", zap.String("commit", req.CommitID))
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("checking existing summary: %w", err)
	}

	if req.MergeTime.IsZero() {
		req.MergeTime = a.now()
	}
	req.MergeTime = req.MergeTime.UTC()

	records, err := a.store.UsageByBranch(ctx, req.SourceBranch, req.MergeTime)
	if err != nil {
		return nil, false, fmt.Errorf("loading branch usage: %w", err)
	}
	if a.opts.ExcludeClaimed {
		prior, err := a.store.SummariesForBranch(ctx, req.SourceBranch)
		if err != nil {
			return nil, false, fmt.Errorf("loading prior summaries: %w", err)
		}
		records = pipeline.ExcludeClaimed(records, prior)
	}

	models := pipeline.AggregateModels(records, a.pricing)
	totals := pipeline.Sum(models)

	summary := &model.MergeSummary{
		MergeTime:    req.MergeTime,
		SourceBranch: req.SourceBranch,
		TargetBranch: req.TargetBranch,
		CommitID:     req.CommitID,
		MergedBy:     req.MergedBy,
		Models:       models,
		Calls:        totals.Calls,
		TotalTokens:  totals.TotalTokens,
		TotalCost:    totals.Cost,
	}

	inserted, err := a.store.InsertSummary(ctx, summary)
	if err != nil {
		return nil, false, fmt.Errorf("writing summary: %w", err)
	}
	if !inserted {
		// Lost the race: return the winner's row.
		winner, err := a.store.SummaryByCommit(ctx, req.CommitID)
		if err != nil {
			return nil, false, fmt.Errorf("reading concurrent summary: %w", err)
		}
		return winner, false, nil
	}

	if unpriced := summary.UnpricedModels(); len(unpriced) > 0 {
		a.logger.Warn("merge summary has unpriced models",
			zap.String("commit", req.CommitID),
			zap.Strings("models", unpriced),
		)
	}
	a.logger.Info("merge finalized",
		zap.String("commit", req.CommitID),
		zap.String("branch", req.SourceBranch),
		zap.Int64("tokens", summary.TotalTokens),
		zap.Float64("cost", summary.TotalCost),
	)
	return summary, true, nil
}
