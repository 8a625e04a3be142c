// Package report builds read-only cost reports from the ledger and merge
// summaries. Every cost is computed when the report is generated, from the
// pricing table the Generator was built with.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/theirongolddev/mergemeter/internal/config"
	"github.com/theirongolddev/mergemeter/internal/model"
	"github.com/theirongolddev/mergemeter/internal/pipeline"
	"github.com/theirongolddev/mergemeter/internal/store"
)

// Kind names a report.
type Kind string

const (
	KindBranch     Kind = "branch"
	KindRecent     Kind = "recent"
	KindLatest     Kind = "latest"
	KindCumulative Kind = "cumulative"
	KindHistory    Kind = "history"
)

// Kinds lists every report kind in display order.
var Kinds = []Kind{KindBranch, KindRecent, KindLatest, KindCumulative, KindHistory}

// ErrUnknownKind is returned by Generate for a kind it does not build.
var ErrUnknownKind = errors.New("report: unknown report kind")

// DefaultWindow is used by RecentActivity when no window is given.
const DefaultWindow = 7 * 24 * time.Hour

// Params carries the inputs of the parameterized report kinds.
type Params struct {
	Branch string        // KindBranch
	Window time.Duration // KindRecent
	Limit  int           // KindHistory; <= 0 means all
}

// Report aggregates usage records. BranchSummary fills the per-model
// section; RecentActivity also fills Branches and Days.
type Report struct {
	Kind        Kind      `json:"kind"`
	Branch      string    `json:"branch,omitempty"`
	Since       time.Time `json:"since"`
	Until       time.Time `json:"until"`
	GeneratedAt time.Time `json:"generated_at"`

	Totals   model.Totals            `json:"totals"`
	Split    pipeline.TokenTypeCosts `json:"split"`
	Models   []model.ModelBreakdown  `json:"models"`
	Actors   []string                `json:"actors,omitempty"`
	Branches []model.BranchStats     `json:"branches,omitempty"`
	Days     []model.DailyStats      `json:"days,omitempty"`
	Unpriced []string                `json:"unpriced,omitempty"`
}

// MergeReport is a stored merge summary repriced with the current table.
// Summary keeps the values frozen at finalize time.
type MergeReport struct {
	Summary  model.MergeSummary     `json:"summary"`
	Models   []model.ModelBreakdown `json:"models"`
	Totals   model.Totals           `json:"totals"`
	Unpriced []string               `json:"unpriced,omitempty"`
}

// CumulativeReport is the running total across all merges. Tokens and
// RecordedCost come from the last summary written; Cost reprices every summary.
type CumulativeReport struct {
	Merges       int       `json:"merges"`
	Tokens       int64     `json:"tokens"`
	Cost         float64   `json:"cost"`
	CostKnown    bool      `json:"cost_known"`
	RecordedCost float64   `json:"recorded_cost"`
	LastCommit   string    `json:"last_commit,omitempty"`
	AsOf         time.Time `json:"as_of"`
	Unpriced     []string  `json:"unpriced,omitempty"`
}

// Generator builds reports. It never writes.
type Generator struct {
	store   store.Store
	pricing config.PricingTable

	// Location buckets the daily rows of RecentActivity. Defaults to time.Local.
	Location *time.Location
	now      func() time.Time
}

// New returns a generator reading s and pricing with the given table.
func New(s store.Store, pricing config.PricingTable) *Generator {
	return &Generator{store: s, pricing: pricing, Location: time.Local, now: time.Now}
}

// Generate builds the report of the given kind.
func (g *Generator) Generate(ctx context.Context, kind Kind, p Params) (any, error) {
	switch kind {
	case KindBranch:
		return g.BranchSummary(ctx, p.Branch)
	case KindRecent:
		return g.RecentActivity(ctx, p.Window)
	case KindLatest:
		mr, err := g.LatestMerge(ctx)
		if mr == nil {
			return nil, err
		}
		return mr, nil
	case KindCumulative:
		return g.Cumulative(ctx)
	case KindHistory:
		return g.History(ctx, p.Limit)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// BranchSummary aggregates every record ever attributed to branch,
// independent of any merge.
func (g *Generator) BranchSummary(ctx context.Context, branch string) (*Report, error) {
	if branch == "" {
		branch = model.UnknownBranch
	}
	records, err := g.store.UsageByBranch(ctx, branch, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("loading usage for branch %s: %w", branch, err)
	}

	r := g.build(KindBranch, records)
	r.Branch = branch
	r.Actors = actors(records)
	if len(records) > 0 {
		r.Since = records[0].Timestamp
		r.Until = records[len(records)-1].Timestamp
	}
	return r, nil
}

// RecentActivity aggregates records across all branches within the trailing
// window ending now.
func (g *Generator) RecentActivity(ctx context.Context, window time.Duration) (*Report, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	until := g.now().UTC()
	since := until.Add(-window)

	records, err := g.store.UsageSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("loading recent usage: %w", err)
	}
	records = pipeline.FilterByTime(records, since, until)

	r := g.build(KindRecent, records)
	r.Since, r.Until = since, until
	r.Branches = pipeline.AggregateBranches(records, g.pricing)
	r.Days = pipeline.AggregateDays(records, g.pricing, since, until, g.Location)
	r.Actors = actors(records)
	return r, nil
}

// LatestMerge reprices the last merge summary written. It returns nil, nil
// when nothing has been merged yet.
func (g *Generator) LatestMerge(ctx context.Context) (*MergeReport, error) {
	latest, err := g.store.LatestSummary(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest merge: %w", err)
	}
	return g.ForSummary(*latest), nil
}

// Cumulative reports the running total as of the latest merge, or a zero
// report when there are no merges.
func (g *Generator) Cumulative(ctx context.Context) (*CumulativeReport, error) {
	summaries, err := g.store.ListSummaries(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("loading merge summaries: %w", err)
	}
	cr := &CumulativeReport{CostKnown: true}
	if len(summaries) == 0 {
		return cr, nil
	}

	// The running total lives on the last summary written, which is not
	// necessarily the newest merge time.
	latest := summaries[0]
	for _, s := range summaries[1:] {
		if s.ID > latest.ID {
			latest = s
		}
	}
	cr.Merges = len(summaries)
	cr.Tokens = latest.CumulativeTokens
	cr.RecordedCost = latest.CumulativeCost
	cr.LastCommit = latest.CommitID
	cr.AsOf = latest.MergeTime

	unpriced := make(map[string]struct{})
	for _, s := range summaries {
		mr := g.reprice(s)
		cr.Cost += mr.Totals.Cost
		if !mr.Totals.CostKnown {
			cr.CostKnown = false
		}
		for _, m := range mr.Unpriced {
			unpriced[m] = struct{}{}
		}
	}
	for m := range unpriced {
		cr.Unpriced = append(cr.Unpriced, m)
	}
	sort.Strings(cr.Unpriced)
	return cr, nil
}

// History reprices up to limit merge summaries, newest first.
func (g *Generator) History(ctx context.Context, limit int) ([]MergeReport, error) {
	summaries, err := g.store.ListSummaries(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("loading merge summaries: %w", err)
	}
	out := make([]MergeReport, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, g.reprice(s))
	}
	return out, nil
}

// ForSummary reprices one summary, e.g. one just returned by a finalize.
func (g *Generator) ForSummary(s model.MergeSummary) *MergeReport {
	mr := g.reprice(s)
	return &mr
}

func (g *Generator) build(kind Kind, records []model.UsageRecord) *Report {
	models := pipeline.AggregateModels(records, g.pricing)
	split, _ := pipeline.AggregateCostBreakdown(records, g.pricing)
	return &Report{
		Kind:        kind,
		GeneratedAt: g.now().UTC(),
		Totals:      pipeline.Sum(models),
		Split:       split,
		Models:      models,
		Unpriced:    pipeline.Unpriced(models),
	}
}

func (g *Generator) reprice(s model.MergeSummary) MergeReport {
	models := pipeline.Reprice(s.Models, g.pricing)
	return MergeReport{
		Summary:  s,
		Models:   models,
		Totals:   pipeline.Sum(models),
		Unpriced: pipeline.Unpriced(models),
	}
}

func actors(records []model.UsageRecord) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range records {
		if r.Actor == "" {
			continue
		}
		if _, ok := seen[r.Actor]; ok {
			continue
		}
		seen[r.Actor] = struct{}{}
		out = append(out, r.Actor)
	}
	sort.Strings(out)
	return out
}
