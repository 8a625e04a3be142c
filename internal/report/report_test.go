package report

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/mergemeter/internal/config"
	"github.com/theirongolddev/mergemeter/internal/merge"
	"github.com/theirongolddev/mergemeter/internal/model"
	"github.com/theirongolddev/mergemeter/internal/store"
)

func ptr(f float64) *float64 { return &f }

func pricingAt(prompt, completion float64) config.PricingTable {
	return config.PricingTable{}.WithOverrides(map[string]config.ModelPricingOverride{
		"m1": {PromptPer1K: ptr(prompt), CompletionPer1K: ptr(completion)},
	})
}

var base = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insert(t *testing.T, s store.Store, branch, actor, modelID string, prompt, completion int64, at time.Time) {
	t.Helper()
	require.NoError(t, s.InsertUsage(context.Background(), &model.UsageRecord{
		Timestamp: at, Branch: branch, Actor: actor, ModelID: modelID,
		PromptTokens: prompt, CompletionTokens: completion,
	}))
}

func fixedNow(g *Generator, at time.Time) {
	g.now = func() time.Time { return at }
	g.Location = time.UTC
}

func TestBranchSummary_SumsAllRecords(t *testing.T) {
	s := openStore(t)
	insert(t, s, "feat-x", "alice", "m1", 100, 0, base)
	insert(t, s, "feat-x", "bob", "m1", 200, 0, base.Add(time.Minute))
	insert(t, s, "feat-x", "alice", "m1", 300, 0, base.Add(2*time.Minute))
	insert(t, s, "main", "alice", "m1", 5000, 0, base)

	g := New(s, pricingAt(0.01, 0.02))
	r, err := g.BranchSummary(context.Background(), "feat-x")
	require.NoError(t, err)

	require.Equal(t, int64(600), r.Totals.TotalTokens)
	require.Equal(t, 3, r.Totals.Calls)
	require.InDelta(t, 0.006, r.Totals.Cost, 1e-12)
	require.True(t, r.Totals.CostKnown)
	require.Equal(t, []string{"alice", "bob"}, r.Actors)
	require.True(t, r.Since.Equal(base))
	require.True(t, r.Until.Equal(base.Add(2*time.Minute)))
	require.Empty(t, r.Unpriced)
}

func TestBranchSummary_UnknownModelDoesNotFail(t *testing.T) {
	s := openStore(t)
	insert(t, s, "feat-x", "", "m1", 1000, 0, base)
	insert(t, s, "feat-x", "", "brand-new-model", 1000, 0, base)

	r, err := New(s, pricingAt(0.01, 0.02)).BranchSummary(context.Background(), "feat-x")
	require.NoError(t, err)
	require.False(t, r.Totals.CostKnown)
	require.InDelta(t, 0.01, r.Totals.Cost, 1e-12)
	require.Equal(t, []string{"brand-new-model"}, r.Unpriced)

	var buf bytes.Buffer
	require.NoError(t, RenderBranch(&buf, r))
	require.Contains(t, buf.String(), "n/a")
	require.Contains(t, buf.String(), "brand-new-model")
}

func TestBranchSummary_Empty(t *testing.T) {
	s := openStore(t)
	r, err := New(s, pricingAt(0.01, 0.02)).BranchSummary(context.Background(), "nothing-here")
	require.NoError(t, err)
	require.Zero(t, r.Totals.TotalTokens)
	require.Empty(t, r.Models)

	var buf bytes.Buffer
	require.NoError(t, RenderBranch(&buf, r))
	require.Contains(t, buf.String(), "No usage recorded")
}

func TestRecentActivity_Window(t *testing.T) {
	s := openStore(t)
	now := base.Add(time.Hour)
	insert(t, s, "feat-a", "alice", "m1", 100, 0, now.Add(-30*time.Minute))
	insert(t, s, "feat-b", "bob", "m1", 200, 0, now.Add(-36*time.Hour))
	insert(t, s, "feat-c", "carol", "m1", 400, 0, now.Add(-10*24*time.Hour))

	g := New(s, pricingAt(0.01, 0.02))
	fixedNow(g, now)

	r, err := g.RecentActivity(context.Background(), 48*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(300), r.Totals.TotalTokens)
	require.Len(t, r.Branches, 2)
	require.Equal(t, "feat-b", r.Branches[0].Branch)
	require.Equal(t, []string{"alice", "bob"}, r.Actors)
	require.Len(t, r.Days, 3)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, r))
	require.Contains(t, buf.String(), "RECENT ACTIVITY")
	require.Contains(t, buf.String(), "feat-a")
}

func TestRecentActivity_DefaultWindow(t *testing.T) {
	s := openStore(t)
	g := New(s, pricingAt(0.01, 0.02))
	fixedNow(g, base)

	r, err := g.RecentActivity(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, DefaultWindow, r.Until.Sub(r.Since))
}

func TestLatestMerge_NoneIsNil(t *testing.T) {
	g := New(openStore(t), pricingAt(0.01, 0.02))
	mr, err := g.LatestMerge(context.Background())
	require.NoError(t, err)
	require.Nil(t, mr)

	v, err := g.Generate(context.Background(), KindLatest, Params{})
	require.NoError(t, err)
	require.Nil(t, v)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, v))
	require.Contains(t, buf.String(), "No merges")
}

func TestLatestMerge_RepricesWithCurrentTable(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	insert(t, s, "feat-x", "", "m1", 1000, 500, base)

	agg := merge.New(s, pricingAt(0.03, 0.06), merge.Options{})
	_, _, err := agg.FinalizeMerge(ctx, merge.Request{CommitID: "c1", SourceBranch: "feat-x", MergeTime: base.Add(time.Hour)})
	require.NoError(t, err)

	// Prices doubled since the merge was finalized.
	mr, err := New(s, pricingAt(0.06, 0.12)).LatestMerge(ctx)
	require.NoError(t, err)
	require.NotNil(t, mr)
	require.Equal(t, "c1", mr.Summary.CommitID)
	require.InDelta(t, 0.06, mr.Summary.TotalCost, 1e-12)
	require.InDelta(t, 0.12, mr.Totals.Cost, 1e-12)

	var buf bytes.Buffer
	require.NoError(t, RenderMerge(&buf, mr))
	require.Contains(t, buf.String(), "pricing has changed")
}

func TestCumulative(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	g := New(s, pricingAt(0.03, 0.06))

	cr, err := g.Cumulative(ctx)
	require.NoError(t, err)
	require.Zero(t, cr.Merges)
	require.Zero(t, cr.Tokens)
	require.Zero(t, cr.Cost)

	insert(t, s, "feat-a", "", "m1", 1000, 500, base)
	insert(t, s, "feat-b", "", "m1", 200, 100, base)
	agg := merge.New(s, pricingAt(0.03, 0.06), merge.Options{})
	_, _, err = agg.FinalizeMerge(ctx, merge.Request{CommitID: "c1", SourceBranch: "feat-a", MergeTime: base.Add(time.Hour)})
	require.NoError(t, err)
	_, _, err = agg.FinalizeMerge(ctx, merge.Request{CommitID: "c2", SourceBranch: "feat-b", MergeTime: base.Add(2 * time.Hour)})
	require.NoError(t, err)

	cr, err = g.Cumulative(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, cr.Merges)
	require.Equal(t, int64(1800), cr.Tokens)
	require.Equal(t, "c2", cr.LastCommit)
	require.InDelta(t, cr.RecordedCost, cr.Cost, 1e-12)
	require.True(t, cr.CostKnown)

	history, err := g.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "c2", history[0].Summary.CommitID)
}

func TestGenerate_UnknownKind(t *testing.T) {
	g := New(openStore(t), pricingAt(0.01, 0.02))
	_, err := g.Generate(context.Background(), Kind("weekly"), Params{})
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestWriteJSON(t *testing.T) {
	s := openStore(t)
	insert(t, s, "feat-x", "", "m1", 100, 0, base)
	r, err := New(s, pricingAt(0.01, 0.02)).BranchSummary(context.Background(), "feat-x")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, r))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "branch", decoded["kind"])
	require.Equal(t, "feat-x", decoded["branch"])
}

func TestCumulative_BackdatedMerge(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	g := New(s, pricingAt(0.03, 0.06))
	agg := merge.New(s, pricingAt(0.03, 0.06), merge.Options{})

	insert(t, s, "feat-a", "", "m1", 100, 0, base)
	insert(t, s, "feat-b", "", "m1", 50, 0, base)
	_, _, err := agg.FinalizeMerge(ctx, merge.Request{CommitID: "late", SourceBranch: "feat-a", MergeTime: base.Add(10 * time.Hour)})
	require.NoError(t, err)
	_, _, err = agg.FinalizeMerge(ctx, merge.Request{CommitID: "early", SourceBranch: "feat-b", MergeTime: base.Add(5 * time.Hour)})
	require.NoError(t, err)

	cr, err := g.Cumulative(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, cr.Merges)
	require.Equal(t, int64(150), cr.Tokens)
	require.Equal(t, "early", cr.LastCommit)
}
