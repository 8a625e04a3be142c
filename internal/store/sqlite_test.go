package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/mergemeter/internal/model"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertUsage_RecomputesTotal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := &model.UsageRecord{
		Branch:           "feat-x",
		ModelID:          "gpt-4o",
		PromptTokens:     70,
		CompletionTokens: 30,
		TotalTokens:      9999,
	}
	require.NoError(t, s.InsertUsage(ctx, r))
	require.NotZero(t, r.ID)
	require.NotEmpty(t, r.SourceID)
	require.Equal(t, int64(100), r.TotalTokens)

	got, err := s.UsageByBranch(ctx, "feat-x", time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, got[0].PromptTokens+got[0].CompletionTokens, got[0].TotalTokens)
	require.False(t, got[0].Timestamp.IsZero())
}

func TestInsertUsage_DefaultsBranch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertUsage(ctx, &model.UsageRecord{ModelID: "m1", PromptTokens: 1}))

	got, err := s.UsageByBranch(ctx, model.UnknownBranch, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestInsertUsage_RejectsNegative(t *testing.T) {
	s := openTestStore(t)
	err := s.InsertUsage(context.Background(), &model.UsageRecord{ModelID: "m1", PromptTokens: -1})
	require.ErrorIs(t, err, model.ErrNegativeTokens)
}

func TestInsertUsage_DuplicateSourceID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &model.UsageRecord{SourceID: "spool-1", Branch: "main", ModelID: "m1", PromptTokens: 5}
	require.NoError(t, s.InsertUsage(ctx, first))

	second := &model.UsageRecord{SourceID: "spool-1", Branch: "main", ModelID: "m1", PromptTokens: 5}
	require.ErrorIs(t, s.InsertUsage(ctx, second), ErrDuplicate)

	got, err := s.UsageByBranch(ctx, "main", time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestUsageByBranch_SumsAndCutoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, total := range []int64{100, 200, 300} {
		require.NoError(t, s.InsertUsage(ctx, &model.UsageRecord{
			Timestamp:        base.Add(time.Duration(i) * time.Hour),
			Branch:           "feat-x",
			ModelID:          "m1",
			PromptTokens:     total / 2,
			CompletionTokens: total - total/2,
		}))
	}
	require.NoError(t, s.InsertUsage(ctx, &model.UsageRecord{
		Timestamp: base, Branch: "other", ModelID: "m1", PromptTokens: 1000,
	}))

	all, err := s.UsageByBranch(ctx, "feat-x", time.Time{})
	require.NoError(t, err)
	var sum int64
	for _, r := range all {
		sum += r.TotalTokens
	}
	require.Equal(t, int64(600), sum)

	early, err := s.UsageByBranch(ctx, "feat-x", base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, early, 2)

	since, err := s.UsageSince(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, since, 1)
	require.Equal(t, int64(300), since[0].TotalTokens)
}

func TestTimestampsKeepLocalOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	est := time.FixedZone("EST", -5*3600)

	// 08:00 EST is 13:00 UTC, later than 12:30 UTC.
	require.NoError(t, s.InsertUsage(ctx, &model.UsageRecord{
		Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, est), Branch: "b", ModelID: "m1", PromptTokens: 1,
	}))
	require.NoError(t, s.InsertUsage(ctx, &model.UsageRecord{
		Timestamp: time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC), Branch: "b", ModelID: "m1", PromptTokens: 2,
	}))

	got, err := s.UsageByBranch(ctx, "b", time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(2), got[0].PromptTokens)
	require.Equal(t, int64(1), got[1].PromptTokens)
}

func summary(commit string, at time.Time, tokens int64, cost float64) *model.MergeSummary {
	return &model.MergeSummary{
		CommitID:     commit,
		MergeTime:    at,
		SourceBranch: "feat-x",
		TargetBranch: "main",
		Calls:        1,
		TotalTokens:  tokens,
		TotalCost:    cost,
		Models: []model.ModelBreakdown{{
			Model: "m1", Calls: 1, PromptTokens: tokens, TotalTokens: tokens, Cost: cost, CostKnown: true,
		}},
	}
}

func TestInsertSummary_CumulativeAndIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.LatestSummary(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	first := summary("abc123", base, 600, 0.5)
	inserted, err := s.InsertSummary(ctx, first)
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, int64(600), first.CumulativeTokens)

	second := summary("def456", base.Add(time.Hour), 400, 0.25)
	inserted, err = s.InsertSummary(ctx, second)
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, first.CumulativeTokens+400, second.CumulativeTokens)
	require.InDelta(t, 0.75, second.CumulativeCost, 1e-9)

	again := summary("abc123", base.Add(2*time.Hour), 1, 1)
	inserted, err = s.InsertSummary(ctx, again)
	require.NoError(t, err)
	require.False(t, inserted)

	stored, err := s.SummaryByCommit(ctx, "abc123")
	require.NoError(t, err)
	require.Equal(t, first.ID, stored.ID)
	require.Equal(t, int64(600), stored.TotalTokens)
	require.Len(t, stored.Models, 1)
	require.True(t, stored.Models[0].CostKnown)

	latest, err := s.LatestSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, "def456", latest.CommitID)

	forBranch, err := s.SummariesForBranch(ctx, "feat-x")
	require.NoError(t, err)
	require.Len(t, forBranch, 2)
}

func TestInsertSummary_ConcurrentSameCommit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]bool, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.InsertSummary(ctx, summary("race", at, 100, 1))
		}(i)
	}
	wg.Wait()

	wins := 0
	for i := range workers {
		require.NoError(t, errs[i])
		if results[i] {
			wins++
		}
	}
	require.Equal(t, 1, wins)

	latest, err := s.LatestSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(100), latest.CumulativeTokens)
}

func TestScan_CorruptTimestampsFail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertUsage(ctx, &model.UsageRecord{Branch: "feat-x", ModelID: "m1", PromptTokens: 1}))
	_, err := s.db.ExecContext(ctx, `UPDATE usage_records SET created_at = 'yesterday'`)
	require.NoError(t, err)
	_, err = s.UsageByBranch(ctx, "feat-x", time.Time{})
	require.ErrorContains(t, err, "bad created_at")

	_, err = s.InsertSummary(ctx, summary("abc123", time.Now(), 10, 0.1))
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `UPDATE merge_summaries SET merge_time = ''`)
	require.NoError(t, err)
	_, err = s.SummaryByCommit(ctx, "abc123")
	require.ErrorContains(t, err, "bad merge_time")
	_, err = s.ListSummaries(ctx, 0)
	require.ErrorContains(t, err, "bad merge_time")
}
