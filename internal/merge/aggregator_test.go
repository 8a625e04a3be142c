package merge

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/mergemeter/internal/config"
	"github.com/theirongolddev/mergemeter/internal/model"
	"github.com/theirongolddev/mergemeter/internal/store"
)

func ptr(f float64) *float64 { return &f }

var pricing = config.PricingTable{}.WithOverrides(map[string]config.ModelPricingOverride{
	"m1": {PromptPer1K: ptr(0.03), CompletionPer1K: ptr(0.06)},
})

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*store.SQLite, *Aggregator) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, New(s, pricing, Options{})
}

func insert(t *testing.T, s store.Store, branch, modelID string, prompt, completion int64, at time.Time) {
	t.Helper()
	require.NoError(t, s.InsertUsage(context.Background(), &model.UsageRecord{
		Timestamp: at, Branch: branch, ModelID: modelID, PromptTokens: prompt, CompletionTokens: completion,
	}))
}

func TestFinalizeMerge_FirstMergeCumulativeEqualsMerge(t *testing.T) {
	s, agg := setup(t)
	ctx := context.Background()

	insert(t, s, "feat-x", "m1", 1000, 500, base)
	insert(t, s, "feat-x", "m1", 60, 40, base.Add(time.Minute))
	insert(t, s, "feat-x", "unpriced-model", 10, 10, base)
	insert(t, s, "other", "m1", 9999, 0, base)

	sum, created, err := agg.FinalizeMerge(ctx, Request{
		CommitID: "abc123", SourceBranch: "feat-x", TargetBranch: "main", MergedBy: "dev",
		MergeTime: base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(1620), sum.TotalTokens)
	require.Equal(t, 3, sum.Calls)
	require.Equal(t, sum.TotalTokens, sum.CumulativeTokens)
	require.InDelta(t, sum.TotalCost, sum.CumulativeCost, 1e-12)
	require.Equal(t, []string{"unpriced-model"}, sum.UnpricedModels())
}

func TestFinalizeMerge_Idempotent(t *testing.T) {
	s, agg := setup(t)
	ctx := context.Background()
	insert(t, s, "feat-x", "m1", 100, 0, base)

	req := Request{CommitID: "abc123", SourceBranch: "feat-x", TargetBranch: "main", MergeTime: base.Add(time.Hour)}
	first, created, err := agg.FinalizeMerge(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	// New usage after the first finalize must not change the stored summary.
	insert(t, s, "feat-x", "m1", 500, 0, base.Add(time.Minute))

	second, created, err := agg.FinalizeMerge(ctx, req)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.TotalTokens, second.TotalTokens)
	require.Equal(t, first.CumulativeTokens, second.CumulativeTokens)
}

func TestFinalizeMerge_RollsUpCumulative(t *testing.T) {
	s, agg := setup(t)
	ctx := context.Background()
	insert(t, s, "feat-a", "m1", 1000, 500, base)
	insert(t, s, "feat-b", "m1", 200, 100, base)

	first, _, err := agg.FinalizeMerge(ctx, Request{CommitID: "c1", SourceBranch: "feat-a", MergeTime: base.Add(time.Hour)})
	require.NoError(t, err)
	second, _, err := agg.FinalizeMerge(ctx, Request{CommitID: "c2", SourceBranch: "feat-b", MergeTime: base.Add(2 * time.Hour)})
	require.NoError(t, err)

	require.Equal(t, first.CumulativeTokens+second.TotalTokens, second.CumulativeTokens)
	require.InDelta(t, first.CumulativeCost+second.TotalCost, second.CumulativeCost, 1e-12)
	require.InDelta(t, 0.06, first.TotalCost, 1e-12)
}

func TestFinalizeMerge_BackdatedMergeStaysInCumulative(t *testing.T) {
	s, agg := setup(t)
	ctx := context.Background()
	insert(t, s, "feat-a", "m1", 100, 0, base)
	insert(t, s, "feat-b", "m1", 50, 0, base)
	insert(t, s, "feat-c", "m1", 10, 0, base)

	a, _, err := agg.FinalizeMerge(ctx, Request{CommitID: "a", SourceBranch: "feat-a", MergeTime: base.Add(10 * time.Hour)})
	require.NoError(t, err)
	b, _, err := agg.FinalizeMerge(ctx, Request{CommitID: "b", SourceBranch: "feat-b", MergeTime: base.Add(5 * time.Hour)})
	require.NoError(t, err)
	c, _, err := agg.FinalizeMerge(ctx, Request{CommitID: "c", SourceBranch: "feat-c", MergeTime: base.Add(20 * time.Hour)})
	require.NoError(t, err)

	require.Equal(t, int64(100), a.CumulativeTokens)
	require.Equal(t, int64(150), b.CumulativeTokens)
	require.Equal(t, int64(160), c.CumulativeTokens)

	latest, err := s.LatestSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, "c", latest.CommitID)
	require.Equal(t, int64(160), latest.CumulativeTokens)
}

func TestFinalizeMerge_RespectsMergeTime(t *testing.T) {
	s, agg := setup(t)
	ctx := context.Background()
	insert(t, s, "feat-x", "m1", 100, 0, base)
	insert(t, s, "feat-x", "m1", 100, 0, base.Add(2*time.Hour))

	sum, _, err := agg.FinalizeMerge(ctx, Request{CommitID: "c1", SourceBranch: "feat-x", MergeTime: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, int64(100), sum.TotalTokens)
}

func TestFinalizeMerge_ExcludeClaimed(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	insert(t, s, "long-lived", "m1", 100, 0, base)

	all := New(s, pricing, Options{})
	claimed := New(s, pricing, Options{ExcludeClaimed: true})

	_, _, err = claimed.FinalizeMerge(ctx, Request{CommitID: "m1", SourceBranch: "long-lived", MergeTime: base.Add(time.Hour)})
	require.NoError(t, err)

	insert(t, s, "long-lived", "m1", 40, 0, base.Add(2*time.Hour))

	second, _, err := claimed.FinalizeMerge(ctx, Request{CommitID: "m2", SourceBranch: "long-lived", MergeTime: base.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, int64(40), second.TotalTokens)

	third, _, err := all.FinalizeMerge(ctx, Request{CommitID: "m3", SourceBranch: "long-lived", MergeTime: base.Add(4 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, int64(140), third.TotalTokens)
}

func TestFinalizeMerge_Validation(t *testing.T) {
	_, agg := setup(t)
	ctx := context.Background()

	_, _, err := agg.FinalizeMerge(ctx, Request{SourceBranch: "b"})
	require.ErrorIs(t, err, ErrMissingCommit)

	_, _, err = agg.FinalizeMerge(ctx, Request{CommitID: "c", SourceBranch: "  "})
	require.ErrorIs(t, err, ErrMissingBranch)
}

func TestFinalizeMerge_EmptyBranch(t *testing.T) {
	_, agg := setup(t)
	sum, created, err := agg.FinalizeMerge(context.Background(), Request{CommitID: "c0", SourceBranch: "quiet"})
	require.NoError(t, err)
	require.True(t, created)
	require.Zero(t, sum.TotalTokens)
	require.Empty(t, sum.Models)
}

func TestFinalizeMerge_ConcurrentSameCommit(t *testing.T) {
	s, agg := setup(t)
	ctx := context.Background()
	insert(t, s, "feat-x", "m1", 300, 0, base)

	const workers = 6
	var wg sync.WaitGroup
	ids := make([]int64, workers)
	createdCount := make([]bool, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sum, created, err := agg.FinalizeMerge(ctx, Request{
				CommitID: "race", SourceBranch: "feat-x", MergeTime: base.Add(time.Hour),
			})
			errs[i], createdCount[i] = err, created
			if sum != nil {
				ids[i] = sum.ID
			}
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range workers {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
		if createdCount[i] {
			created++
		}
	}
	require.Equal(t, 1, created)

	latest, err := s.LatestSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(300), latest.CumulativeTokens)
}
