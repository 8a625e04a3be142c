package pipeline

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/mergemeter/internal/config"
	"github.com/theirongolddev/mergemeter/internal/model"
)

func ptr(f float64) *float64 { return &f }

var testPricing = config.PricingTable{}.WithOverrides(map[string]config.ModelPricingOverride{
	"m1": {PromptPer1K: ptr(0.03), CompletionPer1K: ptr(0.06)},
})

var base = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func rec(branch, modelID string, prompt, completion int64, at time.Time) model.UsageRecord {
	return model.UsageRecord{
		Timestamp:        at,
		Branch:           branch,
		ModelID:          modelID,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func TestAggregateModels_PricesAndFlags(t *testing.T) {
	records := []model.UsageRecord{
		rec("b", "m1", 1000, 500, base),
		rec("b", "m1", 1000, 500, base),
		rec("b", "mystery", 10, 10, base),
	}

	models := AggregateModels(records, testPricing)
	require.Len(t, models, 2)

	require.Equal(t, "m1", models[0].Model)
	require.Equal(t, 2, models[0].Calls)
	require.Equal(t, int64(3000), models[0].TotalTokens)
	require.True(t, models[0].CostKnown)
	require.InDelta(t, 0.12, models[0].Cost, 1e-12)

	require.Equal(t, "mystery", models[1].Model)
	require.False(t, models[1].CostKnown)
	require.Zero(t, models[1].Cost)

	totals := Sum(models)
	require.Equal(t, 3, totals.Calls)
	require.Equal(t, int64(3020), totals.TotalTokens)
	require.False(t, totals.CostKnown)
	require.Equal(t, []string{"mystery"}, Unpriced(models))
}

func TestSum_Empty(t *testing.T) {
	totals := Sum(nil)
	require.True(t, totals.CostKnown)
	require.Zero(t, totals.TotalTokens)
}

func TestAggregateBranches(t *testing.T) {
	a := rec("feat-x", "m1", 1000, 500, base)
	a.Actor = "alice"
	b := rec("feat-x", "m1", 100, 0, base.Add(time.Hour))
	b.Actor = "bob"
	c := rec("main", "mystery", 5, 5, base)

	branches := AggregateBranches([]model.UsageRecord{a, b, c}, testPricing)
	require.Len(t, branches, 2)
	require.Equal(t, "feat-x", branches[0].Branch)
	require.Equal(t, 2, branches[0].Actors)
	require.Equal(t, base.Add(time.Hour), branches[0].LastSeen)
	require.True(t, branches[0].CostKnown)
	require.False(t, branches[1].CostKnown)
}

func TestAggregateDays_FillsGaps(t *testing.T) {
	records := []model.UsageRecord{
		rec("b", "m1", 1000, 0, base),
		rec("b", "m1", 1000, 0, base.AddDate(0, 0, 2)),
	}

	days := AggregateDays(records, testPricing, base.AddDate(0, 0, -1), base.AddDate(0, 0, 2), time.UTC)
	require.Len(t, days, 4)
	require.True(t, days[0].Date.After(days[3].Date))
	require.Equal(t, 1, days[0].Calls)
	require.Zero(t, days[1].Calls)
	require.InDelta(t, 0.03, days[2].Cost, 1e-12)
}

func TestFilterByTime_Inclusive(t *testing.T) {
	records := []model.UsageRecord{
		rec("b", "m1", 1, 0, base.Add(-time.Hour)),
		rec("b", "m1", 2, 0, base),
		rec("b", "m1", 3, 0, base.Add(time.Hour)),
	}
	got := FilterByTime(records, base, base)
	require.Len(t, got, 1)
	require.Equal(t, int64(2), got[0].PromptTokens)
	require.Len(t, FilterByTime(records, time.Time{}, base), 2)
}

func TestExcludeClaimed(t *testing.T) {
	records := []model.UsageRecord{
		rec("b", "m1", 1, 0, base.Add(-time.Hour)),
		rec("b", "m1", 2, 0, base),
		rec("b", "m1", 3, 0, base.Add(time.Hour)),
	}
	require.Len(t, ExcludeClaimed(records, nil), 3)

	got := ExcludeClaimed(records, []model.MergeSummary{{MergeTime: base}})
	require.Len(t, got, 1)
	require.Equal(t, int64(3), got[0].PromptTokens)
}

func TestAggregateCostBreakdown(t *testing.T) {
	totals, rows := AggregateCostBreakdown([]model.UsageRecord{
		rec("b", "m1", 1000, 500, base),
		rec("b", "mystery", 1000, 500, base),
	}, testPricing)

	require.True(t, math.Abs(totals.PromptCost-0.03) < 1e-12)
	require.True(t, math.Abs(totals.CompletionCost-0.03) < 1e-12)
	require.InDelta(t, 0.06, totals.TotalCost, 1e-12)
	require.Len(t, rows, 1)
	require.Equal(t, "m1", rows[0].Model)
}

func TestReprice_UsesCurrentTable(t *testing.T) {
	stored := []model.ModelBreakdown{
		{Model: "m1", PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500, Cost: 99, CostKnown: true},
		{Model: "mystery", PromptTokens: 10, TotalTokens: 10, Cost: 5, CostKnown: true},
	}
	got := Reprice(stored, testPricing)
	require.InDelta(t, 0.06, got[0].Cost, 1e-12)
	require.False(t, got[1].CostKnown)
	require.Zero(t, got[1].Cost)
	require.InDelta(t, 99.0, stored[0].Cost, 1e-12)
}
