// Package pipeline aggregates usage records into per-model, per-branch and
// per-day statistics. Every function is pure: pricing is passed in.
package pipeline

import (
	"sort"
	"strings"
	"time"

	"github.com/theirongolddev/mergemeter/internal/config"
	"github.com/theirongolddev/mergemeter/internal/model"
)

// AggregateModels groups records by model ID and prices each group.
// Models missing from the table get zero cost with CostKnown false.
// Rows are sorted by cost, then tokens, descending.
func AggregateModels(records []model.UsageRecord, pricing config.PricingTable) []model.ModelBreakdown {
	modelMap := make(map[string]*model.ModelBreakdown)

	for _, r := range records {
		mb, ok := modelMap[r.ModelID]
		if !ok {
			mb = &model.ModelBreakdown{Model: r.ModelID, Provider: r.Provider}
			modelMap[r.ModelID] = mb
		}
		if mb.Provider == "" {
			mb.Provider = r.Provider
		}
		mb.Calls++
		mb.PromptTokens += r.PromptTokens
		mb.CompletionTokens += r.CompletionTokens
		mb.TotalTokens += r.PromptTokens + r.CompletionTokens
	}

	models := make([]model.ModelBreakdown, 0, len(modelMap))
	for _, mb := range modelMap {
		mb.Cost, mb.CostKnown = pricing.Cost(mb.Model, mb.PromptTokens, mb.CompletionTokens)
		if mb.Provider == "" {
			mb.Provider = pricing.ProviderFor(mb.Model)
		}
		models = append(models, *mb)
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].Cost != models[j].Cost {
			return models[i].Cost > models[j].Cost
		}
		if models[i].TotalTokens != models[j].TotalTokens {
			return models[i].TotalTokens > models[j].TotalTokens
		}
		return models[i].Model < models[j].Model
	})

	return models
}

// Sum totals a model breakdown.
func Sum(models []model.ModelBreakdown) model.Totals {
	t := model.Totals{CostKnown: true}
	for _, m := range models {
		t.Calls += m.Calls
		t.PromptTokens += m.PromptTokens
		t.CompletionTokens += m.CompletionTokens
		t.TotalTokens += m.TotalTokens
		t.Cost += m.Cost
		if !m.CostKnown {
			t.CostKnown = false
		}
	}
	return t
}

// Unpriced returns the models in the breakdown without pricing, sorted.
func Unpriced(models []model.ModelBreakdown) []string {
	var out []string
	for _, m := range models {
		if !m.CostKnown {
			out = append(out, m.Model)
		}
	}
	sort.Strings(out)
	return out
}

// AggregateBranches computes per-branch statistics, sorted by cost then tokens.
func AggregateBranches(records []model.UsageRecord, pricing config.PricingTable) []model.BranchStats {
	type acc struct {
		stats  model.BranchStats
		actors map[string]struct{}
	}
	branchMap := make(map[string]*acc)

	for _, r := range records {
		a, ok := branchMap[r.Branch]
		if !ok {
			a = &acc{stats: model.BranchStats{Branch: r.Branch, CostKnown: true}, actors: make(map[string]struct{})}
			branchMap[r.Branch] = a
		}
		a.stats.Calls++
		a.stats.TotalTokens += r.TotalTokens
		cost, known := pricing.Cost(r.ModelID, r.PromptTokens, r.CompletionTokens)
		a.stats.Cost += cost
		if !known {
			a.stats.CostKnown = false
		}
		if r.Actor != "" {
			a.actors[r.Actor] = struct{}{}
		}
		if r.Timestamp.After(a.stats.LastSeen) {
			a.stats.LastSeen = r.Timestamp
		}
	}

	branches := make([]model.BranchStats, 0, len(branchMap))
	for _, a := range branchMap {
		a.stats.Actors = len(a.actors)
		branches = append(branches, a.stats)
	}
	sort.Slice(branches, func(i, j int) bool {
		if branches[i].Cost != branches[j].Cost {
			return branches[i].Cost > branches[j].Cost
		}
		if branches[i].TotalTokens != branches[j].TotalTokens {
			return branches[i].TotalTokens > branches[j].TotalTokens
		}
		return branches[i].Branch < branches[j].Branch
	})

	return branches
}

// AggregateDays computes per-day statistics in the given location, filling
// every day in [since, until] so gaps show as zeros. Most recent first.
func AggregateDays(records []model.UsageRecord, pricing config.PricingTable, since, until time.Time, loc *time.Location) []model.DailyStats {
	if loc == nil {
		loc = time.Local
	}
	dayMap := make(map[string]*model.DailyStats)

	for _, r := range FilterByTime(records, since, until) {
		dayKey := r.Timestamp.In(loc).Format("2006-01-02")
		ds, ok := dayMap[dayKey]
		if !ok {
			t, _ := time.ParseInLocation("2006-01-02", dayKey, loc)
			ds = &model.DailyStats{Date: t}
			dayMap[dayKey] = ds
		}
		ds.Calls++
		ds.TotalTokens += r.TotalTokens
		cost, _ := pricing.Cost(r.ModelID, r.PromptTokens, r.CompletionTokens)
		ds.Cost += cost
	}

	if !since.IsZero() && !until.IsZero() {
		s := since.In(loc)
		day := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, loc)
		for !day.After(until) {
			dayKey := day.Format("2006-01-02")
			if _, ok := dayMap[dayKey]; !ok {
				dayMap[dayKey] = &model.DailyStats{Date: day}
			}
			day = day.AddDate(0, 0, 1)
		}
	}

	days := make([]model.DailyStats, 0, len(dayMap))
	for _, ds := range dayMap {
		days = append(days, *ds)
	}
	sort.Slice(days, func(i, j int) bool {
		return days[i].Date.After(days[j].Date)
	})

	return days
}

// FilterByTime returns records whose timestamp falls within [since, until].
// A zero bound is open.
func FilterByTime(records []model.UsageRecord, since, until time.Time) []model.UsageRecord {
	if since.IsZero() && until.IsZero() {
		return records
	}

	var result []model.UsageRecord
	for _, r := range records {
		if !since.IsZero() && r.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && r.Timestamp.After(until) {
			continue
		}
		result = append(result, r)
	}
	return result
}

// FilterByModel returns records whose model ID contains the substring.
func FilterByModel(records []model.UsageRecord, modelFilter string) []model.UsageRecord {
	if modelFilter == "" {
		return records
	}
	var result []model.UsageRecord
	for _, r := range records {
		if containsIgnoreCase(r.ModelID, modelFilter) {
			result = append(result, r)
		}
	}
	return result
}

// ExcludeClaimed drops records already covered by earlier summaries of the
// same branch, i.e. those at or before the latest prior merge time.
func ExcludeClaimed(records []model.UsageRecord, prior []model.MergeSummary) []model.UsageRecord {
	var cutoff time.Time
	for _, s := range prior {
		if s.MergeTime.After(cutoff) {
			cutoff = s.MergeTime
		}
	}
	if cutoff.IsZero() {
		return records
	}
	var result []model.UsageRecord
	for _, r := range records {
		if r.Timestamp.After(cutoff) {
			result = append(result, r)
		}
	}
	return result
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Reprice recomputes the cost of a stored breakdown against pricing. Token
// counts are kept; order follows AggregateModels.
func Reprice(models []model.ModelBreakdown, pricing config.PricingTable) []model.ModelBreakdown {
	out := make([]model.ModelBreakdown, len(models))
	for i, m := range models {
		m.Cost, m.CostKnown = pricing.Cost(m.Model, m.PromptTokens, m.CompletionTokens)
		out[i] = m
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost > out[j].Cost
		}
		if out[i].TotalTokens != out[j].TotalTokens {
			return out[i].TotalTokens > out[j].TotalTokens
		}
		return out[i].Model < out[j].Model
	})
	return out
}
