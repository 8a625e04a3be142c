package pipeline

import (
	"sort"

	"github.com/theirongolddev/mergemeter/internal/config"
	"github.com/theirongolddev/mergemeter/internal/model"
)

// TokenTypeCosts holds aggregate costs split by token type.
type TokenTypeCosts struct {
	PromptCost     float64 `json:"prompt_cost"`
	CompletionCost float64 `json:"completion_cost"`
	TotalCost      float64 `json:"total_cost"`
}

// ModelCostBreakdown holds cost components for one model.
type ModelCostBreakdown struct {
	Model          string  `json:"model"`
	PromptCost     float64 `json:"prompt_cost"`
	CompletionCost float64 `json:"completion_cost"`
	TotalCost      float64 `json:"total_cost"`
}

// AggregateCostBreakdown computes prompt/completion cost splits from the
// given table. Unpriced models are left out.
func AggregateCostBreakdown(records []model.UsageRecord, pricing config.PricingTable) (TokenTypeCosts, []ModelCostBreakdown) {
	var totals TokenTypeCosts
	byModel := make(map[string]*ModelCostBreakdown)

	for _, r := range records {
		p, ok := pricing.Lookup(r.ModelID)
		if !ok {
			continue
		}

		promptCost := float64(r.PromptTokens) * p.PromptPerMTok / 1_000_000
		completionCost := float64(r.CompletionTokens) * p.CompletionPerMTok / 1_000_000

		totals.PromptCost += promptCost
		totals.CompletionCost += completionCost

		row, exists := byModel[r.ModelID]
		if !exists {
			row = &ModelCostBreakdown{Model: r.ModelID}
			byModel[r.ModelID] = row
		}
		row.PromptCost += promptCost
		row.CompletionCost += completionCost
	}

	totals.TotalCost = totals.PromptCost + totals.CompletionCost

	modelRows := make([]ModelCostBreakdown, 0, len(byModel))
	for _, row := range byModel {
		row.TotalCost = row.PromptCost + row.CompletionCost
		modelRows = append(modelRows, *row)
	}

	sort.Slice(modelRows, func(i, j int) bool {
		if modelRows[i].TotalCost != modelRows[j].TotalCost {
			return modelRows[i].TotalCost > modelRows[j].TotalCost
		}
		return modelRows[i].Model < modelRows[j].Model
	})

	return totals, modelRows
}
