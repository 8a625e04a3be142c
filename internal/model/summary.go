package model

import "time"

// ModelBreakdown holds token and cost totals for one model.
type ModelBreakdown struct {
	Model            string  `json:"model"`
	Provider         string  `json:"provider,omitempty"`
	Calls            int     `json:"calls"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	Cost             float64 `json:"cost"`
	CostKnown        bool    `json:"cost_known"`
}

// MergeSummary is the finalized, immutable aggregation of one merge commit.
type MergeSummary struct {
	ID           int64     `json:"id"`
	MergeTime    time.Time `json:"merge_time"`
	SourceBranch string    `json:"source_branch"`
	TargetBranch string    `json:"target_branch"`
	CommitID     string    `json:"commit_id"`
	MergedBy     string    `json:"merged_by,omitempty"`

	Models      []ModelBreakdown `json:"models"`
	Calls       int              `json:"calls"`
	TotalTokens int64            `json:"total_tokens"`
	TotalCost   float64          `json:"total_cost"`

	CumulativeTokens int64   `json:"cumulative_tokens"`
	CumulativeCost   float64 `json:"cumulative_cost"`
}

// UnpricedModels returns the models in the breakdown whose cost is unknown.
func (s *MergeSummary) UnpricedModels() []string {
	var out []string
	for _, m := range s.Models {
		if !m.CostKnown {
			out = append(out, m.Model)
		}
	}
	return out
}
