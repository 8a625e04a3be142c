package model

import "time"

// Totals is the sum over a set of usage records.
type Totals struct {
	Calls            int     `json:"calls"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	Cost             float64 `json:"cost"`
	// CostKnown is false when any contributing model had no pricing; Cost
	// then covers only the priced models.
	CostKnown bool `json:"cost_known"`
}

// DailyStats holds metrics for a single calendar day.
type DailyStats struct {
	Date        time.Time `json:"date"`
	Calls       int       `json:"calls"`
	TotalTokens int64     `json:"total_tokens"`
	Cost        float64   `json:"cost"`
}

// BranchStats holds aggregated metrics for a single branch.
type BranchStats struct {
	Branch      string    `json:"branch"`
	Calls       int       `json:"calls"`
	Actors      int       `json:"actors"`
	TotalTokens int64     `json:"total_tokens"`
	Cost        float64   `json:"cost"`
	CostKnown   bool      `json:"cost_known"`
	LastSeen    time.Time `json:"last_seen"`
}
