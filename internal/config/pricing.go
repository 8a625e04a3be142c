package config

import (
	"sort"
	"strings"
)

// Provider names used in the pricing table and on usage records.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ModelPricing holds per-million-token prices for a model.
type ModelPricing struct {
	Provider          string
	PromptPerMTok     float64
	CompletionPerMTok float64
}

// PricingTable maps model base names to their pricing. A table is a plain
// value: callers build one at startup and pass it to whatever computes cost.
type PricingTable map[string]ModelPricing

// DefaultPricing returns a fresh copy of the built-in pricing for both providers.
func DefaultPricing() PricingTable {
	return PricingTable{
		// OpenAI
		"gpt-4o":        {Provider: ProviderOpenAI, PromptPerMTok: 2.50, CompletionPerMTok: 10.00},
		"gpt-4o-mini":   {Provider: ProviderOpenAI, PromptPerMTok: 0.15, CompletionPerMTok: 0.60},
		"gpt-4.1":       {Provider: ProviderOpenAI, PromptPerMTok: 2.00, CompletionPerMTok: 8.00},
		"gpt-4.1-mini":  {Provider: ProviderOpenAI, PromptPerMTok: 0.40, CompletionPerMTok: 1.60},
		"gpt-4-turbo":   {Provider: ProviderOpenAI, PromptPerMTok: 10.00, CompletionPerMTok: 30.00},
		"gpt-4":         {Provider: ProviderOpenAI, PromptPerMTok: 30.00, CompletionPerMTok: 60.00},
		"gpt-3.5-turbo": {Provider: ProviderOpenAI, PromptPerMTok: 0.50, CompletionPerMTok: 1.50},
		"o1":            {Provider: ProviderOpenAI, PromptPerMTok: 15.00, CompletionPerMTok: 60.00},
		"o1-mini":       {Provider: ProviderOpenAI, PromptPerMTok: 1.10, CompletionPerMTok: 4.40},
		"o3-mini":       {Provider: ProviderOpenAI, PromptPerMTok: 1.10, CompletionPerMTok: 4.40},

		// Anthropic
		"claude-opus-4-6":   {Provider: ProviderAnthropic, PromptPerMTok: 5.00, CompletionPerMTok: 25.00},
		"claude-opus-4-5":   {Provider: ProviderAnthropic, PromptPerMTok: 5.00, CompletionPerMTok: 25.00},
		"claude-opus-4-1":   {Provider: ProviderAnthropic, PromptPerMTok: 15.00, CompletionPerMTok: 75.00},
		"claude-opus-4":     {Provider: ProviderAnthropic, PromptPerMTok: 15.00, CompletionPerMTok: 75.00},
		"claude-sonnet-4-6": {Provider: ProviderAnthropic, PromptPerMTok: 3.00, CompletionPerMTok: 15.00},
		"claude-sonnet-4-5": {Provider: ProviderAnthropic, PromptPerMTok: 3.00, CompletionPerMTok: 15.00},
		"claude-sonnet-4":   {Provider: ProviderAnthropic, PromptPerMTok: 3.00, CompletionPerMTok: 15.00},
		"claude-haiku-4-5":  {Provider: ProviderAnthropic, PromptPerMTok: 1.00, CompletionPerMTok: 5.00},
		"claude-3-5-sonnet": {Provider: ProviderAnthropic, PromptPerMTok: 3.00, CompletionPerMTok: 15.00},
		"claude-3-5-haiku":  {Provider: ProviderAnthropic, PromptPerMTok: 0.80, CompletionPerMTok: 4.00},
		"claude-3-opus":     {Provider: ProviderAnthropic, PromptPerMTok: 15.00, CompletionPerMTok: 75.00},
		"claude-3-haiku":    {Provider: ProviderAnthropic, PromptPerMTok: 0.25, CompletionPerMTok: 1.25},
	}
}

// WithOverrides returns a copy of t with the given per-model overrides applied.
// Overrides may introduce models the table does not know yet.
func (t PricingTable) WithOverrides(overrides map[string]ModelPricingOverride) PricingTable {
	out := make(PricingTable, len(t)+len(overrides))
	for k, v := range t {
		out[k] = v
	}
	for name, o := range overrides {
		key := strings.ToLower(strings.TrimSpace(name))
		p := out[key]
		if o.Provider != "" {
			p.Provider = o.Provider
		}
		if o.PromptPer1K != nil {
			p.PromptPerMTok = *o.PromptPer1K * 1000
		}
		if o.CompletionPer1K != nil {
			p.CompletionPerMTok = *o.CompletionPer1K * 1000
		}
		if o.PromptPerMTok != nil {
			p.PromptPerMTok = *o.PromptPerMTok
		}
		if o.CompletionPerMTok != nil {
			p.CompletionPerMTok = *o.CompletionPerMTok
		}
		out[key] = p
	}
	return out
}

// NormalizeModelName maps a raw model identifier onto a pricing table key.
// e.g., "claude-3-5-sonnet-20241022" -> "claude-3-5-sonnet",
// "openai/gpt-4o-2024-08-06" -> "gpt-4o"
func (t PricingTable) NormalizeModelName(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	if _, ok := t[name]; ok {
		return name
	}
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
		if _, ok := t[name]; ok {
			return name
		}
	}

	parts := strings.Split(name, "-")

	// Compact date suffix: -20241022
	if len(parts) >= 2 {
		last := parts[len(parts)-1]
		if isAllDigits(last) && len(last) >= 8 {
			candidate := strings.Join(parts[:len(parts)-1], "-")
			if _, ok := t[candidate]; ok {
				return candidate
			}
		}
	}

	// ISO date suffix: -2024-08-06
	if len(parts) >= 4 {
		n := len(parts)
		if len(parts[n-3]) == 4 && len(parts[n-2]) == 2 && len(parts[n-1]) == 2 &&
			isAllDigits(parts[n-3]) && isAllDigits(parts[n-2]) && isAllDigits(parts[n-1]) {
			candidate := strings.Join(parts[:n-3], "-")
			if _, ok := t[candidate]; ok {
				return candidate
			}
		}
	}

	return name
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// Lookup returns the pricing for a model, normalizing the name first.
// Returns zero pricing and false if the model is unknown.
func (t PricingTable) Lookup(model string) (ModelPricing, bool) {
	p, ok := t[t.NormalizeModelName(model)]
	return p, ok
}

// Cost computes the estimated cost in USD for the given token counts.
// The second return value is false when the model has no pricing; the cost is then zero.
func (t PricingTable) Cost(model string, promptTokens, completionTokens int64) (float64, bool) {
	pricing, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}
	cost := float64(promptTokens) * pricing.PromptPerMTok / 1_000_000
	cost += float64(completionTokens) * pricing.CompletionPerMTok / 1_000_000
	return cost, true
}

// ProviderFor returns the provider that serves a model, or "" when unknown.
func (t PricingTable) ProviderFor(model string) string {
	p, _ := t.Lookup(model)
	return p.Provider
}

// Models returns the table's model names sorted by provider, then name.
func (t PricingTable) Models() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := t[names[i]].Provider, t[names[j]].Provider
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names
}
