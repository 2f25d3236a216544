package usage

import "strings"

// ModelCost contains pricing per million tokens.
type ModelCost struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultModelCosts contains default pricing for common models, keyed by
// provider then model id. Prices are per million tokens.
var DefaultModelCosts = map[string]map[string]ModelCost{
	"anthropic": {
		"claude-sonnet-4-5":        {InputPer1M: 3.0, OutputPer1M: 15.0},
		"claude-sonnet-4-20250514": {InputPer1M: 3.0, OutputPer1M: 15.0},
		"claude-3-5-sonnet-latest": {InputPer1M: 3.0, OutputPer1M: 15.0},
		"claude-3-5-haiku-latest":  {InputPer1M: 1.0, OutputPer1M: 5.0},
		"claude-opus-4-20250514":   {InputPer1M: 15.0, OutputPer1M: 75.0},
		"claude-3-haiku-20240307":  {InputPer1M: 0.25, OutputPer1M: 1.25},
	},
	"openai": {
		"gpt-4o":        {InputPer1M: 2.50, OutputPer1M: 10.0},
		"gpt-4o-mini":   {InputPer1M: 0.15, OutputPer1M: 0.60},
		"gpt-4-turbo":   {InputPer1M: 10.0, OutputPer1M: 30.0},
		"gpt-3.5-turbo": {InputPer1M: 0.50, OutputPer1M: 1.50},
		"o1":            {InputPer1M: 15.0, OutputPer1M: 60.0},
		"o1-mini":       {InputPer1M: 3.0, OutputPer1M: 12.0},
	},
	"google": {
		"gemini-1.5-pro":   {InputPer1M: 1.25, OutputPer1M: 5.0},
		"gemini-1.5-flash": {InputPer1M: 0.075, OutputPer1M: 0.30},
		"gemini-2.0-flash": {InputPer1M: 0.10, OutputPer1M: 0.40},
	},
	"deepseek": {
		"deepseek-chat":     {InputPer1M: 0.27, OutputPer1M: 1.10},
		"deepseek-reasoner": {InputPer1M: 0.55, OutputPer1M: 2.19},
	},
}

// ResolveModelCost looks up pricing for a model, trying an exact match and
// then a prefix match for versioned model ids. Returns nil for unknown or
// local models, which are treated as free.
func ResolveModelCost(provider, model string) *ModelCost {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	if provider == "" || model == "" {
		return nil
	}

	providerCosts, ok := DefaultModelCosts[provider]
	if !ok {
		return nil
	}
	if cost, ok := providerCosts[model]; ok {
		return &cost
	}
	for id, cost := range providerCosts {
		if strings.HasPrefix(model, id) || strings.HasPrefix(id, model) {
			c := cost
			return &c
		}
	}
	return nil
}

// EstimateCost prices the given usage in USD. Unknown models cost zero.
func EstimateCost(provider, model string, u *Usage) float64 {
	if u == nil {
		return 0
	}
	cost := ResolveModelCost(provider, model)
	if cost == nil {
		return 0
	}
	return (float64(u.InputTokens)*cost.InputPer1M +
		float64(u.OutputTokens)*cost.OutputPer1M) / 1_000_000
}
