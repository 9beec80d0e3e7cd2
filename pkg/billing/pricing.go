// Package billing prices LLM usage and keeps user balances consistent with
// their audit trail.
package billing

import (
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/shopspring/decimal"
)

// ModelPricing is USD per million tokens for one model tier.
type ModelPricing struct {
	Input      decimal.Decimal
	Output     decimal.Decimal
	CacheWrite decimal.Decimal
	CacheRead  decimal.Decimal
}

var (
	opusPricing = ModelPricing{
		Input:      decimal.NewFromFloat(15),
		Output:     decimal.NewFromFloat(75),
		CacheWrite: decimal.NewFromFloat(18.75),
		CacheRead:  decimal.NewFromFloat(1.5),
	}
	sonnetPricing = ModelPricing{
		Input:      decimal.NewFromFloat(3),
		Output:     decimal.NewFromFloat(15),
		CacheWrite: decimal.NewFromFloat(3.75),
		CacheRead:  decimal.NewFromFloat(0.3),
	}
	haikuPricing = ModelPricing{
		Input:      decimal.NewFromFloat(0.8),
		Output:     decimal.NewFromFloat(4),
		CacheWrite: decimal.NewFromFloat(1),
		CacheRead:  decimal.NewFromFloat(0.08),
	}
)

// Web search is billed per request on top of the tokens it produces.
var webSearchPerRequest = decimal.NewFromFloat(0.01)

var million = decimal.NewFromInt(1_000_000)

// PricingFor resolves the tier from a model id. Unknown ids price as opus so
// a new model never undercharges.
func PricingFor(modelID string) ModelPricing {
	id := strings.ToLower(modelID)
	switch {
	case strings.Contains(id, "haiku"):
		return haikuPricing
	case strings.Contains(id, "sonnet"):
		return sonnetPricing
	default:
		return opusPricing
	}
}

// CostForUsage prices the token usage of one turn, server tool requests
// included.
func CostForUsage(modelID string, u anthropic.BetaUsage) decimal.Decimal {
	p := PricingFor(modelID)

	cost := decimal.NewFromInt(u.InputTokens).Mul(p.Input).
		Add(decimal.NewFromInt(u.OutputTokens).Mul(p.Output)).
		Add(decimal.NewFromInt(u.CacheCreationInputTokens).Mul(p.CacheWrite)).
		Add(decimal.NewFromInt(u.CacheReadInputTokens).Mul(p.CacheRead)).
		Div(million)

	if n := u.ServerToolUse.WebSearchRequests; n > 0 {
		cost = cost.Add(webSearchPerRequest.Mul(decimal.NewFromInt(n)))
	}
	return cost
}

// TotalTokens sums the token counters of one turn for usage stats.
func TotalTokens(u anthropic.BetaUsage) int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}
