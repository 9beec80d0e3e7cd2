package llm

import (
	"github.com/anthropics/anthropic-sdk-go"
)

// BuildParams assembles the request for one streaming iteration. Calls go
// through the beta messages surface so content can reference files-API
// uploads by id.
func BuildParams(modelID, system string, conversation []anthropic.BetaMessageParam, tools []anthropic.BetaToolUnionParam, maxTokens, thinkingBudget int64) anthropic.BetaMessageNewParams {
	params := anthropic.BetaMessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: maxTokens,
		Messages:  conversation,
		Tools:     tools,
		Betas:     []anthropic.AnthropicBeta{anthropic.AnthropicBetaFilesAPI2025_04_14},
	}
	if system != "" {
		params.System = []anthropic.BetaTextBlockParam{{Text: system}}
	}
	if thinkingBudget > 0 {
		params.Thinking = anthropic.BetaThinkingConfigParamUnion{
			OfEnabled: &anthropic.BetaThinkingConfigEnabledParam{
				BudgetTokens: thinkingBudget,
			},
		}
	}
	return params
}
