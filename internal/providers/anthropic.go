package providers

import (
	"fmt"
	"strings"
)

type AnthropicProvider struct{}

func (AnthropicProvider) Name() string {
	return "anthropic"
}

func (AnthropicProvider) Matches(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "claude")
}

// Normalize accepts messages whose content is a string or a list of content
// blocks.
func (p AnthropicProvider) Normalize(payload map[string]any) (*Normalized, error) {
	normalized, err := normalizeCommon(payload, p.Name())
	if err != nil {
		return nil, err
	}

	for _, field := range []string{"input", "output"} {
		messages, _ := payload[field].([]any)
		for i, raw := range messages {
			message, ok := raw.(map[string]any)
			if !ok {
				return nil, &FieldError{Field: fmt.Sprintf("%s[%d]", field, i), Message: "must be an object"}
			}
			if _, ok := message["role"].(string); !ok {
				return nil, &FieldError{Field: fmt.Sprintf("%s[%d].role", field, i), Message: "must be a string"}
			}
			switch message["content"].(type) {
			case nil, string, []any:
			default:
				return nil, &FieldError{Field: fmt.Sprintf("%s[%d].content", field, i), Message: "must be a string or a list of content blocks"}
			}
		}
	}

	if normalized.EstimatedCostUSD == 0 {
		normalized.EstimatedCostUSD = p.EstimateCost(normalized.Model, normalized.InputTokens, normalized.OutputTokens)
	}
	return normalized, nil
}

func (AnthropicProvider) EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	rates, ok := lookupPricing(model, anthropicExactPricing, anthropicPrefixPricing)
	if !ok {
		return 0
	}
	return rates.cost(inputTokens, outputTokens)
}

var anthropicExactPricing = map[string]pricing{
	// USD per 1K tokens.
	"claude-opus-4-1":           {inputPer1K: 0.015, outputPer1K: 0.075},
	"claude-sonnet-4-20250514":  {inputPer1K: 0.003, outputPer1K: 0.015},
	"claude-haiku-4-5-20251001": {inputPer1K: 0.001, outputPer1K: 0.005},
	"claude-3-5-haiku-20241022": {inputPer1K: 0.0008, outputPer1K: 0.004},
}

var anthropicPrefixPricing = []pricingRule{
	{prefix: "claude-opus-4-1-", rates: pricing{inputPer1K: 0.015, outputPer1K: 0.075}},
	{prefix: "claude-opus-4-", rates: pricing{inputPer1K: 0.015, outputPer1K: 0.075}},
	{prefix: "claude-sonnet-4-", rates: pricing{inputPer1K: 0.003, outputPer1K: 0.015}},
	{prefix: "claude-haiku-4-5-", rates: pricing{inputPer1K: 0.001, outputPer1K: 0.005}},
	{prefix: "claude-haiku-4-", rates: pricing{inputPer1K: 0.001, outputPer1K: 0.005}},
	{prefix: "claude-3-7-sonnet-", rates: pricing{inputPer1K: 0.003, outputPer1K: 0.015}},
	{prefix: "claude-3-5-sonnet-", rates: pricing{inputPer1K: 0.003, outputPer1K: 0.015}},
	{prefix: "claude-3-5-haiku-", rates: pricing{inputPer1K: 0.0008, outputPer1K: 0.004}},
	{prefix: "claude-3-opus-", rates: pricing{inputPer1K: 0.015, outputPer1K: 0.075}},
	{prefix: "claude-3-haiku-", rates: pricing{inputPer1K: 0.00025, outputPer1K: 0.00125}},
}
