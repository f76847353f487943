package providers

import (
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

type OpenAIProvider struct{}

func (OpenAIProvider) Name() string {
	return "openai"
}

func (OpenAIProvider) Matches(model string) bool {
	model = strings.ToLower(strings.TrimSpace(model))
	for _, prefix := range []string{"gpt-", "chatgpt-", "o1", "o3", "o4", "text-embedding-"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

var openAIRoles = map[string]struct{}{
	openai.ChatMessageRoleSystem:    {},
	openai.ChatMessageRoleUser:      {},
	openai.ChatMessageRoleAssistant: {},
	openai.ChatMessageRoleTool:      {},
	openai.ChatMessageRoleFunction:  {},
	"developer":                     {},
}

// Normalize checks input and output against the chat completion message
// shape and reads usage in the OpenAI form.
func (p OpenAIProvider) Normalize(payload map[string]any) (*Normalized, error) {
	normalized, err := normalizeCommon(payload, p.Name())
	if err != nil {
		return nil, err
	}

	for _, field := range []string{"input", "output"} {
		raw, ok := payload[field]
		if !ok || raw == nil {
			continue
		}
		var messages []openai.ChatCompletionMessage
		if err := remarshal(raw, &messages); err != nil {
			return nil, &FieldError{Field: field, Message: "must contain chat completion messages"}
		}
		for i, message := range messages {
			if _, known := openAIRoles[message.Role]; !known {
				return nil, &FieldError{Field: fmt.Sprintf("%s[%d].role", field, i), Message: fmt.Sprintf("has unsupported role %q", message.Role)}
			}
		}
	}

	if raw, ok := payload["usage"]; ok && raw != nil {
		var usage openai.Usage
		if err := remarshal(raw, &usage); err != nil {
			return nil, &FieldError{Field: "usage", Message: "must match the chat completion usage shape"}
		}
		if normalized.InputTokens == 0 && normalized.OutputTokens == 0 {
			normalized.InputTokens = int64(usage.PromptTokens)
			normalized.OutputTokens = int64(usage.CompletionTokens)
		}
		if usage.TotalTokens > 0 && normalized.TotalTokens == 0 {
			normalized.TotalTokens = int64(usage.TotalTokens)
		}
	}

	if normalized.EstimatedCostUSD == 0 {
		normalized.EstimatedCostUSD = p.EstimateCost(normalized.Model, normalized.InputTokens, normalized.OutputTokens)
	}
	return normalized, nil
}

func (OpenAIProvider) EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	rates, ok := lookupPricing(model, openAIExactPricing, openAIPrefixPricing)
	if !ok {
		return 0
	}
	return rates.cost(inputTokens, outputTokens)
}

var openAIExactPricing = map[string]pricing{
	// USD per 1K tokens.
	"gpt-4o":        {inputPer1K: 0.005, outputPer1K: 0.015},
	"gpt-4o-mini":   {inputPer1K: 0.00015, outputPer1K: 0.0006},
	"gpt-4":         {inputPer1K: 0.03, outputPer1K: 0.06},
	"gpt-4-turbo":   {inputPer1K: 0.01, outputPer1K: 0.03},
	"gpt-4.1":       {inputPer1K: 0.002, outputPer1K: 0.008},
	"gpt-4.1-mini":  {inputPer1K: 0.0004, outputPer1K: 0.0016},
	"gpt-3.5-turbo": {inputPer1K: 0.0005, outputPer1K: 0.0015},
	"o1":            {inputPer1K: 0.015, outputPer1K: 0.06},
	"o3-mini":       {inputPer1K: 0.0011, outputPer1K: 0.0044},
}

// Longest prefixes first.
var openAIPrefixPricing = []pricingRule{
	{prefix: "gpt-4o-mini-", rates: pricing{inputPer1K: 0.00015, outputPer1K: 0.0006}},
	{prefix: "gpt-4o-", rates: pricing{inputPer1K: 0.005, outputPer1K: 0.015}},
	{prefix: "gpt-4.1-mini-", rates: pricing{inputPer1K: 0.0004, outputPer1K: 0.0016}},
	{prefix: "gpt-4.1-", rates: pricing{inputPer1K: 0.002, outputPer1K: 0.008}},
	{prefix: "gpt-4-turbo-", rates: pricing{inputPer1K: 0.01, outputPer1K: 0.03}},
	{prefix: "gpt-4-", rates: pricing{inputPer1K: 0.03, outputPer1K: 0.06}},
	{prefix: "gpt-3.5-turbo-", rates: pricing{inputPer1K: 0.0005, outputPer1K: 0.0015}},
	{prefix: "o3-mini-", rates: pricing{inputPer1K: 0.0011, outputPer1K: 0.0044}},
	{prefix: "o1-", rates: pricing{inputPer1K: 0.015, outputPer1K: 0.06}},
}
