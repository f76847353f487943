package providers

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/ongoingai/untrace/internal/trace"
)

var (
	inputTokenKeys  = []string{"input_tokens", "prompt_tokens", "inputTokens", "promptTokens"}
	outputTokenKeys = []string{"output_tokens", "completion_tokens", "outputTokens", "completionTokens"}
	totalTokenKeys  = []string{"total_tokens", "totalTokens"}
	latencyKeys     = []string{"latency_ms", "latencyMs", "duration_ms", "durationMs"}
	costKeys        = []string{"cost_usd", "costUsd", "estimated_cost_usd", "estimatedCostUsd"}
)

func validateCommon(payload map[string]any) error {
	for _, key := range []string{"provider", "model"} {
		if raw, ok := payload[key]; ok && raw != nil {
			if _, isString := raw.(string); !isString {
				return &FieldError{Field: key, Message: "must be a string"}
			}
		}
	}
	for _, key := range []string{"input", "output"} {
		if raw, ok := payload[key]; ok && raw != nil {
			if _, isArray := raw.([]any); !isArray {
				return &FieldError{Field: key, Message: "must be an array of messages"}
			}
		}
	}
	if raw, ok := payload["usage"]; ok && raw != nil {
		if _, isObject := raw.(map[string]any); !isObject {
			return &FieldError{Field: "usage", Message: "must be an object"}
		}
	}
	return nil
}

// normalizeCommon reads token counts from the payload root, falling back to
// the nested usage object.
func normalizeCommon(payload map[string]any, provider string) (*Normalized, error) {
	normalized := &Normalized{Provider: provider, Model: extractModel(payload)}
	usage := trace.MetadataMap(payload, "usage")

	var err error
	if normalized.InputTokens, err = tokenCount(payload, usage, inputTokenKeys); err != nil {
		return nil, err
	}
	if normalized.OutputTokens, err = tokenCount(payload, usage, outputTokenKeys); err != nil {
		return nil, err
	}
	if normalized.TotalTokens, err = tokenCount(payload, usage, totalTokenKeys); err != nil {
		return nil, err
	}
	if normalized.TotalTokens == 0 {
		normalized.TotalTokens = normalized.InputTokens + normalized.OutputTokens
	}

	for _, key := range latencyKeys {
		raw, ok := payload[key]
		if !ok || raw == nil {
			continue
		}
		value, isNumber := numericValue(raw)
		if !isNumber || value < 0 {
			return nil, &FieldError{Field: key, Message: "must be a non-negative number"}
		}
		latency := int64(math.Round(value))
		normalized.LatencyMS = &latency
		break
	}

	for _, key := range costKeys {
		raw, ok := payload[key]
		if !ok || raw == nil {
			continue
		}
		value, isNumber := numericValue(raw)
		if !isNumber || value < 0 {
			return nil, &FieldError{Field: key, Message: "must be a non-negative number"}
		}
		normalized.EstimatedCostUSD = value
		break
	}
	return normalized, nil
}

func tokenCount(payload, usage map[string]any, keys []string) (int64, error) {
	for _, source := range []map[string]any{payload, usage} {
		for _, key := range keys {
			raw, ok := source[key]
			if !ok || raw == nil {
				continue
			}
			value, isNumber := numericValue(raw)
			if !isNumber || value < 0 || value != math.Trunc(value) {
				return 0, &FieldError{Field: key, Message: "must be a non-negative integer"}
			}
			return int64(value), nil
		}
	}
	return 0, nil
}

// numericValue accepts JSON numbers only; numeric strings are rejected.
func numericValue(raw any) (float64, bool) {
	if _, isString := raw.(string); isString {
		return 0, false
	}
	value, ok := trace.CoerceFloat64(raw)
	if !ok || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}

func extractModel(payload map[string]any) string {
	return trace.MetadataString(payload, "model")
}

func stringField(payload map[string]any, key string) string {
	return trace.MetadataString(payload, key)
}

// remarshal converts a decoded JSON value into a typed shape.
func remarshal(value any, out any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, out)
}

type pricing struct {
	inputPer1K  float64
	outputPer1K float64
}

type pricingRule struct {
	prefix string
	rates  pricing
}

func lookupPricing(model string, exact map[string]pricing, rules []pricingRule) (pricing, bool) {
	model = strings.TrimSpace(strings.ToLower(model))
	if model == "" {
		return pricing{}, false
	}
	if rates, ok := exact[model]; ok {
		return rates, true
	}
	for _, rule := range rules {
		if strings.HasPrefix(model, rule.prefix) {
			return rule.rates, true
		}
	}
	return pricing{}, false
}

func (p pricing) cost(inputTokens, outputTokens int64) float64 {
	return (float64(inputTokens)/1000)*p.inputPer1K + (float64(outputTokens)/1000)*p.outputPer1K
}
