package providers

import (
	"fmt"

	"github.com/ongoingai/untrace/internal/trace"
)

// Normalized holds the columns extracted from a trace payload.
type Normalized struct {
	Provider         string
	Model            string
	InputTokens      int64
	OutputTokens     int64
	TotalTokens      int64
	LatencyMS        *int64
	EstimatedCostUSD float64
}

// Apply copies the normalized columns onto a trace.
func (n *Normalized) Apply(t *trace.Trace) {
	if n == nil || t == nil {
		return
	}
	t.Provider = n.Provider
	t.Model = n.Model
	t.InputTokens = n.InputTokens
	t.OutputTokens = n.OutputTokens
	t.TotalTokens = n.TotalTokens
	t.LatencyMS = n.LatencyMS
	t.EstimatedCostUSD = n.EstimatedCostUSD
}

// FieldError reports a payload field that cannot be normalized.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("payload.%s %s", e.Field, e.Message)
}

type Provider interface {
	Name() string
	// Matches reports whether a model name belongs to this provider.
	Matches(model string) bool
	Normalize(payload map[string]any) (*Normalized, error)
	EstimateCost(model string, inputTokens, outputTokens int64) float64
}
