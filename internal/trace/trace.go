package trace

import (
	"encoding/json"
	"maps"
	"time"
)

const (
	FanoutStatusPending   = "pending"
	FanoutStatusCompleted = "completed"
)

// Trace is one observability record ingested from an SDK. Payload is
// immutable after creation; Metadata may be enriched.
type Trace struct {
	TraceID      string
	SpanID       string
	ParentSpanID string

	OrgID     string
	ProjectID string
	UserID    string
	APIKeyID  string

	Provider         string
	Model            string
	InputTokens      int64
	OutputTokens     int64
	TotalTokens      int64
	LatencyMS        *int64
	EstimatedCostUSD float64

	Payload  map[string]any
	Metadata map[string]any

	FanoutStatus      string
	FanoutCompletedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Clone returns a copy whose maps can be mutated independently.
func (t *Trace) Clone() *Trace {
	if t == nil {
		return nil
	}
	out := *t
	out.Payload = maps.Clone(t.Payload)
	out.Metadata = maps.Clone(t.Metadata)
	if t.LatencyMS != nil {
		latency := *t.LatencyMS
		out.LatencyMS = &latency
	}
	return &out
}

// Document is the JSON shape of a trace on the API, on webhooks and on the
// realtime stream.
type Document struct {
	TraceID          string         `json:"traceId"`
	SpanID           string         `json:"spanId"`
	ParentSpanID     string         `json:"parentSpanId,omitempty"`
	OrgID            string         `json:"orgId"`
	ProjectID        string         `json:"projectId"`
	UserID           string         `json:"userId,omitempty"`
	APIKeyID         string         `json:"apiKeyId,omitempty"`
	Provider         string         `json:"provider,omitempty"`
	Model            string         `json:"model,omitempty"`
	InputTokens      int64          `json:"inputTokens"`
	OutputTokens     int64          `json:"outputTokens"`
	TotalTokens      int64          `json:"totalTokens"`
	LatencyMS        *int64         `json:"latencyMs,omitempty"`
	EstimatedCostUSD float64        `json:"estimatedCostUsd"`
	Payload          map[string]any `json:"payload"`
	Metadata         map[string]any `json:"metadata"`
	FanoutStatus     string         `json:"fanoutStatus,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        *time.Time     `json:"updatedAt,omitempty"`
	ExpiresAt        *time.Time     `json:"expiresAt,omitempty"`
}

// NewDocument converts a trace into its JSON document.
func NewDocument(t *Trace) Document {
	if t == nil {
		return Document{}
	}
	doc := Document{
		TraceID:          t.TraceID,
		SpanID:           t.SpanID,
		ParentSpanID:     t.ParentSpanID,
		OrgID:            t.OrgID,
		ProjectID:        t.ProjectID,
		UserID:           t.UserID,
		APIKeyID:         t.APIKeyID,
		Provider:         t.Provider,
		Model:            t.Model,
		InputTokens:      t.InputTokens,
		OutputTokens:     t.OutputTokens,
		TotalTokens:      t.TotalTokens,
		LatencyMS:        t.LatencyMS,
		EstimatedCostUSD: t.EstimatedCostUSD,
		Payload:          t.Payload,
		Metadata:         t.Metadata,
		FanoutStatus:     t.FanoutStatus,
		CreatedAt:        t.CreatedAt.UTC(),
	}
	if doc.Payload == nil {
		doc.Payload = map[string]any{}
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	if !t.UpdatedAt.IsZero() {
		updatedAt := t.UpdatedAt.UTC()
		doc.UpdatedAt = &updatedAt
	}
	if !t.ExpiresAt.IsZero() {
		expiresAt := t.ExpiresAt.UTC()
		doc.ExpiresAt = &expiresAt
	}
	return doc
}

// MarshalDocument renders the trace document as JSON.
func MarshalDocument(t *Trace) ([]byte, error) {
	return json.Marshal(NewDocument(t))
}

func encodeJSONMap(values map[string]any) (string, error) {
	if len(values) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeJSONMap(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
