package destination

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	defaultOTLPServiceName = "untrace"
	defaultOTLPTracesPath  = "/v1/traces"
)

type otlpConfig struct {
	EndpointURL string
	Headers     map[string]string
	ServiceName string
	Insecure    bool
}

// OTLPAdapter exports each trace as a single OTLP span over HTTP.
type OTLPAdapter struct {
	newExporter func(ctx context.Context, cfg otlpConfig) (sdktrace.SpanExporter, error)
}

func NewOTLPAdapter() *OTLPAdapter {
	return &OTLPAdapter{newExporter: newOTLPHTTPExporter}
}

func (a *OTLPAdapter) Kind() string {
	return KindOTLP
}

func (a *OTLPAdapter) Validate(config map[string]any) error {
	_, err := parseOTLPConfig(config)
	return err
}

// parseOTLPConfig accepts endpoint_url with an explicit scheme. A scheme
// of http implies an insecure connection regardless of the insecure flag.
func parseOTLPConfig(config map[string]any) (otlpConfig, error) {
	var parsed otlpConfig
	rawURL, err := configString(config, "endpoint_url")
	if err != nil {
		return parsed, err
	}
	if rawURL == "" {
		return parsed, fmt.Errorf("%w: endpoint_url is required", ErrInvalidConfig)
	}
	if parsed.Insecure, err = configBool(config, "insecure"); err != nil {
		return parsed, err
	}
	if !strings.Contains(rawURL, "://") {
		scheme := "https://"
		if parsed.Insecure {
			scheme = "http://"
		}
		rawURL = scheme + rawURL
	}
	endpoint, err := url.Parse(rawURL)
	if err != nil || endpoint.Host == "" {
		return parsed, fmt.Errorf("%w: endpoint_url must include a host", ErrInvalidConfig)
	}
	switch endpoint.Scheme {
	case "http":
		parsed.Insecure = true
	case "https":
		parsed.Insecure = false
	default:
		return parsed, fmt.Errorf("%w: endpoint_url scheme must be http or https (got %q)", ErrInvalidConfig, endpoint.Scheme)
	}
	if endpoint.Path == "" || endpoint.Path == "/" {
		endpoint.Path = defaultOTLPTracesPath
	}
	parsed.EndpointURL = endpoint.String()

	if parsed.Headers, err = configHeaders(config, "headers", "Content-Type", "Content-Length", "Host"); err != nil {
		return parsed, err
	}
	if parsed.ServiceName, err = configString(config, "service_name"); err != nil {
		return parsed, err
	}
	if parsed.ServiceName == "" {
		parsed.ServiceName = defaultOTLPServiceName
	}
	return parsed, nil
}

func newOTLPHTTPExporter(ctx context.Context, cfg otlpConfig) (sdktrace.SpanExporter, error) {
	options := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(cfg.EndpointURL),
		// Retries belong to the fanout dispatcher.
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{Enabled: false}),
	}
	if len(cfg.Headers) > 0 {
		options = append(options, otlptracehttp.WithHeaders(cfg.Headers))
	}
	if cfg.Insecure {
		options = append(options, otlptracehttp.WithInsecure())
	}
	if deadline, ok := ctx.Deadline(); ok {
		if timeout := time.Until(deadline); timeout > 0 {
			options = append(options, otlptracehttp.WithTimeout(timeout))
		}
	}
	return otlptracehttp.New(ctx, options...)
}

func (a *OTLPAdapter) Deliver(ctx context.Context, delivery Delivery) (Response, error) {
	cfg, err := parseOTLPConfig(delivery.Destination.Config)
	if err != nil {
		return Response{}, permanentError(0, err)
	}

	exporter, err := a.newExporter(ctx, cfg)
	if err != nil {
		return Response{}, permanentError(0, fmt.Errorf("%w: create otlp exporter: %v", ErrInvalidConfig, err))
	}
	defer func() {
		_ = exporter.Shutdown(context.WithoutCancel(ctx))
	}()

	span := SpanFromTrace(delivery, cfg.ServiceName)
	if err := exporter.ExportSpans(ctx, []sdktrace.ReadOnlySpan{span}); err != nil {
		return Response{}, transientError(0, fmt.Errorf("export otlp span: %w", err))
	}
	return Response{}, nil
}

// SpanFromTrace converts a trace into a finished span snapshot. Trace and
// span ids that are not valid hex are derived from a sha256 of the org and
// original id, so every attempt exports the same identifiers.
func SpanFromTrace(delivery Delivery, serviceName string) sdktrace.ReadOnlySpan {
	t := delivery.Trace
	traceID := otlpTraceID(t.OrgID, t.TraceID)
	spanContext := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     otlpSpanID(t.OrgID, t.TraceID, t.SpanID),
		TraceFlags: oteltrace.FlagsSampled,
		Remote:     true,
	})
	var parent oteltrace.SpanContext
	if t.ParentSpanID != "" {
		parent = oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     otlpSpanID(t.OrgID, t.TraceID, t.ParentSpanID),
			TraceFlags: oteltrace.FlagsSampled,
			Remote:     true,
		})
	}

	end := t.CreatedAt.UTC()
	start := end
	if t.LatencyMS != nil && *t.LatencyMS > 0 {
		start = end.Add(-time.Duration(*t.LatencyMS) * time.Millisecond)
	}

	name := "untrace.trace"
	if t.Model != "" {
		name = "llm " + t.Model
	}

	attrs := []attribute.KeyValue{
		attribute.String("untrace.trace_id", t.TraceID),
		attribute.String("untrace.org_id", t.OrgID),
		attribute.String("untrace.project_id", t.ProjectID),
		attribute.String("untrace.delivery_id", delivery.DeliveryID),
		attribute.Int("untrace.attempt", delivery.Attempt),
		attribute.Int64("gen_ai.usage.input_tokens", t.InputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", t.OutputTokens),
		attribute.Int64("gen_ai.usage.total_tokens", t.TotalTokens),
		attribute.Float64("untrace.estimated_cost_usd", t.EstimatedCostUSD),
	}
	if t.Provider != "" {
		attrs = append(attrs, attribute.String("gen_ai.system", t.Provider))
	}
	if t.Model != "" {
		attrs = append(attrs, attribute.String("gen_ai.request.model", t.Model))
	}
	for key, value := range t.Metadata {
		if text, ok := value.(string); ok {
			attrs = append(attrs, attribute.String("untrace.metadata."+key, text))
		}
	}

	stub := tracetest.SpanStub{
		Name:        name,
		SpanContext: spanContext,
		Parent:      parent,
		SpanKind:    oteltrace.SpanKindClient,
		StartTime:   start,
		EndTime:     end,
		Attributes:  attrs,
		Resource: resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		),
	}
	return stub.Snapshot()
}

func otlpTraceID(orgID, raw string) oteltrace.TraceID {
	if id, err := oteltrace.TraceIDFromHex(strings.ToLower(raw)); err == nil && id.IsValid() {
		return id
	}
	sum := sha256.Sum256([]byte(orgID + ":" + raw))
	var id oteltrace.TraceID
	copy(id[:], sum[:len(id)])
	return id
}

func otlpSpanID(orgID, traceID, raw string) oteltrace.SpanID {
	if id, err := oteltrace.SpanIDFromHex(strings.ToLower(raw)); err == nil && id.IsValid() {
		return id
	}
	sum := sha256.Sum256([]byte(orgID + ":" + traceID + ":" + raw))
	var id oteltrace.SpanID
	copy(id[:], sum[:len(id)])
	return id
}
