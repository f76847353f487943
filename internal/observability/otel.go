package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ongoingai/untrace/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const instrumentationName = "untrace"

// Runtime owns the OpenTelemetry providers and the service metrics. A
// disabled or nil Runtime turns every hook into a no-op.
type Runtime struct {
	enabled bool
	logger  *slog.Logger
	meter   metric.Meter

	ingestCounter        metric.Int64Counter
	queueDropCounter     metric.Int64Counter
	deliveryCounter      metric.Int64Counter
	deliveryLatency      metric.Float64Histogram
	retryCounter         metric.Int64Counter
	attemptWriteFailures metric.Int64Counter

	shutdownFns []func(context.Context) error
}

// Setup installs the global tracer and meter providers described by cfg.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return &Runtime{logger: logger}, nil
	}

	endpoint, insecure, err := normalizeOTLPEndpoint(cfg.Endpoint, cfg.Insecure)
	if err != nil {
		return nil, err
	}
	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	var shutdownFns []func(context.Context) error
	shutdownPartial := func() {
		for i := len(shutdownFns) - 1; i >= 0; i-- {
			_ = shutdownFns[i](context.Background())
		}
	}

	if cfg.TracesEnabled {
		options := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			options = append(options, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, options...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}
		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newRedactingExporter(exporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		shutdownFns = append(shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		options := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, options...)
		if err != nil {
			shutdownPartial()
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(time.Duration(cfg.MetricExportIntervalMS)*time.Millisecond),
				sdkmetric.WithTimeout(exportTimeout),
			)),
		)
		otel.SetMeterProvider(meterProvider)
		shutdownFns = append(shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	runtime := newRuntime(otel.Meter(instrumentationName), logger)
	runtime.shutdownFns = shutdownFns
	logger.Info("opentelemetry enabled",
		"otel_endpoint", endpoint,
		"otel_traces_enabled", cfg.TracesEnabled,
		"otel_metrics_enabled", cfg.MetricsEnabled,
		"otel_sampling_ratio", cfg.SamplingRatio,
	)
	return runtime, nil
}

func newRuntime(meter metric.Meter, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{enabled: true, logger: logger, meter: meter}
	r.ingestCounter = r.counter("untrace.ingest.traces_total", "Trace ingestion requests by outcome.")
	r.queueDropCounter = r.counter("untrace.fanout.queue_dropped_total", "Fanout jobs dropped because the queue was full.")
	r.deliveryCounter = r.counter("untrace.fanout.deliveries_total", "Terminal destination deliveries by kind, outcome and error class.")
	r.retryCounter = r.counter("untrace.fanout.retries_total", "Delivery attempts retried after a transient failure.")
	r.attemptWriteFailures = r.counter("untrace.fanout.attempt_write_failed_total", "Delivery attempt rows that could not be written.")

	histogram, err := meter.Float64Histogram(
		"untrace.fanout.delivery_latency_ms",
		metric.WithDescription("Latency of each delivery attempt."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		logger.Warn("failed to create opentelemetry histogram", "metric", "untrace.fanout.delivery_latency_ms", "error", err)
	}
	r.deliveryLatency = histogram
	return r
}

func (r *Runtime) counter(name, description string) metric.Int64Counter {
	counter, err := r.meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		r.logger.Warn("failed to create opentelemetry counter", "metric", name, "error", err)
		return nil
	}
	return counter
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// RegisterQueueDepth reports the fanout queue depth as an observable gauge.
func (r *Runtime) RegisterQueueDepth(depth func() int64) {
	if !r.Enabled() || depth == nil {
		return
	}
	_, err := r.meter.Int64ObservableGauge(
		"untrace.fanout.queue_depth",
		metric.WithDescription("Fanout jobs waiting for a worker."),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(depth())
			return nil
		}),
	)
	if err != nil {
		r.logger.Warn("failed to create opentelemetry gauge", "metric", "untrace.fanout.queue_depth", "error", err)
	}
}

func (r *Runtime) RecordIngest(outcome string) {
	if !r.Enabled() || r.ingestCounter == nil {
		return
	}
	r.ingestCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (r *Runtime) RecordQueueDrop(source string) {
	if !r.Enabled() || r.queueDropCounter == nil {
		return
	}
	r.queueDropCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("source", source)))
}

func (r *Runtime) RecordDelivery(kind, outcome, class string, latency time.Duration) {
	if !r.Enabled() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
		attribute.String("class", class),
	)
	if r.deliveryCounter != nil {
		r.deliveryCounter.Add(context.Background(), 1, attrs)
	}
	if r.deliveryLatency != nil {
		r.deliveryLatency.Record(context.Background(), float64(latency)/float64(time.Millisecond), attrs)
	}
}

func (r *Runtime) RecordRetry(kind string) {
	if !r.Enabled() || r.retryCounter == nil {
		return
	}
	r.retryCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (r *Runtime) RecordAttemptWriteFailure(operation string) {
	if !r.Enabled() || r.attemptWriteFailures == nil {
		return
	}
	r.attemptWriteFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// Shutdown flushes and stops the providers in reverse start order.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// normalizeOTLPEndpoint returns host:port for the exporters. A URL scheme
// overrides the insecure flag.
func normalizeOTLPEndpoint(raw string, insecure bool) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, insecure, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if parsed.Host == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https (got %q)", parsed.Scheme)
	}
}
