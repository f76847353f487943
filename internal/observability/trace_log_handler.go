package observability

import (
	"context"
	"log/slog"

	"github.com/ongoingai/untrace/internal/correlation"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// contextLogHandler stamps each record with the span and request ids found
// on the logging context.
type contextLogHandler struct {
	next slog.Handler
}

// NewTraceLogHandler wraps next, or slog.Default's handler when nil.
func NewTraceLogHandler(next slog.Handler) slog.Handler {
	if next == nil {
		next = slog.Default().Handler()
	}
	return contextLogHandler{next: next}
}

func (h contextLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h contextLogHandler) Handle(ctx context.Context, record slog.Record) error {
	record.AddAttrs(contextAttrs(ctx)...)
	return h.next.Handle(ctx, record)
}

func (h contextLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextLogHandler{next: h.next.WithAttrs(attrs)}
}

func (h contextLogHandler) WithGroup(name string) slog.Handler {
	return contextLogHandler{next: h.next.WithGroup(name)}
}

func contextAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var attrs []slog.Attr
	if sc := oteltrace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id, ok := correlation.FromContext(ctx); ok {
		attrs = append(attrs, slog.String("request_id", id))
	}
	return attrs
}
