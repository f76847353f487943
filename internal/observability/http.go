package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ongoingai/untrace/internal/auth"
	"github.com/ongoingai/untrace/internal/correlation"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// WrapHTTPHandler starts a server span per inbound request.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(next, "untrace.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return methodName(req.Method) + " " + RouteForPath(req.URL.Path)
		}),
	)
}

// WrapHTTPTransport starts a client span per outbound delivery request.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return "deliver " + methodName(req.Method) + " " + req.URL.Host
		}),
	)
}

// SpanEnrichmentMiddleware tags the server span with the request id and
// marks 5xx responses as errors.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if !span.IsRecording() {
			return
		}
		if requestID, ok := correlation.FromContext(req.Context()); ok {
			span.SetAttributes(attribute.String("untrace.request_id", requestID))
		}
		if status := recorder.Status(); status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", status))
		}
	})
}

// TagAPIKey copies the authenticated key scope onto the active span. It
// belongs inside auth.Middleware.
func (r *Runtime) TagAPIKey(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if keyCtx, ok := auth.APIKeyContextFromContext(req.Context()); ok {
			span := oteltrace.SpanFromContext(req.Context())
			if span.IsRecording() {
				span.SetAttributes(
					attribute.String("untrace.org_id", keyCtx.OrgID),
					attribute.String("untrace.project_id", keyCtx.ProjectID),
					attribute.String("untrace.api_key_id", keyCtx.APIKeyID),
				)
			}
		}
		next.ServeHTTP(w, req)
	})
}

// RouteForPath collapses ids so span names stay low-cardinality.
func RouteForPath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 || segments[0] != "api" {
		return "/other"
	}
	if segments[1] != "v1" {
		return "/" + strings.Join(segments, "/")
	}
	if len(segments) < 3 {
		return "/api/v1"
	}
	route := "/api/v1/" + segments[2]
	if len(segments) > 3 {
		switch segments[3] {
		case "analytics", "stats":
			route += "/" + segments[3]
		default:
			route += "/{id}"
		}
	}
	return route
}

func methodName(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusRecorder) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusRecorder) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack keeps websocket upgrades working behind the recorder.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return hijacker.Hijack()
}
