package api

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ongoingai/untrace/internal/correlation"
	"github.com/ongoingai/untrace/internal/observability"
)

// AccessLogMiddleware assigns the request correlation id, echoes it on the
// response and logs one "request complete" line per request. Server errors
// log at error level.
func AccessLogMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, requestID := correlation.EnsureRequest(r)
		w.Header().Set(correlation.HeaderName, requestID)

		start := time.Now()
		rec := &accessRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if rec.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(r.Context(), level,
			"request complete",
			"correlation_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", observability.RouteForPath(r.URL.Path),
			"status", rec.Status(),
			"bytes", rec.bytes,
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}

// accessRecorder captures the first status code and the body size.
type accessRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *accessRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *accessRecorder) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *accessRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *accessRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the realtime websocket upgrade through; the upgrade logs as 101.
func (w *accessRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return hijacker.Hijack()
}

func (w *accessRecorder) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
