package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/untrace/internal/analytics"
	"github.com/ongoingai/untrace/internal/auth"
	"github.com/ongoingai/untrace/internal/configstore"
	"github.com/ongoingai/untrace/internal/delivery"
	"github.com/ongoingai/untrace/internal/ingest"
	"github.com/ongoingai/untrace/internal/observability"
	"github.com/ongoingai/untrace/internal/trace"
)

// Error kinds on the JSON error envelope.
const (
	KindUnauthenticated    = "Unauthenticated"
	KindInvalidRequest     = "InvalidRequest"
	KindNotFound           = "NotFound"
	KindConflict           = "Conflict"
	KindMethodNotAllowed   = "MethodNotAllowed"
	KindStorageUnavailable = "StorageUnavailable"
	KindInternal           = "Internal"
)

type RouterOptions struct {
	AppVersion    string
	StorageDriver string

	Authenticator *auth.Authenticator
	AuthHeader    string
	// IngestLimiter runs on POST /api/v1/traces only.
	IngestLimiter auth.Limiter

	Ingest       *ingest.Service
	Traces       trace.TraceStore
	Attempts     AttemptLister
	Analytics    *analytics.Service
	Destinations configstore.DestinationStore
	Stats        *delivery.StatsService
	Publisher    ingest.Publisher
	Realtime     http.Handler
	Fanout       FanoutDiagnosticsReader
	Health       Pinger
	Telemetry    *observability.Runtime
	Logger       *slog.Logger
}

// AttemptLister reads the delivery attempts of one trace.
type AttemptLister interface {
	ListAttempts(ctx context.Context, orgID, projectID, traceID string) ([]delivery.Attempt, error)
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	authed := func(eventType string, limiter auth.Limiter, next http.Handler) http.Handler {
		return auth.Middleware(options.Authenticator, auth.MiddlewareOptions{
			Header:    options.AuthHeader,
			EventType: eventType,
			Limiter:   limiter,
			Logger:    logger,
		}, options.Telemetry.TagAPIKey(next))
	}
	read := func(next http.Handler) http.Handler {
		return authed(configstore.EventAPIRead, nil, next)
	}

	traces := TracesHandler(options.Traces)
	ingestHandler := authed(configstore.EventTraceIngest, options.IngestLimiter, IngestHandler(options.Ingest, logger))
	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		Pinger:        options.Health,
	}))
	mux.Handle("/api/v1/traces", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			ingestHandler.ServeHTTP(w, r)
			return
		}
		read(traces).ServeHTTP(w, r)
	}))
	mux.Handle("/api/v1/traces/analytics", read(TraceAnalyticsHandler(options.Analytics)))
	mux.Handle("/api/v1/traces/{id}", read(TraceDetailHandler(options.Traces, options.Attempts)))
	mux.Handle("/api/v1/destinations", read(DestinationsHandler(options.Destinations, options.Publisher, logger)))
	mux.Handle("/api/v1/destinations/stats", read(DeliveryStatsHandler(options.Stats)))
	mux.Handle("/api/v1/destinations/{id}", read(DestinationDetailHandler(options.Destinations, options.Publisher, logger)))
	if options.Realtime != nil {
		mux.Handle("/api/v1/realtime", authed(configstore.EventRealtimeSubscribe, nil, options.Realtime))
	}
	mux.Handle("/api/diagnostics/fanout", read(FanoutDiagnosticsHandler(options.Fanout)))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeError(w, http.StatusNotFound, KindNotFound, "route not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "untrace",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(mux, options.AuthHeader)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":{\"kind\":\"Internal\",\"message\":\"internal server error\"}}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]errorBody{
		"error": {Kind: kind, Message: message},
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", ")+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, KindMethodNotAllowed, "method not allowed")
	return false
}

// requireKey returns the authenticated key scope. Handlers mounted without
// auth.Middleware answer 401.
func requireKey(w http.ResponseWriter, r *http.Request) (auth.APIKeyContext, bool) {
	keyCtx, ok := auth.APIKeyContextFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, KindUnauthenticated, "invalid api key")
		return auth.APIKeyContext{}, false
	}
	return keyCtx, true
}

func withCORS(next http.Handler, authHeader string) http.Handler {
	allowedHeaders := []string{"Content-Type", "Authorization", auth.DefaultHeaderName}
	customHeader := strings.TrimSpace(authHeader)
	if customHeader != "" {
		alreadyAllowed := false
		for _, header := range allowedHeaders {
			if strings.EqualFold(header, customHeader) {
				alreadyAllowed = true
				break
			}
		}
		if !alreadyAllowed {
			allowedHeaders = append(allowedHeaders, customHeader)
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowedHeaders, ", "))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
