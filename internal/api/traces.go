package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/untrace/internal/analytics"
	"github.com/ongoingai/untrace/internal/delivery"
	"github.com/ongoingai/untrace/internal/ingest"
	"github.com/ongoingai/untrace/internal/trace"
)

type tracesResponse struct {
	Items      []trace.Document `json:"items"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type traceDetailResponse struct {
	Trace    trace.Document     `json:"trace"`
	Attempts []delivery.Attempt `json:"attempts"`
}

// IngestHandler accepts one trace per request. The body is read through
// http.MaxBytesReader so oversize payloads stop at the limit.
func IngestHandler(service *ingest.Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		keyCtx, ok := requireKey(w, r)
		if !ok {
			return
		}
		if service == nil {
			writeError(w, http.StatusServiceUnavailable, KindStorageUnavailable, "trace ingestion is not configured")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, service.MaxPayloadBytes()))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, string(ingest.KindPayloadTooLarge),
					fmt.Sprintf("payload exceeds %d bytes", tooLarge.Limit))
				return
			}
			writeError(w, http.StatusBadRequest, KindInvalidRequest, "failed to read request body")
			return
		}

		input, err := ingest.DecodeInput(body)
		if err != nil {
			writeIngestError(w, err)
			return
		}
		result, err := service.Ingest(r.Context(), keyCtx, input)
		if err != nil {
			var ingestErr *ingest.Error
			if !errors.As(err, &ingestErr) {
				logger.ErrorContext(r.Context(), "trace ingestion failed", "error", err)
			}
			writeIngestError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, result)
	})
}

func writeIngestError(w http.ResponseWriter, err error) {
	var ingestErr *ingest.Error
	if !errors.As(err, &ingestErr) {
		writeError(w, http.StatusInternalServerError, KindInternal, "internal server error")
		return
	}
	message := ingestErr.Message
	switch ingestErr.Kind {
	case ingest.KindInvalidTrace:
		writeError(w, http.StatusBadRequest, string(ingestErr.Kind), message)
	case ingest.KindPayloadTooLarge:
		writeError(w, http.StatusRequestEntityTooLarge, string(ingestErr.Kind), message)
	case ingest.KindDuplicateTrace:
		writeError(w, http.StatusConflict, string(ingestErr.Kind), message)
	case ingest.KindStorageUnavailable:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, string(ingestErr.Kind), message)
	default:
		writeError(w, http.StatusInternalServerError, KindInternal, "internal server error")
	}
}

func TracesHandler(store trace.TraceStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		keyCtx, ok := requireKey(w, r)
		if !ok {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, KindStorageUnavailable, "trace store is not configured")
			return
		}

		filter, err := parseTraceFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindInvalidRequest, err.Error())
			return
		}
		filter.OrgID = keyCtx.OrgID
		filter.ProjectID = keyCtx.ProjectID

		result, err := store.QueryTraces(r.Context(), filter)
		if err != nil {
			if errors.Is(err, trace.ErrInvalidCursor) {
				writeError(w, http.StatusBadRequest, KindInvalidRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, KindInternal, "failed to query traces")
			return
		}

		items := make([]trace.Document, 0, len(result.Items))
		for _, item := range result.Items {
			items = append(items, trace.NewDocument(item))
		}
		writeJSON(w, http.StatusOK, tracesResponse{
			Items:      items,
			NextCursor: result.NextCursor,
		})
	})
}

func TraceDetailHandler(store trace.TraceStore, attempts AttemptLister) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		keyCtx, ok := requireKey(w, r)
		if !ok {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, KindStorageUnavailable, "trace store is not configured")
			return
		}

		traceID := strings.TrimSpace(r.PathValue("id"))
		item, err := store.GetTrace(r.Context(), keyCtx.OrgID, keyCtx.ProjectID, traceID)
		if err != nil {
			if errors.Is(err, trace.ErrNotFound) {
				writeError(w, http.StatusNotFound, KindNotFound, "trace not found")
				return
			}
			writeError(w, http.StatusInternalServerError, KindInternal, "failed to load trace")
			return
		}

		response := traceDetailResponse{
			Trace:    trace.NewDocument(item),
			Attempts: []delivery.Attempt{},
		}
		if attempts != nil {
			rows, err := attempts.ListAttempts(r.Context(), keyCtx.OrgID, keyCtx.ProjectID, item.TraceID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, KindInternal, "failed to load delivery attempts")
				return
			}
			if rows != nil {
				response.Attempts = rows
			}
		}
		writeJSON(w, http.StatusOK, response)
	})
}

func TraceAnalyticsHandler(service *analytics.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		keyCtx, ok := requireKey(w, r)
		if !ok {
			return
		}
		if service == nil {
			writeError(w, http.StatusServiceUnavailable, KindStorageUnavailable, "trace analytics is not configured")
			return
		}

		days, err := parseIntQuery(r.URL.Query().Get("days"), "days", 0, 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindInvalidRequest, err.Error())
			return
		}
		report, err := service.TraceAnalytics(r.Context(), keyCtx.OrgID, keyCtx.ProjectID, days)
		if err != nil {
			writeError(w, http.StatusInternalServerError, KindInternal, "failed to query trace analytics")
			return
		}
		writeJSON(w, http.StatusOK, report)
	})
}

func parseTraceFilter(r *http.Request) (trace.TraceFilter, error) {
	query := r.URL.Query()
	limit, err := parseIntQuery(query.Get("limit"), "limit", 0, 200)
	if err != nil {
		return trace.TraceFilter{}, err
	}

	from, err := parseTimeQuery(query.Get("from"), false)
	if err != nil {
		return trace.TraceFilter{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTimeQuery(query.Get("to"), true)
	if err != nil {
		return trace.TraceFilter{}, fmt.Errorf("invalid to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return trace.TraceFilter{}, fmt.Errorf("to must be greater than or equal to from")
	}

	fanoutStatus := strings.ToLower(strings.TrimSpace(query.Get("fanoutStatus")))
	switch fanoutStatus {
	case "", trace.FanoutStatusPending, trace.FanoutStatusCompleted:
	default:
		return trace.TraceFilter{}, fmt.Errorf("fanoutStatus must be %s or %s", trace.FanoutStatusPending, trace.FanoutStatusCompleted)
	}

	return trace.TraceFilter{
		APIKeyID:     strings.TrimSpace(query.Get("apiKeyId")),
		Provider:     strings.TrimSpace(query.Get("provider")),
		Model:        strings.TrimSpace(query.Get("model")),
		FanoutStatus: fanoutStatus,
		From:         from,
		To:           to,
		Limit:        limit,
		Cursor:       strings.TrimSpace(query.Get("cursor")),
	}, nil
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func parseTimeQuery(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.ParseInLocation(time.DateOnly, value, time.UTC); err == nil {
		if endOfDay {
			return parsed.Add(24*time.Hour - time.Nanosecond), nil
		}
		return parsed, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}
