package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/untrace/internal/configstore"
	"github.com/ongoingai/untrace/internal/delivery"
	"github.com/ongoingai/untrace/internal/ingest"
	"github.com/ongoingai/untrace/internal/realtime"
)

const (
	destinationBodyLimit = 64 << 10
	redactedConfigValue  = "[REDACTED]"
)

type destinationResponse struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	Config    map[string]any `json:"config"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type destinationsResponse struct {
	Items []destinationResponse `json:"items"`
}

type createDestinationRequest struct {
	Name    string         `json:"name"`
	Kind    string         `json:"kind"`
	Config  map[string]any `json:"config"`
	Enabled *bool          `json:"enabled"`
}

type updateDestinationRequest struct {
	Name    *string        `json:"name"`
	Config  map[string]any `json:"config"`
	Enabled *bool          `json:"enabled"`
}

type deleteDestinationResponse struct {
	ID      string                    `json:"id"`
	Outcome configstore.DeleteOutcome `json:"outcome"`
}

type deliveryStatsResponse struct {
	WindowDays int                        `json:"windowDays"`
	Items      []delivery.DestinationStat `json:"items"`
}

func DestinationsHandler(store configstore.DestinationStore, publisher ingest.Publisher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet, http.MethodPost) {
			return
		}
		keyCtx, ok := requireKey(w, r)
		if !ok {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, KindStorageUnavailable, "destination registry is not configured")
			return
		}

		if r.Method == http.MethodGet {
			rows, err := store.ListDestinations(r.Context(), keyCtx.OrgID, keyCtx.ProjectID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, KindInternal, "failed to list destinations")
				return
			}
			items := make([]destinationResponse, 0, len(rows))
			for _, row := range rows {
				items = append(items, newDestinationResponse(row))
			}
			writeJSON(w, http.StatusOK, destinationsResponse{Items: items})
			return
		}

		var request createDestinationRequest
		if !decodeBody(w, r, &request) {
			return
		}
		enabled := true
		if request.Enabled != nil {
			enabled = *request.Enabled
		}
		created, err := store.CreateDestination(r.Context(), configstore.Destination{
			OrgID:     keyCtx.OrgID,
			ProjectID: keyCtx.ProjectID,
			Name:      request.Name,
			Kind:      request.Kind,
			Config:    request.Config,
			Enabled:   enabled,
		})
		if err != nil {
			writeDestinationError(w, err, logger, r)
			return
		}
		response := newDestinationResponse(*created)
		publishDestination(publisher, logger, realtime.EventInsert, created, &response, nil)
		writeJSON(w, http.StatusCreated, response)
	})
}

func DestinationDetailHandler(store configstore.DestinationStore, publisher ingest.Publisher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete) {
			return
		}
		keyCtx, ok := requireKey(w, r)
		if !ok {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, KindStorageUnavailable, "destination registry is not configured")
			return
		}
		id := strings.TrimSpace(r.PathValue("id"))

		switch r.Method {
		case http.MethodGet:
			row, err := store.GetDestination(r.Context(), keyCtx.OrgID, keyCtx.ProjectID, id)
			if err != nil {
				writeDestinationError(w, err, logger, r)
				return
			}
			writeJSON(w, http.StatusOK, newDestinationResponse(*row))

		case http.MethodPatch:
			var request updateDestinationRequest
			if !decodeBody(w, r, &request) {
				return
			}
			before, err := store.GetDestination(r.Context(), keyCtx.OrgID, keyCtx.ProjectID, id)
			if err != nil {
				writeDestinationError(w, err, logger, r)
				return
			}
			if request.Config != nil && request.Config["secret"] == redactedConfigValue {
				request.Config["secret"] = before.Config["secret"]
			}
			updated, err := store.UpdateDestination(r.Context(), keyCtx.OrgID, keyCtx.ProjectID, id, configstore.DestinationUpdate{
				Name:    request.Name,
				Config:  request.Config,
				Enabled: request.Enabled,
			})
			if err != nil {
				writeDestinationError(w, err, logger, r)
				return
			}
			response := newDestinationResponse(*updated)
			old := newDestinationResponse(*before)
			publishDestination(publisher, logger, realtime.EventUpdate, updated, &response, &old)
			writeJSON(w, http.StatusOK, response)

		case http.MethodDelete:
			before, err := store.GetDestination(r.Context(), keyCtx.OrgID, keyCtx.ProjectID, id)
			if err != nil {
				writeDestinationError(w, err, logger, r)
				return
			}
			outcome, err := store.DeleteDestination(r.Context(), keyCtx.OrgID, keyCtx.ProjectID, id)
			if err != nil {
				writeDestinationError(w, err, logger, r)
				return
			}
			old := newDestinationResponse(*before)
			if outcome == configstore.DeleteOutcomeDisabled {
				current := old
				current.Enabled = false
				publishDestination(publisher, logger, realtime.EventUpdate, before, &current, &old)
			} else {
				publishDestination(publisher, logger, realtime.EventDelete, before, nil, &old)
			}
			writeJSON(w, http.StatusOK, deleteDestinationResponse{ID: before.ID, Outcome: outcome})
		}
	})
}

func DeliveryStatsHandler(service *delivery.StatsService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		keyCtx, ok := requireKey(w, r)
		if !ok {
			return
		}
		if service == nil {
			writeError(w, http.StatusServiceUnavailable, KindStorageUnavailable, "delivery stats are not configured")
			return
		}

		days, err := parseIntQuery(r.URL.Query().Get("days"), "days", 0, 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindInvalidRequest, err.Error())
			return
		}
		windowDays := delivery.ClampWindowDays(days)
		stats, err := service.DeliveryStats(r.Context(), keyCtx.OrgID, keyCtx.ProjectID, windowDays)
		if err != nil {
			writeError(w, http.StatusInternalServerError, KindInternal, "failed to aggregate delivery stats")
			return
		}
		if stats == nil {
			stats = []delivery.DestinationStat{}
		}
		writeJSON(w, http.StatusOK, deliveryStatsResponse{WindowDays: windowDays, Items: stats})
	})
}

// newDestinationResponse hides the webhook signing secret. It can be
// replaced through PATCH but never read back; PATCHing the placeholder keeps
// the stored secret.
func newDestinationResponse(row configstore.Destination) destinationResponse {
	config := maps.Clone(row.Config)
	if config == nil {
		config = map[string]any{}
	}
	if secret, ok := config["secret"].(string); ok && secret != "" {
		config["secret"] = redactedConfigValue
	}
	return destinationResponse{
		ID:        row.ID,
		Name:      row.Name,
		Kind:      row.Kind,
		Config:    config,
		Enabled:   row.Enabled,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, destinationBodyLimit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, string(ingest.KindPayloadTooLarge), "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, KindInvalidRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, "request body must be a JSON object")
		return false
	}
	return true
}

func writeDestinationError(w http.ResponseWriter, err error, logger *slog.Logger, r *http.Request) {
	switch {
	case errors.Is(err, configstore.ErrNotFound):
		writeError(w, http.StatusNotFound, KindNotFound, "destination not found")
	case errors.Is(err, configstore.ErrInvalid):
		writeError(w, http.StatusBadRequest, KindInvalidRequest, err.Error())
	case errors.Is(err, configstore.ErrConflict):
		writeError(w, http.StatusConflict, KindConflict, "destination already exists")
	default:
		if logger == nil {
			logger = slog.Default()
		}
		logger.ErrorContext(r.Context(), "destination registry request failed", "method", r.Method, "error", err)
		writeError(w, http.StatusInternalServerError, KindInternal, "destination registry request failed")
	}
}

func publishDestination(publisher ingest.Publisher, logger *slog.Logger, eventType realtime.EventType, row *configstore.Destination, newRow, oldRow *destinationResponse) {
	if publisher == nil || row == nil {
		return
	}
	var newImage, oldImage any
	if newRow != nil {
		newImage = newRow
	}
	if oldRow != nil {
		oldImage = oldRow
	}
	event, err := realtime.NewEvent(realtime.TableDestinations, eventType, row.OrgID, row.ProjectID, newImage, oldImage)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("failed to encode destination event", "destination_id", row.ID, "error", err)
		return
	}
	publisher.Publish(event)
}
