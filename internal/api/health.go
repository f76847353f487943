package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ongoingai/untrace/internal/fanout"
)

const (
	healthPingTimeout              = 2 * time.Second
	fanoutDiagnosticsSchemaVersion = "fanout-diagnostics.v1"
)

// Pinger checks that storage answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type FanoutDiagnosticsReader interface {
	Diagnostics() fanout.Diagnostics
}

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	Pinger        Pinger
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSec     int64  `json:"uptimeSec"`
	StorageDriver string `json:"storageDriver"`
	Storage       string `json:"storage"`
}

type fanoutDiagnosticsResponse struct {
	SchemaVersion string             `json:"schemaVersion"`
	GeneratedAt   time.Time          `json:"generatedAt"`
	Diagnostics   fanout.Diagnostics `json:"diagnostics"`
}

// HealthHandler reports liveness. A failing storage ping answers 503 so
// load balancers drain the instance.
func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		response := healthResponse{
			Status:        "ok",
			Version:       options.Version,
			UptimeSec:     int64(time.Since(options.StartedAt).Seconds()),
			StorageDriver: options.StorageDriver,
			Storage:       "ok",
		}
		status := http.StatusOK
		if options.Pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
			defer cancel()
			if err := options.Pinger.Ping(ctx); err != nil {
				response.Status = "degraded"
				response.Storage = "unavailable"
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, response)
	})
}

func FanoutDiagnosticsHandler(reader FanoutDiagnosticsReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if _, ok := requireKey(w, r); !ok {
			return
		}
		if reader == nil {
			writeError(w, http.StatusServiceUnavailable, KindStorageUnavailable, "fanout diagnostics unavailable")
			return
		}

		writeJSON(w, http.StatusOK, fanoutDiagnosticsResponse{
			SchemaVersion: fanoutDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Diagnostics:   reader.Diagnostics(),
		})
	})
}
