package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// envString, envInt and friends apply one override when the variable is
// set. Parse errors name the variable.
func envString(name string, target *string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return false
	}
	*target = value
	return true
}

func envInt(name string, target *int) (bool, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	*target = parsed
	return true, nil
}

func envInt64(name string, target *int64) (bool, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	*target = parsed
	return true, nil
}

func envFloat(name string, target *float64) (bool, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	*target = parsed
	return true, nil
}

func envBool(name string, target *bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	*target = parsed
	return true, nil
}

func applyEnv(cfg *Config) error {
	envString("UNTRACE_HOST", &cfg.Server.Host)
	envString("UNTRACE_STORAGE_DRIVER", &cfg.Storage.Driver)
	envString("UNTRACE_STORAGE_PATH", &cfg.Storage.Path)
	envString("UNTRACE_STORAGE_DSN", &cfg.Storage.DSN)
	envString("UNTRACE_AUTH_HEADER", &cfg.Auth.Header)

	ints := []struct {
		name   string
		target *int
	}{
		{"UNTRACE_PORT", &cfg.Server.Port},
		{"UNTRACE_FANOUT_MAX_ATTEMPTS", &cfg.Fanout.MaxAttempts},
		{"UNTRACE_FANOUT_INITIAL_BACKOFF_MS", &cfg.Fanout.InitialBackoffMS},
		{"UNTRACE_FANOUT_MAX_BACKOFF_MS", &cfg.Fanout.MaxBackoffMS},
		{"UNTRACE_FANOUT_DELIVERY_TIMEOUT_MS", &cfg.Fanout.DeliveryTimeoutMS},
		{"UNTRACE_FANOUT_CONCURRENCY", &cfg.Fanout.MaxConcurrentDeliveries},
		{"UNTRACE_FANOUT_QUEUE_CAPACITY", &cfg.Fanout.QueueCapacity},
		{"UNTRACE_FANOUT_WORKERS", &cfg.Fanout.Workers},
		{"UNTRACE_FANOUT_SWEEP_INTERVAL_MS", &cfg.Fanout.SweepIntervalMS},
	}
	for _, item := range ints {
		if _, err := envInt(item.name, item.target); err != nil {
			return err
		}
	}
	if _, err := envInt64("UNTRACE_MAX_PAYLOAD_BYTES", &cfg.Ingest.MaxPayloadBytes); err != nil {
		return err
	}
	if _, err := envBool("UNTRACE_REALTIME_ENABLED", &cfg.Realtime.Enabled); err != nil {
		return err
	}

	return applyOTelEnv(&cfg.Observability.OTel)
}

// applyOTelEnv follows the OTEL_* conventions. Setting any of them enables
// the SDK unless OTEL_SDK_DISABLED says otherwise.
func applyOTelEnv(cfg *OTelConfig) error {
	configured := false
	disabledSet := false

	var disabled bool
	set, err := envBool("OTEL_SDK_DISABLED", &disabled)
	if err != nil {
		return err
	}
	if set {
		cfg.Enabled = !disabled
		disabledSet = true
		configured = true
	}

	if envString("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Endpoint) {
		configured = true
	}
	if envString("OTEL_SERVICE_NAME", &cfg.ServiceName) {
		configured = true
	}
	if set, err := envBool("OTEL_EXPORTER_OTLP_INSECURE", &cfg.Insecure); err != nil {
		return err
	} else if set {
		configured = true
	}

	for _, exporter := range []struct {
		name   string
		target *bool
	}{
		{"OTEL_TRACES_EXPORTER", &cfg.TracesEnabled},
		{"OTEL_METRICS_EXPORTER", &cfg.MetricsEnabled},
	} {
		var raw string
		if !envString(exporter.name, &raw) {
			continue
		}
		enabled, err := otelExporterEnabled(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", exporter.name, err)
		}
		*exporter.target = enabled
		configured = true
	}

	if set, err := envFloat("OTEL_TRACES_SAMPLER_ARG", &cfg.SamplingRatio); err != nil {
		return err
	} else if set {
		configured = true
	}
	if set, err := envInt("OTEL_EXPORTER_OTLP_TIMEOUT", &cfg.ExportTimeoutMS); err != nil {
		return err
	} else if set {
		configured = true
	}
	if set, err := envInt("OTEL_METRIC_EXPORT_INTERVAL", &cfg.MetricExportIntervalMS); err != nil {
		return err
	} else if set {
		configured = true
	}

	if configured && !disabledSet {
		cfg.Enabled = true
	}
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
