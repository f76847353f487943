package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "untrace.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Address() != "0.0.0.0:8080" {
		t.Fatalf("server address=%q, want 0.0.0.0:8080", cfg.Server.Address())
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "./data/untrace.db" {
		t.Fatalf("storage=%+v, want sqlite at ./data/untrace.db", cfg.Storage)
	}
	if cfg.Auth.Header != "X-Untrace-Key" {
		t.Fatalf("auth.header=%q, want X-Untrace-Key", cfg.Auth.Header)
	}
	if cfg.Ingest.MaxPayloadBytes != 1<<20 {
		t.Fatalf("ingest.max_payload_bytes=%d, want %d", cfg.Ingest.MaxPayloadBytes, 1<<20)
	}
	if cfg.Fanout.MaxAttempts != 3 || cfg.Fanout.InitialBackoff() != 500*time.Millisecond || cfg.Fanout.MaxBackoff() != 10*time.Second {
		t.Fatalf("fanout retry=%+v, want 3 attempts 500ms..10s", cfg.Fanout)
	}
	if cfg.Fanout.DeliveryTimeout() != 10*time.Second || cfg.Fanout.MaxConcurrentDeliveries != 4 {
		t.Fatalf("fanout timeout/concurrency=%s/%d, want 10s/4", cfg.Fanout.DeliveryTimeout(), cfg.Fanout.MaxConcurrentDeliveries)
	}
	if !cfg.Realtime.Enabled || cfg.Realtime.PingInterval() != 30*time.Second {
		t.Fatalf("realtime=%+v, want enabled with 30s pings", cfg.Realtime)
	}
	if cfg.Observability.OTel.Enabled || cfg.Observability.OTel.ServiceName != "untrace" {
		t.Fatalf("otel=%+v, want disabled service untrace", cfg.Observability.OTel)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate(defaults) error: %v", err)
	}
}

func TestLoadAppliesYAMLAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  host: 127.0.0.1
  port: 9090
storage:
  driver: sqlite
  path: /tmp/custom.db
auth:
  header: X-Custom-Key
  keys:
    - id: key-1
      secret: utr_static
      org_id: org-a
      project_id: project-a
      name: seed
fanout:
  max_attempts: 5
  workers: 3
destinations:
  - id: dst-1
    org_id: org-a
    project_id: project-a
    name: hook
    kind: webhook
    config:
      url: https://example.com/hook
  - id: dst-2
    org_id: org-a
    project_id: project-a
    name: collector
    kind: otlp
    enabled: false
    config:
      endpoint_url: http://collector:4318
`)
	t.Setenv("UNTRACE_PORT", "7070")
	t.Setenv("UNTRACE_FANOUT_WORKERS", "8")
	t.Setenv("UNTRACE_MAX_PAYLOAD_BYTES", "2048")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 7070 {
		t.Fatalf("server=%+v, want 127.0.0.1:7070", cfg.Server)
	}
	if cfg.Auth.Header != "X-Custom-Key" || len(cfg.Auth.Keys) != 1 || cfg.Auth.Keys[0].Secret != "utr_static" {
		t.Fatalf("auth=%+v", cfg.Auth)
	}
	if cfg.Fanout.MaxAttempts != 5 || cfg.Fanout.Workers != 8 {
		t.Fatalf("fanout=%+v, want 5 attempts 8 workers", cfg.Fanout)
	}
	if cfg.Ingest.MaxPayloadBytes != 2048 {
		t.Fatalf("max payload=%d, want 2048", cfg.Ingest.MaxPayloadBytes)
	}
	if len(cfg.Destinations) != 2 || !cfg.Destinations[0].IsEnabled() || cfg.Destinations[1].IsEnabled() {
		t.Fatalf("destinations=%+v", cfg.Destinations)
	}
	if cfg.Destinations[0].Config["url"] != "https://example.com/hook" {
		t.Fatalf("destination config=%v", cfg.Destinations[0].Config)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "syntax", body: "server: [", want: "parse yaml"},
		{name: "unknown field", body: "fanout:\n  retries: 3\n", want: "field retries not found"},
		{name: "multi document", body: "server:\n  port: 1\n---\nserver:\n  port: 2\n", want: "multiple yaml documents are not supported"},
	}
	for _, tt := range tests {
		_, err := Load(writeConfig(t, tt.body))
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: Load() error=%v, want %q", tt.name, err, tt.want)
		}
	}
}

func TestLoadInvalidEnvReturnsError(t *testing.T) {
	t.Setenv("UNTRACE_FANOUT_MAX_ATTEMPTS", "many")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "invalid UNTRACE_FANOUT_MAX_ATTEMPTS") {
		t.Fatalf("Load() error=%v, want UNTRACE_FANOUT_MAX_ATTEMPTS message", err)
	}
}

func TestLoadAppliesStandardOTELEnvOverrides(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://otel-collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_SERVICE_NAME", "untrace-prod")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.35")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", "2500")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	otelCfg := cfg.Observability.OTel
	if !otelCfg.Enabled {
		t.Fatal("otel.enabled=false, want true when OTEL_* is set")
	}
	if otelCfg.Endpoint != "https://otel-collector:4318" || otelCfg.Insecure || otelCfg.ServiceName != "untrace-prod" {
		t.Fatalf("otel=%+v", otelCfg)
	}
	if otelCfg.SamplingRatio != 0.35 || otelCfg.MetricsEnabled || !otelCfg.TracesEnabled || otelCfg.MetricExportIntervalMS != 2500 {
		t.Fatalf("otel signals=%+v", otelCfg)
	}
}

func TestLoadAppliesOTELSDKDisabledOverride(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "true")
	t.Setenv("OTEL_SERVICE_NAME", "ignored-enable")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatal("otel.enabled=true, want false when OTEL_SDK_DISABLED=true")
	}
}

func TestLoadRejectsInvalidOTELExporterEnv(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "zipkin")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "invalid OTEL_TRACES_EXPORTER") {
		t.Fatalf("Load() error=%v, want OTEL_TRACES_EXPORTER message", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	disabled := false
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "driver", mutate: func(c *Config) { c.Storage.Driver = "mysql" }, want: "storage.driver"},
		{name: "postgres dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, want: "storage.dsn"},
		{name: "header", mutate: func(c *Config) { c.Auth.Header = " " }, want: "auth.header"},
		{name: "key secret", mutate: func(c *Config) {
			c.Auth.Keys = []APIKeyConfig{{ID: "k", OrgID: "o", ProjectID: "p"}}
		}, want: "auth.keys[0].secret"},
		{name: "duplicate key", mutate: func(c *Config) {
			key := APIKeyConfig{ID: "k", Secret: "utr_x", OrgID: "o", ProjectID: "p"}
			c.Auth.Keys = []APIKeyConfig{key, key}
		}, want: "declared more than once"},
		{name: "payload", mutate: func(c *Config) { c.Ingest.MaxPayloadBytes = 0 }, want: "ingest.max_payload_bytes"},
		{name: "attempts", mutate: func(c *Config) { c.Fanout.MaxAttempts = 0 }, want: "fanout.max_attempts"},
		{name: "backoff order", mutate: func(c *Config) { c.Fanout.MaxBackoffMS = 100 }, want: "fanout.max_backoff_ms"},
		{name: "jitter", mutate: func(c *Config) { c.Fanout.Jitter = 2 }, want: "fanout.jitter"},
		{name: "limits", mutate: func(c *Config) { c.Limits.PerKey.RequestsPerMinute = -1 }, want: "limits.per_key"},
		{name: "destination kind", mutate: func(c *Config) {
			c.Destinations = []DestinationConfig{{ID: "d", OrgID: "o", ProjectID: "p", Name: "n", Enabled: &disabled}}
		}, want: "destinations[0].kind"},
		{name: "otel signals", mutate: func(c *Config) {
			c.Observability.OTel.Enabled = true
			c.Observability.OTel.TracesEnabled = false
			c.Observability.OTel.MetricsEnabled = false
		}, want: "traces_enabled and/or metrics_enabled"},
		{name: "otel ratio", mutate: func(c *Config) {
			c.Observability.OTel.Enabled = true
			c.Observability.OTel.SamplingRatio = 1.5
		}, want: "sampling_ratio"},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.mutate(&cfg)
		err := Validate(cfg)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: Validate() error=%v, want %q", tt.name, err, tt.want)
		}
	}
}
