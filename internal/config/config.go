package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Fanout        FanoutConfig        `yaml:"fanout"`
	Limits        LimitsConfig        `yaml:"limits"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
	Destinations  []DestinationConfig `yaml:"destinations"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c ServerConfig) ShutdownTimeout() time.Duration {
	return milliseconds(c.ShutdownTimeoutMS)
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type AuthConfig struct {
	Header string         `yaml:"header"`
	Keys   []APIKeyConfig `yaml:"keys"`
}

// APIKeyConfig declares a key seeded at startup. Secret is hashed before it
// is stored.
type APIKeyConfig struct {
	ID        string `yaml:"id"`
	Secret    string `yaml:"secret"`
	OrgID     string `yaml:"org_id"`
	ProjectID string `yaml:"project_id"`
	UserID    string `yaml:"user_id"`
	Name      string `yaml:"name"`
}

type IngestConfig struct {
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`
}

type FanoutConfig struct {
	MaxAttempts             int     `yaml:"max_attempts"`
	InitialBackoffMS        int     `yaml:"initial_backoff_ms"`
	BackoffMultiplier       float64 `yaml:"backoff_multiplier"`
	MaxBackoffMS            int     `yaml:"max_backoff_ms"`
	Jitter                  float64 `yaml:"jitter"`
	DeliveryTimeoutMS       int     `yaml:"delivery_timeout_ms"`
	MaxConcurrentDeliveries int     `yaml:"max_concurrent_deliveries"`
	QueueCapacity           int     `yaml:"queue_capacity"`
	Workers                 int     `yaml:"workers"`
	SweepIntervalMS         int     `yaml:"sweep_interval_ms"`
	SweepGraceMS            int     `yaml:"sweep_grace_ms"`
	SweepBatchSize          int     `yaml:"sweep_batch_size"`
	DrainTimeoutMS          int     `yaml:"drain_timeout_ms"`
}

func (c FanoutConfig) InitialBackoff() time.Duration  { return milliseconds(c.InitialBackoffMS) }
func (c FanoutConfig) MaxBackoff() time.Duration      { return milliseconds(c.MaxBackoffMS) }
func (c FanoutConfig) DeliveryTimeout() time.Duration { return milliseconds(c.DeliveryTimeoutMS) }
func (c FanoutConfig) SweepInterval() time.Duration   { return milliseconds(c.SweepIntervalMS) }
func (c FanoutConfig) SweepGrace() time.Duration      { return milliseconds(c.SweepGraceMS) }
func (c FanoutConfig) DrainTimeout() time.Duration    { return milliseconds(c.DrainTimeoutMS) }

type LimitsConfig struct {
	PerKey     UsageLimitConfig `yaml:"per_key"`
	PerProject UsageLimitConfig `yaml:"per_project"`
}

type UsageLimitConfig struct {
	RequestsPerMinute int   `yaml:"requests_per_minute"`
	MaxTracesPerDay   int64 `yaml:"max_traces_per_day"`
}

type RealtimeConfig struct {
	Enabled        bool `yaml:"enabled"`
	BufferSize     int  `yaml:"buffer_size"`
	PingIntervalMS int  `yaml:"ping_interval_ms"`
}

func (c RealtimeConfig) PingInterval() time.Duration {
	return milliseconds(c.PingIntervalMS)
}

// DestinationConfig declares a destination seeded (upserted by id) at
// startup. Enabled defaults to true.
type DestinationConfig struct {
	ID        string         `yaml:"id"`
	OrgID     string         `yaml:"org_id"`
	ProjectID string         `yaml:"project_id"`
	Name      string         `yaml:"name"`
	Kind      string         `yaml:"kind"`
	Enabled   *bool          `yaml:"enabled"`
	Config    map[string]any `yaml:"config"`
}

func (c DestinationConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	DefaultAuthHeader = "X-Untrace-Key"

	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "untrace"
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ShutdownTimeoutMS: 15000,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/untrace.db",
		},
		Auth: AuthConfig{
			Header: DefaultAuthHeader,
		},
		Ingest: IngestConfig{
			MaxPayloadBytes: 1 << 20,
		},
		Fanout: FanoutConfig{
			MaxAttempts:             3,
			InitialBackoffMS:        500,
			BackoffMultiplier:       2,
			MaxBackoffMS:            10000,
			Jitter:                  0.2,
			DeliveryTimeoutMS:       10000,
			MaxConcurrentDeliveries: 4,
			QueueCapacity:           1024,
			Workers:                 2,
			SweepIntervalMS:         60000,
			SweepGraceMS:            30000,
			SweepBatchSize:          100,
			DrainTimeoutMS:          10000,
		},
		Realtime: RealtimeConfig{
			Enabled:        true,
			BufferSize:     64,
			PingIntervalMS: 30000,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          1.0,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

// Load reads path over the defaults and applies env overrides. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decodeYAML(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	var trailing any
	if err := decoder.Decode(&trailing); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if trailing != nil {
		return errors.New("multiple yaml documents are not supported")
	}
	return nil
}

// Validate reports the first configuration problem that would stop the server.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if strings.TrimSpace(cfg.Auth.Header) == "" {
		return errors.New("auth.header must not be empty")
	}
	keyIDs := map[string]struct{}{}
	for i, key := range cfg.Auth.Keys {
		name := fmt.Sprintf("auth.keys[%d]", i)
		if err := requireFields(name, map[string]string{
			"id": key.ID, "secret": key.Secret, "org_id": key.OrgID, "project_id": key.ProjectID,
		}); err != nil {
			return err
		}
		if _, dup := keyIDs[key.ID]; dup {
			return fmt.Errorf("%s.id %q is declared more than once", name, key.ID)
		}
		keyIDs[key.ID] = struct{}{}
	}

	if cfg.Ingest.MaxPayloadBytes <= 0 {
		return fmt.Errorf("ingest.max_payload_bytes must be > 0 (got %d)", cfg.Ingest.MaxPayloadBytes)
	}
	if err := validateFanout(cfg.Fanout); err != nil {
		return err
	}
	for name, limit := range map[string]UsageLimitConfig{"limits.per_key": cfg.Limits.PerKey, "limits.per_project": cfg.Limits.PerProject} {
		if limit.RequestsPerMinute < 0 || limit.MaxTracesPerDay < 0 {
			return fmt.Errorf("%s values must be >= 0", name)
		}
	}
	if cfg.Realtime.BufferSize < 0 || cfg.Realtime.PingIntervalMS < 0 {
		return errors.New("realtime.buffer_size and realtime.ping_interval_ms must be >= 0")
	}

	destinationIDs := map[string]struct{}{}
	for i, destination := range cfg.Destinations {
		name := fmt.Sprintf("destinations[%d]", i)
		if err := requireFields(name, map[string]string{
			"id": destination.ID, "org_id": destination.OrgID, "project_id": destination.ProjectID,
			"name": destination.Name, "kind": destination.Kind,
		}); err != nil {
			return err
		}
		if _, dup := destinationIDs[destination.ID]; dup {
			return fmt.Errorf("%s.id %q is declared more than once", name, destination.ID)
		}
		destinationIDs[destination.ID] = struct{}{}
	}

	return validateOTelConfig(cfg.Observability.OTel)
}

func validateFanout(cfg FanoutConfig) error {
	positive := []struct {
		name  string
		value int
	}{
		{"fanout.max_attempts", cfg.MaxAttempts},
		{"fanout.initial_backoff_ms", cfg.InitialBackoffMS},
		{"fanout.max_backoff_ms", cfg.MaxBackoffMS},
		{"fanout.delivery_timeout_ms", cfg.DeliveryTimeoutMS},
		{"fanout.max_concurrent_deliveries", cfg.MaxConcurrentDeliveries},
		{"fanout.queue_capacity", cfg.QueueCapacity},
		{"fanout.workers", cfg.Workers},
		{"fanout.sweep_interval_ms", cfg.SweepIntervalMS},
		{"fanout.sweep_batch_size", cfg.SweepBatchSize},
		{"fanout.drain_timeout_ms", cfg.DrainTimeoutMS},
	}
	for _, field := range positive {
		if field.value <= 0 {
			return fmt.Errorf("%s must be > 0 (got %d)", field.name, field.value)
		}
	}
	if cfg.SweepGraceMS < 0 {
		return fmt.Errorf("fanout.sweep_grace_ms must be >= 0 (got %d)", cfg.SweepGraceMS)
	}
	if cfg.MaxBackoffMS < cfg.InitialBackoffMS {
		return fmt.Errorf("fanout.max_backoff_ms must be >= fanout.initial_backoff_ms (got %d < %d)", cfg.MaxBackoffMS, cfg.InitialBackoffMS)
	}
	if cfg.BackoffMultiplier < 1 {
		return fmt.Errorf("fanout.backoff_multiplier must be >= 1 (got %f)", cfg.BackoffMultiplier)
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		return fmt.Errorf("fanout.jitter must be between 0 and 1 (got %f)", cfg.Jitter)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("observability.otel.endpoint must be host:port or an http(s) url (got %q)", cfg.Endpoint)
		}
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func requireFields(prefix string, fields map[string]string) error {
	for _, name := range []string{"id", "secret", "org_id", "project_id", "name", "kind"} {
		value, ok := fields[name]
		if ok && strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s.%s is required", prefix, name)
		}
	}
	return nil
}

func milliseconds(value int) time.Duration {
	return time.Duration(value) * time.Millisecond
}
