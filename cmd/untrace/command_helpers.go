package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ongoingai/untrace/internal/config"
	"github.com/ongoingai/untrace/internal/storage"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

// loadConfigOrReport prints the failing stage to errOut.
func loadConfigOrReport(configPath string, errOut io.Writer) (config.Config, bool) {
	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return config.Config{}, false
	}
	return cfg, true
}

func openStorage(ctx context.Context, cfg config.Config) (*storage.DB, []string, error) {
	return storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.Path, cfg.Storage.DSN)
}

func closeStorageWithWarning(db *storage.DB, errOut io.Writer) {
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close storage: %v\n", err)
	}
}

// requireFlag trims value and reports a usage error naming the flag when it is empty.
func requireFlag(errOut io.Writer, command, name, value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		fmt.Fprintf(errOut, "%s requires --%s\n", command, name)
		return "", false
	}
	return trimmed, true
}
