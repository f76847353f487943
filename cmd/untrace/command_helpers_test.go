package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalizeTextJSONFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "", want: "text"},
		{raw: "JSON", want: "json"},
		{raw: " text ", want: "text"},
		{raw: "yaml", wantErr: true},
	}
	for _, tt := range tests {
		got, err := normalizeTextJSONFormat("report", tt.raw, "text")
		if tt.wantErr {
			if err == nil || !strings.Contains(err.Error(), "invalid report format") {
				t.Fatalf("normalizeTextJSONFormat(%q) error=%v, want invalid format", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("normalizeTextJSONFormat(%q)=%q,%v, want %q", tt.raw, got, err, tt.want)
		}
	}
}

func TestLoadAndValidateConfigReportsFailingStage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	malformed := filepath.Join(dir, "malformed.yaml")
	if err := os.WriteFile(malformed, []byte("server: [\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("server:\n  port: 70000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, stage, err := loadAndValidateConfig(malformed); err == nil || stage != configStageLoad {
		t.Fatalf("malformed stage=%q err=%v, want %q", stage, err, configStageLoad)
	}
	if _, stage, err := loadAndValidateConfig(invalid); err == nil || stage != configStageValidate {
		t.Fatalf("invalid stage=%q err=%v, want %q", stage, err, configStageValidate)
	}

	var stderr bytes.Buffer
	if _, ok := loadConfigOrReport(invalid, &stderr); ok {
		t.Fatal("loadConfigOrReport(invalid) ok=true, want false")
	}
	if !strings.Contains(stderr.String(), "config is invalid: server.port") {
		t.Fatalf("stderr=%q, want validation message", stderr.String())
	}
}

func TestRequireFlagTrimsAndReportsMissing(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	if got, ok := requireFlag(&stderr, "keys create", "org", "  org-a "); !ok || got != "org-a" {
		t.Fatalf("requireFlag()=%q,%t, want org-a,true", got, ok)
	}
	if _, ok := requireFlag(&stderr, "keys create", "org", "  "); ok {
		t.Fatal("requireFlag(blank) ok=true, want false")
	}
	if !strings.Contains(stderr.String(), "keys create requires --org") {
		t.Fatalf("stderr=%q, want missing flag message", stderr.String())
	}
}
