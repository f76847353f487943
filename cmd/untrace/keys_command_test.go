package main

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/ongoingai/untrace/internal/auth"
	"github.com/ongoingai/untrace/internal/configstore"
	"github.com/ongoingai/untrace/internal/storage"
)

var secretLine = regexp.MustCompile(`(?m)^Secret: (utr_\S+)$`)

func TestRunKeysCreatePrintsSecretOnceAndStoresHash(t *testing.T) {
	t.Parallel()

	configPath, dbPath := writeSQLiteConfig(t, "")

	var stdout, stderr bytes.Buffer
	code := runKeys([]string{
		"create", "--config", configPath,
		"--org", "org-a", "--project", "project-a", "--user", "user-1", "--name", "ci",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("keys create code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	match := secretLine.FindStringSubmatch(stdout.String())
	if match == nil {
		t.Fatalf("stdout=%q, want Secret line", stdout.String())
	}
	secret := match[1]
	if !strings.Contains(stdout.String(), "it cannot be shown again") {
		t.Fatalf("stdout=%q, want one-time warning", stdout.String())
	}

	db, _, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	store := configstore.NewSQLStore(db, nil)
	stored, err := store.GetAPIKeyByHash(context.Background(), auth.HashSecret(secret))
	if err != nil {
		t.Fatalf("GetAPIKeyByHash() error: %v", err)
	}
	if stored.OrgID != "org-a" || stored.ProjectID != "project-a" || stored.UserID != "user-1" || stored.Name != "ci" || !stored.Active {
		t.Fatalf("stored key=%+v", stored)
	}
	if stored.SecretHash == secret {
		t.Fatal("stored secret hash equals the plaintext secret")
	}

	keyCtx, err := auth.NewAuthenticator(store, store, nil).ValidateAPIKey(context.Background(), secret)
	if err != nil {
		t.Fatalf("ValidateAPIKey() error: %v", err)
	}
	if keyCtx.APIKeyID != stored.ID || keyCtx.OrgID != "org-a" {
		t.Fatalf("key context=%+v", keyCtx)
	}
}

func TestRunKeysCreateJSONWithExpiry(t *testing.T) {
	t.Parallel()

	configPath, _ := writeSQLiteConfig(t, "")

	var stdout, stderr bytes.Buffer
	before := time.Now().UTC()
	code := runKeys([]string{
		"create", "--config", configPath, "--format", "json",
		"--org", "org-a", "--project", "project-a", "--user", "user-1", "--expires-in", "48h",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("keys create code=%d, want 0 (stderr=%q)", code, stderr.String())
	}

	var doc createdKeyDocument
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		t.Fatalf("decode json output: %v (%s)", err, stdout.String())
	}
	if doc.SchemaVersion != keysSchemaVersion || !strings.HasPrefix(doc.ID, "key_") || !strings.HasPrefix(doc.Secret, auth.SecretPrefix) {
		t.Fatalf("doc=%+v", doc)
	}
	if doc.ExpiresAt == nil {
		t.Fatal("expires_at missing")
	}
	if got := doc.ExpiresAt.Sub(before); got < 47*time.Hour || got > 49*time.Hour {
		t.Fatalf("expires_at - now=%s, want about 48h", got)
	}
}

func TestRunKeysCreateValidatesFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing org", args: []string{"--project", "p", "--user", "u"}, want: "keys create requires --org"},
		{name: "missing user", args: []string{"--org", "o", "--project", "p"}, want: "keys create requires --user"},
		{name: "negative expiry", args: []string{"--org", "o", "--project", "p", "--user", "u", "--expires-in", "-1h"}, want: "expires-in must be >= 0"},
		{name: "bad format", args: []string{"--org", "o", "--project", "p", "--user", "u", "--format", "xml"}, want: "invalid keys create format"},
		{name: "positional", args: []string{"extra"}, want: "does not accept positional arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			if code := runKeysCreate(tt.args, &stdout, &stderr); code != 2 {
				t.Fatalf("code=%d, want 2", code)
			}
			if !strings.Contains(stderr.String(), tt.want) {
				t.Fatalf("stderr=%q, want %q", stderr.String(), tt.want)
			}
		})
	}
}

func TestRunKeysListAndRevoke(t *testing.T) {
	t.Parallel()

	configPath, _ := writeSQLiteConfig(t, "")

	var stdout, stderr bytes.Buffer
	if code := runKeys([]string{
		"create", "--config", configPath, "--format", "json",
		"--org", "org-a", "--project", "project-a", "--user", "user-1", "--name", "ingest",
	}, &stdout, &stderr); code != 0 {
		t.Fatalf("keys create code=%d (stderr=%q)", code, stderr.String())
	}
	var created createdKeyDocument
	if err := json.Unmarshal(stdout.Bytes(), &created); err != nil {
		t.Fatalf("decode created key: %v", err)
	}

	listKeys := func() keyListDocument {
		t.Helper()
		var out, errOut bytes.Buffer
		if code := runKeys([]string{"list", "--config", configPath, "--format", "json", "--org", "org-a", "--project", "project-a"}, &out, &errOut); code != 0 {
			t.Fatalf("keys list code=%d (stderr=%q)", code, errOut.String())
		}
		var doc keyListDocument
		if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
			t.Fatalf("decode key list: %v", err)
		}
		return doc
	}

	doc := listKeys()
	if len(doc.Items) != 1 || doc.Items[0].ID != created.ID || !doc.Items[0].Active {
		t.Fatalf("list=%+v, want one active key %s", doc.Items, created.ID)
	}
	stdout.Reset()
	stderr.Reset()
	if code := runKeys([]string{"revoke", "--config", configPath, "--org", "org-b", "--project", "project-a", "--id", created.ID}, &stdout, &stderr); code != 1 {
		t.Fatalf("cross-org revoke code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "not found in org-b/project-a") {
		t.Fatalf("stderr=%q, want not found", stderr.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := runKeys([]string{"revoke", "--config", configPath, "--org", "org-a", "--project", "project-a", "--id", created.ID}, &stdout, &stderr); code != 0 {
		t.Fatalf("revoke code=%d (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Revoked API key "+created.ID) {
		t.Fatalf("stdout=%q", stdout.String())
	}

	doc = listKeys()
	if len(doc.Items) != 1 || doc.Items[0].Active {
		t.Fatalf("list after revoke=%+v, want inactive key", doc.Items)
	}
}

func TestRunKeysListTextEmpty(t *testing.T) {
	t.Parallel()

	configPath, _ := writeSQLiteConfig(t, "")

	var stdout, stderr bytes.Buffer
	if code := runKeysList([]string{"--config", configPath, "--org", "org-a", "--project", "project-a"}, &stdout, &stderr); code != 0 {
		t.Fatalf("keys list code=%d (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "No API keys for org-a/project-a") {
		t.Fatalf("stdout=%q", stdout.String())
	}
}
