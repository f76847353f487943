package configstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ongoingai/untrace/internal/storage"
)

func newTestStore(t *testing.T, validator ConfigValidator) (*SQLStore, *storage.DB) {
	t.Helper()

	db, _, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "config.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return NewSQLStore(db, validator), db
}

type stubValidator struct {
	err   error
	calls int
}

func (v *stubValidator) Validate(kind string, config map[string]any) error {
	v.calls++
	if kind == "unknown" {
		return fmt.Errorf("unknown destination kind %q", kind)
	}
	return v.err
}

func TestSQLStoreCreatesAndResolvesAPIKeys(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	expiresAt := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	created, err := store.CreateAPIKey(ctx, APIKey{
		SecretHash: "  ABCDEF  ",
		OrgID:      "org-a",
		ProjectID:  "project-a",
		UserID:     "user-1",
		Name:       "ci",
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		t.Fatalf("CreateAPIKey() error: %v", err)
	}
	if created.ID == "" || !created.Active {
		t.Fatalf("created key=%+v", created)
	}

	got, err := store.GetAPIKeyByHash(ctx, "abcdef")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash() error: %v", err)
	}
	if got.ID != created.ID || got.OrgID != "org-a" || got.ProjectID != "project-a" || got.UserID != "user-1" {
		t.Fatalf("resolved key=%+v", got)
	}
	if !got.ExpiresAt.Equal(expiresAt) || !got.Active {
		t.Fatalf("resolved key expiry=%s active=%t", got.ExpiresAt, got.Active)
	}

	if _, err := store.GetAPIKeyByHash(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetAPIKeyByHash(missing) error=%v, want %v", err, ErrNotFound)
	}
	if _, err := store.CreateAPIKey(ctx, APIKey{SecretHash: "abcdef", OrgID: "org-a", ProjectID: "project-b"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("CreateAPIKey(duplicate hash) error=%v, want %v", err, ErrConflict)
	}
	if _, err := store.CreateAPIKey(ctx, APIKey{SecretHash: "x"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("CreateAPIKey(no tenant) error=%v, want %v", err, ErrInvalid)
	}
}

func TestSQLStoreDeactivateAPIKeyKeepsRow(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	created, err := store.CreateAPIKey(ctx, APIKey{SecretHash: "hash-1", OrgID: "org-a", ProjectID: "project-a"})
	if err != nil {
		t.Fatalf("CreateAPIKey() error: %v", err)
	}

	if err := store.DeactivateAPIKey(ctx, created.ID, APIKeyFilter{OrgID: "org-b"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeactivateAPIKey(other org) error=%v, want %v", err, ErrNotFound)
	}
	if err := store.DeactivateAPIKey(ctx, created.ID, APIKeyFilter{OrgID: "org-a", ProjectID: "project-a"}); err != nil {
		t.Fatalf("DeactivateAPIKey() error: %v", err)
	}

	got, err := store.GetAPIKeyByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash() error: %v", err)
	}
	if got.Active {
		t.Fatal("key still active after deactivation")
	}

	keys, err := store.ListAPIKeys(ctx, APIKeyFilter{OrgID: "org-a"})
	if err != nil {
		t.Fatalf("ListAPIKeys() error: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("len(keys)=%d, want 1", len(keys))
	}
}

func TestSQLStoreRecordUsageTouchesLastUsed(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t, nil)
	ctx := context.Background()
	created, err := store.CreateAPIKey(ctx, APIKey{SecretHash: "hash-usage", OrgID: "org-a", ProjectID: "project-a"})
	if err != nil {
		t.Fatalf("CreateAPIKey() error: %v", err)
	}

	usedAt := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if err := store.RecordUsage(ctx, Usage{
			APIKeyID:  created.ID,
			OrgID:     "org-a",
			ProjectID: "project-a",
			EventType: EventTraceIngest,
			CreatedAt: usedAt,
		}); err != nil {
			t.Fatalf("RecordUsage() error: %v", err)
		}
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM api_key_usage WHERE api_key_id = ?`, created.ID).Scan(&count); err != nil {
		t.Fatalf("count usage rows: %v", err)
	}
	if count != 2 {
		t.Fatalf("usage rows=%d, want 2", count)
	}

	got, err := store.GetAPIKeyByHash(ctx, "hash-usage")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash() error: %v", err)
	}
	if !got.LastUsedAt.Equal(usedAt) {
		t.Fatalf("last_used_at=%s, want %s", got.LastUsedAt, usedAt)
	}

	if err := store.RecordUsage(ctx, Usage{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("RecordUsage(empty) error=%v, want %v", err, ErrInvalid)
	}
}

func TestAPIKeyExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{name: "no expiry", want: false},
		{name: "future", expiresAt: now.Add(time.Second), want: false},
		{name: "exactly now", expiresAt: now, want: true},
		{name: "past", expiresAt: now.Add(-time.Hour), want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := (APIKey{ExpiresAt: tt.expiresAt}).Expired(now); got != tt.want {
				t.Fatalf("Expired()=%t, want %t", got, tt.want)
			}
		})
	}
}

func TestSQLStoreDestinationsOrderedByInsertion(t *testing.T) {
	t.Parallel()

	validator := &stubValidator{}
	store, _ := newTestStore(t, validator)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		created, err := store.CreateDestination(ctx, Destination{
			OrgID:     "org-a",
			ProjectID: "project-a",
			Name:      name,
			Kind:      "WEBHOOK",
			Config:    map[string]any{"url": "https://example.test/" + name},
			Enabled:   true,
		})
		if err != nil {
			t.Fatalf("CreateDestination(%s) error: %v", name, err)
		}
		if created.Kind != "webhook" {
			t.Fatalf("kind=%q, want webhook", created.Kind)
		}
		ids = append(ids, created.ID)
	}
	if validator.calls != 3 {
		t.Fatalf("validator calls=%d, want 3", validator.calls)
	}

	disabled := false
	if _, err := store.UpdateDestination(ctx, "org-a", "project-a", ids[1], DestinationUpdate{Enabled: &disabled}); err != nil {
		t.Fatalf("UpdateDestination() error: %v", err)
	}

	active, err := store.ListActiveDestinations(ctx, "org-a", "project-a")
	if err != nil {
		t.Fatalf("ListActiveDestinations() error: %v", err)
	}
	if len(active) != 2 || active[0].ID != ids[0] || active[1].ID != ids[2] {
		t.Fatalf("active destinations=%v", destinationIDs(active))
	}

	all, err := store.ListDestinations(ctx, "org-a", "project-a")
	if err != nil {
		t.Fatalf("ListDestinations() error: %v", err)
	}
	if len(all) != 3 || all[0].ID != ids[0] || all[1].ID != ids[1] || all[2].ID != ids[2] {
		t.Fatalf("all destinations=%v", destinationIDs(all))
	}

	other, err := store.ListDestinations(ctx, "org-a", "project-b")
	if err != nil {
		t.Fatalf("ListDestinations(other project) error: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("other project destinations=%d, want 0", len(other))
	}
}

func TestSQLStoreCreateDestinationRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, &stubValidator{})
	ctx := context.Background()

	_, err := store.CreateDestination(ctx, Destination{OrgID: "org-a", ProjectID: "project-a", Kind: "unknown"})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("CreateDestination(unknown kind) error=%v, want %v", err, ErrInvalid)
	}
	_, err = store.CreateDestination(ctx, Destination{OrgID: "org-a", ProjectID: "project-a"})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("CreateDestination(empty kind) error=%v, want %v", err, ErrInvalid)
	}
}

func TestSQLStoreUpdateDestinationMergesFields(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, &stubValidator{})
	ctx := context.Background()
	created, err := store.CreateDestination(ctx, Destination{
		OrgID:     "org-a",
		ProjectID: "project-a",
		Name:      "primary",
		Kind:      "webhook",
		Config:    map[string]any{"url": "https://a.example.test"},
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("CreateDestination() error: %v", err)
	}

	name := "renamed"
	updated, err := store.UpdateDestination(ctx, "org-a", "project-a", created.ID, DestinationUpdate{
		Name:   &name,
		Config: map[string]any{"url": "https://b.example.test"},
	})
	if err != nil {
		t.Fatalf("UpdateDestination() error: %v", err)
	}
	if updated.Name != "renamed" || updated.Config["url"] != "https://b.example.test" || !updated.Enabled {
		t.Fatalf("updated destination=%+v", updated)
	}
	if updated.Seq != created.Seq {
		t.Fatalf("seq=%d, want %d", updated.Seq, created.Seq)
	}

	if _, err := store.UpdateDestination(ctx, "org-b", "project-a", created.ID, DestinationUpdate{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateDestination(other org) error=%v, want %v", err, ErrNotFound)
	}
}

func TestSQLStoreDeleteDestinationSoftDisablesWithHistory(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t, nil)
	ctx := context.Background()

	withHistory, err := store.CreateDestination(ctx, Destination{OrgID: "org-a", ProjectID: "project-a", Kind: "webhook", Enabled: true})
	if err != nil {
		t.Fatalf("CreateDestination(history) error: %v", err)
	}
	withoutHistory, err := store.CreateDestination(ctx, Destination{OrgID: "org-a", ProjectID: "project-a", Kind: "webhook", Enabled: true})
	if err != nil {
		t.Fatalf("CreateDestination(no history) error: %v", err)
	}

	if _, err := db.Exec(`
INSERT INTO delivery_attempts (id, org_id, project_id, trace_id, destination_id, delivery_id, attempt_number, outcome, terminal, created_at)
VALUES ('attempt-1', 'org-a', 'project-a', 'trace-1', ?, 'delivery-1', 1, 'success', 1, ?)`,
		withHistory.ID, storage.FormatSQLiteTime(time.Now()),
	); err != nil {
		t.Fatalf("insert delivery attempt: %v", err)
	}

	outcome, err := store.DeleteDestination(ctx, "org-a", "project-a", withHistory.ID)
	if err != nil {
		t.Fatalf("DeleteDestination(history) error: %v", err)
	}
	if outcome != DeleteOutcomeDisabled {
		t.Fatalf("outcome=%q, want %q", outcome, DeleteOutcomeDisabled)
	}
	got, err := store.GetDestination(ctx, "org-a", "project-a", withHistory.ID)
	if err != nil {
		t.Fatalf("GetDestination() after soft delete error: %v", err)
	}
	if got.Enabled {
		t.Fatal("destination with history still enabled")
	}

	outcome, err = store.DeleteDestination(ctx, "org-a", "project-a", withoutHistory.ID)
	if err != nil {
		t.Fatalf("DeleteDestination(no history) error: %v", err)
	}
	if outcome != DeleteOutcomeDeleted {
		t.Fatalf("outcome=%q, want %q", outcome, DeleteOutcomeDeleted)
	}
	if _, err := store.GetDestination(ctx, "org-a", "project-a", withoutHistory.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetDestination() after delete error=%v, want %v", err, ErrNotFound)
	}
	if _, err := store.DeleteDestination(ctx, "org-a", "project-a", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteDestination(missing) error=%v, want %v", err, ErrNotFound)
	}
}

func TestSQLStoreSeedIsIdempotent(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, &stubValidator{})
	ctx := context.Background()

	keys := []APIKey{{ID: "seed-key", SecretHash: "seed-hash", OrgID: "org-a", ProjectID: "project-a", Active: true}}
	destinations := []Destination{
		{ID: "seed-a", OrgID: "org-a", ProjectID: "project-a", Kind: "webhook", Config: map[string]any{"url": "https://a"}, Enabled: true},
		{ID: "seed-b", OrgID: "org-a", ProjectID: "project-a", Kind: "webhook", Config: map[string]any{"url": "https://b"}, Enabled: true},
	}

	for i := 0; i < 2; i++ {
		if err := store.SeedAPIKeys(ctx, keys); err != nil {
			t.Fatalf("SeedAPIKeys() pass %d error: %v", i, err)
		}
		if err := store.SeedDestinations(ctx, destinations); err != nil {
			t.Fatalf("SeedDestinations() pass %d error: %v", i, err)
		}
	}

	key, err := store.GetAPIKeyByHash(ctx, "seed-hash")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash() error: %v", err)
	}
	if key.ID != "seed-key" || !key.Active {
		t.Fatalf("seeded key=%+v", key)
	}

	all, err := store.ListDestinations(ctx, "org-a", "project-a")
	if err != nil {
		t.Fatalf("ListDestinations() error: %v", err)
	}
	if len(all) != 2 || all[0].ID != "seed-a" || all[1].ID != "seed-b" {
		t.Fatalf("seeded destinations=%v", destinationIDs(all))
	}

	destinations[0].Config = map[string]any{"url": "https://a2"}
	if err := store.SeedDestinations(ctx, destinations[:1]); err != nil {
		t.Fatalf("SeedDestinations() update error: %v", err)
	}
	got, err := store.GetDestination(ctx, "org-a", "project-a", "seed-a")
	if err != nil {
		t.Fatalf("GetDestination() error: %v", err)
	}
	if got.Config["url"] != "https://a2" || got.Seq != all[0].Seq {
		t.Fatalf("reseeded destination=%+v", got)
	}

	if err := store.SeedDestinations(ctx, []Destination{{OrgID: "org-a", ProjectID: "project-a", Kind: "webhook"}}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("SeedDestinations(no id) error=%v, want %v", err, ErrInvalid)
	}
}

func TestSQLStoreReseedKeepsRevocationsAndScope(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, &stubValidator{})
	ctx := context.Background()

	keys := []APIKey{{ID: "seed-key", SecretHash: "seed-hash", OrgID: "org-a", ProjectID: "project-a", Active: true}}
	destinations := []Destination{
		{ID: "seed-a", OrgID: "org-a", ProjectID: "project-a", Kind: "webhook", Config: map[string]any{"url": "https://a"}, Enabled: true},
	}
	if err := store.SeedAPIKeys(ctx, keys); err != nil {
		t.Fatalf("SeedAPIKeys() error: %v", err)
	}
	if err := store.SeedDestinations(ctx, destinations); err != nil {
		t.Fatalf("SeedDestinations() error: %v", err)
	}
	if err := store.DeactivateAPIKey(ctx, "seed-key", APIKeyFilter{OrgID: "org-a", ProjectID: "project-a"}); err != nil {
		t.Fatalf("DeactivateAPIKey() error: %v", err)
	}
	if err := store.DisableDestination(ctx, "org-a", "project-a", "seed-a"); err != nil {
		t.Fatalf("DisableDestination() error: %v", err)
	}

	if err := store.SeedAPIKeys(ctx, keys); err != nil {
		t.Fatalf("SeedAPIKeys(reseed) error: %v", err)
	}
	if err := store.SeedDestinations(ctx, destinations); err != nil {
		t.Fatalf("SeedDestinations(reseed) error: %v", err)
	}
	key, err := store.GetAPIKeyByHash(ctx, "seed-hash")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash() error: %v", err)
	}
	if key.Active {
		t.Fatal("revoked key is active again after reseeding")
	}
	active, err := store.ListActiveDestinations(ctx, "org-a", "project-a")
	if err != nil {
		t.Fatalf("ListActiveDestinations() error: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active destinations=%v, want none after reseeding a disabled destination", destinationIDs(active))
	}

	moved := []APIKey{{ID: "seed-key", SecretHash: "other-hash", OrgID: "org-b", ProjectID: "project-a", Active: true}}
	if err := store.SeedAPIKeys(ctx, moved); !errors.Is(err, ErrConflict) {
		t.Fatalf("SeedAPIKeys(other org) error=%v, want %v", err, ErrConflict)
	}
	movedDestination := []Destination{
		{ID: "seed-a", OrgID: "org-a", ProjectID: "project-b", Kind: "webhook", Config: map[string]any{"url": "https://b"}, Enabled: true},
	}
	if err := store.SeedDestinations(ctx, movedDestination); !errors.Is(err, ErrConflict) {
		t.Fatalf("SeedDestinations(other project) error=%v, want %v", err, ErrConflict)
	}
	key, err = store.GetAPIKeyByHash(ctx, "seed-hash")
	if err != nil || key.OrgID != "org-a" {
		t.Fatalf("key after rejected reseed=%+v err=%v", key, err)
	}
	got, err := store.GetDestination(ctx, "org-a", "project-a", "seed-a")
	if err != nil || got.Config["url"] != "https://a" {
		t.Fatalf("destination after rejected reseed=%+v err=%v", got, err)
	}
}

func destinationIDs(items []Destination) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}
