package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ongoingai/untrace/internal/configstore"
	"github.com/ongoingai/untrace/internal/storage"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()

	db, _, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "delivery.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func attemptFor(destinationID string, number int, outcome Outcome, terminal bool, at time.Time) Attempt {
	return Attempt{
		OrgID:         "org-a",
		ProjectID:     "project-a",
		TraceID:       "trace-1",
		DestinationID: destinationID,
		DeliveryID:    "delivery-" + destinationID,
		AttemptNumber: number,
		Outcome:       outcome,
		Terminal:      terminal,
		LatencyMS:     int64(number * 100),
		CreatedAt:     at,
	}
}

func TestSQLStoreAppendAndResumeAttempts(t *testing.T) {
	t.Parallel()

	store := NewSQLStore(newTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	last, err := store.LastAttempt(ctx, "org-a", "trace-1", "dst-a")
	if err != nil {
		t.Fatalf("LastAttempt(empty) error: %v", err)
	}
	if last != nil {
		t.Fatalf("LastAttempt(empty)=%+v, want nil", last)
	}

	first := attemptFor("dst-a", 1, OutcomeFailure, false, now)
	first.StatusCode = 503
	first.ErrorClass = "transient"
	first.ErrorMessage = "upstream unavailable"
	if err := store.AppendAttempt(ctx, first); err != nil {
		t.Fatalf("AppendAttempt(1) error: %v", err)
	}
	if err := store.AppendAttempt(ctx, attemptFor("dst-a", 2, OutcomeSuccess, false, now.Add(time.Second))); err != nil {
		t.Fatalf("AppendAttempt(2) error: %v", err)
	}

	last, err = store.LastAttempt(ctx, "org-a", "trace-1", "dst-a")
	if err != nil {
		t.Fatalf("LastAttempt() error: %v", err)
	}
	if last == nil || last.AttemptNumber != 2 || last.Outcome != OutcomeSuccess || !last.Terminal || !last.Done() {
		t.Fatalf("last attempt=%+v", last)
	}

	if err := store.AppendAttempt(ctx, attemptFor("dst-a", 2, OutcomeFailure, true, now)); !errors.Is(err, ErrDuplicateAttempt) {
		t.Fatalf("AppendAttempt(reused number) error=%v, want %v", err, ErrDuplicateAttempt)
	}
	if err := store.AppendAttempt(ctx, attemptFor("dst-a", 3, OutcomeSuccess, true, now)); !errors.Is(err, ErrDuplicateAttempt) {
		t.Fatalf("AppendAttempt(second success) error=%v, want %v", err, ErrDuplicateAttempt)
	}
	if err := store.AppendAttempt(ctx, attemptFor("dst-a", 0, OutcomeFailure, true, now)); err == nil {
		t.Fatal("AppendAttempt(zero number) error=nil, want error")
	}

	attempts, err := store.ListAttempts(ctx, "org-a", "project-a", "trace-1")
	if err != nil {
		t.Fatalf("ListAttempts() error: %v", err)
	}
	if len(attempts) != 2 || attempts[0].AttemptNumber != 1 || attempts[1].AttemptNumber != 2 {
		t.Fatalf("attempts=%+v", attempts)
	}
	if attempts[0].StatusCode != 503 || attempts[0].ErrorClass != "transient" || attempts[0].ErrorMessage != "upstream unavailable" {
		t.Fatalf("first attempt=%+v", attempts[0])
	}
	if !attempts[0].CreatedAt.Equal(now) {
		t.Fatalf("first attempt created_at=%s, want %s", attempts[0].CreatedAt, now)
	}

	has, err := store.HasHistory(ctx, "org-a", "dst-a")
	if err != nil {
		t.Fatalf("HasHistory() error: %v", err)
	}
	if !has {
		t.Fatal("HasHistory(dst-a)=false, want true")
	}
	has, err = store.HasHistory(ctx, "org-a", "dst-b")
	if err != nil {
		t.Fatalf("HasHistory(dst-b) error: %v", err)
	}
	if has {
		t.Fatal("HasHistory(dst-b)=true, want false")
	}
}

func TestSQLStoreAppendAttemptTruncatesOnCharacterBoundary(t *testing.T) {
	t.Parallel()

	store := NewSQLStore(newTestDB(t))
	ctx := context.Background()

	attempt := attemptFor("dst-a", 1, OutcomeFailure, true, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	attempt.ErrorMessage = "a" + strings.Repeat("é", 600) + "\xff"
	if err := store.AppendAttempt(ctx, attempt); err != nil {
		t.Fatalf("AppendAttempt() error: %v", err)
	}
	attempts, err := store.ListAttempts(ctx, "org-a", "project-a", "trace-1")
	if err != nil {
		t.Fatalf("ListAttempts() error: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempts=%d, want 1", len(attempts))
	}
	message := attempts[0].ErrorMessage
	if !utf8.ValidString(message) || len(message) > 1024 || !strings.HasSuffix(message, "é") {
		t.Fatalf("stored message len=%d valid=%t tail=%q", len(message), utf8.ValidString(message), message[len(message)-4:])
	}
}

func TestTruncateReplacesInvalidBytes(t *testing.T) {
	t.Parallel()

	if got := truncate(" ok\xffdone ", 64); got != "ok\uFFFDdone" {
		t.Fatalf("truncate()=%q, want %q", got, "ok\uFFFDdone")
	}
	if got := truncate("éé", 3); got != "é" {
		t.Fatalf("truncate(éé, 3)=%q, want é", got)
	}
}

func TestSQLStoreAggregateStatsCountsTerminalAttempts(t *testing.T) {
	t.Parallel()

	store := NewSQLStore(newTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	rows := []Attempt{
		attemptFor("dst-a", 1, OutcomeFailure, false, now),
		attemptFor("dst-a", 2, OutcomeSuccess, true, now.Add(time.Second)),
		attemptFor("dst-b", 1, OutcomeFailure, true, now),
	}
	outside := attemptFor("dst-b", 1, OutcomeSuccess, true, now.Add(-30*24*time.Hour))
	outside.TraceID = "trace-old"
	rows = append(rows, outside)
	for _, row := range rows {
		if err := store.AppendAttempt(ctx, row); err != nil {
			t.Fatalf("AppendAttempt() error: %v", err)
		}
	}

	aggregates, err := store.AggregateStats(ctx, "org-a", "project-a", now.Add(-24*time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("AggregateStats() error: %v", err)
	}
	if len(aggregates) != 2 {
		t.Fatalf("aggregates=%+v", aggregates)
	}
	a, b := aggregates[0], aggregates[1]
	if a.DestinationID != "dst-a" || a.Successful != 1 || a.Failed != 0 || a.TotalAttempts != 2 || a.AvgLatencyMS != 150 {
		t.Fatalf("dst-a aggregate=%+v", a)
	}
	if !a.LastDeliveryAt.Equal(now.Add(time.Second)) {
		t.Fatalf("dst-a last delivery=%s", a.LastDeliveryAt)
	}
	if b.DestinationID != "dst-b" || b.Successful != 0 || b.Failed != 1 || b.TotalAttempts != 1 {
		t.Fatalf("dst-b aggregate=%+v", b)
	}
}

type stubLister struct {
	destinations []configstore.Destination
}

func (s stubLister) ListActiveDestinations(_ context.Context, _, _ string) ([]configstore.Destination, error) {
	out := make([]configstore.Destination, 0, len(s.destinations))
	for _, destination := range s.destinations {
		if destination.Enabled {
			out = append(out, destination)
		}
	}
	return out, nil
}

func (s stubLister) ListDestinations(_ context.Context, _, _ string) ([]configstore.Destination, error) {
	return s.destinations, nil
}

func TestStatsServiceZeroFillsDestinationsWithoutAttempts(t *testing.T) {
	t.Parallel()

	store := NewSQLStore(newTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := store.AppendAttempt(ctx, attemptFor("webhook-a", 1, OutcomeSuccess, true, now.Add(-time.Hour))); err != nil {
		t.Fatalf("AppendAttempt() error: %v", err)
	}

	service := NewStatsService(store, stubLister{destinations: []configstore.Destination{
		{ID: "webhook-a", Name: "a", Kind: "webhook", Enabled: true},
		{ID: "webhook-b", Name: "b", Kind: "webhook", Enabled: false},
	}})
	service.now = func() time.Time { return now }

	first, err := service.DeliveryStats(ctx, "org-a", "project-a", 1)
	if err != nil {
		t.Fatalf("DeliveryStats() error: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("stats=%+v", first)
	}
	if first[0].DestinationID != "webhook-a" || first[0].TotalDeliveries != 1 || first[0].SuccessRate != 1 {
		t.Fatalf("webhook-a stat=%+v", first[0])
	}
	if first[1].DestinationID != "webhook-b" || first[1].TotalDeliveries != 0 || first[1].SuccessRate != 0 || first[1].Enabled {
		t.Fatalf("webhook-b stat=%+v", first[1])
	}

	second, err := service.DeliveryStats(ctx, "org-a", "project-a", 1)
	if err != nil {
		t.Fatalf("DeliveryStats() second call error: %v", err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("stats changed between calls: %+v vs %+v", first[i], second[i])
		}
	}
}

func TestStatsServiceSuccessRateMixedOutcomes(t *testing.T) {
	t.Parallel()

	store := NewSQLStore(newTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, outcome := range []Outcome{OutcomeSuccess, OutcomeSuccess, OutcomeSuccess, OutcomeFailure} {
		row := attemptFor("dst-a", 1, outcome, true, now.Add(-time.Duration(i)*time.Minute))
		row.TraceID = "trace-" + string(rune('a'+i))
		if err := store.AppendAttempt(ctx, row); err != nil {
			t.Fatalf("AppendAttempt(%d) error: %v", i, err)
		}
	}

	service := NewStatsService(store, stubLister{destinations: []configstore.Destination{{ID: "dst-a", Enabled: true}}})
	service.now = func() time.Time { return now }

	stats, err := service.DeliveryStats(ctx, "org-a", "project-a", 0)
	if err != nil {
		t.Fatalf("DeliveryStats() error: %v", err)
	}
	if len(stats) != 1 || stats[0].SuccessfulDeliveries != 3 || stats[0].FailedDeliveries != 1 || stats[0].SuccessRate != 0.75 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestClampWindowDays(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int
		want int
	}{
		{in: -3, want: DefaultWindowDays},
		{in: 0, want: DefaultWindowDays},
		{in: 1, want: 1},
		{in: 30, want: 30},
		{in: 365, want: MaxWindowDays},
	}
	for _, tt := range tests {
		if got := ClampWindowDays(tt.in); got != tt.want {
			t.Fatalf("ClampWindowDays(%d)=%d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNewDeliveryIDIsStablePerPair(t *testing.T) {
	t.Parallel()

	first := NewDeliveryID("org-a", "t1", "dst_1")
	if first != NewDeliveryID("org-a", "t1", "dst_1") {
		t.Fatal("delivery id changed between calls")
	}
	if len(first) != len("dlv_")+32 {
		t.Fatalf("delivery id=%q, want dlv_ plus 32 hex chars", first)
	}
	for _, other := range []string{
		NewDeliveryID("org-b", "t1", "dst_1"),
		NewDeliveryID("org-a", "t2", "dst_1"),
		NewDeliveryID("org-a", "t1", "dst_2"),
	} {
		if other == first {
			t.Fatalf("delivery id %q collides across pairs", other)
		}
	}
}
