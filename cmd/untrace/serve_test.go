package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ongoingai/untrace/internal/auth"
	"github.com/ongoingai/untrace/internal/config"
	"github.com/ongoingai/untrace/internal/configstore"
	"github.com/ongoingai/untrace/internal/destination"
	"github.com/ongoingai/untrace/internal/storage"
	"github.com/ongoingai/untrace/internal/trace"
)

const serveTestSecret = "utr_serve_test_secret"

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type receivedDelivery struct {
	header  http.Header
	payload destination.WebhookPayload
}

func TestRunServeDeliversTraceAndDrainsOnShutdown(t *testing.T) {
	received := make(chan receivedDelivery, 4)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload destination.WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode webhook payload: %v", err)
		}
		received <- receivedDelivery{header: r.Header.Clone(), payload: payload}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	port := freeTCPPort(t)
	configPath, dbPath := writeSQLiteConfig(t, fmt.Sprintf(`server:
  host: 127.0.0.1
  port: %d
  shutdown_timeout_ms: 2000
auth:
  keys:
    - id: key-serve
      secret: %s
      org_id: org-a
      project_id: project-a
      user_id: user-1
fanout:
  initial_backoff_ms: 10
  max_backoff_ms: 50
  drain_timeout_ms: 3000
destinations:
  - id: dst-serve
    org_id: org-a
    project_id: project-a
    name: Receiver
    kind: webhook
    config:
      url: %q
      secret: whsec_test
`, port, serveTestSecret, receiver.URL))

	originalSignalNotifyContext := signalNotifyContext
	t.Cleanup(func() { signalNotifyContext = originalSignalNotifyContext })

	shutdownCtx, shutdown := context.WithCancel(context.Background())
	t.Cleanup(shutdown)
	signalNotifyContext = func(_ context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		return shutdownCtx, func() {}
	}

	logs := &syncBuffer{}
	var stderr syncBuffer
	exitCodeCh := make(chan int, 1)
	go func() {
		exitCodeCh <- runServe([]string{"--config", configPath}, logs, &stderr)
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitForHTTPReady(t, baseURL+"/api/health")

	body := `{"traceId":"trace-serve-1","payload":{"model":"gpt-4o-mini","usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16},"latency_ms":95}}`
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/v1/traces", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Untrace-Key", serveTestSecret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ingest request failed: %v", err)
	}
	respBody, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest status=%d body=%s, want %d", resp.StatusCode, respBody, http.StatusAccepted)
	}
	if resp.Header.Get("X-Untrace-Request-ID") == "" {
		t.Fatal("response is missing the request id header")
	}

	select {
	case got := <-received:
		if got.payload.Trace.TraceID != "trace-serve-1" || got.payload.Attempt != 1 {
			t.Fatalf("webhook payload=%+v", got.payload)
		}
		if got.header.Get(destination.HeaderSignature) == "" || got.header.Get(destination.HeaderDelivery) == "" {
			t.Fatalf("webhook headers=%v, want signature and delivery id", got.header)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}

	shutdown()

	select {
	case code := <-exitCodeCh:
		if code != 0 {
			t.Fatalf("runServe exit code=%d, want 0 (stderr=%q)", code, stderr.String())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for runServe shutdown")
	}

	for _, want := range []string{`"msg":"startup banner"`, `"msg":"request complete"`, `"msg":"drained fanout queue before shutdown"`, `"msg":"untrace stopped"`} {
		if !strings.Contains(logs.String(), want) {
			t.Fatalf("logs missing %s:\n%s", want, logs.String())
		}
	}

	db, _, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	got, err := trace.NewStore(db).GetTrace(context.Background(), "org-a", "project-a", "trace-serve-1")
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if got.FanoutStatus != trace.FanoutStatusCompleted {
		t.Fatalf("fanout status=%q, want %q", got.FanoutStatus, trace.FanoutStatusCompleted)
	}
	if got.APIKeyID != "key-serve" || got.TotalTokens != 16 {
		t.Fatalf("stored trace=%+v", got)
	}
}

func TestRunServeFailsWhenSeededDestinationIsInvalid(t *testing.T) {
	configPath, _ := writeSQLiteConfig(t, `destinations:
  - id: dst-bad
    org_id: org-a
    project_id: project-a
    name: Broken
    kind: kafka
`)

	var stdout, stderr bytes.Buffer
	if code := runServe([]string{"--config", configPath}, &stdout, &stderr); code != 1 {
		t.Fatalf("runServe code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "failed to start untrace: seed destinations") {
		t.Fatalf("stderr=%q, want seed failure", stderr.String())
	}
}

func TestRunServeRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	configPath, _ := writeSQLiteConfig(t, "server:\n  port: 0\n")

	var stdout, stderr bytes.Buffer
	if code := runServe([]string{"--config", configPath}, &stdout, &stderr); code != 1 {
		t.Fatalf("runServe code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "config is invalid: server.port") {
		t.Fatalf("stderr=%q, want validation error", stderr.String())
	}
}

func TestSeedConfigHashesSecretsAndUpsertsDestinations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, dbPath := writeSQLiteConfig(t, "")
	db, _, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	disabled := false
	cfg := config.Default()
	cfg.Auth.Keys = []config.APIKeyConfig{
		{ID: "key-1", Secret: "utr_seed_secret", OrgID: "org-a", ProjectID: "project-a", UserID: "user-1"},
	}
	cfg.Destinations = []config.DestinationConfig{
		{ID: "dst-1", OrgID: "org-a", ProjectID: "project-a", Name: "A", Kind: "webhook", Config: map[string]any{"url": "https://a.example.com/hook"}},
		{ID: "dst-2", OrgID: "org-a", ProjectID: "project-a", Name: "B", Kind: "webhook", Enabled: &disabled, Config: map[string]any{"url": "https://b.example.com/hook"}},
	}

	store := configstore.NewSQLStore(db, destination.DefaultRegistry(nil))
	for i := 0; i < 2; i++ {
		if err := seedConfig(ctx, store, cfg); err != nil {
			t.Fatalf("seedConfig(run %d) error: %v", i, err)
		}
	}

	key, err := store.GetAPIKeyByHash(ctx, auth.HashSecret("utr_seed_secret"))
	if err != nil {
		t.Fatalf("GetAPIKeyByHash() error: %v", err)
	}
	if key.ID != "key-1" || !key.Active {
		t.Fatalf("seeded key=%+v", key)
	}

	all, err := store.ListDestinations(ctx, "org-a", "project-a")
	if err != nil {
		t.Fatalf("ListDestinations() error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("destinations=%d, want 2 after repeated seeding", len(all))
	}
	active, err := store.ListActiveDestinations(ctx, "org-a", "project-a")
	if err != nil {
		t.Fatalf("ListActiveDestinations() error: %v", err)
	}
	if len(active) != 1 || active[0].ID != "dst-1" {
		t.Fatalf("active destinations=%+v, want dst-1 only", active)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen for free port: %v", err)
	}
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected listener addr type %T", listener.Addr())
	}
	return addr.Port
}

func waitForHTTPReady(t *testing.T, url string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("server at %s did not become ready", url)
}
