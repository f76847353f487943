package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ongoingai/untrace/internal/auth"
	"github.com/ongoingai/untrace/internal/fanout"
	"github.com/ongoingai/untrace/internal/realtime"
	"github.com/ongoingai/untrace/internal/storage"
	"github.com/ongoingai/untrace/internal/trace"
	"github.com/sashabaranov/go-openai"
)

var testKey = auth.APIKeyContext{OrgID: "org-a", ProjectID: "project-a", UserID: "user-1", APIKeyID: "key-1"}

type recordingQueue struct {
	mu     sync.Mutex
	jobs   []fanout.Job
	reject bool
}

func (q *recordingQueue) Enqueue(job fanout.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reject {
		return false
	}
	q.jobs = append(q.jobs, job)
	return true
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *recordingMetrics) RecordIngest(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

type failingWriter struct {
	err error
}

func (w failingWriter) WriteTrace(context.Context, *trace.Trace) error {
	return w.err
}

type ingestEnv struct {
	service *Service
	store   trace.TraceStore
	hub     *realtime.Hub
	queue   *recordingQueue
	metrics *recordingMetrics
}

func newIngestEnv(t *testing.T) *ingestEnv {
	t.Helper()
	db, _, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	env := &ingestEnv{
		store:   trace.NewStore(db),
		hub:     realtime.NewHub(realtime.HubOptions{}),
		queue:   &recordingQueue{},
		metrics: &recordingMetrics{},
	}
	env.service = NewService(env.store, Options{
		Publisher: env.hub,
		Queue:     env.queue,
		Metrics:   env.metrics,
	})
	return env
}

func openAIPayload(t *testing.T) map[string]any {
	t.Helper()
	encoded, err := json.Marshal(map[string]any{
		"model": openai.GPT4oMini,
		"input": []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "What is the capital of France?"},
		},
		"output": []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleAssistant, Content: "Paris."},
		},
		"usage":      openai.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
		"latency_ms": 240,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(encoded, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return payload
}

func TestIngestPersistsNormalizedTraceAndEnqueuesFanout(t *testing.T) {
	t.Parallel()

	env := newIngestEnv(t)
	sub := env.hub.Subscribe(realtime.Filter{Table: realtime.TableTraces, OrgID: "org-a", ProjectID: "project-a"})
	defer sub.Unsubscribe()

	result, err := env.service.Ingest(context.Background(), testKey, TraceInput{
		TraceID:  "trace-1",
		Payload:  openAIPayload(t),
		Metadata: map[string]any{"env": "prod"},
	})
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if result.TraceID != "trace-1" {
		t.Fatalf("trace id=%q, want trace-1", result.TraceID)
	}

	stored, err := env.store.GetTrace(context.Background(), "org-a", "project-a", "trace-1")
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if stored.Provider != "openai" || stored.Model != openai.GPT4oMini {
		t.Fatalf("provider/model=%q/%q, want openai/%s", stored.Provider, stored.Model, openai.GPT4oMini)
	}
	if stored.InputTokens != 12 || stored.OutputTokens != 3 || stored.TotalTokens != 15 {
		t.Fatalf("tokens=%d/%d/%d, want 12/3/15", stored.InputTokens, stored.OutputTokens, stored.TotalTokens)
	}
	if stored.FanoutStatus != trace.FanoutStatusPending {
		t.Fatalf("fanout status=%q, want pending", stored.FanoutStatus)
	}
	if stored.APIKeyID != "key-1" || stored.UserID != "user-1" {
		t.Fatalf("key/user=%q/%q, want key-1/user-1", stored.APIKeyID, stored.UserID)
	}
	if len(stored.SpanID) != 16 {
		t.Fatalf("span id=%q, want 16 hex chars", stored.SpanID)
	}

	if len(env.queue.jobs) != 1 || env.queue.jobs[0].Trace.TraceID != "trace-1" || env.queue.jobs[0].Source != fanout.JobSourceIngest {
		t.Fatalf("jobs=%+v, want one ingest job for trace-1", env.queue.jobs)
	}

	var event realtime.Event
	for event.Table == "" {
		select {
		case event = <-sub.Events():
		case <-sub.Statuses():
		case <-time.After(2 * time.Second):
			t.Fatal("no realtime event published")
		}
	}
	if event.Type != realtime.EventInsert || !strings.Contains(string(event.New), `"traceId":"trace-1"`) {
		t.Fatalf("event=%+v, want trace insert", event)
	}
	if len(env.metrics.outcomes) != 1 || env.metrics.outcomes[0] != OutcomeAccepted {
		t.Fatalf("outcomes=%v, want [accepted]", env.metrics.outcomes)
	}
}

func TestIngestGeneratesTraceID(t *testing.T) {
	t.Parallel()

	env := newIngestEnv(t)
	result, err := env.service.Ingest(context.Background(), testKey, TraceInput{Payload: openAIPayload(t)})
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if len(result.TraceID) != 36 {
		t.Fatalf("trace id=%q, want uuid", result.TraceID)
	}
}

func TestIngestRejectsDuplicateTrace(t *testing.T) {
	t.Parallel()

	env := newIngestEnv(t)
	input := TraceInput{TraceID: "trace-dup", Payload: openAIPayload(t)}
	if _, err := env.service.Ingest(context.Background(), testKey, input); err != nil {
		t.Fatalf("first Ingest() error: %v", err)
	}
	_, err := env.service.Ingest(context.Background(), testKey, input)
	if !errors.Is(err, ErrDuplicateTrace) {
		t.Fatalf("second Ingest() error=%v, want ErrDuplicateTrace", err)
	}
	if len(env.queue.jobs) != 1 {
		t.Fatalf("jobs=%d, want 1", len(env.queue.jobs))
	}

	// Another org may reuse the id.
	other := testKey
	other.OrgID = "org-b"
	if _, err := env.service.Ingest(context.Background(), other, input); err != nil {
		t.Fatalf("other org Ingest() error: %v", err)
	}
}

func TestIngestValidation(t *testing.T) {
	t.Parallel()

	env := newIngestEnv(t)
	env.service.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name  string
		input TraceInput
		kind  Kind
		field string
	}{
		{name: "empty payload", input: TraceInput{}, kind: KindInvalidTrace, field: "payload"},
		{name: "oversize", input: TraceInput{Payload: map[string]any{"model": "gpt-4"}, RawSize: DefaultMaxPayloadBytes + 1}, kind: KindPayloadTooLarge},
		{name: "bad trace id", input: TraceInput{TraceID: "trace 1", Payload: map[string]any{"model": "gpt-4"}}, kind: KindInvalidTrace, field: "traceId"},
		{name: "long span id", input: TraceInput{SpanID: strings.Repeat("a", 129), Payload: map[string]any{"model": "gpt-4"}}, kind: KindInvalidTrace, field: "spanId"},
		{name: "bad parent id", input: TraceInput{ParentSpanID: "p/1", Payload: map[string]any{"model": "gpt-4"}}, kind: KindInvalidTrace, field: "parentSpanId"},
		{name: "empty metadata key", input: TraceInput{Payload: map[string]any{"model": "gpt-4"}, Metadata: map[string]any{" ": 1}}, kind: KindInvalidTrace, field: "metadata"},
		{name: "expired", input: TraceInput{Payload: map[string]any{"model": "gpt-4"}, ExpiresAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}, kind: KindInvalidTrace, field: "expiresAt"},
		{name: "model not string", input: TraceInput{Payload: map[string]any{"model": 4.0}}, kind: KindInvalidTrace, field: "payload.model"},
		{name: "input not array", input: TraceInput{Payload: map[string]any{"model": "gpt-4", "input": "hi"}}, kind: KindInvalidTrace, field: "payload.input"},
		{name: "negative tokens", input: TraceInput{Payload: map[string]any{"model": "gpt-4", "input_tokens": -1.0}}, kind: KindInvalidTrace, field: "payload.input_tokens"},
	}
	for _, tt := range tests {
		_, err := env.service.Ingest(context.Background(), testKey, tt.input)
		var ingestErr *Error
		if !errors.As(err, &ingestErr) {
			t.Fatalf("%s: error=%v, want *Error", tt.name, err)
		}
		if ingestErr.Kind != tt.kind {
			t.Fatalf("%s: kind=%q, want %q", tt.name, ingestErr.Kind, tt.kind)
		}
		if ingestErr.Field != tt.field {
			t.Fatalf("%s: field=%q, want %q (%s)", tt.name, ingestErr.Field, tt.field, ingestErr.Message)
		}
	}
	if len(env.queue.jobs) != 0 {
		t.Fatalf("jobs=%d, want 0", len(env.queue.jobs))
	}
}

func TestIngestStorageFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	metrics := &recordingMetrics{}
	service := NewService(failingWriter{err: errors.New("database is locked")}, Options{Metrics: metrics})
	_, err := service.Ingest(context.Background(), testKey, TraceInput{Payload: openAIPayload(t)})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Ingest() error=%v, want ErrStorageUnavailable", err)
	}
	if len(metrics.outcomes) != 1 || metrics.outcomes[0] != OutcomeUnavailable {
		t.Fatalf("outcomes=%v, want [storage_unavailable]", metrics.outcomes)
	}
}

func TestIngestFullQueueStillAccepts(t *testing.T) {
	t.Parallel()

	env := newIngestEnv(t)
	env.queue.reject = true
	result, err := env.service.Ingest(context.Background(), testKey, TraceInput{TraceID: "trace-q", Payload: openAIPayload(t)})
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	pending, err := env.store.ListPendingFanout(context.Background(), time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListPendingFanout() error: %v", err)
	}
	if len(pending) != 1 || pending[0].TraceID != result.TraceID {
		t.Fatalf("pending=%v, want trace-q", pending)
	}
	want := []string{OutcomeAccepted, OutcomeQueueDropped}
	if strings.Join(env.metrics.outcomes, ",") != strings.Join(want, ",") {
		t.Fatalf("outcomes=%v, want %v", env.metrics.outcomes, want)
	}
}

func TestDecodeInput(t *testing.T) {
	t.Parallel()

	body := []byte(`{"traceId":" t-1 ","payload":{"model":"gpt-4"},"metadata":{"a":"b"},"expiresAt":"2030-01-01T00:00:00Z"}`)
	input, err := DecodeInput(body)
	if err != nil {
		t.Fatalf("DecodeInput() error: %v", err)
	}
	if input.TraceID != "t-1" || input.RawSize != int64(len(body)) || input.ExpiresAt.Year() != 2030 {
		t.Fatalf("input=%+v", input)
	}
	if _, err := DecodeInput([]byte(`[1,2]`)); !errors.Is(err, ErrInvalidTrace) {
		t.Fatalf("DecodeInput(array) error=%v, want ErrInvalidTrace", err)
	}

	fieldTests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "malformed expiresAt", body: `{"payload":{"model":"gpt-4"},"expiresAt":"tomorrow"}`, field: "expiresAt"},
		{name: "numeric expiresAt", body: `{"payload":{"model":"gpt-4"},"expiresAt":1767225600}`, field: "expiresAt"},
		{name: "payload not an object", body: `{"payload":"hello"}`, field: "payload"},
		{name: "numeric trace id", body: `{"traceId":7,"payload":{"model":"gpt-4"}}`, field: "traceId"},
	}
	for _, tt := range fieldTests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := DecodeInput([]byte(tt.body))
			var ingestErr *Error
			if !errors.As(err, &ingestErr) || ingestErr.Kind != KindInvalidTrace {
				t.Fatalf("DecodeInput() error=%v, want InvalidTrace", err)
			}
			if ingestErr.Field != tt.field || !strings.HasPrefix(ingestErr.Message, tt.field+" must be") {
				t.Fatalf("field=%q message=%q, want field %q", ingestErr.Field, ingestErr.Message, tt.field)
			}
		})
	}
}
