package ingest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/untrace/internal/auth"
	"github.com/ongoingai/untrace/internal/fanout"
	"github.com/ongoingai/untrace/internal/providers"
	"github.com/ongoingai/untrace/internal/realtime"
	"github.com/ongoingai/untrace/internal/storage"
	"github.com/ongoingai/untrace/internal/trace"
)

const (
	DefaultMaxPayloadBytes = 1 << 20
	maxIDLength            = 128
)

// Ingest outcomes reported to Metrics.
const (
	OutcomeAccepted     = "accepted"
	OutcomeInvalid      = "invalid"
	OutcomeTooLarge     = "too_large"
	OutcomeDuplicate    = "duplicate"
	OutcomeUnavailable  = "storage_unavailable"
	OutcomeQueueDropped = "queue_dropped"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// TraceInput is one decoded ingestion request.
type TraceInput struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Payload      map[string]any
	Metadata     map[string]any
	ExpiresAt    time.Time
	// RawSize is the request body size in bytes.
	RawSize int64
}

// Request is the JSON body of POST /api/v1/traces.
type Request struct {
	TraceID      string         `json:"traceId"`
	SpanID       string         `json:"spanId"`
	ParentSpanID string         `json:"parentSpanId"`
	Payload      map[string]any `json:"payload"`
	Metadata     map[string]any `json:"metadata"`
	ExpiresAt    string         `json:"expiresAt"`
}

type Result struct {
	TraceID string `json:"traceId"`
}

// DecodeInput parses a request body. Malformed JSON is an InvalidTrace
// error.
func DecodeInput(body []byte) (TraceInput, error) {
	var request Request
	if err := json.Unmarshal(body, &request); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			e := invalid(typeErr.Field, "must be a JSON "+jsonKind(typeErr.Type.Kind()))
			e.Err = err
			return TraceInput{}, e
		}
		return TraceInput{}, &Error{Kind: KindInvalidTrace, Message: "request body must be a JSON object", Err: err}
	}
	input := TraceInput{
		TraceID:      strings.TrimSpace(request.TraceID),
		SpanID:       strings.TrimSpace(request.SpanID),
		ParentSpanID: strings.TrimSpace(request.ParentSpanID),
		Payload:      request.Payload,
		Metadata:     request.Metadata,
		RawSize:      int64(len(body)),
	}
	if raw := strings.TrimSpace(request.ExpiresAt); raw != "" {
		expiresAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			e := invalid("expiresAt", "must be an RFC 3339 timestamp")
			e.Err = err
			return TraceInput{}, e
		}
		input.ExpiresAt = expiresAt
	}
	return input, nil
}

func jsonKind(kind reflect.Kind) string {
	switch kind {
	case reflect.String:
		return "string"
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Slice, reflect.Array:
		return "array"
	default:
		return "value of the expected type"
	}
}

type TraceWriter interface {
	WriteTrace(ctx context.Context, trace *trace.Trace) error
}

type Publisher interface {
	Publish(event realtime.Event)
}

type Enqueuer interface {
	Enqueue(job fanout.Job) bool
}

type Metrics interface {
	RecordIngest(outcome string)
}

type Options struct {
	MaxPayloadBytes int64
	Providers       *providers.Registry
	Publisher       Publisher
	Queue           Enqueuer
	Metrics         Metrics
	Logger          *slog.Logger
}

// Service validates, normalizes and persists traces, then hands them to
// fanout.
type Service struct {
	store           TraceWriter
	maxPayloadBytes int64
	providers       *providers.Registry
	publisher       Publisher
	queue           Enqueuer
	metrics         Metrics
	logger          *slog.Logger
	now             func() time.Time
}

func NewService(store TraceWriter, options Options) *Service {
	if options.MaxPayloadBytes <= 0 {
		options.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if options.Providers == nil {
		options.Providers = providers.DefaultRegistry()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:           store,
		maxPayloadBytes: options.MaxPayloadBytes,
		providers:       options.Providers,
		publisher:       options.Publisher,
		queue:           options.Queue,
		metrics:         options.Metrics,
		logger:          logger,
		now:             time.Now,
	}
}

// MaxPayloadBytes is the body limit the HTTP layer should enforce.
func (s *Service) MaxPayloadBytes() int64 {
	return s.maxPayloadBytes
}

// Ingest persists one trace for the key's project. The trace is pending
// fanout when Ingest returns.
func (s *Service) Ingest(ctx context.Context, keyCtx auth.APIKeyContext, input TraceInput) (Result, error) {
	record, err := s.build(keyCtx, input)
	if err != nil {
		s.record(outcomeFor(err))
		return Result{}, err
	}

	if err := s.store.WriteTrace(ctx, record); err != nil {
		if errors.Is(err, trace.ErrDuplicate) {
			s.record(OutcomeDuplicate)
			return Result{}, &Error{
				Kind:    KindDuplicateTrace,
				Message: fmt.Sprintf("trace %q already exists", record.TraceID),
				Err:     err,
			}
		}
		s.logger.ErrorContext(ctx, "trace write failed",
			"trace_id", record.TraceID,
			"org_id", record.OrgID,
			"project_id", record.ProjectID,
			"error_class", storage.ClassifyWriteError(err),
			"error", err,
		)
		s.record(OutcomeUnavailable)
		return Result{}, &Error{Kind: KindStorageUnavailable, Message: "trace storage unavailable", Err: err}
	}
	s.record(OutcomeAccepted)

	if s.publisher != nil {
		event, err := realtime.NewEvent(realtime.TableTraces, realtime.EventInsert, record.OrgID, record.ProjectID, trace.NewDocument(record), nil)
		if err != nil {
			s.logger.WarnContext(ctx, "trace realtime event encode failed", "trace_id", record.TraceID, "error", err)
		} else {
			s.publisher.Publish(event)
		}
	}

	if s.queue != nil {
		job := fanout.Job{Trace: record.Clone(), Source: fanout.JobSourceIngest, EnqueuedAt: s.now().UTC()}
		if !s.queue.Enqueue(job) {
			s.record(OutcomeQueueDropped)
			s.logger.WarnContext(ctx, "fanout queue full; trace left pending",
				"trace_id", record.TraceID,
				"org_id", record.OrgID,
				"project_id", record.ProjectID,
			)
		}
	}

	return Result{TraceID: record.TraceID}, nil
}

func (s *Service) build(keyCtx auth.APIKeyContext, input TraceInput) (*trace.Trace, error) {
	if input.RawSize > s.maxPayloadBytes {
		return nil, &Error{
			Kind:    KindPayloadTooLarge,
			Message: fmt.Sprintf("request body exceeds %d bytes", s.maxPayloadBytes),
		}
	}
	if strings.TrimSpace(keyCtx.OrgID) == "" || strings.TrimSpace(keyCtx.ProjectID) == "" {
		return nil, invalid("", "api key is not scoped to a project")
	}
	if len(input.Payload) == 0 {
		return nil, invalid("payload", "is required")
	}
	ids := []struct{ field, value string }{
		{"traceId", input.TraceID},
		{"spanId", input.SpanID},
		{"parentSpanId", input.ParentSpanID},
	}
	for _, id := range ids {
		if err := validateID(id.field, id.value); err != nil {
			return nil, err
		}
	}
	for key := range input.Metadata {
		if strings.TrimSpace(key) == "" {
			return nil, invalid("metadata", "keys must be non-empty")
		}
	}
	now := s.now().UTC()
	if !input.ExpiresAt.IsZero() && !input.ExpiresAt.After(now) {
		return nil, invalid("expiresAt", "must be in the future")
	}

	normalized, err := s.providers.Normalize(input.Payload)
	if err != nil {
		var fieldErr *providers.FieldError
		if errors.As(err, &fieldErr) {
			return nil, &Error{Kind: KindInvalidTrace, Field: "payload." + fieldErr.Field, Message: fieldErr.Error()}
		}
		return nil, &Error{Kind: KindInvalidTrace, Field: "payload", Message: err.Error()}
	}

	traceID := input.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	spanID := input.SpanID
	if spanID == "" {
		spanID = newSpanID()
	}

	record := &trace.Trace{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: input.ParentSpanID,
		OrgID:        keyCtx.OrgID,
		ProjectID:    keyCtx.ProjectID,
		UserID:       keyCtx.UserID,
		APIKeyID:     keyCtx.APIKeyID,
		Payload:      input.Payload,
		Metadata:     input.Metadata,
		FanoutStatus: trace.FanoutStatusPending,
		CreatedAt:    now,
		ExpiresAt:    input.ExpiresAt.UTC(),
	}
	if record.Metadata == nil {
		record.Metadata = map[string]any{}
	}
	normalized.Apply(record)
	return record, nil
}

func validateID(field, value string) error {
	if value == "" {
		return nil
	}
	if len(value) > maxIDLength {
		return invalid(field, fmt.Sprintf("must be at most %d characters", maxIDLength))
	}
	if !idPattern.MatchString(value) {
		return invalid(field, "may contain only letters, digits, '.', '_', ':' and '-'")
	}
	return nil
}

func newSpanID() string {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}
	return hex.EncodeToString(raw[:])
}

func (s *Service) record(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordIngest(outcome)
	}
}

func outcomeFor(err error) string {
	var ingestErr *Error
	if errors.As(err, &ingestErr) && ingestErr.Kind == KindPayloadTooLarge {
		return OutcomeTooLarge
	}
	return OutcomeInvalid
}
