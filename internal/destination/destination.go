package destination

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/untrace/internal/configstore"
	"github.com/ongoingai/untrace/internal/trace"
)

const (
	KindWebhook = "webhook"
	KindOTLP    = "otlp"
)

// Class splits delivery failures into retryable and final.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

var (
	ErrInvalidConfig = errors.New("destination config is invalid")
	ErrUnknownKind   = errors.New("destination kind is not supported")

	ErrDeliveryTransient = errors.New("destination delivery failed transiently")
	ErrDeliveryPermanent = errors.New("destination delivery failed permanently")
)

// Delivery is one attempt to hand a trace to a destination.
type Delivery struct {
	DeliveryID  string
	Attempt     int
	Trace       *trace.Trace
	Destination configstore.Destination
}

// Response describes what the receiver answered. StatusCode is 0 when no
// HTTP response was received.
type Response struct {
	StatusCode int
}

// DeliveryError carries the failure class of an attempt. RetryAfter is set
// when the receiver asked for a delay.
type DeliveryError struct {
	Class      Class
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return ""
	}
	prefix := "destination delivery " + string(e.Class)
	if e.StatusCode > 0 {
		prefix += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err == nil {
		return prefix
	}
	return prefix + ": " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *DeliveryError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrDeliveryTransient:
		return e.Class == ClassTransient
	case ErrDeliveryPermanent:
		return e.Class == ClassPermanent
	}
	return false
}

func transientError(statusCode int, err error) *DeliveryError {
	return &DeliveryError{Class: ClassTransient, StatusCode: statusCode, Err: err}
}

func permanentError(statusCode int, err error) *DeliveryError {
	return &DeliveryError{Class: ClassPermanent, StatusCode: statusCode, Err: err}
}

// Classify reports the class of a delivery error. Config errors are
// permanent. Anything else, including timeouts and network failures, is
// transient.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Class
	}
	if errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrUnknownKind) {
		return ClassPermanent
	}
	return ClassTransient
}

// ClassifyStatus maps a receiver status code to a failure class. 2xx is
// not a failure and returns "".
func ClassifyStatus(statusCode int) Class {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ""
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return ClassTransient
	case statusCode >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}

// Adapter delivers traces to one destination kind.
type Adapter interface {
	Kind() string
	Validate(config map[string]any) error
	Deliver(ctx context.Context, delivery Delivery) (Response, error)
}

// Registry dispatches deliveries and config validation by destination kind.
type Registry struct {
	adapters map[string]Adapter
}

var _ configstore.ConfigValidator = (*Registry)(nil)

func NewRegistry(adapters ...Adapter) *Registry {
	registry := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, adapter := range adapters {
		registry.adapters[adapter.Kind()] = adapter
	}
	return registry
}

// DefaultRegistry returns the webhook and otlp adapters sharing one client.
func DefaultRegistry(client *http.Client) *Registry {
	return NewRegistry(NewWebhookAdapter(client), NewOTLPAdapter())
}

func (r *Registry) Get(kind string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	adapter, ok := r.adapters[strings.ToLower(strings.TrimSpace(kind))]
	return adapter, ok
}

func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.adapters))
	for kind := range r.adapters {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Validate checks a destination config against its kind's adapter.
func (r *Registry) Validate(kind string, config map[string]any) error {
	adapter, ok := r.Get(kind)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return adapter.Validate(config)
}

// Deliver runs one attempt. Returned errors are *DeliveryError.
func (r *Registry) Deliver(ctx context.Context, delivery Delivery) (Response, error) {
	adapter, ok := r.Get(delivery.Destination.Kind)
	if !ok {
		return Response{}, permanentError(0, fmt.Errorf("%w: %q", ErrUnknownKind, delivery.Destination.Kind))
	}
	if delivery.Trace == nil {
		return Response{}, permanentError(0, errors.New("delivery has no trace"))
	}
	response, err := adapter.Deliver(ctx, delivery)
	if err == nil {
		return response, nil
	}
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return response, deliveryErr
	}
	return response, &DeliveryError{Class: Classify(err), StatusCode: response.StatusCode, Err: err}
}

func configString(config map[string]any, key string) (string, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidConfig, key)
	}
	return strings.TrimSpace(value), nil
}

func configBool(config map[string]any, key string) (bool, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return false, nil
	}
	value, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidConfig, key)
	}
	return value, nil
}

// configHeaders reads a string-to-string header map. Reserved names are
// rejected so custom headers cannot override delivery metadata.
func configHeaders(config map[string]any, key string, reserved ...string) (map[string]string, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return nil, nil
	}
	values, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object of strings", ErrInvalidConfig, key)
	}
	headers := make(map[string]string, len(values))
	for name, rawValue := range values {
		name = strings.TrimSpace(name)
		if name == "" || strings.ContainsAny(name, " \t\r\n:") {
			return nil, fmt.Errorf("%w: %s has invalid header name %q", ErrInvalidConfig, key, name)
		}
		for _, blocked := range reserved {
			if strings.EqualFold(name, blocked) {
				return nil, fmt.Errorf("%w: %s must not set reserved header %q", ErrInvalidConfig, key, name)
			}
		}
		value, ok := rawValue.(string)
		if !ok || strings.ContainsAny(value, "\r\n") {
			return nil, fmt.Errorf("%w: %s.%s must be a single-line string", ErrInvalidConfig, key, name)
		}
		headers[name] = value
	}
	return headers, nil
}
