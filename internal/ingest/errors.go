package ingest

import (
	"errors"
	"fmt"
)

// Kind names an ingestion failure on the API error envelope.
type Kind string

const (
	KindInvalidTrace       Kind = "InvalidTrace"
	KindPayloadTooLarge    Kind = "PayloadTooLarge"
	KindDuplicateTrace     Kind = "DuplicateTrace"
	KindStorageUnavailable Kind = "StorageUnavailable"
)

var (
	ErrInvalidTrace       = errors.New("invalid trace")
	ErrPayloadTooLarge    = errors.New("trace payload too large")
	ErrDuplicateTrace     = errors.New("duplicate trace")
	ErrStorageUnavailable = errors.New("trace storage unavailable")
)

// Error is returned by Service.Ingest. Field is set for validation
// failures.
type Error struct {
	Kind    Kind
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrInvalidTrace:
		return e.Kind == KindInvalidTrace
	case ErrPayloadTooLarge:
		return e.Kind == KindPayloadTooLarge
	case ErrDuplicateTrace:
		return e.Kind == KindDuplicateTrace
	case ErrStorageUnavailable:
		return e.Kind == KindStorageUnavailable
	}
	return false
}

func invalid(field, message string) *Error {
	if field != "" {
		message = field + " " + message
	}
	return &Error{Kind: KindInvalidTrace, Field: field, Message: message}
}
