package realtime

import (
	"context"
	"encoding/json"
	"fmt"
)

// Source is anything that yields events and statuses, such as a hub or
// client subscription.
type Source interface {
	Events() <-chan Event
	Statuses() <-chan Status
}

// Change is an event with its row images decoded. New is nil for deletes
// and Old is nil when the publisher sent no previous image.
type Change[T any] struct {
	Event Event
	New   *T
	Old   *T
}

type Handlers[T any] struct {
	OnInsert       func(Change[T])
	OnUpdate       func(Change[T])
	OnDelete       func(Change[T])
	OnStatusChange func(Status)
	OnError        func(error)
}

// PanicError wraps a value recovered from a handler callback.
type PanicError struct {
	Callback string
	Value    any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("realtime %s handler panicked: %v", e.Callback, e.Value)
}

// Listen decodes events from source and dispatches them until both source
// channels close or ctx ends. A panicking callback is reported to OnError
// and the loop continues.
func Listen[T any](ctx context.Context, source Source, handlers Handlers[T]) error {
	events := source.Events()
	statuses := source.Statuses()
	for events != nil || statuses != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case status, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			if handlers.OnStatusChange != nil {
				callbackStatus := status
				handlers.invoke("status", func() { handlers.OnStatusChange(callbackStatus) })
			}
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			handlers.dispatch(event)
		}
	}
	return nil
}

func (h Handlers[T]) dispatch(event Event) {
	var callback func(Change[T])
	switch event.Type {
	case EventInsert:
		callback = h.OnInsert
	case EventUpdate:
		callback = h.OnUpdate
	case EventDelete:
		callback = h.OnDelete
	}
	if callback == nil {
		return
	}

	change := Change[T]{Event: event}
	var err error
	if change.New, err = decodeRow[T](event.New); err != nil {
		h.reportError(fmt.Errorf("decode %s new row: %w", event.Table, err))
		return
	}
	if change.Old, err = decodeRow[T](event.Old); err != nil {
		h.reportError(fmt.Errorf("decode %s old row: %w", event.Table, err))
		return
	}
	h.invoke(string(event.Type), func() { callback(change) })
}

func (h Handlers[T]) invoke(name string, fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			h.reportError(&PanicError{Callback: name, Value: recovered})
		}
	}()
	fn()
}

func (h Handlers[T]) reportError(err error) {
	if h.OnError == nil {
		return
	}
	defer func() {
		// An OnError panic has nowhere left to go.
		_ = recover()
	}()
	h.OnError(err)
}

func decodeRow[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var row T
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	return &row, nil
}
