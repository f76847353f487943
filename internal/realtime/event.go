package realtime

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	TableTraces           = "traces"
	TableDeliveryAttempts = "delivery_attempts"
	TableDestinations     = "destinations"
)

// EventType is the change kind of a row event. EventAll matches any kind
// in a subscription filter.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

// ParseEventType accepts the wire names case-insensitively. An empty
// string selects every event.
func ParseEventType(raw string) (EventType, error) {
	switch EventType(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", EventAll:
		return EventAll, nil
	case EventInsert:
		return EventInsert, nil
	case EventUpdate:
		return EventUpdate, nil
	case EventDelete:
		return EventDelete, nil
	default:
		return "", fmt.Errorf("unsupported realtime event %q", raw)
	}
}

// Tables lists the tables a subscriber may watch.
func Tables() []string {
	return []string{TableTraces, TableDeliveryAttempts, TableDestinations}
}

func ValidTable(table string) bool {
	return slices.Contains(Tables(), table)
}

// Event is one row change. New and Old hold the JSON row images.
type Event struct {
	Table           string          `json:"table"`
	Type            EventType       `json:"eventType"`
	OrgID           string          `json:"orgId"`
	ProjectID       string          `json:"projectId"`
	New             json.RawMessage `json:"new,omitempty"`
	Old             json.RawMessage `json:"old,omitempty"`
	CommitTimestamp time.Time       `json:"commitTimestamp"`
}

// NewEvent encodes the row images of a change. A nil image is omitted.
func NewEvent(table string, eventType EventType, orgID, projectID string, newRow, oldRow any) (Event, error) {
	event := Event{
		Table:           table,
		Type:            eventType,
		OrgID:           orgID,
		ProjectID:       projectID,
		CommitTimestamp: time.Now().UTC(),
	}
	if newRow != nil {
		encoded, err := json.Marshal(newRow)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s new row: %w", table, err)
		}
		event.New = encoded
	}
	if oldRow != nil {
		encoded, err := json.Marshal(oldRow)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s old row: %w", table, err)
		}
		event.Old = encoded
	}
	return event, nil
}
