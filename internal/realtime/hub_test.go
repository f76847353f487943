package realtime

import (
	"testing"
	"time"
)

func mustEvent(t *testing.T, table string, eventType EventType, orgID, projectID string, row any) Event {
	t.Helper()
	event, err := NewEvent(table, eventType, orgID, projectID, row, nil)
	if err != nil {
		t.Fatalf("NewEvent() error: %v", err)
	}
	return event
}

func nextStatus(t *testing.T, sub Source) Status {
	t.Helper()
	select {
	case status, ok := <-sub.Statuses():
		if !ok {
			t.Fatal("statuses closed")
		}
		return status
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
	}
	return ""
}

func nextEvent(t *testing.T, sub Source) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatal("events closed")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHubSubscribeReportsConnectingThenConnected(t *testing.T) {
	t.Parallel()

	hub := NewHub(HubOptions{})
	sub := hub.Subscribe(Filter{Table: TableTraces, OrgID: "org-a", ProjectID: "project-a"})
	defer sub.Unsubscribe()

	if got := nextStatus(t, sub); got != StatusConnecting {
		t.Fatalf("first status=%q, want %q", got, StatusConnecting)
	}
	if got := nextStatus(t, sub); got != StatusConnected {
		t.Fatalf("second status=%q, want %q", got, StatusConnected)
	}
	if sub.Filter().Event != EventAll {
		t.Fatalf("filter event=%q, want %q", sub.Filter().Event, EventAll)
	}
	if hub.Subscribers() != 1 {
		t.Fatalf("subscribers=%d, want 1", hub.Subscribers())
	}
}

func TestHubPublishFiltersByTableEventAndScope(t *testing.T) {
	t.Parallel()

	hub := NewHub(HubOptions{})
	sub := hub.Subscribe(Filter{Table: TableTraces, Event: EventInsert, OrgID: "org-a", ProjectID: "project-a"})
	defer sub.Unsubscribe()

	hub.Publish(mustEvent(t, TableTraces, EventInsert, "org-b", "project-a", map[string]string{"id": "other-org"}))
	hub.Publish(mustEvent(t, TableTraces, EventInsert, "org-a", "project-b", map[string]string{"id": "other-project"}))
	hub.Publish(mustEvent(t, TableTraces, EventUpdate, "org-a", "project-a", map[string]string{"id": "update"}))
	hub.Publish(mustEvent(t, TableDeliveryAttempts, EventInsert, "org-a", "project-a", map[string]string{"id": "attempt"}))
	hub.Publish(mustEvent(t, TableTraces, EventInsert, "org-a", "project-a", map[string]string{"id": "match"}))

	event := nextEvent(t, sub)
	if string(event.New) != `{"id":"match"}` {
		t.Fatalf("event new=%s, want match row", event.New)
	}
	select {
	case extra := <-sub.Events():
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestHubOverflowMovesSubscriberToError(t *testing.T) {
	t.Parallel()

	hub := NewHub(HubOptions{BufferSize: 2})
	slow := hub.Subscribe(Filter{Table: TableTraces, OrgID: "org-a", ProjectID: "project-a"})
	fast := hub.Subscribe(Filter{Table: TableTraces, OrgID: "org-a", ProjectID: "project-a"})
	defer fast.Unsubscribe()

	received := make(chan int, 1)
	go func() {
		count := 0
		for range fast.Events() {
			count++
			if count == 5 {
				received <- count
			}
		}
	}()

	for i := 0; i < 5; i++ {
		hub.Publish(mustEvent(t, TableTraces, EventInsert, "org-a", "project-a", map[string]int{"n": i}))
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber did not receive every event")
	}
	if slow.Status() != StatusError {
		t.Fatalf("slow status=%q, want %q", slow.Status(), StatusError)
	}
	if hub.Subscribers() != 1 {
		t.Fatalf("subscribers=%d, want 1", hub.Subscribers())
	}

	var last Status
	for status := range slow.Statuses() {
		last = status
	}
	if last != StatusError {
		t.Fatalf("final slow status=%q, want %q", last, StatusError)
	}
}

func TestUnsubscribeClosesChannelsOnce(t *testing.T) {
	t.Parallel()

	hub := NewHub(HubOptions{})
	sub := hub.Subscribe(Filter{Table: TableDestinations, OrgID: "org-a", ProjectID: "project-a"})
	sub.Unsubscribe()
	sub.Unsubscribe()

	if sub.Status() != StatusDisconnected {
		t.Fatalf("status=%q, want %q", sub.Status(), StatusDisconnected)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("events channel still open")
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("subscribers=%d, want 0", hub.Subscribers())
	}
	hub.Publish(mustEvent(t, TableDestinations, EventInsert, "org-a", "project-a", map[string]string{}))
}

func TestHubCloseDisconnectsSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub(HubOptions{})
	sub := hub.Subscribe(Filter{Table: TableTraces, OrgID: "org-a", ProjectID: "project-a"})
	hub.Close()

	if sub.Status() != StatusDisconnected {
		t.Fatalf("status=%q, want %q", sub.Status(), StatusDisconnected)
	}
	late := hub.Subscribe(Filter{Table: TableTraces, OrgID: "org-a", ProjectID: "project-a"})
	if late.Status() != StatusError {
		t.Fatalf("late status=%q, want %q", late.Status(), StatusError)
	}
}

func TestParseEventType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    EventType
		wantErr bool
	}{
		{raw: "", want: EventAll},
		{raw: "*", want: EventAll},
		{raw: "insert", want: EventInsert},
		{raw: "UPDATE", want: EventUpdate},
		{raw: " delete ", want: EventDelete},
		{raw: "truncate", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseEventType(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseEventType(%q) expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseEventType(%q) error: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseEventType(%q)=%q, want %q", tt.raw, got, tt.want)
		}
	}
	if !ValidTable(TableDeliveryAttempts) || ValidTable("users") {
		t.Fatal("ValidTable() mismatch")
	}
}
