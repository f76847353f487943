package realtime

import (
	"log/slog"
	"sync"
)

// Status is the connection state reported to a subscriber.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

const (
	defaultBufferSize = 64
	statusBufferSize  = 8
)

// Filter selects the events a subscription receives. Every subscription is
// scoped to one org and project.
type Filter struct {
	Table     string
	Event     EventType
	OrgID     string
	ProjectID string
}

func (f Filter) Matches(event Event) bool {
	if f.Table != event.Table || f.OrgID != event.OrgID || f.ProjectID != event.ProjectID {
		return false
	}
	return f.Event == "" || f.Event == EventAll || f.Event == event.Type
}

// Subscription delivers matching events and status changes. Both channels
// are closed after the final status is sent.
type Subscription struct {
	filter   Filter
	events   chan Event
	statuses chan Status
	onClose  func()

	mu     sync.Mutex
	closed bool
	status Status
}

func newSubscription(filter Filter, bufferSize int, onClose func()) *Subscription {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Subscription{
		filter:   filter,
		events:   make(chan Event, bufferSize),
		statuses: make(chan Status, statusBufferSize),
		onClose:  onClose,
	}
}

func (s *Subscription) Filter() Filter {
	return s.filter
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Statuses() <-chan Status {
	return s.statuses
}

// Status returns the latest status.
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Unsubscribe ends the subscription with StatusDisconnected. Repeated calls
// are no-ops.
func (s *Subscription) Unsubscribe() {
	s.finish(StatusDisconnected)
}

// deliver hands an event over without blocking. It reports false when the
// buffer is full.
func (s *Subscription) deliver(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

func (s *Subscription) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushStatusLocked(status)
}

func (s *Subscription) pushStatusLocked(status Status) {
	if s.closed || s.status == status {
		return
	}
	s.status = status
	for {
		select {
		case s.statuses <- status:
			return
		default:
		}
		// Slow reader: drop the oldest status so the latest always lands.
		select {
		case <-s.statuses:
		default:
		}
	}
}

func (s *Subscription) finish(final Status) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pushStatusLocked(final)
	s.closed = true
	close(s.events)
	close(s.statuses)
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

type HubOptions struct {
	BufferSize int
	Logger     *slog.Logger
}

// Hub is an in-process table-keyed pub/sub. Publish never blocks: a
// subscriber whose buffer is full is moved to StatusError and closed.
type Hub struct {
	bufferSize int
	logger     *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool
}

func NewHub(options HubOptions) *Hub {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bufferSize := options.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		bufferSize: bufferSize,
		logger:     logger,
		subs:       make(map[uint64]*Subscription),
	}
}

func (h *Hub) Subscribe(filter Filter) *Subscription {
	if filter.Event == "" {
		filter.Event = EventAll
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	sub := newSubscription(filter, h.bufferSize, func() { h.remove(id) })
	sub.setStatus(StatusConnecting)
	if h.closed {
		h.mu.Unlock()
		sub.finish(StatusError)
		return sub
	}
	h.subs[id] = sub
	h.mu.Unlock()

	sub.setStatus(StatusConnected)
	return sub
}

func (h *Hub) Publish(event Event) {
	var overflowed []*Subscription

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	for _, sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		if !sub.deliver(event) {
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range overflowed {
		h.logger.Warn(
			"realtime subscriber buffer full",
			"table", sub.filter.Table,
			"org_id", sub.filter.OrgID,
			"project_id", sub.filter.ProjectID,
		)
		sub.finish(StatusError)
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber. Later subscriptions fail immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.finish(StatusDisconnected)
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}
