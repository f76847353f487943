package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ongoingai/untrace/internal/auth"
)

// Channel statuses sent over the websocket.
const (
	ChannelSubscribed = "SUBSCRIBED"
	ChannelClosed     = "CLOSED"
	ChannelError      = "CHANNEL_ERROR"
	ChannelTimedOut   = "TIMED_OUT"
)

const (
	FrameStatus = "status"
	FrameEvent  = "event"
)

// MapChannelStatus converts a wire channel status to a subscriber status.
// Unknown values map to StatusError.
func MapChannelStatus(channelStatus string) Status {
	switch strings.ToUpper(strings.TrimSpace(channelStatus)) {
	case ChannelSubscribed:
		return StatusConnected
	case ChannelClosed:
		return StatusDisconnected
	case ChannelError, ChannelTimedOut:
		return StatusError
	default:
		return StatusError
	}
}

// Frame is one websocket message from server to client.
type Frame struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	Event  *Event `json:"event,omitempty"`
}

type HandlerOptions struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
	// CheckOrigin overrides the upgrader origin check. Nil allows any origin;
	// the API key is the credential.
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

// Handler streams hub events for the authenticated key's project over a
// websocket. The request must pass through auth.Middleware first.
type Handler struct {
	hub          *Hub
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongWait     time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
}

func NewHandler(hub *Hub, options HandlerOptions) *Handler {
	if options.PingInterval <= 0 {
		options.PingInterval = 30 * time.Second
	}
	if options.PongWait <= options.PingInterval {
		options.PongWait = 2 * options.PingInterval
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = 10 * time.Second
	}
	checkOrigin := options.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin:     checkOrigin,
		},
		pingInterval: options.PingInterval,
		pongWait:     options.PongWait,
		writeTimeout: options.WriteTimeout,
		logger:       logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	keyCtx, ok := auth.APIKeyContextFromContext(r.Context())
	if !ok {
		writeHTTPError(w, http.StatusUnauthorized, "Unauthenticated", "invalid api key")
		return
	}
	table := strings.TrimSpace(r.URL.Query().Get("table"))
	if !ValidTable(table) {
		writeHTTPError(w, http.StatusBadRequest, "InvalidRequest", "table must be one of "+strings.Join(Tables(), ", "))
		return
	}
	eventType, err := ParseEventType(r.URL.Query().Get("event"))
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("realtime websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(Filter{
		Table:     table,
		Event:     eventType,
		OrgID:     keyCtx.OrgID,
		ProjectID: keyCtx.ProjectID,
	})
	defer sub.Unsubscribe()

	logger := h.logger.With("table", table, "org_id", keyCtx.OrgID, "project_id", keyCtx.ProjectID, "api_key_id", keyCtx.APIKeyID)
	logger.Info("realtime subscriber connected")

	readErr := make(chan error, 1)
	go h.readLoop(conn, readErr)

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	events := sub.Events()
	statuses := sub.Statuses()
	for {
		select {
		case err := <-readErr:
			if isTimeout(err) {
				_ = h.writeFrame(conn, Frame{Type: FrameStatus, Status: ChannelTimedOut})
				logger.Info("realtime subscriber timed out")
				return
			}
			logger.Info("realtime subscriber disconnected", "reason", closeReason(err))
			return
		case status, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			if frame, final := statusFrame(status); frame != "" {
				if err := h.writeFrame(conn, Frame{Type: FrameStatus, Status: frame}); err != nil {
					return
				}
				if final {
					h.closeConn(conn, status)
					return
				}
			}
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := h.writeFrame(conn, Frame{Type: FrameEvent, Event: &event}); err != nil {
				logger.Info("realtime write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// readLoop consumes client frames so control messages are processed and a
// closed or silent connection is noticed.
func (h *Handler) readLoop(conn *websocket.Conn, errs chan<- error) {
	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			errs <- err
			return
		}
	}
}

func (h *Handler) writeFrame(conn *websocket.Conn, frame Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return conn.WriteJSON(frame)
}

func (h *Handler) closeConn(conn *websocket.Conn, status Status) {
	code := websocket.CloseNormalClosure
	if status == StatusError {
		code = websocket.CloseTryAgainLater
	}
	message := websocket.FormatCloseMessage(code, string(status))
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(h.writeTimeout))
}

// statusFrame maps a hub status to the wire status. connecting has no
// frame; disconnected and error end the stream.
func statusFrame(status Status) (string, bool) {
	switch status {
	case StatusConnected:
		return ChannelSubscribed, false
	case StatusDisconnected:
		return ChannelClosed, true
	case StatusError:
		return ChannelError, true
	default:
		return "", false
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func closeReason(err error) string {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Text
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func writeHTTPError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": kind, "message": message},
	})
}
