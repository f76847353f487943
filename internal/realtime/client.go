package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/ongoingai/untrace/internal/auth"
)

type ClientOptions struct {
	// URL is the realtime endpoint, e.g. ws://localhost:8080/api/v1/realtime.
	URL            string
	APIKey         string
	Header         string
	Dialer         *websocket.Dialer
	BufferSize     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// Client subscribes to a remote realtime endpoint and keeps the
// subscription alive across connection drops.
type Client struct {
	endpoint       *url.URL
	apiKey         string
	header         string
	dialer         *websocket.Dialer
	bufferSize     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

func NewClient(options ClientOptions) (*Client, error) {
	endpoint, err := url.Parse(options.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	switch endpoint.Scheme {
	case "ws", "wss":
	case "http":
		endpoint.Scheme = "ws"
	case "https":
		endpoint.Scheme = "wss"
	default:
		return nil, fmt.Errorf("realtime url scheme %q is not supported", endpoint.Scheme)
	}
	if endpoint.Host == "" {
		return nil, errors.New("realtime url host is required")
	}
	if options.APIKey == "" {
		return nil, errors.New("realtime api key is required")
	}
	header := options.Header
	if header == "" {
		header = auth.DefaultHeaderName
	}
	dialer := options.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if options.InitialBackoff <= 0 {
		options.InitialBackoff = 250 * time.Millisecond
	}
	if options.MaxBackoff < options.InitialBackoff {
		options.MaxBackoff = 30 * time.Second
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:       endpoint,
		apiKey:         options.APIKey,
		header:         header,
		dialer:         dialer,
		bufferSize:     options.BufferSize,
		initialBackoff: options.InitialBackoff,
		maxBackoff:     options.MaxBackoff,
		logger:         logger,
	}, nil
}

// Subscribe starts a subscription that reconnects until ctx is cancelled
// or Unsubscribe is called. A rejected API key ends it with StatusError.
func (c *Client) Subscribe(ctx context.Context, table string, event EventType) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := newSubscription(Filter{Table: table, Event: event}, c.bufferSize, cancel)
	go c.run(ctx, sub)
	return sub
}

func (c *Client) run(ctx context.Context, sub *Subscription) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = c.initialBackoff
	retry.MaxInterval = c.maxBackoff
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		sub.setStatus(StatusConnecting)
		err := c.connect(ctx, sub, retry)
		if ctx.Err() != nil {
			sub.finish(StatusDisconnected)
			return
		}
		var rejected *rejectedError
		if errors.As(err, &rejected) {
			c.logger.Warn("realtime subscription rejected", "table", sub.filter.Table, "status_code", rejected.statusCode)
			sub.finish(StatusError)
			return
		}
		if err != nil {
			c.logger.Info("realtime connection dropped", "table", sub.filter.Table, "error", err)
		}

		wait := retry.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			sub.finish(StatusDisconnected)
			return
		case <-timer.C:
		}
	}
}

type rejectedError struct {
	statusCode int
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("realtime handshake rejected with status %d", e.statusCode)
}

// connect runs one connection until it drops. The status it leaves behind
// is disconnected or error.
func (c *Client) connect(ctx context.Context, sub *Subscription, retry backoff.BackOff) error {
	target := *c.endpoint
	query := target.Query()
	query.Set("table", sub.filter.Table)
	if sub.filter.Event != "" {
		query.Set("event", string(sub.filter.Event))
	}
	target.RawQuery = query.Encode()

	header := http.Header{}
	header.Set(c.header, c.apiKey)
	conn, resp, err := c.dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusBadRequest {
				return &rejectedError{statusCode: resp.StatusCode}
			}
		}
		sub.setStatus(StatusError)
		return fmt.Errorf("dial realtime: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			sub.setStatus(StatusDisconnected)
			return err
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			sub.setStatus(StatusError)
			return fmt.Errorf("decode realtime frame: %w", err)
		}
		switch frame.Type {
		case FrameStatus:
			status := MapChannelStatus(frame.Status)
			sub.setStatus(status)
			switch status {
			case StatusConnected:
				retry.Reset()
			case StatusDisconnected, StatusError:
				return fmt.Errorf("realtime channel %s", frame.Status)
			}
		case FrameEvent:
			if frame.Event == nil {
				continue
			}
			if !sub.deliver(*frame.Event) {
				sub.setStatus(StatusError)
				return errors.New("realtime subscriber buffer full")
			}
		}
	}
}
