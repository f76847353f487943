package destination

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ongoingai/untrace/internal/correlation"
	"github.com/ongoingai/untrace/internal/trace"
	"github.com/ongoingai/untrace/internal/version"
)

const (
	HeaderDelivery  = "X-Untrace-Delivery"
	HeaderAttempt   = "X-Untrace-Attempt"
	HeaderTimestamp = "X-Untrace-Timestamp"
	HeaderSignature = "X-Untrace-Signature"

	signaturePrefix   = "sha256="
	maxErrorBodyBytes = 4 << 10
	maxSnippetBytes   = 256
)

var reservedWebhookHeaders = []string{
	"Content-Type", "Content-Length", "User-Agent", "Host",
	HeaderDelivery, HeaderAttempt, HeaderTimestamp, HeaderSignature,
}

// WebhookPayload is the JSON body posted to webhook receivers.
type WebhookPayload struct {
	DeliveryID string         `json:"deliveryId"`
	Attempt    int            `json:"attempt"`
	Trace      trace.Document `json:"trace"`
}

type webhookConfig struct {
	URL     string
	Secret  string
	Headers map[string]string
}

// WebhookAdapter posts signed JSON deliveries over HTTP.
type WebhookAdapter struct {
	client *http.Client
	now    func() time.Time
}

func NewWebhookAdapter(client *http.Client) *WebhookAdapter {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookAdapter{client: client, now: time.Now}
}

func (a *WebhookAdapter) Kind() string {
	return KindWebhook
}

func (a *WebhookAdapter) Validate(config map[string]any) error {
	_, err := parseWebhookConfig(config)
	return err
}

func parseWebhookConfig(config map[string]any) (webhookConfig, error) {
	var parsed webhookConfig
	rawURL, err := configString(config, "url")
	if err != nil {
		return parsed, err
	}
	if rawURL == "" {
		return parsed, fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return parsed, fmt.Errorf("%w: url must be an absolute http or https url", ErrInvalidConfig)
	}
	parsed.URL = target.String()

	if parsed.Secret, err = configString(config, "secret"); err != nil {
		return parsed, err
	}
	if parsed.Headers, err = configHeaders(config, "headers", reservedWebhookHeaders...); err != nil {
		return parsed, err
	}
	return parsed, nil
}

func (a *WebhookAdapter) Deliver(ctx context.Context, delivery Delivery) (Response, error) {
	cfg, err := parseWebhookConfig(delivery.Destination.Config)
	if err != nil {
		return Response{}, permanentError(0, err)
	}

	body, err := json.Marshal(WebhookPayload{
		DeliveryID: delivery.DeliveryID,
		Attempt:    delivery.Attempt,
		Trace:      trace.NewDocument(delivery.Trace),
	})
	if err != nil {
		return Response{}, permanentError(0, fmt.Errorf("encode webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Response{}, permanentError(0, fmt.Errorf("build webhook request: %w", err))
	}
	for name, value := range cfg.Headers {
		req.Header.Set(name, value)
	}
	timestamp := strconv.FormatInt(a.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set(HeaderDelivery, delivery.DeliveryID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(delivery.Attempt))
	req.Header.Set(HeaderTimestamp, timestamp)
	if cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(cfg.Secret, timestamp, body))
	}
	correlation.Inject(ctx, req.Header)

	resp, err := a.client.Do(req)
	if err != nil {
		return Response{}, transientError(0, fmt.Errorf("post webhook: %w", err))
	}
	defer resp.Body.Close()

	response := Response{StatusCode: resp.StatusCode}
	class := ClassifyStatus(resp.StatusCode)
	if class == "" {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return response, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	deliveryErr := &DeliveryError{
		Class:      class,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("webhook responded %s%s", resp.Status, formatSnippet(snippet)),
	}
	if class == ClassTransient {
		deliveryErr.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), a.now())
	}
	return response, deliveryErr
}

func formatSnippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}
	if len(text) > maxSnippetBytes {
		cut := maxSnippetBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return ": " + strings.ToValidUTF8(text, "\uFFFD")
}

// Sign returns the signature header value for a webhook body:
// sha256=hex(HMAC-SHA256(secret, timestamp + "." + body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header in constant time.
func VerifySignature(secret, timestamp string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
