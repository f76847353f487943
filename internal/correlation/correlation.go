// Package correlation carries the per-request id shared by access logs,
// spans and outbound webhook deliveries.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderName = "X-Untrace-Request-ID"
	idPrefix   = "req_"
	maxIDLen   = 128
)

// acceptedHeaders are read in order; the first valid value wins.
var acceptedHeaders = []string{HeaderName, "X-Request-ID", "X-Correlation-ID"}

type ctxKey struct{}

// EnsureRequest returns r with a request id in its context and in its
// HeaderName header. An id already in the context is kept, then a valid
// inbound header, otherwise a new id is generated.
func EnsureRequest(r *http.Request) (*http.Request, string) {
	if r == nil {
		return nil, ""
	}
	if r.Header == nil {
		r.Header = http.Header{}
	}

	id, ok := FromContext(r.Context())
	if !ok {
		if id = FromHeaders(r.Header); id == "" {
			id = NewID()
		}
		r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, id))
	}
	r.Header.Set(HeaderName, id)
	return r, id
}

// WithContext attaches id to ctx. Invalid ids leave ctx unchanged.
func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if id = clean(id); id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id, id != ""
}

// FromHeaders returns the first valid id among the accepted request headers.
func FromHeaders(headers http.Header) string {
	for _, name := range acceptedHeaders {
		if id := clean(headers.Get(name)); id != "" {
			return id
		}
	}
	return ""
}

func NewID() string {
	return idPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Inject sets HeaderName on outbound headers when ctx carries an id.
func Inject(ctx context.Context, headers http.Header) {
	if id, ok := FromContext(ctx); ok && headers != nil {
		headers.Set(HeaderName, id)
	}
}

// clean trims raw and truncates it to maxIDLen. It returns "" when the
// result contains anything outside [A-Za-z0-9._:-].
func clean(raw string) string {
	id := strings.TrimSpace(raw)
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	valid := strings.IndexFunc(id, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_.:", r))
	}) < 0
	if !valid {
		return ""
	}
	return id
}
