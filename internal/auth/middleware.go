package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

const DefaultHeaderName = "X-Untrace-Key"

// LimitResult describes a rejected request. A nil result means allowed.
type LimitResult struct {
	Code              string
	Message           string
	RetryAfterSeconds int
}

// Limiter runs after authentication succeeds.
type Limiter func(r *http.Request, keyCtx APIKeyContext) (*LimitResult, error)

type MiddlewareOptions struct {
	// Header is accepted in addition to Authorization: Bearer.
	Header    string
	EventType string
	Limiter   Limiter
	Logger    *slog.Logger
}

// Middleware authenticates the request API key and attaches an APIKeyContext.
func Middleware(authenticator *Authenticator, options MiddlewareOptions, next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	header := normalizeHeaderName(options.Header)
	if header == "" {
		header = DefaultHeaderName
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := SecretFromRequest(r, header)
		keyCtx, err := authenticator.Authenticate(r.Context(), secret, options.EventType)
		if err != nil {
			logger.DebugContext(r.Context(), "api key rejected",
				"reason", Reason(err),
				"path", r.URL.Path,
			)
			if errors.Is(err, ErrAuthUnavailable) {
				logger.ErrorContext(r.Context(), "api key lookup failed", "error", err)
				writeError(w, http.StatusServiceUnavailable, "StorageUnavailable", "api key verification unavailable")
				return
			}
			writeError(w, http.StatusUnauthorized, "Unauthenticated", "invalid api key")
			return
		}

		request := r.Clone(WithAPIKeyContext(r.Context(), keyCtx))
		request.Header = r.Header.Clone()
		request.Header.Del("Authorization")
		request.Header.Del(header)

		if options.Limiter != nil {
			result, err := options.Limiter(request, keyCtx)
			if err != nil {
				logger.ErrorContext(r.Context(), "rate limit check failed", "error", err)
				writeError(w, http.StatusServiceUnavailable, "StorageUnavailable", "rate limit check unavailable")
				return
			}
			if result != nil {
				writeLimitError(w, *result)
				return
			}
		}

		next.ServeHTTP(w, request)
	})
}

// SecretFromRequest reads a bearer token, falling back to header.
func SecretFromRequest(r *http.Request, header string) string {
	if value := strings.TrimSpace(r.Header.Get("Authorization")); value != "" {
		scheme, token, ok := strings.Cut(value, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if header == "" {
		header = DefaultHeaderName
	}
	return strings.TrimSpace(r.Header.Get(header))
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"kind":    kind,
			"message": message,
		},
	})
}

func writeLimitError(w http.ResponseWriter, result LimitResult) {
	message := strings.TrimSpace(result.Message)
	if message == "" {
		message = "rate limit exceeded"
	}
	body := map[string]any{
		"kind":    "RateLimited",
		"message": message,
	}
	if code := strings.TrimSpace(result.Code); code != "" {
		body["code"] = code
	}
	if result.RetryAfterSeconds > 0 {
		body["retryAfterSeconds"] = result.RetryAfterSeconds
		w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}

func normalizeHeaderName(header string) string {
	value := strings.TrimSpace(header)
	if value == "" {
		return ""
	}
	return textproto.CanonicalMIMEHeaderKey(value)
}
