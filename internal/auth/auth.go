package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ongoingai/untrace/internal/configstore"
)

const (
	// SecretPrefix marks untrace API key secrets.
	SecretPrefix    = "utr_"
	maxSecretLength = 256

	usageTimeout = 2 * time.Second
)

// Rejection reasons. They are logged and attached to AuthError but never
// returned to HTTP callers, who always see the same response.
const (
	ReasonEmpty        = "empty"
	ReasonMalformed    = "malformed"
	ReasonNotFound     = "not_found"
	ReasonInactive     = "inactive"
	ReasonExpired      = "expired"
	ReasonLookupFailed = "lookup_failed"
)

var ErrUnauthenticated = errors.New("unauthenticated")
var ErrAuthUnavailable = errors.New("api key verification unavailable")

// AuthError carries the internal rejection reason.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("api key rejected (%s): %v", e.Reason, e.Err)
	}
	return "api key rejected (" + e.Reason + ")"
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches ErrUnauthenticated for every reason except a failed lookup,
// which matches ErrAuthUnavailable.
func (e *AuthError) Is(target error) bool {
	if e.Reason == ReasonLookupFailed {
		return target == ErrAuthUnavailable
	}
	return target == ErrUnauthenticated
}

// APIKeyContext is the identity attached to an authenticated request.
type APIKeyContext struct {
	OrgID     string
	ProjectID string
	UserID    string
	APIKeyID  string
}

type Authenticator struct {
	keys   configstore.APIKeyStore
	usage  configstore.UsageRecorder
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthenticator resolves keys through keys and records usage through usage.
// usage may be nil.
func NewAuthenticator(keys configstore.APIKeyStore, usage configstore.UsageRecorder, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		keys:   keys,
		usage:  usage,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ValidateAPIKey checks the secret and returns the key's tenant scope.
func (a *Authenticator) ValidateAPIKey(ctx context.Context, secret string) (APIKeyContext, error) {
	if secret == "" {
		return APIKeyContext{}, &AuthError{Reason: ReasonEmpty}
	}
	if !wellFormedSecret(secret) {
		return APIKeyContext{}, &AuthError{Reason: ReasonMalformed}
	}

	key, err := a.keys.GetAPIKeyByHash(ctx, HashSecret(secret))
	if err != nil {
		if errors.Is(err, configstore.ErrNotFound) {
			return APIKeyContext{}, &AuthError{Reason: ReasonNotFound}
		}
		return APIKeyContext{}, &AuthError{Reason: ReasonLookupFailed, Err: err}
	}
	if !key.Active {
		return APIKeyContext{}, &AuthError{Reason: ReasonInactive}
	}
	if key.Expired(a.now()) {
		return APIKeyContext{}, &AuthError{Reason: ReasonExpired}
	}

	return APIKeyContext{
		OrgID:     key.OrgID,
		ProjectID: key.ProjectID,
		UserID:    key.UserID,
		APIKeyID:  key.ID,
	}, nil
}

// Authenticate validates the secret and records a usage event for it.
// Usage recording is best-effort: failures are logged and never reject the
// caller.
func (a *Authenticator) Authenticate(ctx context.Context, secret, eventType string) (APIKeyContext, error) {
	keyCtx, err := a.ValidateAPIKey(ctx, secret)
	if err != nil {
		return APIKeyContext{}, err
	}
	a.recordUsage(ctx, keyCtx, eventType)
	return keyCtx, nil
}

func (a *Authenticator) recordUsage(ctx context.Context, keyCtx APIKeyContext, eventType string) {
	if a.usage == nil || strings.TrimSpace(eventType) == "" {
		return
	}
	usageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageTimeout)
	defer cancel()

	err := a.usage.RecordUsage(usageCtx, configstore.Usage{
		APIKeyID:  keyCtx.APIKeyID,
		OrgID:     keyCtx.OrgID,
		ProjectID: keyCtx.ProjectID,
		UserID:    keyCtx.UserID,
		EventType: eventType,
		CreatedAt: a.now(),
	})
	if err != nil {
		a.logger.WarnContext(ctx, "api key usage recording failed",
			"api_key_id", keyCtx.APIKeyID,
			"event_type", eventType,
			"error", err,
		)
	}
}

// Reason extracts the rejection reason from err, or "" if err is not an
// AuthError.
func Reason(err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	return ""
}

// GenerateSecret returns a new random API key secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key secret: %w", err)
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashSecret returns the sha256 hex digest stored for a secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func wellFormedSecret(secret string) bool {
	if len(secret) > maxSecretLength || strings.TrimSpace(secret) == "" {
		return false
	}
	for i := 0; i < len(secret); i++ {
		if secret[i] < 0x21 || secret[i] > 0x7e {
			return false
		}
	}
	return true
}

type contextKeyType struct{}

func WithAPIKeyContext(ctx context.Context, keyCtx APIKeyContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKeyType{}, keyCtx)
}

func APIKeyContextFromContext(ctx context.Context) (APIKeyContext, bool) {
	if ctx == nil {
		return APIKeyContext{}, false
	}
	keyCtx, ok := ctx.Value(contextKeyType{}).(APIKeyContext)
	return keyCtx, ok
}
