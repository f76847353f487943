package configstore

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"
)

var ErrNotFound = errors.New("config store record not found")
var ErrConflict = errors.New("config store record conflicts with existing data")
var ErrInvalid = errors.New("config store record is invalid")

// Usage event types recorded against an API key.
const (
	EventTraceIngest       = "trace.ingest"
	EventRealtimeSubscribe = "realtime.subscribe"
	EventAPIRead           = "api.read"
)

// APIKey scopes a caller to exactly one org and project. The secret itself is
// never stored; only its sha256 hex digest is.
type APIKey struct {
	ID         string
	SecretHash string
	OrgID      string
	ProjectID  string
	UserID     string
	Name       string
	Active     bool
	ExpiresAt  time.Time
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Expired reports whether the key has an expiry at or before now.
func (k APIKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

type APIKeyFilter struct {
	OrgID     string
	ProjectID string
}

// Usage is one append-only api_key_usage row.
type Usage struct {
	APIKeyID  string
	OrgID     string
	ProjectID string
	UserID    string
	EventType string
	CreatedAt time.Time
}

// APIKeyStore resolves keys by secret hash. Inactive and expired keys are
// returned as-is; callers decide how to reject them.
type APIKeyStore interface {
	GetAPIKeyByHash(ctx context.Context, secretHash string) (*APIKey, error)
}

type UsageRecorder interface {
	RecordUsage(ctx context.Context, usage Usage) error
}

type APIKeyManager interface {
	APIKeyStore
	CreateAPIKey(ctx context.Context, key APIKey) (*APIKey, error)
	ListAPIKeys(ctx context.Context, filter APIKeyFilter) ([]APIKey, error)
	DeactivateAPIKey(ctx context.Context, id string, filter APIKeyFilter) error
}

// Destination is a configured fanout target. Config is opaque here and
// interpreted by the adapter registered for Kind.
type Destination struct {
	ID        string
	Seq       int64
	OrgID     string
	ProjectID string
	Name      string
	Kind      string
	Config    map[string]any
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy whose config can be mutated independently.
func (d Destination) Clone() Destination {
	out := d
	out.Config = maps.Clone(d.Config)
	return out
}

// DestinationUpdate carries a partial update; nil fields are left as they are.
type DestinationUpdate struct {
	Name    *string
	Config  map[string]any
	Enabled *bool
}

// DeleteOutcome tells the caller whether DeleteDestination removed the row or
// only disabled it because delivery history references it.
type DeleteOutcome string

const (
	DeleteOutcomeDeleted  DeleteOutcome = "deleted"
	DeleteOutcomeDisabled DeleteOutcome = "disabled"
)

// DestinationLister is the read side used by the fanout dispatcher and the
// delivery stats aggregator.
type DestinationLister interface {
	ListActiveDestinations(ctx context.Context, orgID, projectID string) ([]Destination, error)
	ListDestinations(ctx context.Context, orgID, projectID string) ([]Destination, error)
}

type DestinationStore interface {
	DestinationLister
	GetDestination(ctx context.Context, orgID, projectID, id string) (*Destination, error)
	CreateDestination(ctx context.Context, destination Destination) (*Destination, error)
	UpdateDestination(ctx context.Context, orgID, projectID, id string, update DestinationUpdate) (*Destination, error)
	DisableDestination(ctx context.Context, orgID, projectID, id string) error
	DeleteDestination(ctx context.Context, orgID, projectID, id string) (DeleteOutcome, error)
}

// ConfigValidator checks a destination kind and config before it is stored.
type ConfigValidator interface {
	Validate(kind string, config map[string]any) error
}

// ConfigStore is the configuration boundary backing key resolution, usage
// tracking and the destination registry.
type ConfigStore interface {
	APIKeyManager
	UsageRecorder
	DestinationStore
}

var _ ConfigStore = (*SQLStore)(nil)

func normalizeAPIKey(key APIKey) APIKey {
	row := key
	row.ID = strings.TrimSpace(row.ID)
	row.SecretHash = normalizeSecretHash(row.SecretHash)
	row.OrgID = strings.TrimSpace(row.OrgID)
	row.ProjectID = strings.TrimSpace(row.ProjectID)
	row.UserID = strings.TrimSpace(row.UserID)
	row.Name = strings.TrimSpace(row.Name)
	return row
}

func normalizeDestination(destination Destination) Destination {
	row := destination.Clone()
	row.ID = strings.TrimSpace(row.ID)
	row.OrgID = strings.TrimSpace(row.OrgID)
	row.ProjectID = strings.TrimSpace(row.ProjectID)
	row.Name = strings.TrimSpace(row.Name)
	row.Kind = strings.ToLower(strings.TrimSpace(row.Kind))
	if row.Name == "" {
		row.Name = row.Kind
	}
	if row.Config == nil {
		row.Config = map[string]any{}
	}
	return row
}

func normalizeSecretHash(value string) string {
	return strings.TrimSpace(strings.ToLower(value))
}
