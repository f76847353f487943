package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrDuplicateAttempt = errors.New("delivery attempt already recorded")

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Attempt is one append-only delivery_attempts row. DeliveryID is stable for a
// trace and destination pair so receivers can deduplicate retries.
type Attempt struct {
	ID            string    `json:"id"`
	OrgID         string    `json:"orgId"`
	ProjectID     string    `json:"projectId"`
	TraceID       string    `json:"traceId"`
	DestinationID string    `json:"destinationId"`
	DeliveryID    string    `json:"deliveryId"`
	AttemptNumber int       `json:"attemptNumber"`
	Outcome       Outcome   `json:"outcome"`
	Terminal      bool      `json:"terminal"`
	StatusCode    int       `json:"statusCode"`
	ErrorClass    string    `json:"errorClass,omitempty"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	LatencyMS     int64     `json:"latencyMs"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Done reports whether no further attempt should follow this one.
func (a Attempt) Done() bool {
	return a.Outcome == OutcomeSuccess || a.Terminal
}

var deliveryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://untrace.dev/delivery"))

// NewDeliveryID derives the delivery id of a trace and destination pair. The
// same pair always yields the same id.
func NewDeliveryID(orgID, traceID, destinationID string) string {
	id := uuid.NewSHA1(deliveryNamespace, []byte(orgID+"\x00"+traceID+"\x00"+destinationID))
	return "dlv_" + strings.ReplaceAll(id.String(), "-", "")
}

// Aggregate is the per-destination rollup of attempts in a window.
type Aggregate struct {
	DestinationID  string
	Successful     int64
	Failed         int64
	TotalAttempts  int64
	AvgLatencyMS   float64
	LastDeliveryAt time.Time
}

type Store interface {
	// AppendAttempt rejects a reused attempt number or a second success for a
	// pair with ErrDuplicateAttempt.
	AppendAttempt(ctx context.Context, attempt Attempt) error
	// LastAttempt returns the highest numbered attempt of the pair, or nil
	// when the pair has none.
	LastAttempt(ctx context.Context, orgID, traceID, destinationID string) (*Attempt, error)
	ListAttempts(ctx context.Context, orgID, projectID, traceID string) ([]Attempt, error)
	HasHistory(ctx context.Context, orgID, destinationID string) (bool, error)
	AggregateStats(ctx context.Context, orgID, projectID string, from, to time.Time) ([]Aggregate, error)
}
