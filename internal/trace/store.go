package trace

import (
	"context"
	"errors"
	"time"

	"github.com/ongoingai/untrace/internal/storage"
)

var ErrNotFound = errors.New("trace store record not found")
var ErrDuplicate = errors.New("trace id already exists for organization")
var ErrInvalidCursor = errors.New("trace cursor is invalid")

type TraceStore interface {
	// WriteTrace persists a new trace. A repeated (org, trace id) returns ErrDuplicate.
	WriteTrace(ctx context.Context, trace *Trace) error
	GetTrace(ctx context.Context, orgID, projectID, traceID string) (*Trace, error)
	QueryTraces(ctx context.Context, filter TraceFilter) (*TraceResult, error)
	MergeMetadata(ctx context.Context, orgID, projectID, traceID string, metadata map[string]any, at time.Time) error
	ListPendingFanout(ctx context.Context, createdBefore time.Time, limit int) ([]*Trace, error)
	MarkFanoutComplete(ctx context.Context, orgID, traceID string, at time.Time) error
	CountTraces(ctx context.Context, filter AnalyticsFilter) (int64, error)
	GetDailyStats(ctx context.Context, filter AnalyticsFilter) ([]DailyStats, error)
	GetLatencyPercentiles(ctx context.Context, filter AnalyticsFilter) (*LatencyStats, error)
}

type TraceFilter struct {
	OrgID        string
	ProjectID    string
	APIKeyID     string
	Provider     string
	Model        string
	FanoutStatus string
	From         time.Time
	To           time.Time
	Limit        int
	Cursor       string
}

type TraceResult struct {
	Items      []*Trace
	NextCursor string
}

type AnalyticsFilter struct {
	OrgID     string
	ProjectID string
	APIKeyID  string
	From      time.Time
	To        time.Time
}

// DailyStats is one UTC day of trace volume and latency.
type DailyStats struct {
	Day          time.Time
	TraceCount   int64
	TotalTokens  int64
	TotalCostUSD float64
	AvgLatencyMS float64
	P50MS        float64
	P95MS        float64
	P99MS        float64
}

// LatencyStats summarizes traces that reported a latency.
type LatencyStats struct {
	TraceCount int64
	AvgMS      float64
	MinMS      int64
	MaxMS      int64
	P50MS      float64
	P95MS      float64
	P99MS      float64
}

var _ TraceStore = (*SQLiteStore)(nil)
var _ TraceStore = (*PostgresStore)(nil)

// NewStore returns the trace store for the handle's driver.
func NewStore(db *storage.DB) TraceStore {
	if db.IsPostgres() {
		return NewPostgresStore(db)
	}
	return NewSQLiteStore(db)
}
