package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/untrace/internal/storage"
)

type PostgresStore struct {
	db *storage.DB
}

func NewPostgresStore(db *storage.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) WriteTrace(ctx context.Context, trace *Trace) error {
	return writeTrace(ctx, s.db, trace)
}

// GetTrace runs inside a transaction carrying the tenant settings read by the
// row level security policies on traces.
func (s *PostgresStore) GetTrace(ctx context.Context, orgID, projectID, traceID string) (*Trace, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin trace read: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := setTenantScope(ctx, tx, orgID, projectID); err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx,
		"SELECT "+traceSelectColumns+" FROM traces WHERE org_id = $1 AND project_id = $2 AND trace_id = $3 LIMIT 1",
		orgID, projectID, traceID,
	)
	item, err := scanTraceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", traceID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit trace read: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) QueryTraces(ctx context.Context, filter TraceFilter) (*TraceResult, error) {
	return queryTraces(ctx, s.db, filter)
}

func (s *PostgresStore) MergeMetadata(ctx context.Context, orgID, projectID, traceID string, metadata map[string]any, at time.Time) error {
	if len(metadata) == 0 {
		return nil
	}
	patch, err := encodeJSONMap(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata patch: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE traces
SET metadata = COALESCE(metadata, '{}'::jsonb) || $1::jsonb,
    updated_at = $2
WHERE org_id = $3 AND project_id = $4 AND trace_id = $5`,
		patch, nowOr(at), orgID, projectID, traceID,
	)
	if err != nil {
		return fmt.Errorf("merge trace %q metadata: %w", traceID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("merge trace %q metadata: %w", traceID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListPendingFanout(ctx context.Context, createdBefore time.Time, limit int) ([]*Trace, error) {
	return listPendingFanout(ctx, s.db, createdBefore, limit)
}

func (s *PostgresStore) MarkFanoutComplete(ctx context.Context, orgID, traceID string, at time.Time) error {
	return markFanoutComplete(ctx, s.db, orgID, traceID, at)
}

func (s *PostgresStore) CountTraces(ctx context.Context, filter AnalyticsFilter) (int64, error) {
	return countTraces(ctx, s.db, filter)
}

func (s *PostgresStore) GetDailyStats(ctx context.Context, filter AnalyticsFilter) ([]DailyStats, error) {
	whereSQL, args := buildPostgresAnalyticsWhere(filter)
	query := `
SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
	COUNT(*),
	COALESCE(SUM(total_tokens), 0),
	COALESCE(SUM(estimated_cost_usd), 0),
	COALESCE(AVG(latency_ms), 0),
	COALESCE(percentile_cont(0.50) WITHIN GROUP (ORDER BY latency_ms), 0),
	COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY latency_ms), 0),
	COALESCE(percentile_cont(0.99) WITHIN GROUP (ORDER BY latency_ms), 0)
FROM traces
WHERE ` + whereSQL + `
GROUP BY day
ORDER BY day ASC
`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query daily trace stats: %w", err)
	}
	defer rows.Close()

	stats := make([]DailyStats, 0)
	for rows.Next() {
		var (
			day  string
			item DailyStats
		)
		if err := rows.Scan(&day, &item.TraceCount, &item.TotalTokens, &item.TotalCostUSD, &item.AvgLatencyMS, &item.P50MS, &item.P95MS, &item.P99MS); err != nil {
			return nil, fmt.Errorf("scan daily trace stats row: %w", err)
		}
		parsed, err := time.Parse("2006-01-02", day)
		if err != nil {
			return nil, fmt.Errorf("parse trace day %q: %w", day, err)
		}
		item.Day = parsed.UTC()
		stats = append(stats, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily trace stats rows: %w", err)
	}

	return stats, nil
}

func (s *PostgresStore) GetLatencyPercentiles(ctx context.Context, filter AnalyticsFilter) (*LatencyStats, error) {
	whereSQL, args := buildPostgresAnalyticsWhere(filter)
	query := `
SELECT COUNT(latency_ms),
	COALESCE(AVG(latency_ms), 0),
	COALESCE(MIN(latency_ms), 0),
	COALESCE(MAX(latency_ms), 0),
	COALESCE(percentile_cont(0.50) WITHIN GROUP (ORDER BY latency_ms), 0),
	COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY latency_ms), 0),
	COALESCE(percentile_cont(0.99) WITHIN GROUP (ORDER BY latency_ms), 0)
FROM traces
WHERE ` + whereSQL + ` AND latency_ms IS NOT NULL
`

	var item LatencyStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&item.TraceCount, &item.AvgMS, &item.MinMS, &item.MaxMS, &item.P50MS, &item.P95MS, &item.P99MS,
	); err != nil {
		return nil, fmt.Errorf("query latency percentiles: %w", err)
	}
	return &item, nil
}

func buildPostgresAnalyticsWhere(filter AnalyticsFilter) (string, []any) {
	builder := newPostgresWhereBuilder()

	if filter.OrgID != "" {
		builder.addComparison("org_id", "=", filter.OrgID)
	}
	if filter.ProjectID != "" {
		builder.addComparison("project_id", "=", filter.ProjectID)
	}
	if filter.APIKeyID != "" {
		builder.addComparison("api_key_id", "=", filter.APIKeyID)
	}
	if !filter.From.IsZero() {
		builder.addComparison("created_at", ">=", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		builder.addComparison("created_at", "<=", filter.To.UTC())
	}

	return builder.where(), builder.args
}

type postgresWhereBuilder struct {
	conditions []string
	args       []any
}

func newPostgresWhereBuilder() *postgresWhereBuilder {
	return &postgresWhereBuilder{
		conditions: make([]string, 0, 8),
		args:       make([]any, 0, 8),
	}
}

func (b *postgresWhereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *postgresWhereBuilder) addComparison(column, operator string, value any) {
	placeholder := b.addArg(value)
	b.conditions = append(b.conditions, column+" "+operator+" "+placeholder)
}

func (b *postgresWhereBuilder) where() string {
	if len(b.conditions) == 0 {
		return "1=1"
	}
	return strings.Join(b.conditions, " AND ")
}

func setTenantScope(ctx context.Context, tx *sql.Tx, orgID, projectID string) error {
	if _, err := tx.ExecContext(ctx,
		"SELECT set_config('untrace.org_id', $1, true), set_config('untrace.project_id', $2, true)",
		strings.TrimSpace(orgID), strings.TrimSpace(projectID),
	); err != nil {
		return fmt.Errorf("set tenant scope: %w", err)
	}
	return nil
}
