package trace

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ongoingai/untrace/internal/storage"
)

type SQLiteStore struct {
	db *storage.DB
}

func NewSQLiteStore(db *storage.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const traceInsertSQL = `
INSERT INTO traces (
    org_id,
    trace_id,
    project_id,
    span_id,
    parent_span_id,
    user_id,
    api_key_id,
    provider,
    model,
    input_tokens,
    output_tokens,
    total_tokens,
    latency_ms,
    estimated_cost_usd,
    payload,
    metadata,
    fanout_status,
    fanout_completed_at,
    created_at,
    updated_at,
    expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLiteStore) WriteTrace(ctx context.Context, trace *Trace) error {
	return writeTrace(ctx, s.db, trace)
}

// writeTrace is shared by both drivers; placeholders are rebound for Postgres.
func writeTrace(ctx context.Context, db *storage.DB, trace *Trace) error {
	if trace == nil {
		return nil
	}

	row := normalizeTrace(trace)
	payload, err := encodeJSONMap(row.Payload)
	if err != nil {
		return fmt.Errorf("encode trace %q payload: %w", row.TraceID, err)
	}
	metadata, err := encodeJSONMap(row.Metadata)
	if err != nil {
		return fmt.Errorf("encode trace %q metadata: %w", row.TraceID, err)
	}

	var latency any
	if row.LatencyMS != nil {
		latency = *row.LatencyMS
	}

	err = db.Write(ctx, func() error {
		_, err := db.ExecContext(ctx, db.Rebind(traceInsertSQL),
			row.OrgID,
			row.TraceID,
			row.ProjectID,
			row.SpanID,
			row.ParentSpanID,
			row.UserID,
			row.APIKeyID,
			row.Provider,
			row.Model,
			row.InputTokens,
			row.OutputTokens,
			row.TotalTokens,
			latency,
			row.EstimatedCostUSD,
			payload,
			metadata,
			row.FanoutStatus,
			db.NullTimeArg(row.FanoutCompletedAt),
			db.TimeArg(row.CreatedAt),
			db.NullTimeArg(row.UpdatedAt),
			db.NullTimeArg(row.ExpiresAt),
		)
		return err
	})
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("write trace %q: %w", row.TraceID, ErrDuplicate)
		}
		return fmt.Errorf("write trace %q: %w", row.TraceID, err)
	}
	return nil
}

const traceSelectColumns = `
org_id,
trace_id,
project_id,
span_id,
parent_span_id,
user_id,
api_key_id,
provider,
model,
input_tokens,
output_tokens,
total_tokens,
latency_ms,
estimated_cost_usd,
payload,
metadata,
fanout_status,
fanout_completed_at,
created_at,
updated_at,
expires_at
`

func (s *SQLiteStore) GetTrace(ctx context.Context, orgID, projectID, traceID string) (*Trace, error) {
	return getTrace(ctx, s.db, orgID, projectID, traceID)
}

func getTrace(ctx context.Context, db *storage.DB, orgID, projectID, traceID string) (*Trace, error) {
	row := db.QueryRowContext(ctx,
		db.Rebind("SELECT "+traceSelectColumns+" FROM traces WHERE org_id = ? AND project_id = ? AND trace_id = ? LIMIT 1"),
		orgID, projectID, traceID,
	)
	item, err := scanTraceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", traceID, err)
	}
	return item, nil
}

func (s *SQLiteStore) QueryTraces(ctx context.Context, filter TraceFilter) (*TraceResult, error) {
	return queryTraces(ctx, s.db, filter)
}

func queryTraces(ctx context.Context, db *storage.DB, filter TraceFilter) (*TraceResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	whereSQL, args, err := buildTraceWhere(db, filter)
	if err != nil {
		return nil, err
	}
	args = append(args, limit+1)

	query := "SELECT " + traceSelectColumns + " FROM traces WHERE " + whereSQL + " ORDER BY created_at DESC, trace_id DESC LIMIT ?"
	rows, err := db.QueryContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	items := make([]*Trace, 0, limit+1)
	for rows.Next() {
		item, err := scanTraceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}

	nextCursor := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		nextCursor = encodeTraceCursor(last.CreatedAt, last.TraceID)
	}

	return &TraceResult{
		Items:      items,
		NextCursor: nextCursor,
	}, nil
}

func (s *SQLiteStore) MergeMetadata(ctx context.Context, orgID, projectID, traceID string, metadata map[string]any, at time.Time) error {
	if len(metadata) == 0 {
		return nil
	}
	patch, err := encodeJSONMap(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata patch: %w", err)
	}

	var affected int64
	err = s.db.Write(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE traces
SET metadata = json_patch(CASE WHEN json_valid(metadata) THEN metadata ELSE '{}' END, ?),
    updated_at = ?
WHERE org_id = ? AND project_id = ? AND trace_id = ?`,
			patch, storage.FormatSQLiteTime(nowOr(at)), orgID, projectID, traceID,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("merge trace %q metadata: %w", traceID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListPendingFanout(ctx context.Context, createdBefore time.Time, limit int) ([]*Trace, error) {
	return listPendingFanout(ctx, s.db, createdBefore, limit)
}

func listPendingFanout(ctx context.Context, db *storage.DB, createdBefore time.Time, limit int) ([]*Trace, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, db.Rebind(`
SELECT `+traceSelectColumns+`
FROM traces
WHERE fanout_status = ? AND created_at <= ?
ORDER BY created_at ASC, trace_id ASC
LIMIT ?`), FanoutStatusPending, db.TimeArg(createdBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending fanout traces: %w", err)
	}
	defer rows.Close()

	items := make([]*Trace, 0)
	for rows.Next() {
		item, err := scanTraceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending trace row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending trace rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) MarkFanoutComplete(ctx context.Context, orgID, traceID string, at time.Time) error {
	return markFanoutComplete(ctx, s.db, orgID, traceID, at)
}

func markFanoutComplete(ctx context.Context, db *storage.DB, orgID, traceID string, at time.Time) error {
	var affected int64
	err := db.Write(ctx, func() error {
		res, err := db.ExecContext(ctx, db.Rebind(`
UPDATE traces
SET fanout_status = ?, fanout_completed_at = ?
WHERE org_id = ? AND trace_id = ?`),
			FanoutStatusCompleted, db.TimeArg(nowOr(at)), orgID, traceID,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("mark trace %q fanout complete: %w", traceID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CountTraces(ctx context.Context, filter AnalyticsFilter) (int64, error) {
	return countTraces(ctx, s.db, filter)
}

func countTraces(ctx context.Context, db *storage.DB, filter AnalyticsFilter) (int64, error) {
	whereSQL, args := buildAnalyticsWhere(db, filter)
	var count int64
	if err := db.QueryRowContext(ctx, db.Rebind("SELECT COUNT(*) FROM traces WHERE "+whereSQL), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) GetDailyStats(ctx context.Context, filter AnalyticsFilter) ([]DailyStats, error) {
	whereSQL, args := buildAnalyticsWhere(s.db, filter)
	rows, err := s.db.QueryContext(ctx, `
SELECT substr(created_at, 1, 10) AS day,
    COUNT(*),
    COALESCE(SUM(total_tokens), 0),
    COALESCE(SUM(estimated_cost_usd), 0)
FROM traces
WHERE `+whereSQL+`
GROUP BY day
ORDER BY day ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query daily trace stats: %w", err)
	}
	defer rows.Close()

	stats := make([]DailyStats, 0)
	index := map[string]int{}
	for rows.Next() {
		var (
			day  string
			item DailyStats
		)
		if err := rows.Scan(&day, &item.TraceCount, &item.TotalTokens, &item.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan daily trace stats row: %w", err)
		}
		parsed, err := time.Parse("2006-01-02", day)
		if err != nil {
			return nil, fmt.Errorf("parse trace day %q: %w", day, err)
		}
		item.Day = parsed.UTC()
		index[day] = len(stats)
		stats = append(stats, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily trace stats rows: %w", err)
	}
	rows.Close()

	// SQLite has no percentile aggregate; compute latency per day in Go.
	latencyRows, err := s.db.QueryContext(ctx, `
SELECT substr(created_at, 1, 10) AS day, latency_ms
FROM traces
WHERE `+whereSQL+` AND latency_ms IS NOT NULL
ORDER BY day ASC, latency_ms ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query daily trace latency: %w", err)
	}
	defer latencyRows.Close()

	byDay := map[string][]int64{}
	for latencyRows.Next() {
		var (
			day     string
			latency int64
		)
		if err := latencyRows.Scan(&day, &latency); err != nil {
			return nil, fmt.Errorf("scan daily trace latency row: %w", err)
		}
		byDay[day] = append(byDay[day], latency)
	}
	if err := latencyRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily trace latency rows: %w", err)
	}

	for day, values := range byDay {
		idx, ok := index[day]
		if !ok {
			continue
		}
		summary := summarizeLatencies(values)
		stats[idx].AvgLatencyMS = summary.AvgMS
		stats[idx].P50MS = summary.P50MS
		stats[idx].P95MS = summary.P95MS
		stats[idx].P99MS = summary.P99MS
	}
	return stats, nil
}

func (s *SQLiteStore) GetLatencyPercentiles(ctx context.Context, filter AnalyticsFilter) (*LatencyStats, error) {
	whereSQL, args := buildAnalyticsWhere(s.db, filter)
	rows, err := s.db.QueryContext(ctx, "SELECT latency_ms FROM traces WHERE "+whereSQL+" AND latency_ms IS NOT NULL ORDER BY latency_ms ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("query latency percentiles: %w", err)
	}
	defer rows.Close()

	values := make([]int64, 0)
	for rows.Next() {
		var latency int64
		if err := rows.Scan(&latency); err != nil {
			return nil, fmt.Errorf("scan latency row: %w", err)
		}
		values = append(values, latency)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latency rows: %w", err)
	}

	summary := summarizeLatencies(values)
	return &summary, nil
}

// summarizeLatencies expects ascending values and interpolates percentiles
// the way Postgres percentile_cont does.
func summarizeLatencies(sorted []int64) LatencyStats {
	if len(sorted) == 0 {
		return LatencyStats{}
	}
	var sum int64
	for _, value := range sorted {
		sum += value
	}
	return LatencyStats{
		TraceCount: int64(len(sorted)),
		AvgMS:      float64(sum) / float64(len(sorted)),
		MinMS:      sorted[0],
		MaxMS:      sorted[len(sorted)-1],
		P50MS:      percentileCont(sorted, 0.50),
		P95MS:      percentileCont(sorted, 0.95),
		P99MS:      percentileCont(sorted, 0.99),
	}
}

func percentileCont(sorted []int64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return float64(sorted[lo])
	}
	fraction := rank - float64(lo)
	return float64(sorted[lo]) + (float64(sorted[hi])-float64(sorted[lo]))*fraction
}

func buildTraceWhere(db *storage.DB, filter TraceFilter) (string, []any, error) {
	where := make([]string, 0, 10)
	args := make([]any, 0, 10)

	if filter.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.APIKeyID != "" {
		where = append(where, "api_key_id = ?")
		args = append(args, filter.APIKeyID)
	}
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Model != "" {
		where = append(where, "model = ?")
		args = append(args, filter.Model)
	}
	if filter.FanoutStatus != "" {
		where = append(where, "fanout_status = ?")
		args = append(args, filter.FanoutStatus)
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, db.TimeArg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, db.TimeArg(filter.To))
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeTraceCursor(filter.Cursor)
		if err != nil {
			return "", nil, err
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND trace_id < ?))")
		args = append(args, db.TimeArg(createdAt), db.TimeArg(createdAt), id)
	}

	if len(where) == 0 {
		return "1=1", args, nil
	}
	return strings.Join(where, " AND "), args, nil
}

func buildAnalyticsWhere(db *storage.DB, filter AnalyticsFilter) (string, []any) {
	where := make([]string, 0, 5)
	args := make([]any, 0, 5)

	if filter.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.APIKeyID != "" {
		where = append(where, "api_key_id = ?")
		args = append(args, filter.APIKeyID)
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, db.TimeArg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, db.TimeArg(filter.To))
	}

	if len(where) == 0 {
		return "1=1", args
	}
	return strings.Join(where, " AND "), args
}

func encodeTraceCursor(createdAt time.Time, id string) string {
	if createdAt.IsZero() || id == "" {
		return ""
	}
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeTraceCursor(cursor string) (time.Time, string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: decode base64 cursor", ErrInvalidCursor)
	}
	parts := strings.SplitN(string(payload), "|", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return time.Time{}, "", fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: parse created_at", ErrInvalidCursor)
	}
	return createdAt.UTC(), strings.TrimSpace(parts[1]), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTraceRow(scanner rowScanner) (*Trace, error) {
	var (
		item              Trace
		latencyMS         sql.NullInt64
		payload           []byte
		metadata          []byte
		fanoutCompletedAt storage.Time
		createdAt         storage.Time
		updatedAt         storage.Time
		expiresAt         storage.Time
	)

	if err := scanner.Scan(
		&item.OrgID,
		&item.TraceID,
		&item.ProjectID,
		&item.SpanID,
		&item.ParentSpanID,
		&item.UserID,
		&item.APIKeyID,
		&item.Provider,
		&item.Model,
		&item.InputTokens,
		&item.OutputTokens,
		&item.TotalTokens,
		&latencyMS,
		&item.EstimatedCostUSD,
		&payload,
		&metadata,
		&item.FanoutStatus,
		&fanoutCompletedAt,
		&createdAt,
		&updatedAt,
		&expiresAt,
	); err != nil {
		return nil, err
	}

	if latencyMS.Valid {
		latency := latencyMS.Int64
		item.LatencyMS = &latency
	}
	var err error
	if item.Payload, err = decodeJSONMap(payload); err != nil {
		return nil, fmt.Errorf("decode trace %q payload: %w", item.TraceID, err)
	}
	if item.Metadata, err = decodeJSONMap(metadata); err != nil {
		return nil, fmt.Errorf("decode trace %q metadata: %w", item.TraceID, err)
	}
	item.FanoutCompletedAt = fanoutCompletedAt.Time
	item.CreatedAt = createdAt.Time
	item.UpdatedAt = updatedAt.Time
	item.ExpiresAt = expiresAt.Time
	return &item, nil
}

func normalizeTrace(in *Trace) *Trace {
	row := in.Clone()
	row.TraceID = strings.TrimSpace(row.TraceID)
	row.SpanID = strings.TrimSpace(row.SpanID)
	row.ParentSpanID = strings.TrimSpace(row.ParentSpanID)
	row.OrgID = strings.TrimSpace(row.OrgID)
	row.ProjectID = strings.TrimSpace(row.ProjectID)
	row.Provider = strings.ToLower(strings.TrimSpace(row.Provider))
	row.Model = strings.TrimSpace(row.Model)
	if row.TotalTokens == 0 {
		row.TotalTokens = row.InputTokens + row.OutputTokens
	}
	if row.FanoutStatus == "" {
		row.FanoutStatus = FanoutStatusPending
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	row.CreatedAt = row.CreatedAt.UTC()
	return row
}

func nowOr(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at.UTC()
}
