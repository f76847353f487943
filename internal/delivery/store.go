package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ongoingai/untrace/internal/storage"
)

// SQLStore persists attempts on SQLite or Postgres.
type SQLStore struct {
	db *storage.DB
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db}
}

const attemptColumns = `id, org_id, project_id, trace_id, destination_id, delivery_id, attempt_number, outcome, terminal, status_code, error_class, error_message, latency_ms, created_at`

func (s *SQLStore) AppendAttempt(ctx context.Context, attempt Attempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.AttemptNumber <= 0 {
		return fmt.Errorf("attempt number must be positive, got %d", attempt.AttemptNumber)
	}
	if attempt.Outcome != OutcomeSuccess && attempt.Outcome != OutcomeFailure {
		return fmt.Errorf("unsupported attempt outcome %q", attempt.Outcome)
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	if attempt.Outcome == OutcomeSuccess {
		attempt.Terminal = true
	}

	err := s.db.Write(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO delivery_attempts (`+attemptColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			attempt.ID,
			attempt.OrgID,
			attempt.ProjectID,
			attempt.TraceID,
			attempt.DestinationID,
			attempt.DeliveryID,
			attempt.AttemptNumber,
			string(attempt.Outcome),
			attempt.Terminal,
			attempt.StatusCode,
			attempt.ErrorClass,
			truncate(attempt.ErrorMessage, 1024),
			attempt.LatencyMS,
			s.db.TimeArg(attempt.CreatedAt),
		)
		return err
	})
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("append attempt %d for trace %q destination %q: %w", attempt.AttemptNumber, attempt.TraceID, attempt.DestinationID, ErrDuplicateAttempt)
		}
		return fmt.Errorf("append attempt %d for trace %q destination %q: %w", attempt.AttemptNumber, attempt.TraceID, attempt.DestinationID, err)
	}
	return nil
}

func (s *SQLStore) LastAttempt(ctx context.Context, orgID, traceID, destinationID string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
SELECT `+attemptColumns+`
FROM delivery_attempts
WHERE org_id = ? AND trace_id = ? AND destination_id = ?
ORDER BY attempt_number DESC
LIMIT 1`), orgID, traceID, destinationID)
	item, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last attempt for trace %q destination %q: %w", traceID, destinationID, err)
	}
	return item, nil
}

func (s *SQLStore) ListAttempts(ctx context.Context, orgID, projectID, traceID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
SELECT `+attemptColumns+`
FROM delivery_attempts
WHERE org_id = ? AND project_id = ? AND trace_id = ?
ORDER BY destination_id ASC, attempt_number ASC`), orgID, projectID, traceID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for trace %q: %w", traceID, err)
	}
	defer rows.Close()

	items := make([]Attempt, 0)
	for rows.Next() {
		item, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery attempts: %w", err)
	}
	return items, nil
}

func (s *SQLStore) HasHistory(ctx context.Context, orgID, destinationID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT EXISTS (SELECT 1 FROM delivery_attempts WHERE org_id = ? AND destination_id = ?)`),
		orgID, destinationID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check destination %q history: %w", destinationID, err)
	}
	return exists, nil
}

// AggregateStats counts terminal attempts as deliveries. Total attempts also
// include retried transient failures.
func (s *SQLStore) AggregateStats(ctx context.Context, orgID, projectID string, from, to time.Time) ([]Aggregate, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
SELECT destination_id,
    COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN outcome = 'failure' AND terminal = ? THEN 1 ELSE 0 END), 0),
    COUNT(*),
    COALESCE(AVG(latency_ms), 0),
    MAX(created_at)
FROM delivery_attempts
WHERE org_id = ? AND project_id = ? AND created_at >= ? AND created_at <= ?
GROUP BY destination_id
ORDER BY destination_id ASC`),
		true, orgID, projectID, s.db.TimeArg(from), s.db.TimeArg(to),
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate delivery stats: %w", err)
	}
	defer rows.Close()

	items := make([]Aggregate, 0)
	for rows.Next() {
		var (
			item   Aggregate
			lastAt storage.Time
		)
		if err := rows.Scan(&item.DestinationID, &item.Successful, &item.Failed, &item.TotalAttempts, &item.AvgLatencyMS, &lastAt); err != nil {
			return nil, fmt.Errorf("scan delivery stats row: %w", err)
		}
		item.LastDeliveryAt = lastAt.Time
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery stats rows: %w", err)
	}
	return items, nil
}

func scanAttempt(scanner interface{ Scan(dest ...any) error }) (*Attempt, error) {
	var (
		item      Attempt
		outcome   string
		createdAt storage.Time
	)
	if err := scanner.Scan(
		&item.ID,
		&item.OrgID,
		&item.ProjectID,
		&item.TraceID,
		&item.DestinationID,
		&item.DeliveryID,
		&item.AttemptNumber,
		&outcome,
		&item.Terminal,
		&item.StatusCode,
		&item.ErrorClass,
		&item.ErrorMessage,
		&item.LatencyMS,
		&createdAt,
	); err != nil {
		return nil, err
	}
	item.Outcome = Outcome(outcome)
	item.CreatedAt = createdAt.Time
	return &item, nil
}

// truncate caps value at limit bytes without splitting a character and
// replaces invalid UTF-8, which Postgres rejects in TEXT columns.
func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(value[cut]) {
			cut--
		}
		value = value[:cut]
	}
	return strings.ToValidUTF8(value, "\uFFFD")
}
