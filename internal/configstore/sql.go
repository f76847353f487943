package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ongoingai/untrace/internal/storage"
)

// SQLStore implements ConfigStore for both SQLite and Postgres through the
// shared storage handle.
type SQLStore struct {
	db        *storage.DB
	validator ConfigValidator
	now       func() time.Time
}

// NewSQLStore returns a store over db. validator may be nil, in which case
// destination configs are stored without adapter validation.
func NewSQLStore(db *storage.DB, validator ConfigValidator) *SQLStore {
	return &SQLStore{
		db:        db,
		validator: validator,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

const apiKeyColumns = `id, secret_hash, org_id, project_id, user_id, name, is_active, expires_at, created_at, last_used_at`

func (s *SQLStore) GetAPIKeyByHash(ctx context.Context, secretHash string) (*APIKey, error) {
	secretHash = normalizeSecretHash(secretHash)
	if secretHash == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+apiKeyColumns+` FROM api_keys WHERE secret_hash = ? LIMIT 1`), secretHash)
	item, err := scanAPIKey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return item, nil
}

func (s *SQLStore) CreateAPIKey(ctx context.Context, key APIKey) (*APIKey, error) {
	row := normalizeAPIKey(key)
	if row.ID == "" {
		row.ID = "key_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if row.SecretHash == "" {
		return nil, fmt.Errorf("%w: api key secret hash cannot be empty", ErrInvalid)
	}
	if row.OrgID == "" || row.ProjectID == "" {
		return nil, fmt.Errorf("%w: api key requires org and project", ErrInvalid)
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	row.Active = true

	err := s.db.Write(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO api_keys (id, secret_hash, org_id, project_id, user_id, name, is_active, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			row.ID,
			row.SecretHash,
			row.OrgID,
			row.ProjectID,
			row.UserID,
			row.Name,
			row.Active,
			s.db.NullTimeArg(row.ExpiresAt),
			s.db.TimeArg(row.CreatedAt),
		)
		return err
	})
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create api key %q: %w", row.ID, err)
	}
	return &row, nil
}

func (s *SQLStore) ListAPIKeys(ctx context.Context, filter APIKeyFilter) ([]APIKey, error) {
	whereSQL, args := tenantWhere(filter.OrgID, filter.ProjectID)
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT `+apiKeyColumns+` FROM api_keys WHERE `+whereSQL+` ORDER BY created_at ASC, id ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	items := make([]APIKey, 0)
	for rows.Next() {
		item, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return items, nil
}

func (s *SQLStore) DeactivateAPIKey(ctx context.Context, id string, filter APIKeyFilter) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNotFound
	}
	whereSQL, args := tenantWhere(filter.OrgID, filter.ProjectID)
	args = append([]any{false, id}, args...)

	var affected int64
	err := s.db.Write(ctx, func() error {
		result, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE api_keys SET is_active = ? WHERE id = ? AND `+whereSQL), args...)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("deactivate api key %q: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordUsage appends a usage row and touches last_used_at in one transaction.
func (s *SQLStore) RecordUsage(ctx context.Context, usage Usage) error {
	if strings.TrimSpace(usage.APIKeyID) == "" {
		return fmt.Errorf("%w: usage requires an api key id", ErrInvalid)
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = s.now()
	}

	err := s.db.Write(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if _, err := tx.ExecContext(ctx, s.db.Rebind(`
INSERT INTO api_key_usage (id, api_key_id, org_id, project_id, user_id, event_type, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
			uuid.NewString(),
			usage.APIKeyID,
			usage.OrgID,
			usage.ProjectID,
			usage.UserID,
			usage.EventType,
			s.db.TimeArg(usage.CreatedAt),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`),
			s.db.TimeArg(usage.CreatedAt), usage.APIKeyID,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("record api key %q usage: %w", usage.APIKeyID, err)
	}
	return nil
}

// SeedAPIKeys upserts keys declared in configuration, keyed by id.
func (s *SQLStore) SeedAPIKeys(ctx context.Context, keys []APIKey) error {
	for _, key := range keys {
		row := normalizeAPIKey(key)
		if row.ID == "" || row.SecretHash == "" || row.OrgID == "" || row.ProjectID == "" {
			return fmt.Errorf("%w: seeded api key %q requires id, secret hash, org and project", ErrInvalid, row.ID)
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = s.now()
		}
		// Existing rows keep their activation state and scope: a revoked
		// key stays revoked and a seed never moves a key to another project.
		var claimed int64
		err := s.db.Write(ctx, func() error {
			res, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO api_keys (id, secret_hash, org_id, project_id, user_id, name, is_active, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    secret_hash = excluded.secret_hash,
    user_id = excluded.user_id,
    name = excluded.name,
    expires_at = excluded.expires_at
WHERE api_keys.org_id = excluded.org_id AND api_keys.project_id = excluded.project_id`),
				row.ID,
				row.SecretHash,
				row.OrgID,
				row.ProjectID,
				row.UserID,
				row.Name,
				row.Active,
				s.db.NullTimeArg(row.ExpiresAt),
				s.db.TimeArg(row.CreatedAt),
			)
			if err != nil {
				return err
			}
			claimed, err = res.RowsAffected()
			return err
		})
		if err != nil {
			if storage.IsUniqueViolation(err) {
				return fmt.Errorf("seed api key %q: %w", row.ID, ErrConflict)
			}
			return fmt.Errorf("seed api key %q: %w", row.ID, err)
		}
		if claimed == 0 {
			return fmt.Errorf("seed api key %q: %w: id belongs to another org or project", row.ID, ErrConflict)
		}
	}
	return nil
}

const destinationColumns = `id, seq, org_id, project_id, name, kind, config, enabled, created_at, updated_at`

func (s *SQLStore) ListActiveDestinations(ctx context.Context, orgID, projectID string) ([]Destination, error) {
	return s.listDestinations(ctx, orgID, projectID, true)
}

func (s *SQLStore) ListDestinations(ctx context.Context, orgID, projectID string) ([]Destination, error) {
	return s.listDestinations(ctx, orgID, projectID, false)
}

func (s *SQLStore) listDestinations(ctx context.Context, orgID, projectID string, enabledOnly bool) ([]Destination, error) {
	query := `SELECT ` + destinationColumns + ` FROM destinations WHERE org_id = ? AND project_id = ?`
	args := []any{strings.TrimSpace(orgID), strings.TrimSpace(projectID)}
	if enabledOnly {
		query += ` AND enabled = ?`
		args = append(args, true)
	}
	query += ` ORDER BY seq ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	defer rows.Close()

	items := make([]Destination, 0)
	for rows.Next() {
		item, err := scanDestination(rows)
		if err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate destinations: %w", err)
	}
	return items, nil
}

func (s *SQLStore) GetDestination(ctx context.Context, orgID, projectID, id string) (*Destination, error) {
	row := s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT `+destinationColumns+` FROM destinations WHERE org_id = ? AND project_id = ? AND id = ? LIMIT 1`),
		strings.TrimSpace(orgID), strings.TrimSpace(projectID), strings.TrimSpace(id),
	)
	item, err := scanDestination(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get destination %q: %w", id, err)
	}
	return item, nil
}

func (s *SQLStore) CreateDestination(ctx context.Context, destination Destination) (*Destination, error) {
	row := normalizeDestination(destination)
	if row.ID == "" {
		row.ID = "dst_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if err := s.validate(row); err != nil {
		return nil, err
	}
	now := s.now()
	row.CreatedAt = now
	row.UpdatedAt = now

	if err := s.insertDestination(ctx, row, false); err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create destination %q: %w", row.ID, err)
	}
	return s.GetDestination(ctx, row.OrgID, row.ProjectID, row.ID)
}

func (s *SQLStore) UpdateDestination(ctx context.Context, orgID, projectID, id string, update DestinationUpdate) (*Destination, error) {
	current, err := s.GetDestination(ctx, orgID, projectID, id)
	if err != nil {
		return nil, err
	}

	row := current.Clone()
	if update.Name != nil {
		row.Name = strings.TrimSpace(*update.Name)
	}
	if update.Config != nil {
		row.Config = update.Config
	}
	if update.Enabled != nil {
		row.Enabled = *update.Enabled
	}
	row = normalizeDestination(row)
	if update.Config != nil {
		if err := s.validate(row); err != nil {
			return nil, err
		}
	}
	row.UpdatedAt = s.now()

	config, err := encodeConfig(row.Config)
	if err != nil {
		return nil, err
	}
	err = s.db.Write(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE destinations
SET name = ?, config = ?, enabled = ?, updated_at = ?
WHERE org_id = ? AND project_id = ? AND id = ?`),
			row.Name, config, row.Enabled, s.db.TimeArg(row.UpdatedAt), row.OrgID, row.ProjectID, row.ID,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update destination %q: %w", row.ID, err)
	}
	return s.GetDestination(ctx, row.OrgID, row.ProjectID, row.ID)
}

func (s *SQLStore) DisableDestination(ctx context.Context, orgID, projectID, id string) error {
	var affected int64
	err := s.db.Write(ctx, func() error {
		result, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE destinations
SET enabled = ?, updated_at = ?
WHERE org_id = ? AND project_id = ? AND id = ?`),
			false, s.db.TimeArg(s.now()), strings.TrimSpace(orgID), strings.TrimSpace(projectID), strings.TrimSpace(id),
		)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("disable destination %q: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDestination removes a destination without delivery history. One with
// history is only disabled so its attempts and stats stay attributable.
func (s *SQLStore) DeleteDestination(ctx context.Context, orgID, projectID, id string) (DeleteOutcome, error) {
	current, err := s.GetDestination(ctx, orgID, projectID, id)
	if err != nil {
		return "", err
	}

	var hasHistory bool
	if err := s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT EXISTS (SELECT 1 FROM delivery_attempts WHERE org_id = ? AND destination_id = ?)`),
		current.OrgID, current.ID,
	).Scan(&hasHistory); err != nil {
		return "", fmt.Errorf("check destination %q history: %w", current.ID, err)
	}
	if hasHistory {
		if err := s.DisableDestination(ctx, current.OrgID, current.ProjectID, current.ID); err != nil {
			return "", err
		}
		return DeleteOutcomeDisabled, nil
	}

	err = s.db.Write(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM destinations WHERE org_id = ? AND project_id = ? AND id = ?`),
			current.OrgID, current.ProjectID, current.ID,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("delete destination %q: %w", current.ID, err)
	}
	return DeleteOutcomeDeleted, nil
}

// SeedDestinations upserts destinations declared in configuration, keyed by
// id. Existing rows keep their insertion sequence and created_at.
func (s *SQLStore) SeedDestinations(ctx context.Context, destinations []Destination) error {
	for _, destination := range destinations {
		row := normalizeDestination(destination)
		if row.ID == "" {
			return fmt.Errorf("%w: seeded destination requires an id", ErrInvalid)
		}
		if err := s.validate(row); err != nil {
			return fmt.Errorf("seed destination %q: %w", row.ID, err)
		}
		now := s.now()
		row.CreatedAt = now
		row.UpdatedAt = now
		if err := s.insertDestination(ctx, row, true); err != nil {
			return fmt.Errorf("seed destination %q: %w", row.ID, err)
		}
	}
	return nil
}

func (s *SQLStore) insertDestination(ctx context.Context, row Destination, upsert bool) error {
	config, err := encodeConfig(row.Config)
	if err != nil {
		return err
	}

	// Postgres assigns seq from BIGSERIAL; SQLite takes the next value inline.
	query := `INSERT INTO destinations (id, seq, org_id, project_id, name, kind, config, enabled, created_at, updated_at)
VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM destinations), ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.db.IsPostgres() {
		query = `INSERT INTO destinations (id, org_id, project_id, name, kind, config, enabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	}
	if upsert {
		// Seeds refresh content only. Enablement set through the API and
		// the owning org and project stay as stored.
		query += `
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    kind = excluded.kind,
    config = excluded.config,
    updated_at = excluded.updated_at
WHERE destinations.org_id = excluded.org_id AND destinations.project_id = excluded.project_id`
	}

	return s.db.Write(ctx, func() error {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(query),
			row.ID,
			row.OrgID,
			row.ProjectID,
			row.Name,
			row.Kind,
			config,
			row.Enabled,
			s.db.TimeArg(row.CreatedAt),
			s.db.TimeArg(row.UpdatedAt),
		)
		if err != nil || !upsert {
			return err
		}
		claimed, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if claimed == 0 {
			return fmt.Errorf("%w: id belongs to another org or project", ErrConflict)
		}
		return nil
	})
}

func (s *SQLStore) validate(row Destination) error {
	if row.OrgID == "" || row.ProjectID == "" {
		return fmt.Errorf("%w: destination requires org and project", ErrInvalid)
	}
	if row.Kind == "" {
		return fmt.Errorf("%w: destination kind cannot be empty", ErrInvalid)
	}
	if s.validator == nil {
		return nil
	}
	if err := s.validator.Validate(row.Kind, row.Config); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func tenantWhere(orgID, projectID string) (string, []any) {
	parts := make([]string, 0, 2)
	args := make([]any, 0, 2)
	if orgID = strings.TrimSpace(orgID); orgID != "" {
		parts = append(parts, "org_id = ?")
		args = append(args, orgID)
	}
	if projectID = strings.TrimSpace(projectID); projectID != "" {
		parts = append(parts, "project_id = ?")
		args = append(args, projectID)
	}
	if len(parts) == 0 {
		return "1=1", args
	}
	return strings.Join(parts, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(scanner rowScanner) (*APIKey, error) {
	var (
		item       APIKey
		expiresAt  storage.Time
		createdAt  storage.Time
		lastUsedAt storage.Time
	)
	if err := scanner.Scan(
		&item.ID,
		&item.SecretHash,
		&item.OrgID,
		&item.ProjectID,
		&item.UserID,
		&item.Name,
		&item.Active,
		&expiresAt,
		&createdAt,
		&lastUsedAt,
	); err != nil {
		return nil, err
	}
	item.ExpiresAt = expiresAt.Time
	item.CreatedAt = createdAt.Time
	item.LastUsedAt = lastUsedAt.Time
	return &item, nil
}

func scanDestination(scanner rowScanner) (*Destination, error) {
	var (
		item      Destination
		config    []byte
		createdAt storage.Time
		updatedAt storage.Time
	)
	if err := scanner.Scan(
		&item.ID,
		&item.Seq,
		&item.OrgID,
		&item.ProjectID,
		&item.Name,
		&item.Kind,
		&config,
		&item.Enabled,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	item.Config = map[string]any{}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &item.Config); err != nil {
			return nil, fmt.Errorf("decode destination %q config: %w", item.ID, err)
		}
	}
	item.CreatedAt = createdAt.Time
	item.UpdatedAt = updatedAt.Time
	return &item, nil
}

func encodeConfig(config map[string]any) (string, error) {
	if len(config) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("encode destination config: %w", err)
	}
	return string(encoded), nil
}
