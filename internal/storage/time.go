package storage

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// sqliteTimeLayout is fixed width so lexical comparison in SQL matches
// chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// TimeArg converts t into a query argument for the driver.
func (d *DB) TimeArg(t time.Time) any {
	if d.IsPostgres() {
		return t.UTC()
	}
	return FormatSQLiteTime(t)
}

// NullTimeArg is TimeArg with zero times mapped to NULL.
func (d *DB) NullTimeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return d.TimeArg(t)
}

// FormatSQLiteTime renders t in the layout stored by SQLite tables.
func FormatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// Time scans TIMESTAMPTZ columns and SQLite TEXT timestamps alike.
type Time struct {
	Time  time.Time
	Valid bool
}

func (t *Time) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", value)
	}
}

func (t Time) Value() (driver.Value, error) {
	if !t.Valid {
		return nil, nil
	}
	return t.Time, nil
}

func (t *Time) parse(raw string) error {
	parsed, err := ParseSQLiteTimestamp(raw)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	t.Time, t.Valid = parsed, !parsed.IsZero()
	return nil
}

// ParseSQLiteTimestamp accepts the layouts SQLite and modernc produce.
func ParseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05.999999999 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}
