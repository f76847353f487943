package storage

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Write failure classes reported on logs and metrics.
const (
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	WriteErrorClassUnknown    = "unknown"
)

// pgClasses maps SQLSTATE codes, or their two-character class prefix, to a
// write failure class.
var pgClasses = map[string]string{
	"23":    WriteErrorClassConstraint,
	"08":    WriteErrorClassConnection,
	"57P01": WriteErrorClassConnection,
	"40001": WriteErrorClassContention,
	"40P01": WriteErrorClassContention,
	"55P03": WriteErrorClassContention,
	"57014": WriteErrorClassTimeout,
}

var contentionMessages = []string{"sqlite_busy", "database is locked", "database table is locked"}

// messageClasses is checked in order against the lowercased error text for
// drivers that do not expose typed errors.
var messageClasses = []struct {
	class   string
	needles []string
}{
	{WriteErrorClassConnection, []string{"connection refused", "broken pipe", "no such host", "sql: database is closed"}},
	{WriteErrorClassTimeout, []string{"timeout", "deadline exceeded"}},
	{WriteErrorClassContention, contentionMessages},
	{WriteErrorClassConstraint, []string{"constraint failed", "violates foreign key constraint", "violates unique constraint", "violates check constraint", "duplicate key"}},
}

// ClassifyWriteError buckets a storage write error into one of the
// WriteErrorClass values.
func ClassifyWriteError(err error) string {
	switch {
	case err == nil:
		return WriteErrorClassUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return WriteErrorClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return WriteErrorClassConnection
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if class, ok := pgClasses[pgErr.Code]; ok {
			return class
		}
		if len(pgErr.Code) >= 2 {
			if class, ok := pgClasses[pgErr.Code[:2]]; ok {
				return class
			}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, entry := range messageClasses {
		if containsAny(msg, entry.needles) {
			return entry.class
		}
	}
	return WriteErrorClassUnknown
}

// IsTransient reports whether a write failed for infrastructure reasons a
// caller may retry.
func IsTransient(err error) bool {
	switch ClassifyWriteError(err) {
	case WriteErrorClassConnection, WriteErrorClassTimeout, WriteErrorClassContention:
		return err != nil
	}
	return false
}

// IsUniqueViolation reports a primary key or unique index conflict.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return containsAny(strings.ToLower(err.Error()), []string{
		"unique constraint failed",
		"duplicate key value violates unique constraint",
	})
}

func isContentionString(msg string) bool {
	return containsAny(msg, contentionMessages)
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
