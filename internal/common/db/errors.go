package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
	sqlStateClassIntegrity       = "23"
)

// SQLState extracts the SQLSTATE code from a postgres error raised by either
// driver. It returns "" for anything else.
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsRetryable reports whether a failed transaction may succeed if run again
// unchanged: serialization failures, deadlocks and sqlite lock contention.
func IsRetryable(err error) bool {
	switch SQLState(err) {
	case sqlStateSerializationFailure, sqlStateDeadlockDetected:
		return true
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// IsConstraintViolation reports integrity errors such as a missing foreign
// key target or a NOT NULL violation.
func IsConstraintViolation(err error) bool {
	if code := SQLState(err); len(code) == 5 && code[:2] == sqlStateClassIntegrity {
		return true
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// IsUniqueViolation reports a duplicate key. Between concurrent writers this
// means another transaction inserted the row first, and a re-run of the
// losing transaction takes the update path.
func IsUniqueViolation(err error) bool {
	if SQLState(err) == sqlStateUniqueViolation {
		return true
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
