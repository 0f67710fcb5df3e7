package database

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the engine reacts to.
const (
	CodeUniqueViolation      = "23505"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeLockNotAvailable     = "55P03"
)

// SQLState returns the SQLSTATE of a PostgreSQL error, or "" for anything else.
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return SQLState(err) == CodeUniqueViolation
}

// IsContention reports lock contention that is resolved by running the whole transaction
// again: deadlocks, serialization failures and lock timeouts.
func IsContention(err error) bool {
	switch SQLState(err) {
	case CodeDeadlockDetected, CodeSerializationFailure, CodeLockNotAvailable:
		return true
	default:
		return false
	}
}
