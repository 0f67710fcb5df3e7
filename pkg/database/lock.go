package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Named locks are rows in engine_locks seeded by migrations. Holding one means holding a
// row lock on it until the surrounding transaction ends.
const (
	LockPostgresPermissions = "POSTGRES_PERMISSIONS"
)

// ErrLockMissing is returned when a named lock row was never seeded.
var ErrLockMissing = errors.New("named lock does not exist")

// AcquireNamedLock blocks until the named lock is held by the transaction q belongs to.
// q must be a transaction; on a bare connection the lock is released immediately.
func AcquireNamedLock(ctx context.Context, q Querier, name string) error {
	var got string
	err := q.QueryRow(ctx, `SELECT name FROM engine_locks WHERE name = $1 FOR UPDATE`, name).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrLockMissing, name)
	}
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return nil
}
