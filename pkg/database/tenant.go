package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// tenantSetting is read by engine_tenant_visible, the function behind every ledger RLS
// policy. Empty means the connection sees all tenants.
const tenantSetting = "app.current_tenant_id"

// ErrNilTenant is returned when a tenant scope is requested without a tenant. Unscoped
// access goes through WithoutTenant.
var ErrNilTenant = errors.New("tenant scope requires a tenant id")

// TenantScope is a pooled connection pinned to one tenant's ledger rows, or to all of them
// for workers and schedulers (TenantID is uuid.Nil).
type TenantScope struct {
	Conn     *pgxpool.Conn
	TenantID uuid.UUID
}

// Close clears the tenant setting and hands the connection back. A connection whose
// setting cannot be cleared is closed instead, so the pool never reissues it to another
// tenant.
func (s *TenantScope) Close() {
	if s.Conn == nil {
		return
	}
	ctx := context.Background()
	if _, err := s.Conn.Exec(ctx, "RESET "+tenantSetting); err != nil {
		_ = s.Conn.Conn().Close(ctx)
	}
	s.Conn.Release()
	s.Conn = nil
}

// WithTenant acquires a connection whose ledger queries only see rows of tenantID.
// Callers must defer scope.Close().
func (db *DB) WithTenant(ctx context.Context, tenantID uuid.UUID) (*TenantScope, error) {
	if tenantID == uuid.Nil {
		return nil, ErrNilTenant
	}

	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for tenant %s: %w", tenantID, err)
	}

	if _, err := conn.Exec(ctx, "SELECT set_config($1, $2, false)", tenantSetting, tenantID.String()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to scope connection to tenant %s: %w", tenantID, err)
	}

	return &TenantScope{Conn: conn, TenantID: tenantID}, nil
}

// WithoutTenant acquires a connection that sees the ledger rows of every tenant. The task
// runner, the consumer dispatcher and the retention and health schedulers work this way.
// Callers must defer scope.Close().
func (db *DB) WithoutTenant(ctx context.Context) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire unscoped connection: %w", err)
	}
	return &TenantScope{Conn: conn}, nil
}
