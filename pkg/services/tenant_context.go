package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
)

// TenantContextFunc acquires a tenant-scoped database connection.
// Returns the scoped context, a cleanup function (MUST be called), and any error.
type TenantContextFunc func(ctx context.Context, tenantID uuid.UUID) (context.Context, func(), error)

// NewTenantContextFunc creates a TenantContextFunc that uses the given database.
func NewTenantContextFunc(db *database.DB) TenantContextFunc {
	return func(ctx context.Context, tenantID uuid.UUID) (context.Context, func(), error) {
		scope, err := db.WithTenant(ctx, tenantID)
		if err != nil {
			return nil, nil, err
		}
		tenantCtx := database.SetTenantScope(ctx, scope)
		return tenantCtx, func() { scope.Close() }, nil
	}
}

// WithProvenanceWrapper attaches p to every context produced by inner, so tasks spawned
// under it are attributed to p's actor.
func WithProvenanceWrapper(inner TenantContextFunc, p models.ProvenanceContext) TenantContextFunc {
	return func(ctx context.Context, tenantID uuid.UUID) (context.Context, func(), error) {
		tenantCtx, cleanup, err := inner(ctx, tenantID)
		if err != nil {
			return nil, nil, err
		}
		return models.WithProvenance(tenantCtx, p), cleanup, nil
	}
}

// withTenantTx runs fn in a transaction scoped to tenantID. When ctx already carries a
// transaction fn joins it, which lets callers group several operations and their task
// spawns into one commit.
func withTenantTx(ctx context.Context, tenantCtx TenantContextFunc, tenantID uuid.UUID, fn func(ctx context.Context) error) error {
	if _, ok := database.GetTx(ctx); ok {
		return fn(ctx)
	}
	scoped, cleanup, err := tenantCtx(ctx, tenantID)
	if err != nil {
		return err
	}
	defer cleanup()
	return database.InTx(scoped, fn)
}

// withTenant runs fn on a connection scoped to tenantID, or on the transaction already in ctx.
func withTenant(ctx context.Context, tenantCtx TenantContextFunc, tenantID uuid.UUID, fn func(ctx context.Context) error) error {
	if _, ok := database.GetTx(ctx); ok {
		return fn(ctx)
	}
	scoped, cleanup, err := tenantCtx(ctx, tenantID)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(scoped)
}
