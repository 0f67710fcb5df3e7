package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/naming"
)

// TenantRepository provides data access for tenants.
type TenantRepository interface {
	Create(ctx context.Context, name string) (*models.Tenant, error)
	GetByID(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error)
	GetByName(ctx context.Context, name string) (*models.Tenant, error)
}

type tenantRepository struct{}

// NewTenantRepository creates a new TenantRepository.
func NewTenantRepository() TenantRepository {
	return &tenantRepository{}
}

var _ TenantRepository = (*tenantRepository)(nil)

// Create validates the tenant name against the schema naming rules before inserting it, so a
// tenant that could never get a schema is never registered.
func (r *tenantRepository) Create(ctx context.Context, name string) (*models.Tenant, error) {
	if _, err := naming.TenantSchemaName(name); err != nil {
		return nil, err
	}

	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	t := &models.Tenant{Name: name}
	err = q.QueryRow(ctx, `
		INSERT INTO engine_tenants (name) VALUES ($1)
		RETURNING id, created_at`, name).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return nil, conflictOr(err, "create tenant")
	}
	return t, nil
}

func (r *tenantRepository) GetByID(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var t models.Tenant
	err = q.QueryRow(ctx, `SELECT id, name, created_at FROM engine_tenants WHERE id = $1`, tenantID).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("get tenant %s", tenantID))
	}
	return &t, nil
}

func (r *tenantRepository) GetByName(ctx context.Context, name string) (*models.Tenant, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var t models.Tenant
	err = q.QueryRow(ctx, `SELECT id, name, created_at FROM engine_tenants WHERE name = $1`, name).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "get tenant by name")
	}
	return &t, nil
}
