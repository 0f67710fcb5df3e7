package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
)

// AnalyticsUserRepository provides data access for analytics users.
type AnalyticsUserRepository interface {
	Create(ctx context.Context, u *models.AnalyticsUser) error
	GetByRole(ctx context.Context, tenantID uuid.UUID, role string) (*models.AnalyticsUser, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]*models.AnalyticsUser, error)
	ListGlobalReaders(ctx context.Context, tenantID uuid.UUID) ([]*models.AnalyticsUser, error)
	SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error
	// RoleExists checks the server catalog, not the ledger.
	RoleExists(ctx context.Context, role string) (bool, error)
}

type analyticsUserRepository struct{}

// NewAnalyticsUserRepository creates a new AnalyticsUserRepository.
func NewAnalyticsUserRepository() AnalyticsUserRepository {
	return &analyticsUserRepository{}
}

var _ AnalyticsUserRepository = (*analyticsUserRepository)(nil)

const analyticsUserColumns = `id, tenant_id, role, tenant_global_read, created_at, deleted_at`

func (r *analyticsUserRepository) Create(ctx context.Context, u *models.AnalyticsUser) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	err = q.QueryRow(ctx, `
		INSERT INTO engine_analytics_users (tenant_id, role, tenant_global_read)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`, u.TenantID, u.Role, u.TenantGlobalRead,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return conflictOr(err, fmt.Sprintf("create analytics user %q", u.Role))
	}
	return nil
}

func (r *analyticsUserRepository) GetByRole(ctx context.Context, tenantID uuid.UUID, role string) (*models.AnalyticsUser, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	u, err := scanAnalyticsUser(q.QueryRow(ctx, `SELECT `+analyticsUserColumns+`
		FROM engine_analytics_users
		WHERE tenant_id = $1 AND role = $2 AND deleted_at IS NULL`, tenantID, role))
	if err != nil {
		return nil, notFoundOr(err, "get analytics user")
	}
	return u, nil
}

func (r *analyticsUserRepository) List(ctx context.Context, tenantID uuid.UUID) ([]*models.AnalyticsUser, error) {
	return r.list(ctx, `WHERE tenant_id = $1 AND deleted_at IS NULL`, tenantID)
}

func (r *analyticsUserRepository) ListGlobalReaders(ctx context.Context, tenantID uuid.UUID) ([]*models.AnalyticsUser, error) {
	return r.list(ctx, `WHERE tenant_id = $1 AND deleted_at IS NULL AND tenant_global_read`, tenantID)
}

func (r *analyticsUserRepository) list(ctx context.Context, where string, tenantID uuid.UUID) ([]*models.AnalyticsUser, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT `+analyticsUserColumns+` FROM engine_analytics_users `+where+` ORDER BY role`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list analytics users: %w", err)
	}
	defer rows.Close()

	var users []*models.AnalyticsUser
	for rows.Next() {
		u, err := scanAnalyticsUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analytics user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *analyticsUserRepository) SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE engine_analytics_users SET deleted_at = now()
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete analytics user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundOr(pgx.ErrNoRows, "delete analytics user")
	}
	return nil
}

func (r *analyticsUserRepository) RoleExists(ctx context.Context, role string) (bool, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return false, err
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)`, role).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to look up role: %w", err)
	}
	return exists, nil
}

func scanAnalyticsUser(row pgx.Row) (*models.AnalyticsUser, error) {
	var u models.AnalyticsUser
	if err := row.Scan(&u.ID, &u.TenantID, &u.Role, &u.TenantGlobalRead, &u.CreatedAt, &u.DeletedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
