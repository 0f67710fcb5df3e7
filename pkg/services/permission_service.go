package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/config"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/naming"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/repositories"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/retry"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/services/synthesizer"
)

// MaxRoleNameLength is the longest role name PostgreSQL keeps without truncating.
const MaxRoleNameLength = 63

// PermissionService grants analytics roles read access to tenant objects.
type PermissionService interface {
	// ValidateRole rejects role names that are malformed or belong to the database itself.
	ValidateRole(role string) error

	// Grant gives role SELECT on schema.object. ctx must carry a transaction: the global
	// permissions lock is held until it ends.
	Grant(ctx context.Context, role, schema, object string) error
	// Revoke mirrors Grant.
	Revoke(ctx context.Context, role, schema, object string) error

	// RegisterAnalyticsUser records role as an analytics user of the tenant. With globalRead
	// the role is granted every existing table and view of the tenant schema and every one
	// synthesized later.
	RegisterAnalyticsUser(ctx context.Context, tenantID uuid.UUID, role string, globalRead bool) (*models.AnalyticsUser, error)
	// RemoveAnalyticsUser revokes everything the role was given in the tenant schema.
	RemoveAnalyticsUser(ctx context.Context, tenantID uuid.UUID, role string) error
	ListAnalyticsUsers(ctx context.Context, tenantID uuid.UUID) ([]*models.AnalyticsUser, error)

	// GrantToGlobalReaders gives every global reader of the tenant SELECT on objects.
	GrantToGlobalReaders(ctx context.Context, tenantID uuid.UUID, schema string, objects ...string) error
}

type permissionService struct {
	cfg        *config.PermissionsConfig
	tenantCtx  TenantContextFunc
	tenantRepo repositories.TenantRepository
	userRepo   repositories.AnalyticsUserRepository
	contention *retry.Config
	logger     *zap.Logger
}

// NewPermissionService creates a PermissionService.
func NewPermissionService(
	cfg *config.PermissionsConfig,
	tenantCtx TenantContextFunc,
	tenantRepo repositories.TenantRepository,
	userRepo repositories.AnalyticsUserRepository,
	contention *retry.Config,
	logger *zap.Logger,
) PermissionService {
	return &permissionService{
		cfg:        cfg,
		tenantCtx:  tenantCtx,
		tenantRepo: tenantRepo,
		userRepo:   userRepo,
		contention: contention,
		logger:     logger.Named("permissions"),
	}
}

var (
	_ PermissionService   = (*permissionService)(nil)
	_ synthesizer.Granter = (*permissionService)(nil)
)

func (s *permissionService) ValidateRole(role string) error {
	if len(role) > MaxRoleNameLength {
		return fmt.Errorf("%w: role %q exceeds %d characters", apperrors.ErrNameTooLong, role, MaxRoleNameLength)
	}
	if !naming.Validate(role, naming.CharsetSQLSafe) {
		return fmt.Errorf("%w: role %q", apperrors.ErrInvalidRole, role)
	}
	if s.cfg.IsSystemRole(role) || strings.HasPrefix(strings.ToLower(role), "pg_") {
		return fmt.Errorf("%w: %s", apperrors.ErrSystemRole, role)
	}
	return nil
}

func (s *permissionService) Grant(ctx context.Context, role, schema, object string) error {
	return s.apply(ctx, role, schema, object, true)
}

func (s *permissionService) Revoke(ctx context.Context, role, schema, object string) error {
	return s.apply(ctx, role, schema, object, false)
}

func (s *permissionService) apply(ctx context.Context, role, schema, object string, grant bool) error {
	if err := s.ValidateRole(role); err != nil {
		return err
	}
	quotedRole, err := naming.Escape(role)
	if err != nil {
		return err
	}
	quotedSchema, err := naming.Escape(schema)
	if err != nil {
		return err
	}
	target, err := naming.EscapeQualified(schema, object)
	if err != nil {
		return err
	}

	q, err := s.lockedQuerier(ctx)
	if err != nil {
		return err
	}

	var stmts []string
	if grant {
		stmts = []string{
			`GRANT USAGE ON SCHEMA ` + quotedSchema + ` TO ` + quotedRole,
			`GRANT SELECT ON TABLE ` + target + ` TO ` + quotedRole,
		}
	} else {
		stmts = []string{`REVOKE SELECT ON TABLE ` + target + ` FROM ` + quotedRole}
	}
	for _, stmt := range stmts {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to change privileges of %s on %s.%s: %w", role, schema, object, err)
		}
	}

	s.logger.Debug("Changed privileges",
		zap.String("role", role),
		zap.String("schema", schema),
		zap.String("object", object),
		zap.Bool("grant", grant))
	return nil
}

// lockedQuerier returns the transaction in ctx after taking the permissions lock. GRANT and
// REVOKE rewrite shared catalog rows; running them concurrently fails with
// "tuple concurrently updated".
func (s *permissionService) lockedQuerier(ctx context.Context) (database.Querier, error) {
	tx, ok := database.GetTx(ctx)
	if !ok {
		return nil, fmt.Errorf("privilege changes require a transaction")
	}
	if err := database.AcquireNamedLock(ctx, tx, database.LockPostgresPermissions); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *permissionService) RegisterAnalyticsUser(ctx context.Context, tenantID uuid.UUID, role string, globalRead bool) (*models.AnalyticsUser, error) {
	if err := s.ValidateRole(role); err != nil {
		return nil, err
	}

	var user *models.AnalyticsUser
	err := retry.DoWhen(ctx, s.contention, database.IsContention, func() error {
		return withTenantTx(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
			exists, err := s.userRepo.RoleExists(ctx, role)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: role %q does not exist", apperrors.ErrInvalidRole, role)
			}

			user = &models.AnalyticsUser{TenantID: tenantID, Role: role, TenantGlobalRead: globalRead}
			if err := s.userRepo.Create(ctx, user); err != nil {
				return err
			}
			if !globalRead {
				return nil
			}

			schema, objects, err := s.tenantObjects(ctx, tenantID)
			if err != nil {
				return err
			}
			for _, object := range objects {
				if err := s.Grant(ctx, role, schema, object); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Registered analytics user",
		zap.String("tenant_id", tenantID.String()),
		zap.String("role", role),
		zap.Bool("tenant_global_read", globalRead))
	return user, nil
}

func (s *permissionService) RemoveAnalyticsUser(ctx context.Context, tenantID uuid.UUID, role string) error {
	err := retry.DoWhen(ctx, s.contention, database.IsContention, func() error {
		return withTenantTx(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
			user, err := s.userRepo.GetByRole(ctx, tenantID, role)
			if err != nil {
				return err
			}
			tenant, err := s.tenantRepo.GetByID(ctx, tenantID)
			if err != nil {
				return err
			}
			schema, err := naming.TenantSchemaName(tenant.Name)
			if err != nil {
				return err
			}

			if err := s.revokeAll(ctx, role, schema); err != nil {
				return err
			}
			return s.userRepo.SoftDelete(ctx, tenantID, user.ID)
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("Removed analytics user",
		zap.String("tenant_id", tenantID.String()),
		zap.String("role", role))
	return nil
}

// revokeAll takes back every privilege role holds in schema. A schema that was never
// created holds none.
func (s *permissionService) revokeAll(ctx context.Context, role, schema string) error {
	q, err := s.lockedQuerier(ctx)
	if err != nil {
		return err
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_namespace WHERE nspname = $1)`, schema).Scan(&exists); err != nil {
		return fmt.Errorf("failed to look up schema %s: %w", schema, err)
	}
	if !exists {
		return nil
	}

	quotedRole, err := naming.Escape(role)
	if err != nil {
		return err
	}
	quotedSchema, err := naming.Escape(schema)
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		`REVOKE ALL ON ALL TABLES IN SCHEMA ` + quotedSchema + ` FROM ` + quotedRole,
		`REVOKE USAGE ON SCHEMA ` + quotedSchema + ` FROM ` + quotedRole,
	} {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to revoke privileges of %s in %s: %w", role, schema, err)
		}
	}
	return nil
}

func (s *permissionService) ListAnalyticsUsers(ctx context.Context, tenantID uuid.UUID) ([]*models.AnalyticsUser, error) {
	var users []*models.AnalyticsUser
	err := withTenant(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
		var err error
		users, err = s.userRepo.List(ctx, tenantID)
		return err
	})
	return users, err
}

func (s *permissionService) GrantToGlobalReaders(ctx context.Context, tenantID uuid.UUID, schema string, objects ...string) error {
	readers, err := s.userRepo.ListGlobalReaders(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, reader := range readers {
		for _, object := range objects {
			if err := s.Grant(ctx, reader.Role, schema, object); err != nil {
				return err
			}
		}
	}
	return nil
}

// tenantObjects lists the tables and views of the tenant schema that global readers see.
func (s *permissionService) tenantObjects(ctx context.Context, tenantID uuid.UUID) (string, []string, error) {
	tenant, err := s.tenantRepo.GetByID(ctx, tenantID)
	if err != nil {
		return "", nil, err
	}
	schema, err := naming.TenantSchemaName(tenant.Name)
	if err != nil {
		return "", nil, err
	}

	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return "", nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relkind IN ('r', 'v', 'p')
		ORDER BY c.relname`, schema)
	if err != nil {
		return "", nil, fmt.Errorf("failed to list objects of %s: %w", schema, err)
	}
	defer rows.Close()

	var objects []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", nil, fmt.Errorf("failed to scan object name: %w", err)
		}
		objects = append(objects, name)
	}
	return schema, objects, rows.Err()
}
