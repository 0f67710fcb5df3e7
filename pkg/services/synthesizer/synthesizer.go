package synthesizer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/naming"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/repositories"
)

// Granter extends read access on newly synthesized objects to the tenant's global readers.
type Granter interface {
	GrantToGlobalReaders(ctx context.Context, tenantID uuid.UUID, schema string, objects ...string) error
}

// Service applies synchronization plans. It must run inside the transaction of the task
// that requested the sync so a failed step rolls back together with the task claim.
type Service struct {
	tenantRepo     repositories.TenantRepository
	dataSeriesRepo repositories.DataSeriesRepository
	factRepo       repositories.FactRepository
	dimensionRepo  repositories.DimensionRepository
	indexRepo      repositories.IndexRepository
	partitionRepo  repositories.PartitionRepository
	granter        Granter
	logger         *zap.Logger
}

// NewService creates a synthesizer Service. granter may be nil.
func NewService(
	tenantRepo repositories.TenantRepository,
	dataSeriesRepo repositories.DataSeriesRepository,
	factRepo repositories.FactRepository,
	dimensionRepo repositories.DimensionRepository,
	indexRepo repositories.IndexRepository,
	partitionRepo repositories.PartitionRepository,
	granter Granter,
	logger *zap.Logger,
) *Service {
	return &Service{
		tenantRepo:     tenantRepo,
		dataSeriesRepo: dataSeriesRepo,
		factRepo:       factRepo,
		dimensionRepo:  dimensionRepo,
		indexRepo:      indexRepo,
		partitionRepo:  partitionRepo,
		granter:        granter,
		logger:         logger.Named("synthesizer"),
	}
}

// HandleTask is the task handler registered for every backend's sync task type.
func (s *Service) HandleTask(ctx context.Context, task *models.MetaModelTaskData) error {
	if task.DataSeriesID == nil {
		return fmt.Errorf("sync task %s has no data series", task.ID)
	}
	return s.Sync(ctx, task.TenantID, *task.DataSeriesID)
}

// Sync brings the physical objects of a data series in line with its live metamodel.
// The transaction in ctx is required; DDL of one tenant is serialized through a
// transaction scoped advisory lock on the tenant schema.
func (s *Service) Sync(ctx context.Context, tenantID, dataSeriesID uuid.UUID) error {
	if _, ok := database.GetTx(ctx); !ok {
		return fmt.Errorf("sync of data series %s requires a transaction", dataSeriesID)
	}
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	tenant, err := s.tenantRepo.GetByID(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load tenant: %w", err)
	}
	ds, err := s.dataSeriesRepo.GetByID(ctx, tenantID, dataSeriesID)
	if err != nil {
		return fmt.Errorf("failed to load data series: %w", err)
	}
	schema, err := naming.TenantSchemaName(tenant.Name)
	if err != nil {
		return err
	}

	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, schema); err != nil {
		return fmt.Errorf("failed to lock tenant schema %s: %w", schema, err)
	}
	if _, err := database.EnsureSchemaTx(ctx, q, tenant.Name); err != nil {
		return err
	}

	state, err := s.loadState(ctx, q, tenant, schema, ds)
	if err != nil {
		return err
	}
	plan, err := PlanSync(state)
	if err != nil {
		return err
	}

	for _, stmt := range plan.Statements {
		if _, err := q.Exec(ctx, stmt.SQL); err != nil {
			return fmt.Errorf("failed to %s: %w", stmt.Description, err)
		}
	}
	for i := range plan.Partitions {
		if err := s.partitionRepo.Register(ctx, &plan.Partitions[i]); err != nil {
			return err
		}
	}
	if s.granter != nil && len(plan.Grants) > 0 {
		if err := s.granter.GrantToGlobalReaders(ctx, tenantID, schema, plan.Grants...); err != nil {
			return fmt.Errorf("failed to grant read access: %w", err)
		}
	}

	s.logger.Info("Synchronized data series",
		zap.String("tenant", tenant.Name),
		zap.String("data_series_id", ds.ID.String()),
		zap.String("backend", string(ds.Backend)),
		zap.Bool("deleted", ds.IsDeleted()),
		zap.Int("statements", len(plan.Statements)),
		zap.Int("partitions", len(plan.Partitions)))
	s.logger.Debug("Applied statements", zap.String("statements", describe(plan.Statements)))
	return nil
}

func (s *Service) loadState(ctx context.Context, q database.Querier, tenant *models.Tenant, schema string, ds *models.DataSeries) (*State, error) {
	state := &State{TenantName: tenant.Name, Schema: schema, DataSeries: ds}
	if ds.IsDeleted() {
		return state, nil
	}

	var err error
	if state.Facts, err = s.factRepo.ListByDataSeries(ctx, tenant.ID, ds.ID, true); err != nil {
		return nil, fmt.Errorf("failed to load facts: %w", err)
	}
	if state.Dimensions, err = s.dimensionRepo.ListByDataSeries(ctx, tenant.ID, ds.ID, true); err != nil {
		return nil, fmt.Errorf("failed to load dimensions: %w", err)
	}
	if state.Indexes, err = s.indexRepo.ListByDataSeries(ctx, tenant.ID, ds.ID, true); err != nil {
		return nil, fmt.Errorf("failed to load indexes: %w", err)
	}

	state.ExistingColumns = make(map[string]map[string]bool)
	for _, name := range []string{
		naming.MaterializedTableName(ds.PhysicalID(), ds.ExternalID),
		naming.FlatHistoryTableName(ds.PhysicalID(), ds.ExternalID),
	} {
		cols, err := existingColumns(ctx, q, schema, name)
		if err != nil {
			return nil, err
		}
		state.ExistingColumns[name] = cols
	}
	return state, nil
}

// existingColumns introspects the columns of schema.table. A missing table has none.
func existingColumns(ctx context.Context, q database.Querier, schema, table string) (map[string]bool, error) {
	rows, err := q.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
