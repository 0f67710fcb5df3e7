package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/naming"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/repositories"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/services/synthesizer"
)

// DefaultBackend is used for data series created without an explicit backend.
const DefaultBackend = models.BackendMaterialized

// TaskSpawner enqueues migration tasks inside the caller's transaction.
type TaskSpawner interface {
	Spawn(ctx context.Context, tenantID uuid.UUID, taskType string, dataSeriesID *uuid.UUID, data map[string]any) (*models.MetaModelTaskData, error)
}

// MetamodelService is the registry of data series, their facts, dimensions, indexes and
// consumers. Every structural change is committed together with the task that brings the
// physical tables in line with it.
type MetamodelService interface {
	CreateTenant(ctx context.Context, name string) (*models.Tenant, error)
	GetTenantByName(ctx context.Context, name string) (*models.Tenant, error)

	CreateDataSeries(ctx context.Context, tenantID uuid.UUID, ds *models.DataSeries) error
	GetDataSeries(ctx context.Context, tenantID, id uuid.UUID) (*models.DataSeries, error)
	GetDataSeriesByExternalID(ctx context.Context, tenantID uuid.UUID, externalID string) (*models.DataSeries, error)
	ListDataSeries(ctx context.Context, tenantID uuid.UUID, includeDeleted bool) ([]*models.DataSeries, error)
	// UpdateDataSeries changes name, allow_extra_fields and locked. The backend is immutable.
	UpdateDataSeries(ctx context.Context, tenantID, id uuid.UUID, update models.DataSeriesUpdate) (*models.DataSeries, error)
	// DeleteDataSeries soft deletes the series; storage triggers cascade to its children.
	DeleteDataSeries(ctx context.Context, tenantID, id uuid.UUID) error
	// RequestSync enqueues a synchronization of the series without changing it.
	RequestSync(ctx context.Context, tenantID, id uuid.UUID) error

	AddFact(ctx context.Context, tenantID, dataSeriesID uuid.UUID, fact *models.Fact) error
	RemoveFact(ctx context.Context, tenantID, dataSeriesID, factID uuid.UUID) error
	ListFacts(ctx context.Context, tenantID, dataSeriesID uuid.UUID, includeDeleted bool) ([]*models.Fact, error)

	AddDimension(ctx context.Context, tenantID, dataSeriesID uuid.UUID, dim *models.Dimension) error
	RemoveDimension(ctx context.Context, tenantID, dataSeriesID, dimensionID uuid.UUID) error
	ListDimensions(ctx context.Context, tenantID, dataSeriesID uuid.UUID, includeDeleted bool) ([]*models.Dimension, error)

	AddIndex(ctx context.Context, tenantID, dataSeriesID uuid.UUID, idx *models.UserDefinedIndex) error
	RemoveIndex(ctx context.Context, tenantID, dataSeriesID, indexID uuid.UUID) error
	ListIndexes(ctx context.Context, tenantID, dataSeriesID uuid.UUID, includeDeleted bool) ([]*models.UserDefinedIndex, error)

	AddConsumer(ctx context.Context, tenantID, dataSeriesID uuid.UUID, c *models.Consumer) error
	RemoveConsumer(ctx context.Context, tenantID, dataSeriesID, consumerID uuid.UUID) error
	ListConsumers(ctx context.Context, tenantID, dataSeriesID uuid.UUID) ([]*models.Consumer, error)
}

type metamodelService struct {
	db             *database.DB
	tenantCtx      TenantContextFunc
	schemas        *database.SchemaManager
	tenantRepo     repositories.TenantRepository
	dataSeriesRepo repositories.DataSeriesRepository
	factRepo       repositories.FactRepository
	dimensionRepo  repositories.DimensionRepository
	indexRepo      repositories.IndexRepository
	consumerRepo   repositories.ConsumerRepository
	spawner        TaskSpawner
	logger         *zap.Logger
}

// MetamodelRepositories groups the ledger repositories the metamodel service writes to.
type MetamodelRepositories struct {
	Tenant     repositories.TenantRepository
	DataSeries repositories.DataSeriesRepository
	Fact       repositories.FactRepository
	Dimension  repositories.DimensionRepository
	Index      repositories.IndexRepository
	Consumer   repositories.ConsumerRepository
}

// NewMetamodelService creates a MetamodelService.
func NewMetamodelService(
	db *database.DB,
	tenantCtx TenantContextFunc,
	schemas *database.SchemaManager,
	repos MetamodelRepositories,
	spawner TaskSpawner,
	logger *zap.Logger,
) MetamodelService {
	return &metamodelService{
		db:             db,
		tenantCtx:      tenantCtx,
		schemas:        schemas,
		tenantRepo:     repos.Tenant,
		dataSeriesRepo: repos.DataSeries,
		factRepo:       repos.Fact,
		dimensionRepo:  repos.Dimension,
		indexRepo:      repos.Index,
		consumerRepo:   repos.Consumer,
		spawner:        spawner,
		logger:         logger.Named("metamodel-service"),
	}
}

var _ MetamodelService = (*metamodelService)(nil)

func (s *metamodelService) CreateTenant(ctx context.Context, name string) (*models.Tenant, error) {
	// Reject names that cannot form a schema before anything is recorded.
	if _, err := naming.TenantSchemaName(name); err != nil {
		return nil, err
	}

	scope, err := s.db.WithoutTenant(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer scope.Close()

	// The ledger row and the schema commit together, so a failed schema leaves no tenant.
	var tenant *models.Tenant
	var schema string
	err = database.InTx(database.SetTenantScope(ctx, scope), func(ctx context.Context) error {
		var err error
		if tenant, err = s.tenantRepo.Create(ctx, name); err != nil {
			return err
		}
		schema, err = s.schemas.EnsureSchema(ctx, name)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Created tenant",
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("schema", schema))
	return tenant, nil
}

func (s *metamodelService) GetTenantByName(ctx context.Context, name string) (*models.Tenant, error) {
	scope, err := s.db.WithoutTenant(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer scope.Close()
	return s.tenantRepo.GetByName(database.SetTenantScope(ctx, scope), name)
}

func (s *metamodelService) CreateDataSeries(ctx context.Context, tenantID uuid.UUID, ds *models.DataSeries) error {
	if err := naming.ValidateExternalID(ds.ExternalID, naming.CharsetURLSafe); err != nil {
		return err
	}
	if ds.Backend == "" {
		ds.Backend = DefaultBackend
	}
	if !ds.Backend.IsValid() {
		return fmt.Errorf("%w: %s", apperrors.ErrUnsupportedBackend, ds.Backend)
	}
	if ds.Name == "" {
		ds.Name = ds.ExternalID
	}
	ds.TenantID = tenantID

	err := withTenantTx(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
		if err := s.dataSeriesRepo.Create(ctx, ds); err != nil {
			return err
		}
		return s.requestSync(ctx, ds)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Created data series",
		zap.String("tenant_id", tenantID.String()),
		zap.String("data_series_id", ds.ID.String()),
		zap.String("external_id", ds.ExternalID),
		zap.String("backend", string(ds.Backend)))
	return nil
}

func (s *metamodelService) GetDataSeries(ctx context.Context, tenantID, id uuid.UUID) (*models.DataSeries, error) {
	var ds *models.DataSeries
	err := withTenant(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
		var err error
		ds, err = s.dataSeriesRepo.GetByID(ctx, tenantID, id)
		return err
	})
	return ds, err
}

func (s *metamodelService) GetDataSeriesByExternalID(ctx context.Context, tenantID uuid.UUID, externalID string) (*models.DataSeries, error) {
	var ds *models.DataSeries
	err := withTenant(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
		var err error
		ds, err = s.dataSeriesRepo.GetByExternalID(ctx, tenantID, externalID)
		return err
	})
	return ds, err
}

func (s *metamodelService) ListDataSeries(ctx context.Context, tenantID uuid.UUID, includeDeleted bool) ([]*models.DataSeries, error) {
	var list []*models.DataSeries
	err := withTenant(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
		var err error
		list, err = s.dataSeriesRepo.List(ctx, tenantID, includeDeleted)
		return err
	})
	return list, err
}

func (s *metamodelService) UpdateDataSeries(ctx context.Context, tenantID, id uuid.UUID, update models.DataSeriesUpdate) (*models.DataSeries, error) {
	if update.Name != nil && *update.Name == "" {
		return nil, fmt.Errorf("%w: name must not be empty", apperrors.ErrInvalidValue)
	}

	var ds *models.DataSeries
	err := withTenantTx(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
		var err error
		ds, err = s.dataSeriesRepo.GetForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if update.Name != nil {
			ds.Name = *update.Name
		}
		if update.AllowExtraFields != nil {
			ds.AllowExtraFields = *update.AllowExtraFields
		}
		if update.Locked != nil {
			ds.Locked = *update.Locked
		}
		return s.dataSeriesRepo.Update(ctx, ds)
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func (s *metamodelService) DeleteDataSeries(ctx context.Context, tenantID, id uuid.UUID) error {
	return s.mutate(ctx, tenantID, id, "delete data series", func(ctx context.Context, ds *models.DataSeries) error {
		// The sync task sees the series as deleted and drops its view.
		return s.dataSeriesRepo.SoftDelete(ctx, tenantID, ds.ID)
	})
}

func (s *metamodelService) RequestSync(ctx context.Context, tenantID, id uuid.UUID) error {
	return withTenantTx(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
		ds, err := s.dataSeriesRepo.GetByID(ctx, tenantID, id)
		if err != nil {
			return err
		}
		return s.requestSync(ctx, ds)
	})
}

func (s *metamodelService) AddFact(ctx context.Context, tenantID, dataSeriesID uuid.UUID, fact *models.Fact) error {
	if !fact.Kind.IsValid() {
		return fmt.Errorf("%w: unknown fact kind %q", apperrors.ErrInvalidValue, fact.Kind)
	}
	if err := naming.ValidateExternalID(fact.ExternalID, naming.CharsetSQLSafe); err != nil {
		return err
	}
	if fact.Name == "" {
		fact.Name = fact.ExternalID
	}

	return s.mutate(ctx, tenantID, dataSeriesID, "add fact", func(ctx context.Context, ds *models.DataSeries) error {
		if err := s.checkExternalIDFree(ctx, tenantID, ds.ID, fact.ExternalID); err != nil {
			return err
		}
		fact.TenantID = tenantID
		fact.DataSeriesID = ds.ID
		return s.factRepo.Create(ctx, fact)
	})
}

func (s *metamodelService) RemoveFact(ctx context.Context, tenantID, dataSeriesID, factID uuid.UUID) error {
	return s.mutate(ctx, tenantID, dataSeriesID, "remove fact", func(ctx context.Context, ds *models.DataSeries) error {
		fact, err := s.factRepo.GetByID(ctx, tenantID, factID)
		if err != nil {
			return err
		}
		if fact.DataSeriesID != ds.ID || fact.DeletedAt != nil {
			return fmt.Errorf("%w: fact %s of data series %s", apperrors.ErrNotFound, factID, ds.ID)
		}
		return s.factRepo.SoftDelete(ctx, tenantID, factID)
	})
}

func (s *metamodelService) ListFacts(ctx context.Context, tenantID, dataSeriesID uuid.UUID, includeDeleted bool) ([]*models.Fact, error) {
	var facts []*models.Fact
	err := withTenant(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
		var err error
		facts, err = s.factRepo.ListByDataSeries(ctx, tenantID, dataSeriesID, includeDeleted)
		return err
	})
	return facts, err
}

func (s *metamodelService) AddDimension(ctx context.Context, tenantID, dataSeriesID uuid.UUID, dim *models.Dimension) error {
	if err := naming.ValidateExternalID(dim.ExternalID, naming.CharsetSQLSafe); err != nil {
		return err
	}
	if dim.Name == "" {
		dim.Name = dim.ExternalID
	}

	return s.mutate(ctx, tenantID, dataSeriesID, "add dimension", func(ctx context.Context, ds *models.DataSeries) error {
		ref, err := s.dataSeriesRepo.GetByID(ctx, tenantID, dim.ReferenceID)
		if err != nil {
			return fmt.Errorf("referenced data series: %w", err)
		}
		if ref.IsDeleted() {
			return fmt.Errorf("%w: referenced data series %s is deleted", apperrors.ErrNotFound, ref.ID)
		}
		if err := s.checkExternalIDFree(ctx, tenantID, ds.ID, dim.ExternalID); err != nil {
			return err
		}
		dim.TenantID = tenantID
		dim.DataSeriesID = ds.ID
		return s.dimensionRepo.Create(ctx, dim)
	})
}

func (s *metamodelService) RemoveDimension(ctx context.Context, tenantID, dataSeriesID, dimensionID uuid.UUID) error {
	return s.mutate(ctx, tenantID, dataSeriesID, "remove dimension", func(ctx context.Context, ds *models.DataSeries) error {
		dim, err := s.dimensionRepo.GetByID(ctx, tenantID, dimensionID)
		if err != nil {
			return err
		}
		if dim.DataSeriesID != ds.ID || dim.DeletedAt != nil {
			return fmt.Errorf("%w: dimension %s of data series %s", apperrors.ErrNotFound, dimensionID, ds.ID)
		}
		return s.dimensionRepo.SoftDelete(ctx, tenantID, dimensionID)
	})
}

func (s *metamodelService) ListDimensions(ctx context.Context, tenantID, dataSeriesID uuid.UUID, includeDeleted bool) ([]*models.Dimension, error) {
	var dims []*models.Dimension
	err := withTenant(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
		var err error
		dims, err = s.dimensionRepo.ListByDataSeries(ctx, tenantID, dataSeriesID, includeDeleted)
		return err
	})
	return dims, err
}

func (s *metamodelService) AddIndex(ctx context.Context, tenantID, dataSeriesID uuid.UUID, idx *models.UserDefinedIndex) error {
	if err := naming.ValidateExternalID(idx.ExternalID, naming.CharsetURLSafe); err != nil {
		return err
	}
	if len(idx.Targets) == 0 {
		return fmt.Errorf("%w: index %s has no targets", apperrors.ErrInvalidValue, idx.ExternalID)
	}
	if idx.Name == "" {
		idx.Name = idx.ExternalID
	}

	return s.mutate(ctx, tenantID, dataSeriesID, "add index", func(ctx context.Context, ds *models.DataSeries) error {
		if err := s.validateIndexTargets(ctx, ds, idx.Targets); err != nil {
			return err
		}
		idx.TenantID = tenantID
		idx.DataSeriesID = ds.ID
		return s.indexRepo.Create(ctx, idx)
	})
}

// validateIndexTargets checks that every target is a live fact or dimension of ds of the
// declared type, and that positions are unique.
func (s *metamodelService) validateIndexTargets(ctx context.Context, ds *models.DataSeries, targets []models.IndexTarget) error {
	facts, err := s.factRepo.ListByDataSeries(ctx, ds.TenantID, ds.ID, false)
	if err != nil {
		return err
	}
	dims, err := s.dimensionRepo.ListByDataSeries(ctx, ds.TenantID, ds.ID, false)
	if err != nil {
		return err
	}

	types := make(map[uuid.UUID]models.IndexTargetType, len(facts)+len(dims))
	for _, f := range facts {
		types[f.ID] = models.IndexTargetForKind(f.Kind)
	}
	for _, d := range dims {
		types[d.ID] = models.IndexTargetDimension
	}

	positions := make(map[int]bool, len(targets))
	for _, t := range targets {
		if !t.TargetType.IsValid() {
			return fmt.Errorf("%w: unknown index target type %q", apperrors.ErrInvalidValue, t.TargetType)
		}
		got, ok := types[t.TargetID]
		if !ok || got != t.TargetType {
			return fmt.Errorf("%w: index target %s is not a live %s of data series %s",
				apperrors.ErrInvalidValue, t.TargetID, t.TargetType, ds.ID)
		}
		if positions[t.Position] {
			return fmt.Errorf("%w: duplicate index target position %d", apperrors.ErrInvalidValue, t.Position)
		}
		positions[t.Position] = true
	}
	return nil
}

func (s *metamodelService) RemoveIndex(ctx context.Context, tenantID, dataSeriesID, indexID uuid.UUID) error {
	return s.mutate(ctx, tenantID, dataSeriesID, "remove index", func(ctx context.Context, ds *models.DataSeries) error {
		idx, err := s.indexRepo.GetByID(ctx, tenantID, indexID)
		if err != nil {
			return err
		}
		if idx.DataSeriesID != ds.ID || idx.DeletedAt != nil {
			return fmt.Errorf("%w: index %s of data series %s", apperrors.ErrNotFound, indexID, ds.ID)
		}
		return s.indexRepo.SoftDelete(ctx, tenantID, indexID)
	})
}

func (s *metamodelService) ListIndexes(ctx context.Context, tenantID, dataSeriesID uuid.UUID, includeDeleted bool) ([]*models.UserDefinedIndex, error) {
	var indexes []*models.UserDefinedIndex
	err := withTenant(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
		var err error
		indexes, err = s.indexRepo.ListByDataSeries(ctx, tenantID, dataSeriesID, includeDeleted)
		return err
	})
	return indexes, err
}

func (s *metamodelService) AddConsumer(ctx context.Context, tenantID, dataSeriesID uuid.UUID, c *models.Consumer) error {
	if err := naming.ValidateExternalID(c.ExternalID, naming.CharsetURLSafe); err != nil {
		return err
	}
	if c.Name == "" {
		c.Name = c.ExternalID
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return err
	}

	// Consumers have no physical footprint, so no sync is requested.
	return withTenantTx(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
		ds, err := s.dataSeriesRepo.GetForUpdate(ctx, tenantID, dataSeriesID)
		if err != nil {
			return err
		}
		c.TenantID = tenantID
		c.DataSeriesID = ds.ID
		return s.consumerRepo.Create(ctx, c)
	})
}

func (s *metamodelService) RemoveConsumer(ctx context.Context, tenantID, dataSeriesID, consumerID uuid.UUID) error {
	return withTenantTx(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
		c, err := s.consumerRepo.GetForUpdate(ctx, tenantID, consumerID)
		if err != nil {
			return err
		}
		if c.DataSeriesID != dataSeriesID {
			return fmt.Errorf("%w: consumer %s of data series %s", apperrors.ErrNotFound, consumerID, dataSeriesID)
		}
		return s.consumerRepo.SoftDelete(ctx, tenantID, consumerID)
	})
}

func (s *metamodelService) ListConsumers(ctx context.Context, tenantID, dataSeriesID uuid.UUID) ([]*models.Consumer, error) {
	var consumers []*models.Consumer
	err := withTenant(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
		var err error
		consumers, err = s.consumerRepo.ListByDataSeries(ctx, tenantID, dataSeriesID, false)
		return err
	})
	return consumers, err
}

// mutate runs a structural edit under the row lock of the series and requests a sync of the
// series in the same transaction.
func (s *metamodelService) mutate(ctx context.Context, tenantID, dataSeriesID uuid.UUID, what string, fn func(ctx context.Context, ds *models.DataSeries) error) error {
	err := withTenantTx(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
		ds, err := s.dataSeriesRepo.GetForUpdate(ctx, tenantID, dataSeriesID)
		if err != nil {
			return err
		}
		if ds.Locked {
			return fmt.Errorf("%w: %s", apperrors.ErrLocked, ds.ExternalID)
		}
		if err := fn(ctx, ds); err != nil {
			return err
		}
		return s.requestSync(ctx, ds)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Applied metamodel change",
		zap.String("change", what),
		zap.String("tenant_id", tenantID.String()),
		zap.String("data_series_id", dataSeriesID.String()))
	return nil
}

// checkExternalIDFree fails with ErrConflict when a live fact or dimension of the series
// already uses externalID. Both kinds share the series' column namespace and payload keys.
// Callers hold the series row lock.
func (s *metamodelService) checkExternalIDFree(ctx context.Context, tenantID, dataSeriesID uuid.UUID, externalID string) error {
	facts, err := s.factRepo.ListByDataSeries(ctx, tenantID, dataSeriesID, false)
	if err != nil {
		return err
	}
	for _, f := range facts {
		if f.ExternalID == externalID {
			return fmt.Errorf("%w: external_id %q is used by fact %s", apperrors.ErrConflict, externalID, f.ID)
		}
	}

	dims, err := s.dimensionRepo.ListByDataSeries(ctx, tenantID, dataSeriesID, false)
	if err != nil {
		return err
	}
	for _, d := range dims {
		if d.ExternalID == externalID {
			return fmt.Errorf("%w: external_id %q is used by dimension %s", apperrors.ErrConflict, externalID, d.ID)
		}
	}
	return nil
}

func (s *metamodelService) requestSync(ctx context.Context, ds *models.DataSeries) error {
	backend, err := synthesizer.BackendFor(ds.Backend)
	if err != nil {
		return err
	}
	if _, err := s.spawner.Spawn(ctx, ds.TenantID, backend.TaskType, &ds.ID, nil); err != nil {
		return fmt.Errorf("failed to request sync of data series %s: %w", ds.ID, err)
	}
	return nil
}
