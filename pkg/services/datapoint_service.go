package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/naming"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/repositories"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/retry"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/services/synthesizer"
)

// MaxDimensionValueLength bounds the data point id a dimension refers to.
const MaxDimensionValueLength = 512

// DataPointID derives the physical id of a data point. It is stable for a data series and
// external id, so rewriting a data point replaces it in place.
func DataPointID(dataSeriesID uuid.UUID, externalID string) string {
	sum := sha256.Sum256([]byte(externalID))
	return dataSeriesID.String() + "-" + hex.EncodeToString(sum[:])
}

// DataPointService reads and writes data points. Writes run on the bulk pool so ingestion
// cannot starve migrations and reads of connections.
type DataPointService interface {
	// Write stores the data points as one batch: they share a sub clock and a single change
	// event. Every write replaces the previous values of a data point.
	Write(ctx context.Context, tenantID, dataSeriesID uuid.UUID, inputs ...*models.DataPointInput) ([]*models.ReadOnlyDataPoint, error)
	// Get returns the alive data point with the external id, or nil.
	Get(ctx context.Context, tenantID, dataSeriesID uuid.UUID, externalID string) (*models.ReadOnlyDataPoint, error)
	// Delete soft deletes the data point. ErrNotFound when it is not alive.
	Delete(ctx context.Context, tenantID, dataSeriesID uuid.UUID, externalID string) error
	// Truncate soft deletes every data point of the series and drops queued consumer events.
	Truncate(ctx context.Context, tenantID, dataSeriesID uuid.UUID) (int64, error)
}

type dataPointService struct {
	pools          *database.Pools
	tenantRepo     repositories.TenantRepository
	dataSeriesRepo repositories.DataSeriesRepository
	factRepo       repositories.FactRepository
	dimensionRepo  repositories.DimensionRepository
	eventRepo      repositories.ConsumerEventRepository
	pointRepo      repositories.DataPointRepository
	contention     *retry.Config
	now            func() time.Time
	logger         *zap.Logger
}

// NewDataPointService creates a DataPointService.
func NewDataPointService(
	pools *database.Pools,
	repos MetamodelRepositories,
	eventRepo repositories.ConsumerEventRepository,
	pointRepo repositories.DataPointRepository,
	contention *retry.Config,
	logger *zap.Logger,
) DataPointService {
	return &dataPointService{
		pools:          pools,
		tenantRepo:     repos.Tenant,
		dataSeriesRepo: repos.DataSeries,
		factRepo:       repos.Fact,
		dimensionRepo:  repos.Dimension,
		eventRepo:      eventRepo,
		pointRepo:      pointRepo,
		contention:     contention,
		now:            time.Now,
		logger:         logger.Named("datapoint-service"),
	}
}

var _ DataPointService = (*dataPointService)(nil)

// series is the live metamodel a write is validated against.
type series struct {
	tenant     *models.Tenant
	ds         *models.DataSeries
	facts      []*models.Fact
	dimensions []*models.Dimension
}

func (s *series) descriptor() repositories.QueryDescriptor {
	return repositories.DescriptorFor(s.tenant.Name, s.ds)
}

func (s *series) eventPayload() map[string]any {
	return map[string]any{
		"data_series": map[string]any{
			"id":          s.ds.ID.String(),
			"external_id": s.ds.ExternalID,
		},
	}
}

// loadSeries reads the metamodel on the interactive pool.
func (s *dataPointService) loadSeries(ctx context.Context, tenantID, dataSeriesID uuid.UUID, withColumns bool) (*series, error) {
	scope, err := s.pools.Primary.WithTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire tenant scope: %w", err)
	}
	defer scope.Close()
	ctx = database.SetTenantScope(ctx, scope)

	out := &series{}
	if out.tenant, err = s.tenantRepo.GetByID(ctx, tenantID); err != nil {
		return nil, err
	}
	if out.ds, err = s.dataSeriesRepo.GetByID(ctx, tenantID, dataSeriesID); err != nil {
		return nil, err
	}
	if out.ds.IsDeleted() {
		return nil, fmt.Errorf("%w: data series %s is deleted", apperrors.ErrNotFound, dataSeriesID)
	}
	if !withColumns {
		return out, nil
	}
	if out.facts, err = s.factRepo.ListByDataSeries(ctx, tenantID, dataSeriesID, false); err != nil {
		return nil, err
	}
	if out.dimensions, err = s.dimensionRepo.ListByDataSeries(ctx, tenantID, dataSeriesID, false); err != nil {
		return nil, err
	}
	return out, nil
}

// inBulkTx runs fn in a tenant scoped transaction on the bulk pool, retrying on lock
// contention.
func (s *dataPointService) inBulkTx(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, q database.Querier) error) error {
	return retry.DoWhen(ctx, s.contention, database.IsContention, func() error {
		scope, err := s.pools.Bulk.WithTenant(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("failed to acquire bulk connection: %w", err)
		}
		defer scope.Close()

		return database.InTx(database.SetTenantScope(ctx, scope), func(ctx context.Context) error {
			q, err := database.QuerierFromContext(ctx)
			if err != nil {
				return err
			}
			return fn(ctx, q)
		})
	})
}

func (s *dataPointService) Write(ctx context.Context, tenantID, dataSeriesID uuid.UUID, inputs ...*models.DataPointInput) ([]*models.ReadOnlyDataPoint, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	sr, err := s.loadSeries(ctx, tenantID, dataSeriesID, true)
	if err != nil {
		return nil, err
	}

	rows := make([]*repositories.DataPointRow, 0, len(inputs))
	history := make([][]repositories.NormalizedValue, 0, len(inputs))
	seen := make(map[string]bool, len(inputs))
	now := s.now().UTC()
	for _, input := range inputs {
		if err := naming.ValidateExternalID(input.ExternalID, naming.CharsetURLSafe); err != nil {
			return nil, err
		}
		if seen[input.ExternalID] {
			return nil, fmt.Errorf("%w: data point %s appears twice in one write", apperrors.ErrInvalidValue, input.ExternalID)
		}
		seen[input.ExternalID] = true

		values, err := resolveValues(sr.ds, sr.facts, sr.dimensions, input.Values)
		if err != nil {
			return nil, fmt.Errorf("data point %s: %w", input.ExternalID, err)
		}

		pointInTime := now
		if input.PointInTime != nil {
			pointInTime = *input.PointInTime
		}
		rows = append(rows, &repositories.DataPointRow{
			ID:          DataPointID(sr.ds.ID, input.ExternalID),
			ExternalID:  input.ExternalID,
			PointInTime: pointInTime,
			Columns:     values.columns,
			Values:      values.values,
		})
		history = append(history, values.normalized)
	}

	d := sr.descriptor()
	err = s.inBulkTx(ctx, tenantID, func(ctx context.Context, q database.Querier) error {
		subClock, err := database.NextSubClock(ctx, q, sr.tenant.Name)
		if err != nil {
			return err
		}
		for i, row := range rows {
			row.SubClock = subClock
			if err := s.pointRepo.Upsert(ctx, d, row); err != nil {
				return err
			}
			if err := s.pointRepo.AppendHistory(ctx, d, row, history[i]); err != nil {
				return err
			}
		}

		payload := sr.eventPayload()
		points := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			points = append(points, map[string]any{"id": row.ID, "external_id": row.ExternalID})
		}
		payload["data_points"] = points
		return s.recordEvent(ctx, sr, models.EventDataPointChanged, rows[0].PointInTime, subClock, payload)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*models.ReadOnlyDataPoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, &models.ReadOnlyDataPoint{ID: row.ID, DataSeriesID: sr.ds.ID, ExternalID: row.ExternalID})
	}
	s.logger.Debug("Wrote data points",
		zap.String("tenant_id", tenantID.String()),
		zap.String("data_series_id", dataSeriesID.String()),
		zap.Int("count", len(out)))
	return out, nil
}

func (s *dataPointService) Get(ctx context.Context, tenantID, dataSeriesID uuid.UUID, externalID string) (*models.ReadOnlyDataPoint, error) {
	sr, err := s.loadSeries(ctx, tenantID, dataSeriesID, false)
	if err != nil {
		return nil, err
	}

	scope, err := s.pools.Primary.WithTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire tenant scope: %w", err)
	}
	defer scope.Close()
	return s.pointRepo.GetDataPoint(database.SetTenantScope(ctx, scope), DataPointID(sr.ds.ID, externalID), sr.descriptor())
}

func (s *dataPointService) Delete(ctx context.Context, tenantID, dataSeriesID uuid.UUID, externalID string) error {
	sr, err := s.loadSeries(ctx, tenantID, dataSeriesID, false)
	if err != nil {
		return err
	}

	d := sr.descriptor()
	return s.inBulkTx(ctx, tenantID, func(ctx context.Context, q database.Querier) error {
		subClock, err := database.NextSubClock(ctx, q, sr.tenant.Name)
		if err != nil {
			return err
		}
		at := s.now().UTC()
		dp, err := s.pointRepo.Delete(ctx, d, DataPointID(sr.ds.ID, externalID), at, subClock)
		if err != nil {
			return err
		}
		if dp == nil {
			return fmt.Errorf("%w: data point %s", apperrors.ErrNotFound, externalID)
		}

		payload := sr.eventPayload()
		payload["data_points"] = []map[string]any{{"id": dp.ID, "external_id": dp.ExternalID}}
		return s.recordEvent(ctx, sr, models.EventDataPointDeleted, at, subClock, payload)
	})
}

func (s *dataPointService) Truncate(ctx context.Context, tenantID, dataSeriesID uuid.UUID) (int64, error) {
	sr, err := s.loadSeries(ctx, tenantID, dataSeriesID, false)
	if err != nil {
		return 0, err
	}

	var truncated int64
	d := sr.descriptor()
	err = s.inBulkTx(ctx, tenantID, func(ctx context.Context, q database.Querier) error {
		subClock, err := database.NextSubClock(ctx, q, sr.tenant.Name)
		if err != nil {
			return err
		}
		at := s.now().UTC()
		if truncated, err = s.pointRepo.Truncate(ctx, d, at, subClock); err != nil {
			return err
		}
		if _, err := s.eventRepo.DeleteForDataSeries(ctx, tenantID, sr.ds.ID); err != nil {
			return err
		}
		return s.recordEvent(ctx, sr, models.EventDataSeriesTruncated, at, subClock, sr.eventPayload())
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Truncated data series",
		zap.String("tenant_id", tenantID.String()),
		zap.String("data_series_id", dataSeriesID.String()),
		zap.Int64("data_points", truncated))
	return truncated, nil
}

// recordEvent queues one event per live consumer of the series. Delivery is picked up by
// the consumer dispatcher.
func (s *dataPointService) recordEvent(ctx context.Context, sr *series, eventType models.ConsumerEventType, at time.Time, subClock int64, payload map[string]any) error {
	_, err := s.eventRepo.CreateForDataSeries(ctx, sr.tenant.ID, sr.ds.ID, &models.ConsumerEvent{
		PointInTime: at,
		SubClock:    &subClock,
		EventType:   eventType,
		Payload:     payload,
	})
	return err
}

// resolvedValues is a data point's payload mapped onto physical columns.
type resolvedValues struct {
	columns    []string
	values     []any
	normalized []repositories.NormalizedValue
}

// resolveValues validates payload against the live facts and dimensions. Every live column
// gets a value; optional ones left out of the payload are written as NULL. Keys that name
// neither a fact nor a dimension are rejected unless the series allows extra fields.
func resolveValues(ds *models.DataSeries, facts []*models.Fact, dims []*models.Dimension, payload map[string]any) (*resolvedValues, error) {
	type owner struct {
		optional bool
		coerce   func(any) (any, error)
	}

	var cols []synthesizer.Column
	owners := make(map[string]owner, len(facts)+len(dims))
	byExternalID := make(map[string]bool, len(facts)+len(dims))
	for _, f := range facts {
		col, err := synthesizer.FactColumn(f)
		if err != nil {
			return nil, err
		}
		spec, _ := f.Kind.Spec()
		cols = append(cols, col)
		owners[col.Name] = owner{optional: f.Optional, coerce: spec.Coerce}
		byExternalID[f.ExternalID] = true
	}
	for _, d := range dims {
		col := synthesizer.DimensionColumn(d)
		cols = append(cols, col)
		owners[col.Name] = owner{optional: d.Optional, coerce: coerceDimension}
		byExternalID[d.ExternalID] = true
	}
	synthesizer.SortColumns(cols)

	if !ds.AllowExtraFields {
		var extra []string
		for key := range payload {
			if !byExternalID[key] {
				extra = append(extra, key)
			}
		}
		if len(extra) > 0 {
			sort.Strings(extra)
			return nil, fmt.Errorf("%w: unknown fields %v", apperrors.ErrInvalidValue, extra)
		}
	}

	out := &resolvedValues{}
	for _, col := range cols {
		o := owners[col.Name]
		raw, ok := payload[col.ExternalID]
		var value any
		if ok && raw != nil {
			coerced, err := o.coerce(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", col.ExternalID, err)
			}
			value = coerced
			out.normalized = append(out.normalized, repositories.NormalizedValue{Kind: col.Kind, OwnerID: col.OwnerID, Value: coerced})
		} else if !o.optional {
			return nil, fmt.Errorf("%w: %s is required", apperrors.ErrInvalidValue, col.ExternalID)
		}
		out.columns = append(out.columns, col.Name)
		out.values = append(out.values, value)
	}
	return out, nil
}

// coerceDimension accepts the id of the referenced data point.
func coerceDimension(v any) (any, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil, fmt.Errorf("%w: expected data point id, got %T", apperrors.ErrInvalidValue, v)
	}
	if len(s) > MaxDimensionValueLength {
		return nil, fmt.Errorf("%w: data point id longer than %d characters", apperrors.ErrInvalidValue, MaxDimensionValueLength)
	}
	return s, nil
}
