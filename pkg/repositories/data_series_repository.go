package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
)

// DataSeriesRepository provides data access for data series.
type DataSeriesRepository interface {
	Create(ctx context.Context, ds *models.DataSeries) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.DataSeries, error)
	GetByExternalID(ctx context.Context, tenantID uuid.UUID, externalID string) (*models.DataSeries, error)
	// GetForUpdate returns the live data series and holds its row lock until the surrounding
	// transaction ends. Structural edits of one series are serialized through it.
	GetForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*models.DataSeries, error)
	List(ctx context.Context, tenantID uuid.UUID, includeDeleted bool) ([]*models.DataSeries, error)
	Update(ctx context.Context, ds *models.DataSeries) error
	SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error
}

type dataSeriesRepository struct{}

// NewDataSeriesRepository creates a new DataSeriesRepository.
func NewDataSeriesRepository() DataSeriesRepository {
	return &dataSeriesRepository{}
}

var _ DataSeriesRepository = (*dataSeriesRepository)(nil)

const dataSeriesColumns = `id, tenant_id, external_id, name, backend, allow_extra_fields, locked, created_at, deleted_at`

func (r *dataSeriesRepository) Create(ctx context.Context, ds *models.DataSeries) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	err = q.QueryRow(ctx, `
		INSERT INTO engine_data_series (tenant_id, external_id, name, backend, allow_extra_fields, locked)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		ds.TenantID, ds.ExternalID, ds.Name, ds.Backend, ds.AllowExtraFields, ds.Locked,
	).Scan(&ds.ID, &ds.CreatedAt)
	if err != nil {
		return conflictOr(err, fmt.Sprintf("create data series %q", ds.ExternalID))
	}
	return nil
}

func (r *dataSeriesRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.DataSeries, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, `SELECT `+dataSeriesColumns+`
		FROM engine_data_series WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	ds, err := scanDataSeries(row)
	if err != nil {
		return nil, notFoundOr(err, "get data series")
	}
	return ds, nil
}

func (r *dataSeriesRepository) GetByExternalID(ctx context.Context, tenantID uuid.UUID, externalID string) (*models.DataSeries, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, `SELECT `+dataSeriesColumns+`
		FROM engine_data_series
		WHERE tenant_id = $1 AND external_id = $2 AND deleted_at IS NULL`, tenantID, externalID)
	ds, err := scanDataSeries(row)
	if err != nil {
		return nil, notFoundOr(err, "get data series by external id")
	}
	return ds, nil
}

func (r *dataSeriesRepository) GetForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*models.DataSeries, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, `SELECT `+dataSeriesColumns+`
		FROM engine_data_series
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL
		FOR UPDATE`, tenantID, id)
	ds, err := scanDataSeries(row)
	if err != nil {
		return nil, notFoundOr(err, "lock data series")
	}
	return ds, nil
}

func (r *dataSeriesRepository) List(ctx context.Context, tenantID uuid.UUID, includeDeleted bool) ([]*models.DataSeries, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT `+dataSeriesColumns+`
		FROM engine_data_series
		WHERE tenant_id = $1`+deletedFilter(includeDeleted, "deleted_at")+`
		ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list data series: %w", err)
	}
	defer rows.Close()

	var result []*models.DataSeries
	for rows.Next() {
		ds, err := scanDataSeries(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ds)
	}
	return result, rows.Err()
}

// Update persists the mutable settings. The backend is immutable once created.
func (r *dataSeriesRepository) Update(ctx context.Context, ds *models.DataSeries) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE engine_data_series
		SET name = $3, allow_extra_fields = $4, locked = $5
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		ds.TenantID, ds.ID, ds.Name, ds.AllowExtraFields, ds.Locked)
	if err != nil {
		return fmt.Errorf("failed to update data series: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundOr(pgx.ErrNoRows, "update data series")
	}
	return nil
}

// SoftDelete marks the series deleted. Children are cascaded by the sdel_data_series trigger.
func (r *dataSeriesRepository) SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE engine_data_series SET deleted_at = now()
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete data series: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundOr(pgx.ErrNoRows, "delete data series")
	}
	return nil
}

func scanDataSeries(row pgx.Row) (*models.DataSeries, error) {
	var ds models.DataSeries
	err := row.Scan(
		&ds.ID,
		&ds.TenantID,
		&ds.ExternalID,
		&ds.Name,
		&ds.Backend,
		&ds.AllowExtraFields,
		&ds.Locked,
		&ds.CreatedAt,
		&ds.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ds, nil
}
