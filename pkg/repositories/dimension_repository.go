package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
)

// DimensionRepository provides data access for dimensions and their data series bindings.
type DimensionRepository interface {
	Create(ctx context.Context, dim *models.Dimension) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Dimension, error)
	ListByDataSeries(ctx context.Context, tenantID, dataSeriesID uuid.UUID, includeDeleted bool) ([]*models.Dimension, error)
	SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error
}

type dimensionRepository struct{}

// NewDimensionRepository creates a new DimensionRepository.
func NewDimensionRepository() DimensionRepository {
	return &dimensionRepository{}
}

var _ DimensionRepository = (*dimensionRepository)(nil)

func (r *dimensionRepository) Create(ctx context.Context, dim *models.Dimension) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	err = q.QueryRow(ctx, `
		INSERT INTO engine_dimensions (tenant_id, reference_id, external_id, name, optional)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		dim.TenantID, dim.ReferenceID, dim.ExternalID, dim.Name, dim.Optional,
	).Scan(&dim.ID, &dim.CreatedAt)
	if err != nil {
		return conflictOr(err, fmt.Sprintf("create dimension %q", dim.ExternalID))
	}

	_, err = q.Exec(ctx, `
		INSERT INTO engine_data_series_dimensions (tenant_id, data_series_id, dimension_id)
		VALUES ($1, $2, $3)`, dim.TenantID, dim.DataSeriesID, dim.ID)
	if err != nil {
		return conflictOr(err, fmt.Sprintf("bind dimension %q", dim.ExternalID))
	}
	return nil
}

const dimensionSelect = `
	SELECT d.id, d.tenant_id, b.data_series_id, d.reference_id, d.external_id, d.name, d.optional,
	       d.created_at, COALESCE(d.deleted_at, b.deleted_at)
	FROM engine_dimensions d
	JOIN engine_data_series_dimensions b ON b.dimension_id = d.id`

func (r *dimensionRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Dimension, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, dimensionSelect+`
		WHERE d.tenant_id = $1 AND d.id = $2
		ORDER BY b.deleted_at NULLS FIRST
		LIMIT 1`, tenantID, id)
	dim, err := scanDimension(row)
	if err != nil {
		return nil, notFoundOr(err, "get dimension")
	}
	return dim, nil
}

func (r *dimensionRepository) ListByDataSeries(ctx context.Context, tenantID, dataSeriesID uuid.UUID, includeDeleted bool) ([]*models.Dimension, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	query := dimensionSelect + `
		WHERE d.tenant_id = $1 AND b.data_series_id = $2` +
		deletedFilter(includeDeleted, "d.deleted_at") +
		deletedFilter(includeDeleted, "b.deleted_at") + `
		ORDER BY d.external_id, d.id`

	rows, err := q.Query(ctx, query, tenantID, dataSeriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dimensions: %w", err)
	}
	defer rows.Close()

	var dims []*models.Dimension
	for rows.Next() {
		dim, err := scanDimension(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dimension: %w", err)
		}
		dims = append(dims, dim)
	}
	return dims, rows.Err()
}

func (r *dimensionRepository) SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE engine_dimensions SET deleted_at = now()
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete dimension: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundOr(pgx.ErrNoRows, "delete dimension")
	}
	return nil
}

func scanDimension(row pgx.Row) (*models.Dimension, error) {
	var d models.Dimension
	err := row.Scan(
		&d.ID,
		&d.TenantID,
		&d.DataSeriesID,
		&d.ReferenceID,
		&d.ExternalID,
		&d.Name,
		&d.Optional,
		&d.CreatedAt,
		&d.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
