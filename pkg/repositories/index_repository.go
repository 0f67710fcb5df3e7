package repositories

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
)

// IndexRepository provides data access for user defined indexes and their targets.
type IndexRepository interface {
	Create(ctx context.Context, idx *models.UserDefinedIndex) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.UserDefinedIndex, error)
	ListByDataSeries(ctx context.Context, tenantID, dataSeriesID uuid.UUID, includeDeleted bool) ([]*models.UserDefinedIndex, error)
	SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error
}

type indexRepository struct{}

// NewIndexRepository creates a new IndexRepository.
func NewIndexRepository() IndexRepository {
	return &indexRepository{}
}

var _ IndexRepository = (*indexRepository)(nil)

func (r *indexRepository) Create(ctx context.Context, idx *models.UserDefinedIndex) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	err = q.QueryRow(ctx, `
		INSERT INTO engine_indexes (tenant_id, data_series_id, external_id, name)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		idx.TenantID, idx.DataSeriesID, idx.ExternalID, idx.Name,
	).Scan(&idx.ID, &idx.CreatedAt)
	if err != nil {
		return conflictOr(err, fmt.Sprintf("create index %q", idx.ExternalID))
	}

	for _, target := range idx.Targets {
		_, err := q.Exec(ctx, `
			INSERT INTO engine_index_targets (index_id, tenant_id, target_type, target_id, position)
			VALUES ($1, $2, $3, $4, $5)`,
			idx.ID, idx.TenantID, target.TargetType, target.TargetID, target.Position)
		if err != nil {
			return conflictOr(err, fmt.Sprintf("create target %d of index %q", target.Position, idx.ExternalID))
		}
	}
	return nil
}

const indexColumns = `id, tenant_id, data_series_id, external_id, name, created_at, deleted_at`

func (r *indexRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.UserDefinedIndex, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, `SELECT `+indexColumns+` FROM engine_indexes WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	idx, err := scanIndex(row)
	if err != nil {
		return nil, notFoundOr(err, "get index")
	}

	if err := r.loadTargets(ctx, q, []*models.UserDefinedIndex{idx}); err != nil {
		return nil, err
	}
	return idx, nil
}

func (r *indexRepository) ListByDataSeries(ctx context.Context, tenantID, dataSeriesID uuid.UUID, includeDeleted bool) ([]*models.UserDefinedIndex, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT `+indexColumns+`
		FROM engine_indexes
		WHERE tenant_id = $1 AND data_series_id = $2`+deletedFilter(includeDeleted, "deleted_at")+`
		ORDER BY external_id, id`, tenantID, dataSeriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}

	var indexes []*models.UserDefinedIndex
	for rows.Next() {
		idx, err := scanIndex(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		indexes = append(indexes, idx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}

	if err := r.loadTargets(ctx, q, indexes); err != nil {
		return nil, err
	}
	return indexes, nil
}

func (r *indexRepository) SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE engine_indexes SET deleted_at = now()
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete index: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundOr(pgx.ErrNoRows, "delete index")
	}
	return nil
}

func (r *indexRepository) loadTargets(ctx context.Context, q database.Querier, indexes []*models.UserDefinedIndex) error {
	if len(indexes) == 0 {
		return nil
	}

	byID := make(map[uuid.UUID]*models.UserDefinedIndex, len(indexes))
	ids := make([]uuid.UUID, 0, len(indexes))
	for _, idx := range indexes {
		byID[idx.ID] = idx
		ids = append(ids, idx.ID)
	}

	rows, err := q.Query(ctx, `
		SELECT index_id, target_type, target_id, position
		FROM engine_index_targets
		WHERE index_id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to load index targets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var indexID uuid.UUID
		var t models.IndexTarget
		if err := rows.Scan(&indexID, &t.TargetType, &t.TargetID, &t.Position); err != nil {
			return fmt.Errorf("failed to scan index target: %w", err)
		}
		idx := byID[indexID]
		idx.Targets = append(idx.Targets, t)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to load index targets: %w", err)
	}

	for _, idx := range indexes {
		sort.Slice(idx.Targets, func(i, j int) bool { return idx.Targets[i].Position < idx.Targets[j].Position })
	}
	return nil
}

func scanIndex(row pgx.Row) (*models.UserDefinedIndex, error) {
	var idx models.UserDefinedIndex
	err := row.Scan(
		&idx.ID,
		&idx.TenantID,
		&idx.DataSeriesID,
		&idx.ExternalID,
		&idx.Name,
		&idx.CreatedAt,
		&idx.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &idx, nil
}
