package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
)

// FactRepository provides data access for facts and their data series bindings.
type FactRepository interface {
	// Create inserts the fact definition and binds it to fact.DataSeriesID.
	Create(ctx context.Context, fact *models.Fact) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Fact, error)
	ListByDataSeries(ctx context.Context, tenantID, dataSeriesID uuid.UUID, includeDeleted bool) ([]*models.Fact, error)
	// SoftDelete marks the fact deleted; sdel_facts cascades to the binding.
	SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error
}

type factRepository struct{}

// NewFactRepository creates a new FactRepository.
func NewFactRepository() FactRepository {
	return &factRepository{}
}

var _ FactRepository = (*factRepository)(nil)

func (r *factRepository) Create(ctx context.Context, fact *models.Fact) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	err = q.QueryRow(ctx, `
		INSERT INTO engine_facts (tenant_id, kind, external_id, name, optional)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		fact.TenantID, fact.Kind, fact.ExternalID, fact.Name, fact.Optional,
	).Scan(&fact.ID, &fact.CreatedAt)
	if err != nil {
		return conflictOr(err, fmt.Sprintf("create fact %q", fact.ExternalID))
	}

	_, err = q.Exec(ctx, `
		INSERT INTO engine_data_series_facts (tenant_id, data_series_id, fact_id)
		VALUES ($1, $2, $3)`, fact.TenantID, fact.DataSeriesID, fact.ID)
	if err != nil {
		return conflictOr(err, fmt.Sprintf("bind fact %q", fact.ExternalID))
	}
	return nil
}

const factSelect = `
	SELECT f.id, f.tenant_id, b.data_series_id, f.kind, f.external_id, f.name, f.optional,
	       f.created_at, COALESCE(f.deleted_at, b.deleted_at)
	FROM engine_facts f
	JOIN engine_data_series_facts b ON b.fact_id = f.id`

func (r *factRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Fact, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, factSelect+`
		WHERE f.tenant_id = $1 AND f.id = $2
		ORDER BY b.deleted_at NULLS FIRST
		LIMIT 1`, tenantID, id)
	fact, err := scanFact(row)
	if err != nil {
		return nil, notFoundOr(err, "get fact")
	}
	return fact, nil
}

func (r *factRepository) ListByDataSeries(ctx context.Context, tenantID, dataSeriesID uuid.UUID, includeDeleted bool) ([]*models.Fact, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	query := factSelect + `
		WHERE f.tenant_id = $1 AND b.data_series_id = $2` +
		deletedFilter(includeDeleted, "f.deleted_at") +
		deletedFilter(includeDeleted, "b.deleted_at") + `
		ORDER BY f.external_id, f.id`

	rows, err := q.Query(ctx, query, tenantID, dataSeriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	var facts []*models.Fact
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

func (r *factRepository) SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE engine_facts SET deleted_at = now()
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete fact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundOr(pgx.ErrNoRows, "delete fact")
	}
	return nil
}

func scanFact(row pgx.Row) (*models.Fact, error) {
	var f models.Fact
	err := row.Scan(
		&f.ID,
		&f.TenantID,
		&f.DataSeriesID,
		&f.Kind,
		&f.ExternalID,
		&f.Name,
		&f.Optional,
		&f.CreatedAt,
		&f.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
