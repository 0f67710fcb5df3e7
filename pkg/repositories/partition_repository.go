package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
)

// PartitionRepository records which physical child table holds a partition key's rows.
type PartitionRepository interface {
	// Register is idempotent on (base_table, partition_key).
	Register(ctx context.Context, p *models.PartitionByUUID) error
	Get(ctx context.Context, baseTable string, partitionKey uuid.UUID) (*models.PartitionByUUID, error)
	ListByKey(ctx context.Context, partitionKey uuid.UUID) ([]*models.PartitionByUUID, error)
}

type partitionRepository struct{}

// NewPartitionRepository creates a new PartitionRepository.
func NewPartitionRepository() PartitionRepository {
	return &partitionRepository{}
}

var _ PartitionRepository = (*partitionRepository)(nil)

func (r *partitionRepository) Register(ctx context.Context, p *models.PartitionByUUID) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	err = q.QueryRow(ctx, `
		INSERT INTO engine_partitions_by_uuid (base_table, child_table, child_table_schema, partition_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (base_table, partition_key) DO UPDATE SET base_table = EXCLUDED.base_table
		RETURNING id, child_table, child_table_schema`,
		p.BaseTable, p.ChildTable, p.ChildTableSchema, p.PartitionKey,
	).Scan(&p.ID, &p.ChildTable, &p.ChildTableSchema)
	if err != nil {
		return conflictOr(err, fmt.Sprintf("register partition %s", p.ChildTable))
	}
	return nil
}

func (r *partitionRepository) Get(ctx context.Context, baseTable string, partitionKey uuid.UUID) (*models.PartitionByUUID, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var p models.PartitionByUUID
	err = q.QueryRow(ctx, `
		SELECT id, base_table, child_table, child_table_schema, partition_key
		FROM engine_partitions_by_uuid
		WHERE base_table = $1 AND partition_key = $2`, baseTable, partitionKey,
	).Scan(&p.ID, &p.BaseTable, &p.ChildTable, &p.ChildTableSchema, &p.PartitionKey)
	if err != nil {
		return nil, notFoundOr(err, "get partition")
	}
	return &p, nil
}

func (r *partitionRepository) ListByKey(ctx context.Context, partitionKey uuid.UUID) ([]*models.PartitionByUUID, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT id, base_table, child_table, child_table_schema, partition_key
		FROM engine_partitions_by_uuid
		WHERE partition_key = $1
		ORDER BY base_table`, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	var partitions []*models.PartitionByUUID
	for rows.Next() {
		var p models.PartitionByUUID
		if err := rows.Scan(&p.ID, &p.BaseTable, &p.ChildTable, &p.ChildTableSchema, &p.PartitionKey); err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		partitions = append(partitions, &p)
	}
	return partitions, rows.Err()
}
