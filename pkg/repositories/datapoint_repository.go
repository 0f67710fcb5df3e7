package repositories

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/naming"
)

// QueryDescriptor identifies the physical objects backing a data series. Physical names
// are recomputed from it on every read.
type QueryDescriptor struct {
	TenantName           string
	DataSeriesID         uuid.UUID
	DataSeriesExternalID string
	Backend              models.StorageBackend
}

// DescriptorFor builds the QueryDescriptor of a data series.
func DescriptorFor(tenantName string, ds *models.DataSeries) QueryDescriptor {
	return QueryDescriptor{
		TenantName:           tenantName,
		DataSeriesID:         ds.ID,
		DataSeriesExternalID: ds.ExternalID,
		Backend:              ds.Backend,
	}
}

// DataPointRow is one write of a data point. Columns are physical column names of the
// materialized table and Values the parameters bound to them, in the same order.
type DataPointRow struct {
	ID          string
	ExternalID  string
	PointInTime time.Time
	SubClock    int64
	Columns     []string
	Values      []any
}

// NormalizedValue is one fact or dimension value as stored in the normalized tables.
type NormalizedValue struct {
	Kind    string
	OwnerID uuid.UUID
	Value   any
}

// DataPointRepository reads and writes data points in the physical tables, bypassing the
// metamodel ledger.
type DataPointRepository interface {
	// GetDataPoint returns the alive data point with the given id, or nil when there is none.
	GetDataPoint(ctx context.Context, identifier string, d QueryDescriptor) (*models.ReadOnlyDataPoint, error)

	// Upsert writes row into the materialized table, reviving it if it was deleted.
	Upsert(ctx context.Context, d QueryDescriptor, row *DataPointRow) error
	// AppendHistory records row in the history tables of the backend: one row per value in
	// the normalized tables, or one row in the flat history. Backends without history
	// ignore it.
	AppendHistory(ctx context.Context, d QueryDescriptor, row *DataPointRow, values []NormalizedValue) error
	// Delete soft deletes the alive data point and records the deletion in the history.
	// Returns nil when there was no alive data point.
	Delete(ctx context.Context, d QueryDescriptor, identifier string, at time.Time, subClock int64) (*models.ReadOnlyDataPoint, error)
	// Truncate soft deletes every alive data point of the series and returns how many.
	Truncate(ctx context.Context, d QueryDescriptor, at time.Time, subClock int64) (int64, error)
}

type dataPointRepository struct{}

// NewDataPointRepository creates a new DataPointRepository.
func NewDataPointRepository() DataPointRepository {
	return &dataPointRepository{}
}

var _ DataPointRepository = (*dataPointRepository)(nil)

func (r *dataPointRepository) GetDataPoint(ctx context.Context, identifier string, d QueryDescriptor) (*models.ReadOnlyDataPoint, error) {
	table, err := materializedTableFor(d)
	if err != nil {
		return nil, err
	}

	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	// A series that was never synchronized has no table and therefore no data points.
	if exists, err := relationExists(ctx, q, table); err != nil || !exists {
		return nil, err
	}

	dp := models.ReadOnlyDataPoint{DataSeriesID: d.DataSeriesID}
	err = q.QueryRow(ctx, `SELECT id, external_id FROM `+table+`
		WHERE id = $1 AND deleted_at IS NULL`, identifier).Scan(&dp.ID, &dp.ExternalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get data point: %w", err)
	}
	return &dp, nil
}

// materializedTableFor returns the quoted materialized table of the descriptor.
func materializedTableFor(d QueryDescriptor) (string, error) {
	switch d.Backend {
	case models.BackendMaterialized, models.BackendMaterializedFlatHistory, models.BackendNoHistory:
	default:
		return "", fmt.Errorf("%w: %s", apperrors.ErrUnsupportedBackend, d.Backend)
	}

	schema, err := naming.TenantSchemaName(d.TenantName)
	if err != nil {
		return "", err
	}
	return naming.EscapeQualified(schema, naming.MaterializedTableName(d.DataSeriesID.String(), d.DataSeriesExternalID))
}

func (r *dataPointRepository) Upsert(ctx context.Context, d QueryDescriptor, row *DataPointRow) error {
	table, err := materializedTableFor(d)
	if err != nil {
		return err
	}
	query, err := upsertMaterializedSQL(table, row.Columns)
	if err != nil {
		return err
	}

	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	args := append([]any{row.ID, row.ExternalID, row.PointInTime, row.SubClock}, row.Values...)
	if _, err := q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert data point: %w", err)
	}
	return nil
}

func (r *dataPointRepository) AppendHistory(ctx context.Context, d QueryDescriptor, row *DataPointRow, values []NormalizedValue) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	switch {
	case d.Backend.KeepsNormalizedHistory():
		return appendNormalized(ctx, q, d, row, values)
	case d.Backend.KeepsFlatHistory():
		table, err := flatHistoryTableFor(d)
		if err != nil {
			return err
		}
		query, err := insertFlatHistorySQL(table, row.Columns)
		if err != nil {
			return err
		}
		args := append([]any{row.ID, row.ExternalID, row.PointInTime, row.SubClock}, row.Values...)
		if _, err := q.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to append flat history: %w", err)
		}
		return nil
	default:
		return nil
	}
}

func appendNormalized(ctx context.Context, q database.Querier, d QueryDescriptor, row *DataPointRow, values []NormalizedValue) error {
	schema, err := naming.TenantSchemaName(d.TenantName)
	if err != nil {
		return err
	}
	dp, err := naming.EscapeQualified(schema, naming.DataPointTableName)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `INSERT INTO `+dp+` (id, data_series_id, external_id, point_in_time, sub_clock)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			point_in_time = EXCLUDED.point_in_time,
			sub_clock = EXCLUDED.sub_clock,
			deleted_at = NULL`,
		row.ID, d.DataSeriesID, row.ExternalID, row.PointInTime, row.SubClock)
	if err != nil {
		return fmt.Errorf("failed to record data point: %w", err)
	}

	for _, v := range values {
		table, err := naming.EscapeQualified(schema, naming.NormalizedTableName(v.Kind))
		if err != nil {
			return err
		}
		_, err = q.Exec(ctx, `INSERT INTO `+table+` (data_point_id, `+naming.NormalizedKeyColumn(v.Kind)+`, point_in_time, sub_clock, value)
			VALUES ($1, $2, $3, $4, $5)`,
			row.ID, v.OwnerID, row.PointInTime, row.SubClock, v.Value)
		if err != nil {
			return fmt.Errorf("failed to append normalized %s value: %w", v.Kind, err)
		}
	}
	return nil
}

func (r *dataPointRepository) Delete(ctx context.Context, d QueryDescriptor, identifier string, at time.Time, subClock int64) (*models.ReadOnlyDataPoint, error) {
	table, err := materializedTableFor(d)
	if err != nil {
		return nil, err
	}
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	if exists, err := relationExists(ctx, q, table); err != nil || !exists {
		return nil, err
	}

	dp := models.ReadOnlyDataPoint{DataSeriesID: d.DataSeriesID}
	err = q.QueryRow(ctx, `UPDATE `+table+`
		SET deleted_at = $2, last_updated_at = $2, sub_clock = $3
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING id, external_id`, identifier, at, subClock).Scan(&dp.ID, &dp.ExternalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete data point: %w", err)
	}

	switch {
	case d.Backend.KeepsNormalizedHistory():
		schema, err := naming.TenantSchemaName(d.TenantName)
		if err != nil {
			return nil, err
		}
		dpTable, err := naming.EscapeQualified(schema, naming.DataPointTableName)
		if err != nil {
			return nil, err
		}
		// The soft delete trigger on the data point table marks its normalized rows.
		if _, err := q.Exec(ctx, `UPDATE `+dpTable+` SET deleted_at = $2
			WHERE id = $1 AND deleted_at IS NULL`, identifier, at); err != nil {
			return nil, fmt.Errorf("failed to delete normalized data point: %w", err)
		}
	case d.Backend.KeepsFlatHistory():
		hist, err := flatHistoryTableFor(d)
		if err != nil {
			return nil, err
		}
		if _, err := q.Exec(ctx, `INSERT INTO `+hist+` (id, external_id, point_in_time, sub_clock, deleted_at)
			VALUES ($1, $2, $3, $4, $3)`, dp.ID, dp.ExternalID, at, subClock); err != nil {
			return nil, fmt.Errorf("failed to record deletion in flat history: %w", err)
		}
	}
	return &dp, nil
}

func (r *dataPointRepository) Truncate(ctx context.Context, d QueryDescriptor, at time.Time, subClock int64) (int64, error) {
	table, err := materializedTableFor(d)
	if err != nil {
		return 0, err
	}
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return 0, err
	}
	// Sync creates every table of a backend in one transaction, so the materialized table
	// stands for all of them.
	if exists, err := relationExists(ctx, q, table); err != nil || !exists {
		return 0, err
	}

	switch {
	case d.Backend.KeepsNormalizedHistory():
		schema, err := naming.TenantSchemaName(d.TenantName)
		if err != nil {
			return 0, err
		}
		dpTable, err := naming.EscapeQualified(schema, naming.DataPointTableName)
		if err != nil {
			return 0, err
		}
		if _, err := q.Exec(ctx, `UPDATE `+dpTable+` SET deleted_at = $2
			WHERE data_series_id = $1 AND deleted_at IS NULL`, d.DataSeriesID, at); err != nil {
			return 0, fmt.Errorf("failed to truncate normalized data points: %w", err)
		}
	case d.Backend.KeepsFlatHistory():
		hist, err := flatHistoryTableFor(d)
		if err != nil {
			return 0, err
		}
		// Tombstones have to be taken before the materialized rows stop being alive.
		if _, err := q.Exec(ctx, `INSERT INTO `+hist+` (id, external_id, point_in_time, sub_clock, deleted_at)
			SELECT id, external_id, $1, $2, $1 FROM `+table+` WHERE deleted_at IS NULL`, at, subClock); err != nil {
			return 0, fmt.Errorf("failed to record truncation in flat history: %w", err)
		}
	}

	tag, err := q.Exec(ctx, `UPDATE `+table+`
		SET deleted_at = $1, last_updated_at = $1
		WHERE deleted_at IS NULL`, at)
	if err != nil {
		return 0, fmt.Errorf("failed to truncate data series: %w", err)
	}
	return tag.RowsAffected(), nil
}

// relationExists looks a quoted, schema qualified table up with to_regclass. Statements
// against a missing table would abort the surrounding transaction, so callers check first.
func relationExists(ctx context.Context, q database.Querier, qualified string) (bool, error) {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, qualified).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", qualified, err)
	}
	return exists, nil
}

func flatHistoryTableFor(d QueryDescriptor) (string, error) {
	schema, err := naming.TenantSchemaName(d.TenantName)
	if err != nil {
		return "", err
	}
	return naming.EscapeQualified(schema, naming.FlatHistoryTableName(d.DataSeriesID.String(), d.DataSeriesExternalID))
}

// upsertMaterializedSQL builds the insert-or-replace statement of the materialized table.
// Parameters $1..$4 are id, external_id, point_in_time and sub_clock, followed by one per
// column.
func upsertMaterializedSQL(table string, columns []string) (string, error) {
	quoted, placeholders, err := columnList(columns, 5)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO ` + table + ` (id, external_id, point_in_time, sub_clock` + quoted + `)`)
	b.WriteString(` VALUES ($1, $2, $3, $4` + placeholders + `)`)
	b.WriteString(` ON CONFLICT (id) DO UPDATE SET external_id = EXCLUDED.external_id,`)
	b.WriteString(` point_in_time = EXCLUDED.point_in_time, sub_clock = EXCLUDED.sub_clock,`)
	b.WriteString(` last_updated_at = now(), deleted_at = NULL`)
	for _, c := range columns {
		col := naming.MustEscape(c)
		b.WriteString(`, ` + col + ` = EXCLUDED.` + col)
	}
	return b.String(), nil
}

// insertFlatHistorySQL builds the append statement of the flat history table. Parameters
// follow upsertMaterializedSQL.
func insertFlatHistorySQL(table string, columns []string) (string, error) {
	quoted, placeholders, err := columnList(columns, 5)
	if err != nil {
		return "", err
	}
	return `INSERT INTO ` + table + ` (id, external_id, point_in_time, sub_clock` + quoted + `)` +
		` VALUES ($1, $2, $3, $4` + placeholders + `)`, nil
}

// columnList quotes columns and numbers their placeholders from first on. Both lists come
// back with a leading separator so they can be appended to the fixed columns.
func columnList(columns []string, first int) (string, string, error) {
	var cols, params strings.Builder
	for i, c := range columns {
		quoted, err := naming.Escape(c)
		if err != nil {
			return "", "", err
		}
		cols.WriteString(", " + quoted)
		params.WriteString(", $" + strconv.Itoa(first+i))
	}
	return cols.String(), params.String(), nil
}
