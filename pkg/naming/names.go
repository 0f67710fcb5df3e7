package naming

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/apperrors"
)

const (
	// MaxNameLength is the length generated table and column names are truncated to.
	MaxNameLength = 60
	// MaxPostgresIdentifierLength is NAMEDATALEN-1 in a default PostgreSQL build.
	MaxPostgresIdentifierLength = 63
	// MaxTenantSchemaLength is the budget for a tenant schema name.
	MaxTenantSchemaLength = 50

	TenantSchemaPrefix   = "_3_tenant_"
	SubClockSequenceName = "_3_dp_sub_clock_seq"
	DataPointTableName   = "_3_data_point"
)

// TruncateName cuts name to MaxNameLength bytes. Inputs are ASCII after validation.
func TruncateName(name string) string {
	if len(name) > MaxNameLength {
		return name[:MaxNameLength]
	}
	return name
}

// TenantSchemaName returns the schema holding all physical objects of a tenant.
func TenantSchemaName(tenantName string) (string, error) {
	if !Validate(tenantName, CharsetSQLSafe) {
		return "", invalidIdentifier(tenantName, CharsetSQLSafe)
	}
	schema := TenantSchemaPrefix + tenantName
	if len(schema) > MaxTenantSchemaLength {
		return "", fmt.Errorf("%w: tenant schema %q exceeds %d characters",
			apperrors.ErrNameTooLong, schema, MaxTenantSchemaLength)
	}
	return schema, nil
}

// MaterializedColumnName is the column holding a fact or dimension in materialized tables.
func MaterializedColumnName(id, externalID string) string {
	return TruncateName(id + "_" + externalID)
}

// MaterializedTableName is the denormalized one-row-per-data-point table of a data series.
func MaterializedTableName(id, externalID string) string {
	return TruncateName("_mat_" + id + "_" + externalID)
}

// MaterializedLiveViewName is the read-only projection of alive rows and live columns.
func MaterializedLiveViewName(id, externalID string) string {
	return TruncateName("_matv_" + id + "_" + externalID)
}

// FlatHistoryTableName is the append-only history table of a data series.
func FlatHistoryTableName(id, externalID string) string {
	return TruncateName("_mfhist_" + id + "_" + externalID)
}

// UserIndexName names a user defined index on the materialized table.
func UserIndexName(indexID string) string {
	return TruncateName("_mat_userindex_" + indexID)
}

// FlatHistoryUserIndexName names a user defined index on the flat history table.
func FlatHistoryUserIndexName(indexID string) string {
	return TruncateName("_mfhist_userindex_" + indexID)
}

// NormalizedTableName is the per-kind table holding one row per data point and fact.
func NormalizedTableName(kind string) string {
	if kind == "dimension" {
		return "_3_data_point_dimension"
	}
	return "_3_data_point_" + kind + "_fact"
}

// NormalizedKeyColumn is the column a normalized table is list partitioned on. It holds the
// id of the fact or dimension the row belongs to.
func NormalizedKeyColumn(kind string) string {
	if kind == "dimension" {
		return "dimension_id"
	}
	return "fact_id"
}

// PartitionBaseName is the prefix of the per-fact partitions of a normalized table.
func PartitionBaseName(kind string) string {
	if kind == "dimension" {
		return "_3_dp_dimension"
	}
	return "_3_dp_" + kind + "_fact"
}

// PartitionName names the partition of a normalized table that holds one fact. The owner
// id comes before the truncation point, so partitions of distinct owners never collide.
func PartitionName(baseName, id, tenantName, externalID string) string {
	return TruncateName(baseName + "_" + id + "_" + tenantName + "_" + externalID)
}

// TruncateIdentifier cuts name to the length PostgreSQL keeps for identifiers, which is
// what the server would silently do anyway.
func TruncateIdentifier(name string) string {
	if len(name) > MaxPostgresIdentifierLength {
		return name[:MaxPostgresIdentifierLength]
	}
	return name
}

// MaterializedIndexNames holds the fixed index names of a materialized table.
type MaterializedIndexNames struct {
	InsertedAtAlive string
	UniqueID        string
	PrimaryKey      string
	ExternalID      string
	PointInTime     string
}

func MaterializedIndexes(id, externalID string) MaterializedIndexNames {
	suffix := id + "_" + externalID
	return MaterializedIndexNames{
		InsertedAtAlive: TruncateIdentifier("_mat_inserted_at_id_alive_" + suffix),
		UniqueID:        TruncateIdentifier("_mat_id_" + suffix),
		PrimaryKey:      TruncateIdentifier("_mat_id_pk_" + suffix),
		ExternalID:      TruncateIdentifier("_mat_external_id_" + suffix),
		PointInTime:     TruncateIdentifier("_mat_point_in_time_" + suffix),
	}
}

// FlatHistoryIndexNames holds the fixed index names of a flat history table.
type FlatHistoryIndexNames struct {
	PointInTime string
	ExternalID  string
	Unique      string
	PrimaryKey  string
}

func FlatHistoryIndexes(id, externalID string) FlatHistoryIndexNames {
	suffix := id + "_" + externalID
	return FlatHistoryIndexNames{
		PointInTime: TruncateIdentifier("_mfhist_point_in_time_" + suffix),
		ExternalID:  TruncateIdentifier("_mfhist_external_id_" + suffix),
		Unique:      TruncateIdentifier("_mfhist_uniq_" + suffix),
		PrimaryKey:  TruncateIdentifier("_mfhist_uniq_c_" + suffix),
	}
}

// SubClockTriggerName names the trigger stamping sub_clock on insert.
func SubClockTriggerName(tableName string) string {
	return TruncateIdentifier("sclk" + tableName)
}

// SoftDeleteTriggerName names the trigger propagating a soft delete from parent to relation.
func SoftDeleteTriggerName(parent, relation string) string {
	return TruncateIdentifier("sdel" + parent + relation)
}

// CheckCollisions fails when two distinct owners map to the same physical name.
// owners maps an owner key (usually an entity id) to the name computed for it.
func CheckCollisions(owners map[string]string) error {
	byName := make(map[string][]string, len(owners))
	for owner, name := range owners {
		byName[name] = append(byName[name], owner)
	}

	var collisions []string
	for name, claimants := range byName {
		if len(claimants) < 2 {
			continue
		}
		sort.Strings(claimants)
		collisions = append(collisions, fmt.Sprintf("%q claimed by %s", name, strings.Join(claimants, ", ")))
	}
	if len(collisions) == 0 {
		return nil
	}
	sort.Strings(collisions)
	return fmt.Errorf("%w: %s", apperrors.ErrNameCollision, strings.Join(collisions, "; "))
}
