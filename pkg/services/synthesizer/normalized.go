package synthesizer

import (
	"fmt"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/naming"
)

// DataPointTable defines the tenant wide data point table that normalized rows hang off.
func DataPointTable(schema string) ([]Statement, error) {
	dp, err := newTable(schema, naming.DataPointTableName)
	if err != nil {
		return nil, err
	}

	stmts := []Statement{{
		SQL: `CREATE TABLE IF NOT EXISTS ` + dp.quoted + ` (
	id character varying(512) PRIMARY KEY,
	data_series_id uuid NOT NULL,
	external_id character varying(256) NOT NULL,
	point_in_time timestamp with time zone NOT NULL,
	sub_clock bigint NOT NULL,
	inserted_at timestamp with time zone NOT NULL DEFAULT now(),
	deleted_at timestamp with time zone
)`,
		Description: "create data point table in " + schema,
	}}
	stmts = append(stmts, subClockTrigger(dp)...)
	return stmts, nil
}

// NormalizedPlan is the DDL for the normalized tables of one data series plus the partitions
// that have to be recorded in the partition ledger.
type NormalizedPlan struct {
	Statements []Statement
	Partitions []models.PartitionByUUID
}

// Normalized defines one normalized table per kind used by a live column of the series and
// one partition per live fact or dimension.
func Normalized(schema, tenantName string, cols []Column) (*NormalizedPlan, error) {
	dp, err := newTable(schema, naming.DataPointTableName)
	if err != nil {
		return nil, err
	}

	plan := &NormalizedPlan{}
	seenKinds := make(map[string]bool)
	for _, col := range liveColumns(cols) {
		base, err := newTable(schema, naming.NormalizedTableName(col.Kind))
		if err != nil {
			return nil, err
		}
		key := naming.NormalizedKeyColumn(col.Kind)

		if !seenKinds[col.Kind] {
			seenKinds[col.Kind] = true
			plan.Statements = append(plan.Statements, Statement{
				SQL: `CREATE TABLE IF NOT EXISTS ` + base.quoted + ` (
	data_point_id character varying(512) NOT NULL,
	` + key + ` uuid NOT NULL,
	point_in_time timestamp with time zone NOT NULL,
	sub_clock bigint NOT NULL,
	value ` + col.SQLType + `,
	inserted_at timestamp with time zone NOT NULL DEFAULT now(),
	deleted_at timestamp with time zone,
	PRIMARY KEY (` + key + `, data_point_id, sub_clock)
) PARTITION BY LIST (` + key + `)`,
				Description: "create normalized table " + base.name,
			})
			plan.Statements = append(plan.Statements, subClockTrigger(base)...)
			plan.Statements = append(plan.Statements, softDeleteTrigger(dp, base, "data_point_id")...)
		}

		partName := naming.PartitionName(naming.PartitionBaseName(col.Kind), col.OwnerID.String(), tenantName, col.ExternalID)
		part, err := newTable(schema, partName)
		if err != nil {
			return nil, err
		}
		plan.Statements = append(plan.Statements, Statement{
			SQL: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES IN ('%s')`,
				part.quoted, base.quoted, col.OwnerID.String()),
			Description: "create partition " + part.name,
		})
		plan.Partitions = append(plan.Partitions, models.PartitionByUUID{
			BaseTable:        base.name,
			ChildTable:       part.name,
			ChildTableSchema: schema,
			PartitionKey:     col.OwnerID,
		})
	}
	return plan, nil
}
