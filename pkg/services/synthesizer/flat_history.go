package synthesizer

import (
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/naming"
)

// FlatHistory defines the append-only history table of a data series. It carries the same
// fact and dimension columns as the materialized table, but every write adds a row keyed by
// (id, sub_clock) instead of updating one in place.
func FlatHistory(schema string, ds *models.DataSeries, cols []Column, existing map[string]bool) (Definition, error) {
	tbl, err := newTable(schema, naming.FlatHistoryTableName(ds.PhysicalID(), ds.ExternalID))
	if err != nil {
		return Definition{}, err
	}
	idx := naming.FlatHistoryIndexes(ds.PhysicalID(), ds.ExternalID)

	def := Definition{Name: tbl.name}
	def.Statements = append(def.Statements, Statement{
		SQL: `CREATE TABLE IF NOT EXISTS ` + tbl.quoted + ` (
	id character varying(512) NOT NULL,
	external_id character varying(256) NOT NULL,
	point_in_time timestamp with time zone NOT NULL,
	sub_clock bigint NOT NULL,
	inserted_at timestamp with time zone NOT NULL DEFAULT now(),
	deleted_at timestamp with time zone,
	CONSTRAINT ` + naming.MustEscape(idx.PrimaryKey) + ` PRIMARY KEY (id, sub_clock)
)`,
		Description: "create flat history table " + tbl.name,
	})
	def.Statements = append(def.Statements, addMissingColumns(tbl, cols, existing)...)
	def.Statements = append(def.Statements,
		createIndex(idx.Unique, true, tbl, "id, point_in_time, sub_clock", ""),
		createIndex(idx.PointInTime, false, tbl, "point_in_time", ""),
		createIndex(idx.ExternalID, false, tbl, "external_id", ""),
	)
	def.Statements = append(def.Statements, subClockTrigger(tbl)...)
	return def, nil
}

func flatHistoryTable(schema string, ds *models.DataSeries) (table, error) {
	return newTable(schema, naming.FlatHistoryTableName(ds.PhysicalID(), ds.ExternalID))
}
