package synthesizer

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/naming"
)

// TableSpec is the single specification the materialized table and its live view are both
// derived from.
type TableSpec struct {
	Schema     string
	DataSeries *models.DataSeries
	// Columns holds every fact and dimension column in canonical order, removed ones included.
	Columns []Column
	// Existing is the set of physical columns of the materialized table. Empty when the
	// table does not exist yet.
	Existing map[string]bool
}

// Definition is the statements that bring one physical object up to date.
type Definition struct {
	Name       string
	Statements []Statement
}

// Definitions pairs the writable table with the read-only view over it.
type Definitions struct {
	Writable Definition
	ReadOnly Definition
}

// Builder emits physical definitions from a TableSpec.
type Builder struct{}

// materializedBaseColumns are present in every materialized table, in this order.
var materializedBaseColumns = []string{
	"id", "external_id", "point_in_time", "sub_clock", "inserted_at", "last_updated_at",
}

// Definitions returns the writable materialized table (created if missing, widened by the
// live columns it lacks, never narrowed) and the live view exposing alive rows and live
// columns in canonical order.
func (Builder) Definitions(spec TableSpec) (*Definitions, error) {
	ds := spec.DataSeries
	if ds == nil {
		return nil, fmt.Errorf("table spec without data series")
	}
	tbl, err := newTable(spec.Schema, naming.MaterializedTableName(ds.PhysicalID(), ds.ExternalID))
	if err != nil {
		return nil, err
	}
	view, err := newTable(spec.Schema, naming.MaterializedLiveViewName(ds.PhysicalID(), ds.ExternalID))
	if err != nil {
		return nil, err
	}
	idx := naming.MaterializedIndexes(ds.PhysicalID(), ds.ExternalID)

	writable := Definition{Name: tbl.name}
	writable.Statements = append(writable.Statements, Statement{
		SQL: `CREATE TABLE IF NOT EXISTS ` + tbl.quoted + ` (
	id character varying(512) NOT NULL,
	external_id character varying(256) NOT NULL,
	point_in_time timestamp with time zone NOT NULL,
	sub_clock bigint NOT NULL,
	inserted_at timestamp with time zone NOT NULL DEFAULT now(),
	last_updated_at timestamp with time zone NOT NULL DEFAULT now(),
	deleted_at timestamp with time zone,
	CONSTRAINT ` + naming.MustEscape(idx.PrimaryKey) + ` PRIMARY KEY (id)
)`,
		Description: "create materialized table " + tbl.name,
	})
	writable.Statements = append(writable.Statements, addMissingColumns(tbl, spec.Columns, spec.Existing)...)
	writable.Statements = append(writable.Statements,
		createIndex(idx.InsertedAtAlive, false, tbl, "inserted_at, id", "WHERE deleted_at IS NULL"),
		createIndex(idx.UniqueID, true, tbl, "id", "INCLUDE (external_id)"),
		createIndex(idx.ExternalID, false, tbl, "external_id", ""),
		createIndex(idx.PointInTime, false, tbl, "point_in_time", ""),
	)
	writable.Statements = append(writable.Statements, subClockTrigger(tbl)...)

	readOnly := Definition{Name: view.name, Statements: liveView(view, tbl, spec.Columns)}

	return &Definitions{Writable: writable, ReadOnly: readOnly}, nil
}

// addMissingColumns widens tbl by the live columns it does not have yet.
func addMissingColumns(tbl table, cols []Column, existing map[string]bool) []Statement {
	var stmts []Statement
	for _, c := range cols {
		if !c.Live || existing[c.Name] {
			continue
		}
		stmts = append(stmts, Statement{
			SQL:         `ALTER TABLE ` + tbl.quoted + ` ADD COLUMN IF NOT EXISTS ` + naming.MustEscape(c.Name) + ` ` + c.SQLType,
			Description: fmt.Sprintf("add column %s to %s", c.Name, tbl.name),
		})
	}
	return stmts
}

// liveView recreates the view from scratch. CREATE OR REPLACE VIEW cannot drop columns, and
// removed facts must disappear from it.
func liveView(view, tbl table, cols []Column) []Statement {
	selectList := quoteAll(materializedBaseColumns)
	for _, c := range liveColumns(cols) {
		selectList += ", " + naming.MustEscape(c.Name)
	}

	return []Statement{
		{SQL: `DROP VIEW IF EXISTS ` + view.quoted, Description: "drop live view " + view.name},
		{
			SQL: `CREATE VIEW ` + view.quoted + ` AS SELECT ` + selectList +
				` FROM ` + tbl.quoted + ` WHERE deleted_at IS NULL`,
			Description: "create live view " + view.name,
		},
	}
}

// DropLiveView removes the view of a deleted data series. Its tables are kept.
func DropLiveView(schema string, ds *models.DataSeries) (Statement, error) {
	view, err := newTable(schema, naming.MaterializedLiveViewName(ds.PhysicalID(), ds.ExternalID))
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: `DROP VIEW IF EXISTS ` + view.quoted, Description: "drop live view " + view.name}, nil
}

// UserIndexStatements creates the live user defined indexes on tbl and drops removed ones.
// An index whose targets are not all live columns is skipped.
func UserIndexStatements(tbl table, indexes []*models.UserDefinedIndex, cols []Column, indexName func(string) string) []Statement {
	byOwner := make(map[string]Column, len(cols))
	for _, c := range cols {
		byOwner[c.OwnerID.String()] = c
	}

	var stmts []Statement
	for _, index := range indexes {
		name := indexName(index.ID.String())
		if index.DeletedAt != nil {
			stmts = append(stmts, Statement{
				SQL:         `DROP INDEX IF EXISTS ` + naming.MustEscape(tbl.schema) + `.` + naming.MustEscape(name),
				Description: "drop user index " + name,
			})
			continue
		}

		names := make([]string, 0, len(index.Targets))
		for _, target := range index.Targets {
			col, ok := byOwner[target.TargetID.String()]
			if !ok || !col.Live {
				names = nil
				break
			}
			names = append(names, col.Name)
		}
		if len(names) == 0 {
			continue
		}
		stmts = append(stmts, createIndex(name, false, tbl, quoteAll(names), ""))
	}
	return stmts
}

func materializedTable(schema string, ds *models.DataSeries) (table, error) {
	return newTable(schema, naming.MaterializedTableName(ds.PhysicalID(), ds.ExternalID))
}

func describe(stmts []Statement) string {
	parts := make([]string, len(stmts))
	for i, s := range stmts {
		parts[i] = s.Description
	}
	return strings.Join(parts, "; ")
}
