package synthesizer

import (
	"github.com/ekaya-inc/ekaya-dataseries/pkg/naming"
)

const (
	subClockFunctionName   = "_3_set_sub_clock"
	softDeleteFunctionName = "_3_propagate_soft_delete"
)

// TenantFunctions defines the trigger functions shared by all tables of a tenant schema.
// The schema and its sub clock sequence must exist.
func TenantFunctions(schema string) ([]Statement, error) {
	subClock, err := naming.EscapeQualified(schema, subClockFunctionName)
	if err != nil {
		return nil, err
	}
	softDelete, err := naming.EscapeQualified(schema, softDeleteFunctionName)
	if err != nil {
		return nil, err
	}
	seq, err := naming.EscapeQualified(schema, naming.SubClockSequenceName)
	if err != nil {
		return nil, err
	}

	// seq is built from validated identifiers only, so it cannot contain a quote.
	return []Statement{
		{
			SQL: `CREATE OR REPLACE FUNCTION ` + subClock + `() RETURNS trigger
LANGUAGE plpgsql AS $$
BEGIN
    IF NEW.sub_clock IS NULL THEN
        NEW.sub_clock := nextval('` + seq + `');
    END IF;
    RETURN NEW;
END;
$$`,
			Description: "create sub clock function in " + schema,
		},
		{
			// TG_ARGV[0] names the relation, TG_ARGV[1] its data point id column.
			SQL: `CREATE OR REPLACE FUNCTION ` + softDelete + `() RETURNS trigger
LANGUAGE plpgsql AS $$
BEGIN
    EXECUTE format('UPDATE %I.%I SET deleted_at = $1 WHERE %I = $2 AND deleted_at IS NULL',
                   TG_TABLE_SCHEMA, TG_ARGV[0], TG_ARGV[1])
      USING NEW.deleted_at, NEW.id;
    RETURN NEW;
END;
$$`,
			Description: "create soft delete propagation function in " + schema,
		},
	}, nil
}

// subClockTrigger stamps sub_clock on rows inserted without one.
func subClockTrigger(tbl table) []Statement {
	trigger := naming.MustEscape(naming.SubClockTriggerName(tbl.name))
	fn := naming.MustEscape(tbl.schema) + "." + naming.MustEscape(subClockFunctionName)
	return []Statement{
		{SQL: `DROP TRIGGER IF EXISTS ` + trigger + ` ON ` + tbl.quoted, Description: "drop sub clock trigger on " + tbl.name},
		{
			SQL: `CREATE TRIGGER ` + trigger + ` BEFORE INSERT ON ` + tbl.quoted +
				` FOR EACH ROW EXECUTE FUNCTION ` + fn + `()`,
			Description: "create sub clock trigger on " + tbl.name,
		},
	}
}

// softDeleteTrigger copies a soft delete of a parent row onto the rows of relation that
// reference it through column.
func softDeleteTrigger(parent, relation table, column string) []Statement {
	trigger := naming.MustEscape(naming.SoftDeleteTriggerName(parent.name, relation.name))
	fn := naming.MustEscape(parent.schema) + "." + naming.MustEscape(softDeleteFunctionName)
	return []Statement{
		{SQL: `DROP TRIGGER IF EXISTS ` + trigger + ` ON ` + parent.quoted, Description: "drop soft delete trigger on " + parent.name},
		{
			SQL: `CREATE TRIGGER ` + trigger + ` AFTER UPDATE OF deleted_at ON ` + parent.quoted +
				` FOR EACH ROW WHEN (OLD.deleted_at IS NULL AND NEW.deleted_at IS NOT NULL)` +
				` EXECUTE FUNCTION ` + fn + `('` + relation.name + `', '` + column + `')`,
			Description: "create soft delete trigger from " + parent.name + " to " + relation.name,
		},
	}
}
