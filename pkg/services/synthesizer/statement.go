// Package synthesizer turns the metamodel of a data series into physical tables, views,
// indexes and triggers inside the tenant schema.
//
// Everything in this package except Service is pure: builders take a specification and
// return statements. Service introspects the catalog, asks the builders for the delta and
// applies it inside the transaction of the task that requested it.
package synthesizer

import (
	"strings"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/naming"
)

// Statement is one DDL statement.
type Statement struct {
	SQL string
	// Description is logged when the statement fails.
	Description string
}

// table is a validated, quoted schema-qualified name.
type table struct {
	schema string
	name   string
	quoted string
}

func newTable(schema, name string) (table, error) {
	quoted, err := naming.EscapeQualified(schema, name)
	if err != nil {
		return table{}, err
	}
	return table{schema: schema, name: name, quoted: quoted}, nil
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = naming.MustEscape(n)
	}
	return strings.Join(quoted, ", ")
}

func createIndex(name string, unique bool, on table, columns string, suffix string) Statement {
	kw := "CREATE INDEX IF NOT EXISTS "
	if unique {
		kw = "CREATE UNIQUE INDEX IF NOT EXISTS "
	}
	sql := kw + naming.MustEscape(name) + " ON " + on.quoted + " (" + columns + ")"
	if suffix != "" {
		sql += " " + suffix
	}
	return Statement{SQL: sql, Description: "create index " + name}
}
