// Package migrations holds the linear migration ledger of the engine's own tables.
// Files follow golang-migrate naming: <version>_<name>.up.sql / .down.sql.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
