package synthesizer

import (
	"fmt"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/naming"
)

// Task types of the synchronization handlers, one per storage backend.
const (
	TaskSyncMaterialized            = "dynamic_sql_materialized.sync"
	TaskSyncMaterializedFlatHistory = "dynamic_sql_materialized_flat_history.sync"
	TaskSyncNoHistory               = "dynamic_sql_no_history.sync"
)

// Backend binds a storage layout to the task type that synchronizes it.
type Backend struct {
	Kind     models.StorageBackend
	TaskType string
}

var backends = []Backend{
	{Kind: models.BackendMaterialized, TaskType: TaskSyncMaterialized},
	{Kind: models.BackendMaterializedFlatHistory, TaskType: TaskSyncMaterializedFlatHistory},
	{Kind: models.BackendNoHistory, TaskType: TaskSyncNoHistory},
}

// Backends returns every backend the engine can synthesize.
func Backends() []Backend {
	out := make([]Backend, len(backends))
	copy(out, backends)
	return out
}

// BackendFor returns the backend of kind. The legacy view based layout is not supported.
func BackendFor(kind models.StorageBackend) (Backend, error) {
	for _, b := range backends {
		if b.Kind == kind {
			return b, nil
		}
	}
	return Backend{}, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedBackend, kind)
}

// State is the metamodel of one data series together with what already exists physically.
type State struct {
	TenantName string
	Schema     string
	DataSeries *models.DataSeries
	// Facts, Dimensions and Indexes include removed entries. Removed columns are kept,
	// removed indexes are dropped.
	Facts      []*models.Fact
	Dimensions []*models.Dimension
	Indexes    []*models.UserDefinedIndex
	// ExistingColumns maps physical table names to their current columns.
	ExistingColumns map[string]map[string]bool
}

// Plan is the ordered DDL of one synchronization run.
type Plan struct {
	Statements []Statement
	Partitions []models.PartitionByUUID
	// Grants lists the tables and views tenant global readers get SELECT on.
	Grants []string
}

// PlanSync computes the statements that bring the physical layout of state.DataSeries in
// line with its live metamodel. Running the plan twice is harmless.
func PlanSync(state *State) (*Plan, error) {
	ds := state.DataSeries
	if ds == nil {
		return nil, fmt.Errorf("sync state without data series")
	}
	if _, err := BackendFor(ds.Backend); err != nil {
		return nil, err
	}
	if ds.IsDeleted() {
		stmt, err := DropLiveView(state.Schema, ds)
		if err != nil {
			return nil, err
		}
		return &Plan{Statements: []Statement{stmt}}, nil
	}

	cols, err := Columns(state.Facts, state.Dimensions)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	functions, err := TenantFunctions(state.Schema)
	if err != nil {
		return nil, err
	}
	plan.Statements = append(plan.Statements, functions...)

	if ds.Backend.KeepsNormalizedHistory() {
		dpStmts, err := DataPointTable(state.Schema)
		if err != nil {
			return nil, err
		}
		plan.Statements = append(plan.Statements, dpStmts...)
		plan.Grants = append(plan.Grants, naming.DataPointTableName)

		normalized, err := Normalized(state.Schema, state.TenantName, cols)
		if err != nil {
			return nil, err
		}
		plan.Statements = append(plan.Statements, normalized.Statements...)
		plan.Partitions = append(plan.Partitions, normalized.Partitions...)
		for _, kind := range normalizedKinds(cols) {
			plan.Grants = append(plan.Grants, naming.NormalizedTableName(kind))
		}
	}

	mat, err := materializedTable(state.Schema, ds)
	if err != nil {
		return nil, err
	}
	defs, err := Builder{}.Definitions(TableSpec{
		Schema:     state.Schema,
		DataSeries: ds,
		Columns:    cols,
		Existing:   state.ExistingColumns[mat.name],
	})
	if err != nil {
		return nil, err
	}
	plan.Statements = append(plan.Statements, defs.Writable.Statements...)
	plan.Statements = append(plan.Statements, UserIndexStatements(mat, state.Indexes, cols, naming.UserIndexName)...)
	plan.Grants = append(plan.Grants, defs.Writable.Name)

	if ds.Backend.KeepsFlatHistory() {
		hist, err := flatHistoryTable(state.Schema, ds)
		if err != nil {
			return nil, err
		}
		def, err := FlatHistory(state.Schema, ds, cols, state.ExistingColumns[hist.name])
		if err != nil {
			return nil, err
		}
		plan.Statements = append(plan.Statements, def.Statements...)
		plan.Statements = append(plan.Statements, UserIndexStatements(hist, state.Indexes, cols, naming.FlatHistoryUserIndexName)...)
		plan.Grants = append(plan.Grants, def.Name)
	}

	plan.Statements = append(plan.Statements, defs.ReadOnly.Statements...)
	plan.Grants = append(plan.Grants, defs.ReadOnly.Name)
	return plan, nil
}

func normalizedKinds(cols []Column) []string {
	var kinds []string
	seen := make(map[string]bool)
	for _, c := range liveColumns(cols) {
		if !seen[c.Kind] {
			seen[c.Kind] = true
			kinds = append(kinds, c.Kind)
		}
	}
	return kinds
}
