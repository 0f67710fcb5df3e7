package synthesizer

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/naming"
)

// KindDimension is the column kind of dimensions. Fact columns use their FactKind.
const KindDimension = "dimension"

// Column is one generated column of a materialized or flat history table.
type Column struct {
	OwnerID    uuid.UUID
	ExternalID string
	Kind       string
	// Name is the physical column name, a pure function of OwnerID and ExternalID.
	Name    string
	SQLType string
	Order   int
	// Live is false for columns of removed facts and dimensions. They stay in the table
	// and are left out of the live view.
	Live bool
}

// FactColumn returns the column holding fact f.
func FactColumn(f *models.Fact) (Column, error) {
	spec, ok := f.Kind.Spec()
	if !ok {
		return Column{}, fmt.Errorf("unknown fact kind %q", f.Kind)
	}
	return Column{
		OwnerID:    f.ID,
		ExternalID: f.ExternalID,
		Kind:       string(f.Kind),
		Name:       naming.MaterializedColumnName(f.PhysicalID(), f.ExternalID),
		SQLType:    spec.SQLType,
		Order:      spec.Order,
		Live:       f.DeletedAt == nil,
	}, nil
}

// DimensionColumn returns the column holding the referenced data point id of dimension d.
func DimensionColumn(d *models.Dimension) Column {
	return Column{
		OwnerID:    d.ID,
		ExternalID: d.ExternalID,
		Kind:       KindDimension,
		Name:       naming.MaterializedColumnName(d.PhysicalID(), d.ExternalID),
		SQLType:    models.DimensionSQLType,
		Order:      models.DimensionOrder,
		Live:       d.DeletedAt == nil,
	}
}

// SortColumns puts columns in canonical order: by kind order, then external_id, then id.
// Repeated synthesis of the same metamodel therefore produces identical DDL.
func SortColumns(cols []Column) {
	sort.SliceStable(cols, func(i, j int) bool {
		a, b := cols[i], cols[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if a.ExternalID != b.ExternalID {
			return a.ExternalID < b.ExternalID
		}
		return a.OwnerID.String() < b.OwnerID.String()
	})
}

// Columns builds the canonically ordered column list of a data series from all of its facts
// and dimensions, removed ones included.
func Columns(facts []*models.Fact, dimensions []*models.Dimension) ([]Column, error) {
	cols := make([]Column, 0, len(facts)+len(dimensions))
	for _, d := range dimensions {
		cols = append(cols, DimensionColumn(d))
	}
	for _, f := range facts {
		col, err := FactColumn(f)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	SortColumns(cols)

	owners := make(map[string]string, len(cols))
	for _, c := range cols {
		owners[c.OwnerID.String()] = c.Name
	}
	if err := naming.CheckCollisions(owners); err != nil {
		return nil, err
	}
	return cols, nil
}

// liveColumns filters cols down to the columns of live facts and dimensions.
func liveColumns(cols []Column) []Column {
	live := make([]Column, 0, len(cols))
	for _, c := range cols {
		if c.Live {
			live = append(live, c)
		}
	}
	return live
}
