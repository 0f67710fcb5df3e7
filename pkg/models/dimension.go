package models

import (
	"time"

	"github.com/google/uuid"
)

// Dimension references another data series. It is an entity of its own rather than a bare
// foreign key so dimension specific settings can be added without reshaping the tables.
type Dimension struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	DataSeriesID uuid.UUID  `json:"data_series_id"`
	ReferenceID  uuid.UUID  `json:"reference_id"`
	ExternalID   string     `json:"external_id"`
	Name         string     `json:"name"`
	Optional     bool       `json:"optional"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

func (d *Dimension) PhysicalID() string {
	return d.ID.String()
}

// IndexTargetType discriminates what an index target points at: a fact kind or a dimension.
type IndexTargetType string

const IndexTargetDimension IndexTargetType = "dimension"

// IndexTargetForKind returns the target type of a fact of the given kind.
func IndexTargetForKind(kind FactKind) IndexTargetType {
	return IndexTargetType(kind)
}

// IsValid returns true for dimension or any known fact kind.
func (t IndexTargetType) IsValid() bool {
	return t == IndexTargetDimension || FactKind(t).IsValid()
}

// UserDefinedIndex is an index over an ordered list of facts and dimensions.
type UserDefinedIndex struct {
	ID           uuid.UUID     `json:"id"`
	TenantID     uuid.UUID     `json:"tenant_id"`
	DataSeriesID uuid.UUID     `json:"data_series_id"`
	ExternalID   string        `json:"external_id"`
	Name         string        `json:"name"`
	Targets      []IndexTarget `json:"targets"`
	CreatedAt    time.Time     `json:"created_at"`
	DeletedAt    *time.Time    `json:"deleted_at,omitempty"`
}

// IndexTarget is one column of a user defined index. Position fixes the column order.
type IndexTarget struct {
	TargetType IndexTargetType `json:"target_type"`
	TargetID   uuid.UUID       `json:"target_id"`
	Position   int             `json:"position"`
}
