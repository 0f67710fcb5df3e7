package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is the owner of an isolated physical schema.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// StorageBackend selects how a data series is laid out physically.
type StorageBackend string

const (
	// BackendMaterialized keeps normalized per-kind history tables and one materialized table.
	BackendMaterialized StorageBackend = "DYNAMIC_SQL_MATERIALIZED"
	// BackendMaterializedFlatHistory keeps the materialized table plus an append-only flat history.
	BackendMaterializedFlatHistory StorageBackend = "DYNAMIC_SQL_MATERIALIZED_FLAT_HISTORY"
	// BackendNoHistory keeps only the materialized table.
	BackendNoHistory StorageBackend = "DYNAMIC_SQL_NO_HISTORY"
	// BackendV1 is the legacy view-based layout. Existing series may carry it, new ones may not.
	BackendV1 StorageBackend = "DYNAMIC_SQL_V1"
)

// IsValid returns true for backends new data series may be created with.
func (b StorageBackend) IsValid() bool {
	switch b {
	case BackendMaterialized, BackendMaterializedFlatHistory, BackendNoHistory:
		return true
	default:
		return false
	}
}

// KeepsNormalizedHistory reports whether per-kind normalized tables are written.
func (b StorageBackend) KeepsNormalizedHistory() bool {
	return b == BackendMaterialized
}

// KeepsFlatHistory reports whether the append-only flat history table is written.
func (b StorageBackend) KeepsFlatHistory() bool {
	return b == BackendMaterializedFlatHistory
}

// DataSeries is a tenant-scoped logical collection of facts and dimensions.
type DataSeries struct {
	ID               uuid.UUID      `json:"id"`
	TenantID         uuid.UUID      `json:"tenant_id"`
	ExternalID       string         `json:"external_id"`
	Name             string         `json:"name"`
	Backend          StorageBackend `json:"backend"`
	AllowExtraFields bool           `json:"allow_extra_fields"`
	// Locked suppresses structural edits, e.g. while an operator migrates the series by hand.
	Locked    bool       `json:"locked"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the series has been soft deleted.
func (ds *DataSeries) IsDeleted() bool {
	return ds.DeletedAt != nil
}

// PhysicalID is the id part of the series' physical table names.
func (ds *DataSeries) PhysicalID() string {
	return ds.ID.String()
}

// DataSeriesUpdate carries the mutable settings of a data series. Nil fields are unchanged.
type DataSeriesUpdate struct {
	Name             *string `json:"name,omitempty"`
	AllowExtraFields *bool   `json:"allow_extra_fields,omitempty"`
	Locked           *bool   `json:"locked,omitempty"`
}
