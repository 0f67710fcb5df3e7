package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultRecordSource tags tasks whose origin did not say otherwise.
const DefaultRecordSource = "REST API"

// SystemActor is recorded as the submitting user of tasks spawned by the engine itself.
const SystemActor = "system"

// MetaModelTaskData is a durable migration job. Deleting the row is the acknowledgement.
type MetaModelTaskData struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	Task         string         `json:"task"`
	DataSeriesID *uuid.UUID     `json:"data_series_id,omitempty"`
	PointInTime  time.Time      `json:"point_in_time"`
	Data         map[string]any `json:"data"`
	LastError    map[string]any `json:"last_error,omitempty"`
	Attempts     int            `json:"attempts"`
	NotBefore    time.Time      `json:"not_before"`
	UserID       string         `json:"user_id"`
	RecordSource string         `json:"record_source"`
}

// PartitionByUUID maps a normalized base table and a partition key to the physical child
// table holding those rows.
type PartitionByUUID struct {
	ID               uuid.UUID `json:"id"`
	BaseTable        string    `json:"base_table"`
	ChildTable       string    `json:"child_table"`
	ChildTableSchema string    `json:"child_table_schema"`
	PartitionKey     uuid.UUID `json:"partition_key"`
}

// AnalyticsUser is a database role that receives read access to a tenant's physical objects.
type AnalyticsUser struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Role     string    `json:"role"`
	// TenantGlobalRead grants SELECT on every table and view of the tenant schema,
	// including ones created later.
	TenantGlobalRead bool       `json:"tenant_global_read"`
	CreatedAt        time.Time  `json:"created_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// ReadOnlyDataPoint is the identity projection returned by the read path.
type ReadOnlyDataPoint struct {
	ID           string    `json:"id"`
	DataSeriesID uuid.UUID `json:"data_series_id"`
	ExternalID   string    `json:"external_id"`
}

// DataPointInput is one data point submitted for writing. Values are keyed by the
// external_id of facts and dimensions.
type DataPointInput struct {
	ExternalID  string         `json:"external_id"`
	PointInTime *time.Time     `json:"point_in_time,omitempty"`
	Values      map[string]any `json:"payload"`
}
