package models

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/apperrors"
)

// FactKind is the value type of a fact.
type FactKind string

const (
	FactKindFloat     FactKind = "float"
	FactKindString    FactKind = "string"
	FactKindText      FactKind = "text"
	FactKindTimestamp FactKind = "timestamp"
	FactKindImage     FactKind = "image"
	FactKindFile      FactKind = "file"
	FactKindJSON      FactKind = "json"
	FactKindBoolean   FactKind = "boolean"
)

const (
	// DimensionSQLType holds the id of the referenced data point.
	DimensionSQLType = "character varying(512)"
	// DimensionOrder places dimensions before every fact kind in generated column lists.
	DimensionOrder = 0

	maxStringFactLength = 256
)

// KindSpec is everything the engine needs to know about one fact kind.
type KindSpec struct {
	// SQLType is the physical column type.
	SQLType string
	// Order is the kind's position in the canonical column ordering.
	Order int
	// Coerce validates v and converts it into the value bound as a query parameter.
	Coerce func(v any) (any, error)
}

var kindSpecs = map[FactKind]KindSpec{
	FactKindFloat:     {SQLType: "double precision", Order: 1, Coerce: coerceFloat},
	FactKindString:    {SQLType: "character varying(256)", Order: 2, Coerce: coerceString},
	FactKindText:      {SQLType: "text", Order: 3, Coerce: coerceText},
	FactKindTimestamp: {SQLType: "timestamp with time zone", Order: 4, Coerce: coerceTimestamp},
	FactKindImage:     {SQLType: "TEXT", Order: 5, Coerce: coercePath},
	FactKindFile:      {SQLType: "TEXT", Order: 6, Coerce: coercePath},
	FactKindJSON:      {SQLType: "jsonb", Order: 7, Coerce: coerceJSON},
	FactKindBoolean:   {SQLType: "BOOLEAN", Order: 8, Coerce: coerceBoolean},
}

// Spec returns the kind table entry.
func (k FactKind) Spec() (KindSpec, bool) {
	spec, ok := kindSpecs[k]
	return spec, ok
}

// IsValid returns true if the kind is known.
func (k FactKind) IsValid() bool {
	_, ok := kindSpecs[k]
	return ok
}

// AllFactKinds returns every kind in canonical order.
func AllFactKinds() []FactKind {
	kinds := make([]FactKind, 0, len(kindSpecs))
	for k := range kindSpecs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		return kindSpecs[kinds[i]].Order < kindSpecs[kinds[j]].Order
	})
	return kinds
}

// Fact is a typed attribute of a data series. The binding to its data series lives in
// engine_data_series_facts so the binding and the definition can be soft deleted separately.
type Fact struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	DataSeriesID uuid.UUID  `json:"data_series_id"`
	Kind         FactKind   `json:"kind"`
	ExternalID   string     `json:"external_id"`
	Name         string     `json:"name"`
	Optional     bool       `json:"optional"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// PhysicalID is the id part of the fact's physical column name.
func (f *Fact) PhysicalID() string {
	return f.ID.String()
}

func coerceFloat(v any) (any, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", apperrors.ErrInvalidValue, x.String())
		}
		f = parsed
	default:
		return nil, fmt.Errorf("%w: expected number, got %T", apperrors.ErrInvalidValue, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite number", apperrors.ErrInvalidValue)
	}
	return f, nil
}

func coerceString(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: expected string, got %T", apperrors.ErrInvalidValue, v)
	}
	if utf8.RuneCountInString(s) > maxStringFactLength {
		return nil, fmt.Errorf("%w: string longer than %d characters", apperrors.ErrInvalidValue, maxStringFactLength)
	}
	return s, nil
}

func coerceText(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: expected string, got %T", apperrors.ErrInvalidValue, v)
	}
	return s, nil
}

func coerceTimestamp(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an RFC 3339 timestamp", apperrors.ErrInvalidValue, x)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: expected timestamp, got %T", apperrors.ErrInvalidValue, v)
	}
}

// coercePath accepts the storage path of an uploaded image or file.
func coercePath(v any) (any, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil, fmt.Errorf("%w: expected non-empty storage path", apperrors.ErrInvalidValue)
	}
	return s, nil
}

func coerceJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: value is not JSON serializable: %v", apperrors.ErrInvalidValue, err)
	}
	return raw, nil
}

func coerceBoolean(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: expected boolean, got %T", apperrors.ErrInvalidValue, v)
	}
	return b, nil
}
