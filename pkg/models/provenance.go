// Package models contains the domain types of the data series engine.
package models

import (
	"context"
)

// ProvenanceSource records through which surface a schema change arrived.
type ProvenanceSource string

const (
	SourceRESTAPI ProvenanceSource = "REST API"
	SourceAdmin   ProvenanceSource = "admin"
	SourceSystem  ProvenanceSource = "system"
)

// String returns the string representation of a ProvenanceSource.
func (s ProvenanceSource) String() string {
	return string(s)
}

// IsValid returns true if the source is a known provenance source.
func (s ProvenanceSource) IsValid() bool {
	switch s {
	case SourceRESTAPI, SourceAdmin, SourceSystem:
		return true
	default:
		return false
	}
}

// ProvenanceContext carries the actor and surface of an operation. It is attached to the
// migration tasks the operation spawns.
type ProvenanceContext struct {
	Source ProvenanceSource
	// UserID is the authenticated user as reported by the API layer. Empty for the engine itself.
	UserID string
}

type provenanceKey struct{}

// WithProvenance returns a new context with provenance information attached.
func WithProvenance(ctx context.Context, p ProvenanceContext) context.Context {
	return context.WithValue(ctx, provenanceKey{}, p)
}

// GetProvenance retrieves provenance information from the context.
func GetProvenance(ctx context.Context) (ProvenanceContext, bool) {
	p, ok := ctx.Value(provenanceKey{}).(ProvenanceContext)
	return p, ok
}

// ProvenanceOrSystem returns the provenance from ctx, falling back to the system actor.
// A missing source defaults to the REST API and a missing user to the system actor.
func ProvenanceOrSystem(ctx context.Context) ProvenanceContext {
	p, ok := GetProvenance(ctx)
	if !ok {
		return ProvenanceContext{Source: SourceSystem, UserID: SystemActor}
	}
	if p.Source == "" {
		p.Source = SourceRESTAPI
	}
	if p.UserID == "" {
		p.UserID = SystemActor
	}
	return p
}
