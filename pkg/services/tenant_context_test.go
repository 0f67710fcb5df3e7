package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
)

func TestWithProvenanceWrapper_AddsProvenance(t *testing.T) {
	tenantID := uuid.New()
	p := models.ProvenanceContext{Source: models.SourceAdmin, UserID: "alice"}

	inner := func(ctx context.Context, tid uuid.UUID) (context.Context, func(), error) {
		return ctx, func() {}, nil
	}

	wrapped := WithProvenanceWrapper(inner, p)
	resultCtx, cleanup, err := wrapped(context.Background(), tenantID)

	require.NoError(t, err)
	require.NotNil(t, cleanup)

	prov, ok := models.GetProvenance(resultCtx)
	require.True(t, ok, "provenance should be present in context")
	assert.Equal(t, models.SourceAdmin, prov.Source)
	assert.Equal(t, "alice", prov.UserID)
}

func TestWithProvenanceWrapper_PassesThroughCleanup(t *testing.T) {
	cleanupCalled := false

	inner := func(ctx context.Context, tid uuid.UUID) (context.Context, func(), error) {
		return ctx, func() { cleanupCalled = true }, nil
	}

	wrapped := WithProvenanceWrapper(inner, models.ProvenanceContext{Source: models.SourceSystem})
	_, cleanup, err := wrapped(context.Background(), uuid.New())

	require.NoError(t, err)
	require.NotNil(t, cleanup)

	cleanup()
	assert.True(t, cleanupCalled, "cleanup from inner function should be called")
}

func TestWithProvenanceWrapper_PropagatesError(t *testing.T) {
	expectedErr := errors.New("tenant connection failed")

	inner := func(ctx context.Context, tid uuid.UUID) (context.Context, func(), error) {
		return nil, nil, expectedErr
	}

	wrapped := WithProvenanceWrapper(inner, models.ProvenanceContext{Source: models.SourceSystem})
	resultCtx, cleanup, err := wrapped(context.Background(), uuid.New())

	assert.Nil(t, resultCtx)
	assert.Nil(t, cleanup)
	assert.ErrorIs(t, err, expectedErr)
}

func TestWithProvenanceWrapper_ForwardsTenantID(t *testing.T) {
	tenantID := uuid.New()
	var received uuid.UUID

	inner := func(ctx context.Context, tid uuid.UUID) (context.Context, func(), error) {
		received = tid
		return ctx, func() {}, nil
	}

	wrapped := WithProvenanceWrapper(inner, models.ProvenanceContext{Source: models.SourceSystem})
	_, _, err := wrapped(context.Background(), tenantID)

	require.NoError(t, err)
	assert.Equal(t, tenantID, received, "tenantID should be forwarded to inner function")
}

func TestWithTenant_ReleasesScope(t *testing.T) {
	released := false
	inner := func(ctx context.Context, tid uuid.UUID) (context.Context, func(), error) {
		return ctx, func() { released = true }, nil
	}

	errBoom := errors.New("boom")
	err := withTenant(context.Background(), inner, uuid.New(), func(context.Context) error { return errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, released)
}
