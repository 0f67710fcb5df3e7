package database

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTenant_RejectsNilTenant(t *testing.T) {
	db := &DB{}

	scope, err := db.WithTenant(context.Background(), uuid.Nil)

	require.ErrorIs(t, err, ErrNilTenant)
	assert.Nil(t, scope)
}

func TestTenantScope_CloseWithoutConnection(t *testing.T) {
	scope := &TenantScope{}

	assert.NotPanics(t, scope.Close)
	assert.NotPanics(t, scope.Close)
}
