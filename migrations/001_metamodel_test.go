//go:build integration

package migrations_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/testhelpers"
)

// Test_001_Metamodel verifies the ledger tables are created with RLS and their policies.
func Test_001_Metamodel(t *testing.T) {
	engineDB := testhelpers.GetEngineDB(t)
	ctx := context.Background()

	tables := map[string]string{
		"engine_data_series":             "data_series_access",
		"engine_facts":                   "facts_access",
		"engine_data_series_facts":       "data_series_facts_access",
		"engine_dimensions":              "dimensions_access",
		"engine_data_series_dimensions":  "data_series_dimensions_access",
		"engine_indexes":                 "indexes_access",
		"engine_index_targets":           "index_targets_access",
		"engine_consumers":               "consumers_access",
		"engine_consumer_events":         "consumer_events_access",
		"engine_meta_model_tasks":        "meta_model_tasks_access",
		"engine_analytics_users":         "analytics_users_access",
	}

	for table, policy := range tables {
		var rlsEnabled bool
		err := engineDB.DB.Pool.QueryRow(ctx, `
			SELECT relrowsecurity FROM pg_class WHERE relname = $1
		`, table).Scan(&rlsEnabled)
		require.NoError(t, err, "table %s should exist", table)
		assert.True(t, rlsEnabled, "Row Level Security should be enabled on %s", table)

		var policyExists bool
		err = engineDB.DB.Pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT FROM pg_policy
				WHERE polrelid = $1::regclass
				AND polname = $2
			)
		`, table, policy).Scan(&policyExists)
		require.NoError(t, err)
		assert.True(t, policyExists, "policy %s should exist", policy)
	}

	var lockName string
	err := engineDB.DB.Pool.QueryRow(ctx, `SELECT name FROM engine_locks WHERE name = 'POSTGRES_PERMISSIONS'`).Scan(&lockName)
	require.NoError(t, err, "permission lock row should be seeded")

	for _, trigger := range []string{"sdel_data_series", "sdel_facts", "sdel_dimensions", "uniq_ext_data_series_facts", "uniq_ext_data_series_dimensions"} {
		var exists bool
		err := engineDB.DB.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT FROM pg_trigger WHERE tgname = $1)`, trigger).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "trigger %s should exist", trigger)
	}
}

// Test_001_Metamodel_ExternalIDReuse verifies a soft-deleted data series does not block
// re-creating one with the same external id, while two live ones still collide.
func Test_001_Metamodel_ExternalIDReuse(t *testing.T) {
	engineDB := testhelpers.GetEngineDB(t)
	ctx := context.Background()
	tenantID, tenantName := engineDB.CreateTenant(t)
	defer engineDB.DropTenant(t, tenantID, tenantName)

	insert := `INSERT INTO engine_data_series (tenant_id, external_id, name, backend)
	           VALUES ($1, 'sales', 'Sales', 'DYNAMIC_SQL_MATERIALIZED') RETURNING id`

	var first uuid.UUID
	require.NoError(t, engineDB.DB.Pool.QueryRow(ctx, insert, tenantID).Scan(&first))

	var dup uuid.UUID
	err := engineDB.DB.Pool.QueryRow(ctx, insert, tenantID).Scan(&dup)
	require.Error(t, err, "two live data series must not share an external id")

	_, err = engineDB.DB.Pool.Exec(ctx, `UPDATE engine_data_series SET deleted_at = now() WHERE id = $1`, first)
	require.NoError(t, err)

	var second uuid.UUID
	require.NoError(t, engineDB.DB.Pool.QueryRow(ctx, insert, tenantID).Scan(&second))
	assert.NotEqual(t, first, second)
}

// Test_001_Metamodel_SoftDeleteCascade verifies deleting a data series soft-deletes its
// facts, bindings, indexes and consumers at the storage layer.
func Test_001_Metamodel_SoftDeleteCascade(t *testing.T) {
	engineDB := testhelpers.GetEngineDB(t)
	ctx := context.Background()
	tenantID, tenantName := engineDB.CreateTenant(t)
	defer engineDB.DropTenant(t, tenantID, tenantName)

	pool := engineDB.DB.Pool

	var seriesID, factID, indexID, consumerID uuid.UUID
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO engine_data_series (tenant_id, external_id, name, backend)
		VALUES ($1, 'orders', 'Orders', 'DYNAMIC_SQL_NO_HISTORY') RETURNING id`, tenantID).Scan(&seriesID))
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO engine_facts (tenant_id, kind, external_id, name)
		VALUES ($1, 'float', 'amount', 'Amount') RETURNING id`, tenantID).Scan(&factID))
	_, err := pool.Exec(ctx, `
		INSERT INTO engine_data_series_facts (tenant_id, data_series_id, fact_id) VALUES ($1, $2, $3)`,
		tenantID, seriesID, factID)
	require.NoError(t, err)
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO engine_indexes (tenant_id, data_series_id, external_id, name)
		VALUES ($1, $2, 'by_amount', 'By amount') RETURNING id`, tenantID, seriesID).Scan(&indexID))
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO engine_consumers (tenant_id, data_series_id, external_id, name, target)
		VALUES ($1, $2, 'hook', 'Hook', 'https://example.com') RETURNING id`, tenantID, seriesID).Scan(&consumerID))

	deletedAt := time.Now().UTC().Truncate(time.Microsecond)
	_, err = pool.Exec(ctx, `UPDATE engine_data_series SET deleted_at = $2 WHERE id = $1`, seriesID, deletedAt)
	require.NoError(t, err)

	checks := map[string]string{
		"fact":     `SELECT deleted_at FROM engine_facts WHERE id = $1`,
		"index":    `SELECT deleted_at FROM engine_indexes WHERE id = $1`,
		"consumer": `SELECT deleted_at FROM engine_consumers WHERE id = $1`,
	}
	ids := map[string]uuid.UUID{"fact": factID, "index": indexID, "consumer": consumerID}
	for name, query := range checks {
		var got *time.Time
		require.NoError(t, pool.QueryRow(ctx, query, ids[name]).Scan(&got))
		require.NotNil(t, got, "%s should be soft deleted", name)
		assert.True(t, got.Equal(deletedAt), "%s should carry the parent's deleted_at", name)
	}

	var liveBindings int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM engine_data_series_facts WHERE data_series_id = $1 AND deleted_at IS NULL`,
		seriesID).Scan(&liveBindings))
	assert.Equal(t, 0, liveBindings)
}

// Test_001_Metamodel_ChildExternalIDsUniquePerSeries verifies facts and dimensions of one
// data series cannot share an external id, across kinds, while deleted children and other
// series do not count.
func Test_001_Metamodel_ChildExternalIDsUniquePerSeries(t *testing.T) {
	engineDB := testhelpers.GetEngineDB(t)
	ctx := context.Background()
	tenantID, tenantName := engineDB.CreateTenant(t)
	defer engineDB.DropTenant(t, tenantID, tenantName)

	pool := engineDB.DB.Pool
	newSeries := func(externalID string) uuid.UUID {
		var id uuid.UUID
		require.NoError(t, pool.QueryRow(ctx, `
			INSERT INTO engine_data_series (tenant_id, external_id, name, backend)
			VALUES ($1, $2, $2, 'DYNAMIC_SQL_NO_HISTORY') RETURNING id`, tenantID, externalID).Scan(&id))
		return id
	}
	bindFact := func(seriesID uuid.UUID, externalID string) (uuid.UUID, error) {
		var factID uuid.UUID
		require.NoError(t, pool.QueryRow(ctx, `
			INSERT INTO engine_facts (tenant_id, kind, external_id, name)
			VALUES ($1, 'float', $2, $2) RETURNING id`, tenantID, externalID).Scan(&factID))
		_, err := pool.Exec(ctx, `
			INSERT INTO engine_data_series_facts (tenant_id, data_series_id, fact_id) VALUES ($1, $2, $3)`,
			tenantID, seriesID, factID)
		return factID, err
	}
	bindDimension := func(seriesID, referenceID uuid.UUID, externalID string) error {
		var dimID uuid.UUID
		require.NoError(t, pool.QueryRow(ctx, `
			INSERT INTO engine_dimensions (tenant_id, reference_id, external_id, name)
			VALUES ($1, $2, $3, $3) RETURNING id`, tenantID, referenceID, externalID).Scan(&dimID))
		_, err := pool.Exec(ctx, `
			INSERT INTO engine_data_series_dimensions (tenant_id, data_series_id, dimension_id) VALUES ($1, $2, $3)`,
			tenantID, seriesID, dimID)
		return err
	}

	orders := newSeries("orders")
	customers := newSeries("customers")

	first, err := bindFact(orders, "amount")
	require.NoError(t, err)

	_, err = bindFact(orders, "amount")
	require.Error(t, err)
	assert.True(t, database.IsUniqueViolation(err), "duplicate fact: %v", err)

	err = bindDimension(orders, customers, "amount")
	require.Error(t, err)
	assert.True(t, database.IsUniqueViolation(err), "dimension reusing a fact's external id: %v", err)

	_, err = bindFact(customers, "amount")
	assert.NoError(t, err, "another series has its own namespace")

	_, err = pool.Exec(ctx, `UPDATE engine_facts SET deleted_at = now() WHERE id = $1`, first)
	require.NoError(t, err)
	_, err = bindFact(orders, "amount")
	assert.NoError(t, err, "a deleted fact frees its external id")
}
