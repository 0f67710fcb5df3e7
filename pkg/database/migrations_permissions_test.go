//go:build integration

package database_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/testhelpers"
)

// scratchDatabase creates a database owned by the superuser plus a login role that can
// connect to it. grantSchema additionally lets the role create tables in public.
// It returns a connection opened as that role.
func scratchDatabase(t *testing.T, name, user string, grantSchema bool) *sql.DB {
	t.Helper()

	testDB := testhelpers.GetTestDB(t)
	ctx := context.Background()
	const password = "test_password"

	_, _ = testDB.Pool.Exec(ctx, "DROP DATABASE IF EXISTS "+name)
	_, _ = testDB.Pool.Exec(ctx, "DROP USER IF EXISTS "+user)

	_, err := testDB.Pool.Exec(ctx, "CREATE DATABASE "+name)
	require.NoError(t, err)
	_, err = testDB.Pool.Exec(ctx, "CREATE USER "+user+" WITH PASSWORD '"+password+"'")
	require.NoError(t, err)
	_, err = testDB.Pool.Exec(ctx, "GRANT CONNECT ON DATABASE "+name+" TO "+user)
	require.NoError(t, err)

	host, err := testDB.Container.Host(ctx)
	require.NoError(t, err)
	port, err := testDB.Container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	addr := host + ":" + port.Port() + "/" + name + "?sslmode=disable"

	if grantSchema {
		superDB, err := sql.Open("pgx", "postgres://ekaya:test_password@"+addr)
		require.NoError(t, err)
		_, err = superDB.Exec("GRANT ALL ON SCHEMA public TO " + user)
		_ = superDB.Close()
		require.NoError(t, err)
	}

	db, err := sql.Open("pgx", "postgres://"+user+":"+password+"@"+addr)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
		_, _ = testDB.Pool.Exec(ctx, `
			SELECT pg_terminate_backend(pid) FROM pg_stat_activity
			WHERE datname = $1 AND pid <> pg_backend_pid()`, name)
		time.Sleep(100 * time.Millisecond)
		_, _ = testDB.Pool.Exec(ctx, "DROP DATABASE IF EXISTS "+name)
		_, _ = testDB.Pool.Exec(ctx, "DROP USER IF EXISTS "+user)
	})
	return db
}

func runMigrationsWithTimeout(t *testing.T, db *sql.DB) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- database.RunMigrations(db, zap.NewNop()) }()

	select {
	case err := <-done:
		return err
	case <-time.After(30 * time.Second):
		t.Fatal("migrations hung instead of returning")
		return nil
	}
}

func Test_Migrations_InsufficientPermissions(t *testing.T) {
	db := scratchDatabase(t, "test_migration_perms", "restricted_user", false)

	_, err := db.Exec("CREATE TABLE scratch_table (id int)")
	require.Error(t, err, "setup must leave the role without CREATE")

	err = runMigrationsWithTimeout(t, db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func Test_Migrations_UpIsIdempotentAndDownReverts(t *testing.T) {
	db := scratchDatabase(t, "test_migration_success", "full_perms_user", true)

	require.NoError(t, runMigrationsWithTimeout(t, db))
	require.NoError(t, runMigrationsWithTimeout(t, db), "second run has nothing to apply")

	var exists bool
	require.NoError(t, db.QueryRow(`SELECT to_regclass('public.engine_meta_model_tasks') IS NOT NULL`).Scan(&exists))
	assert.True(t, exists)

	require.NoError(t, database.MigrateDown(db, 1, zap.NewNop()))
	require.NoError(t, db.QueryRow(`SELECT to_regclass('public.engine_meta_model_tasks') IS NOT NULL`).Scan(&exists))
	assert.False(t, exists)
}
