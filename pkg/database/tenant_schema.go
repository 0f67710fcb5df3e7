package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/naming"
)

// SchemaManager guarantees a tenant's physical namespace exists before anything is written
// into it.
type SchemaManager struct {
	db     *DB
	logger *zap.Logger
}

// NewSchemaManager creates a SchemaManager.
func NewSchemaManager(db *DB, logger *zap.Logger) *SchemaManager {
	return &SchemaManager{db: db, logger: logger.Named("tenant-schema")}
}

// EnsureSchema creates the tenant schema and its sub clock sequence. It joins the
// transaction in ctx when there is one and otherwise runs in a transaction of its own.
// Invalid tenant names fail before any DDL is issued.
func (m *SchemaManager) EnsureSchema(ctx context.Context, tenantName string) (string, error) {
	schema, err := naming.TenantSchemaName(tenantName)
	if err != nil {
		return "", err
	}

	if tx, ok := GetTx(ctx); ok {
		err = ensureSchema(ctx, tx, schema)
	} else {
		err = pgx.BeginFunc(ctx, m.db.Pool, func(tx pgx.Tx) error {
			return ensureSchema(ctx, tx, schema)
		})
	}
	if err != nil {
		return "", err
	}

	m.logger.Debug("Ensured tenant schema", zap.String("schema", schema))
	return schema, nil
}

// EnsureSchemaTx is EnsureSchema for callers already holding a transaction.
func EnsureSchemaTx(ctx context.Context, q Querier, tenantName string) (string, error) {
	schema, err := naming.TenantSchemaName(tenantName)
	if err != nil {
		return "", err
	}
	if err := ensureSchema(ctx, q, schema); err != nil {
		return "", err
	}
	return schema, nil
}

func ensureSchema(ctx context.Context, q Querier, schema string) error {
	// Quoted like every later reference, so mixed case tenant names are not folded.
	quoted, err := naming.Escape(schema)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoted); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", schema, err)
	}

	seq, err := naming.EscapeQualified(schema, naming.SubClockSequenceName)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, "CREATE SEQUENCE IF NOT EXISTS "+seq); err != nil {
		return fmt.Errorf("failed to create sub clock sequence in %s: %w", schema, err)
	}
	return nil
}

// NextSubClock draws the next value of the tenant's sub clock sequence.
func NextSubClock(ctx context.Context, q Querier, tenantName string) (int64, error) {
	schema, err := naming.TenantSchemaName(tenantName)
	if err != nil {
		return 0, err
	}
	seq, err := naming.EscapeQualified(schema, naming.SubClockSequenceName)
	if err != nil {
		return 0, err
	}

	var value int64
	if err := q.QueryRow(ctx, "SELECT nextval($1::regclass)", seq).Scan(&value); err != nil {
		return 0, fmt.Errorf("failed to draw sub clock for %s: %w", schema, err)
	}
	return value, nil
}
