package database

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
)

// Tx is a transaction that can defer work until after it has committed.
type Tx struct {
	pgx.Tx

	mu          sync.Mutex
	afterCommit []func(context.Context)
}

// Beginner is implemented by pools, pooled connections and transactions.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Begin opens a transaction on b. Callers finish it with Commit or Rollback.
func Begin(ctx context.Context, b Beginner) (*Tx, error) {
	pgxTx, err := b.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{Tx: pgxTx}, nil
}

// AfterCommit registers fn to run once the transaction has committed. Nothing runs on
// rollback. Hooks run in registration order with the context given to Commit.
func (t *Tx) AfterCommit(fn func(ctx context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.afterCommit = append(t.afterCommit, fn)
}

// Commit commits and then runs the after-commit hooks.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.Tx.Commit(ctx); err != nil {
		t.hooks()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	for _, hook := range t.hooks() {
		hook(ctx)
	}
	return nil
}

// Rollback rolls back and discards the after-commit hooks.
func (t *Tx) Rollback(ctx context.Context) error {
	t.hooks()
	return t.Tx.Rollback(ctx)
}

// Savepoint marks a point inside a transaction that later work can be rolled back to
// without giving up the transaction.
type Savepoint struct {
	tx    *Tx
	sp    pgx.Tx
	hooks int
}

// Savepoint opens a savepoint on t. Work done through t afterwards belongs to it until
// Release or Rollback.
func (t *Tx) Savepoint(ctx context.Context) (*Savepoint, error) {
	sp, err := t.Tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create savepoint: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Savepoint{tx: t, sp: sp, hooks: len(t.afterCommit)}, nil
}

// Release keeps the work done since the savepoint.
func (s *Savepoint) Release(ctx context.Context) error {
	if err := s.sp.Commit(ctx); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// Rollback undoes the work done since the savepoint and drops the after-commit hooks
// registered in the meantime.
func (s *Savepoint) Rollback(ctx context.Context) error {
	s.tx.mu.Lock()
	if len(s.tx.afterCommit) > s.hooks {
		s.tx.afterCommit = s.tx.afterCommit[:s.hooks]
	}
	s.tx.mu.Unlock()
	if err := s.sp.Rollback(ctx); err != nil {
		return fmt.Errorf("failed to roll back to savepoint: %w", err)
	}
	return nil
}

func (t *Tx) hooks() []func(context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hooks := t.afterCommit
	t.afterCommit = nil
	return hooks
}

// WithTx stores tx in ctx so repositories join it through QuerierFromContext.
func WithTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, TxKey, tx)
}

// InTx runs fn inside a transaction on the scoped connection from ctx. A nested call joins
// the outer transaction. fn's error rolls everything back; after-commit hooks run only once
// the outermost transaction has committed.
func InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := GetTx(ctx); ok {
		return fn(ctx)
	}

	scope, ok := GetTenantScope(ctx)
	if !ok || scope.Conn == nil {
		return fmt.Errorf("no tenant scope in context")
	}

	tx, err := Begin(ctx, scope.Conn)
	if err != nil {
		return err
	}

	if err := fn(WithTx(ctx, tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	return tx.Commit(ctx)
}
