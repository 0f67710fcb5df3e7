package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsContention(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("deadlock"), false},
		{"deadlock", &pgconn.PgError{Code: CodeDeadlockDetected}, true},
		{"serialization", &pgconn.PgError{Code: CodeSerializationFailure}, true},
		{"lock not available", &pgconn.PgError{Code: CodeLockNotAvailable}, true},
		{"wrapped deadlock", fmt.Errorf("failed to run task: %w", &pgconn.PgError{Code: CodeDeadlockDetected}), true},
		{"unique violation", &pgconn.PgError{Code: CodeUniqueViolation}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsContention(tt.err))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: CodeUniqueViolation})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: CodeDeadlockDetected}))
	assert.False(t, IsUniqueViolation(errors.New("23505")))
}
