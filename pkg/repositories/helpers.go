package repositories

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
)

// ============================================================================
// Helper Functions
// ============================================================================

// notFoundOr maps pgx.ErrNoRows to apperrors.ErrNotFound and wraps everything else.
func notFoundOr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.ErrNotFound
	}
	return fmt.Errorf("failed to %s: %w", what, err)
}

// conflictOr maps unique violations to apperrors.ErrConflict and wraps everything else.
func conflictOr(err error, what string) error {
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", apperrors.ErrConflict, what)
	}
	return fmt.Errorf("failed to %s: %w", what, err)
}

// jsonbValue marshals v for a jsonb column. nil maps store NULL.
func jsonbValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	case map[string]string:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func jsonUnmarshal(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

// deletedFilter is appended to list queries that exclude soft-deleted rows.
func deletedFilter(includeDeleted bool, column string) string {
	if includeDeleted {
		return ""
	}
	return " AND " + column + " IS NULL"
}
