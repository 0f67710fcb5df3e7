// Package naming synthesizes the physical identifiers (schemas, tables, columns, indexes)
// derived from the metamodel and quotes them for use in DDL/DML text.
//
// Every name produced here is a pure function of its inputs. Later DDL recomputes names
// instead of looking them up, so any change to these functions requires migrating every
// existing physical object.
package naming

import (
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/apperrors"
	sqlguard "github.com/ekaya-inc/ekaya-dataseries/pkg/sql"
)

// Charset selects one of the identifier whitelists.
type Charset int

const (
	// CharsetSQLSafe allows letters, digits and underscore.
	CharsetSQLSafe Charset = iota
	// CharsetURLSafe additionally allows hyphen.
	CharsetURLSafe
)

const (
	// MaxSQLSafeExternalIDLength bounds external ids that end up inside column names.
	MaxSQLSafeExternalIDLength = 50
	// MaxURLSafeExternalIDLength bounds external ids that only appear in table names and URLs.
	MaxURLSafeExternalIDLength = 256
)

func (c Charset) String() string {
	switch c {
	case CharsetSQLSafe:
		return "sql-safe"
	case CharsetURLSafe:
		return "url-safe"
	default:
		return "unknown"
	}
}

func (c Charset) allows(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		return true
	case r == '-':
		return c == CharsetURLSafe
	default:
		return false
	}
}

// Validate reports whether s is non-empty and consists only of characters from charset.
// Anything else, including whitespace, quotes and non-ASCII letters, is rejected.
func Validate(s string, charset Charset) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !charset.allows(r) {
			return false
		}
	}
	return true
}

// ValidateExternalID checks an external id against charset and its length bound.
func ValidateExternalID(externalID string, charset Charset) error {
	if !Validate(externalID, charset) {
		return invalidIdentifier(externalID, charset)
	}
	limit := MaxSQLSafeExternalIDLength
	if charset == CharsetURLSafe {
		limit = MaxURLSafeExternalIDLength
	}
	if len(externalID) > limit {
		return fmt.Errorf("%w: external id %q exceeds %d characters", apperrors.ErrNameTooLong, externalID, limit)
	}
	return nil
}

// Escape validates s and quotes it so it can only ever be parsed as a single identifier.
// Invalid input is rejected, never sanitized.
func Escape(s string) (string, error) {
	if !Validate(s, CharsetURLSafe) {
		return "", invalidIdentifier(s, CharsetURLSafe)
	}
	return pgx.Identifier{s}.Sanitize(), nil
}

// MustEscape is Escape for names that were produced by this package from validated parts.
func MustEscape(s string) string {
	escaped, err := Escape(s)
	if err != nil {
		panic(err)
	}
	return escaped
}

// EscapeQualified returns schema.name with both parts validated and quoted.
func EscapeQualified(schema, name string) (string, error) {
	escapedSchema, err := Escape(schema)
	if err != nil {
		return "", err
	}
	escapedName, err := Escape(name)
	if err != nil {
		return "", err
	}
	return escapedSchema + "." + escapedName, nil
}

func invalidIdentifier(s string, charset Charset) error {
	if result := sqlguard.CheckIdentifierForInjection(s); result != nil {
		return fmt.Errorf("%w: %q is not %s (injection fingerprint %s)",
			apperrors.ErrInvalidIdentifier, s, charset, result.Fingerprint)
	}
	return fmt.Errorf("%w: %q is not %s", apperrors.ErrInvalidIdentifier, s, charset)
}
