package naming

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/apperrors"
)

var hostileSymbols = []string{
	"`", "~", "!", "@", "#", "$", "%", "^", "&", "*", "(", ")", "+", "=", "{", "[", "}", "]", "|",
	"\\", ":", ";", ",", "'", "\"", "<", ">", ".", "?", "/", " ", "\t", "\n",
	"←", "↑", "¬", "±", "§", "┤", "█", "¾", "É", "Õ", "Æ", "¥", "Ä", "µ", "€",
}

func TestValidate_RejectsHostileCharacters(t *testing.T) {
	for _, s := range hostileSymbols {
		for _, candidate := range []string{"name_" + s, s + "_name", "name_" + s + "_name"} {
			assert.False(t, Validate(candidate, CharsetSQLSafe), "sql-safe accepted %q", candidate)
			assert.False(t, Validate(candidate, CharsetURLSafe), "url-safe accepted %q", candidate)
		}
	}
}

func TestValidate_Charsets(t *testing.T) {
	assert.True(t, Validate("amount_2024", CharsetSQLSafe))
	assert.True(t, Validate("amount_2024", CharsetURLSafe))

	assert.False(t, Validate("amount-2024", CharsetSQLSafe))
	assert.True(t, Validate("amount-2024", CharsetURLSafe))

	assert.False(t, Validate("", CharsetSQLSafe))
	assert.False(t, Validate("", CharsetURLSafe))
}

func TestValidateExternalID_Length(t *testing.T) {
	require.NoError(t, ValidateExternalID(strings.Repeat("a", 50), CharsetSQLSafe))

	err := ValidateExternalID(strings.Repeat("a", 51), CharsetSQLSafe)
	assert.True(t, errors.Is(err, apperrors.ErrNameTooLong))

	require.NoError(t, ValidateExternalID(strings.Repeat("a", 256), CharsetURLSafe))
	err = ValidateExternalID(strings.Repeat("a", 257), CharsetURLSafe)
	assert.True(t, errors.Is(err, apperrors.ErrNameTooLong))
}

func TestEscape(t *testing.T) {
	escaped, err := Escape("amount")
	require.NoError(t, err)
	assert.Equal(t, `"amount"`, escaped)

	escaped, err = Escape("_mat_0f5c-x_sales")
	require.NoError(t, err)
	assert.Equal(t, `"_mat_0f5c-x_sales"`, escaped)
}

func TestEscape_RejectsInsteadOfSanitizing(t *testing.T) {
	for _, input := range []string{`amount"; DROP TABLE x; --`, "a b", "", `"quoted"`} {
		escaped, err := Escape(input)
		assert.Empty(t, escaped)
		assert.True(t, errors.Is(err, apperrors.ErrInvalidIdentifier), "input %q", input)
	}
}

func TestEscape_ReportsInjectionFingerprint(t *testing.T) {
	_, err := Escape("'; DROP TABLE users--")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "injection fingerprint")
}

func TestEscapeQualified(t *testing.T) {
	q, err := EscapeQualified("_3_tenant_acme", "_mat_1_sales")
	require.NoError(t, err)
	assert.Equal(t, `"_3_tenant_acme"."_mat_1_sales"`, q)

	_, err = EscapeQualified("_3_tenant_acme", "bad name")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidIdentifier))
}

func TestTenantSchemaName(t *testing.T) {
	schema, err := TenantSchemaName("acme")
	require.NoError(t, err)
	assert.Equal(t, "_3_tenant_acme", schema)

	_, err = TenantSchemaName("acme-corp")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidIdentifier))

	// prefix is 10 characters, leaving 40 for the tenant
	_, err = TenantSchemaName(strings.Repeat("t", 40))
	require.NoError(t, err)
	_, err = TenantSchemaName(strings.Repeat("t", 41))
	assert.True(t, errors.Is(err, apperrors.ErrNameTooLong))
}

func TestMaterializedNames_ArePureAndBounded(t *testing.T) {
	id := "8d1b7e0a-5f62-4d40-9b43-3f2f0f6e7b21"
	ext := strings.Repeat("x", 50)

	first := MaterializedTableName(id, ext)
	second := MaterializedTableName(id, ext)
	assert.Equal(t, first, second)
	assert.Len(t, first, MaxNameLength)
	assert.True(t, strings.HasPrefix(first, "_mat_"+id+"_"))

	col := MaterializedColumnName(id, ext)
	assert.Equal(t, col, MaterializedColumnName(id, ext))
	assert.LessOrEqual(t, len(col), MaxNameLength)

	assert.Equal(t, "_mat_7_sales", MaterializedTableName("7", "sales"))
	assert.Equal(t, "7_amount", MaterializedColumnName("7", "amount"))
	assert.Equal(t, "_mfhist_7_sales", FlatHistoryTableName("7", "sales"))
	assert.Equal(t, "_matv_7_sales", MaterializedLiveViewName("7", "sales"))
}

func TestNormalizedNames(t *testing.T) {
	assert.Equal(t, "_3_data_point_float_fact", NormalizedTableName("float"))
	assert.Equal(t, "_3_data_point_dimension", NormalizedTableName("dimension"))
	assert.Equal(t, "_3_dp_float_fact", PartitionBaseName("float"))
	assert.Equal(t, "fact_id", NormalizedKeyColumn("float"))
	assert.Equal(t, "dimension_id", NormalizedKeyColumn("dimension"))
}

func TestPartitionName(t *testing.T) {
	assert.Equal(t, "_3_dp_float_fact_7_acme_amount", PartitionName("_3_dp_float_fact", "7", "acme", "amount"))
}

func TestPartitionName_TruncatesKeepingOwner(t *testing.T) {
	a := "8d1b7e0a-5f62-4d40-9b43-3f2f0f6e7b21"
	b := "8d1b7e0a-5f62-4d40-9b43-3f2f0f6e7b22"
	long := strings.Repeat("x", 50)

	nameA := PartitionName(PartitionBaseName("float"), a, "acme_corporation", long)
	nameB := PartitionName(PartitionBaseName("float"), b, "acme_corporation", long)
	assert.Len(t, nameA, MaxNameLength)
	assert.Contains(t, nameA, a)
	assert.NotEqual(t, nameA, nameB)
}

func TestIndexNames_TruncatedToIdentifierLimit(t *testing.T) {
	id := "8d1b7e0a-5f62-4d40-9b43-3f2f0f6e7b21"
	names := MaterializedIndexes(id, "sales")
	assert.LessOrEqual(t, len(names.InsertedAtAlive), MaxPostgresIdentifierLength)
	assert.Equal(t, "_mat_id_"+id+"_sales", names.UniqueID)

	hist := FlatHistoryIndexes("7", "sales")
	assert.Equal(t, "_mfhist_uniq_7_sales", hist.Unique)
	assert.Equal(t, "_mfhist_uniq_c_7_sales", hist.PrimaryKey)
}

func TestCheckCollisions(t *testing.T) {
	require.NoError(t, CheckCollisions(map[string]string{
		"a": "1_amount",
		"b": "2_amount",
	}))

	err := CheckCollisions(map[string]string{
		"a": "same_name",
		"b": "same_name",
		"c": "other",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNameCollision))
	assert.Contains(t, err.Error(), "a, b")
}
