package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const changeFeedDoc = `
table: customers
type: change_feed
num_rows: 4
columns:
  customer_id: int
  operation: string
  email: string
  tier:
    type: string
    format: "A|B"
  change_timestamp: datetime
change_feed_rules:
  time_range:
    start_date: 2024-01-01
    end_date: "2024-03-31"
  time_between_changes:
    min: 1
    max: 10
  operation_distribution:
    UPDATE: 2
    DELETE: 0.5
  updatable_fields: [email, tier]
  delete_null_fields: [email]
  dlt_config:
    keys: [customer_id]
    sequence_by: change_timestamp
    except_columns: [operation]
`

func writeSchema(t *testing.T, dir, name, doc string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644))
}

func TestStreamForge_Schema_Parse(t *testing.T) {
	t.Parallel()

	t.Run("bare and structured column specs keep declaration order", func(t *testing.T) {
		t.Parallel()

		s, err := Parse([]byte(`
table: meters
type: dimension
num_rows: 3
columns:
  zeta_id: int
  serial:
    type: string
    format: "MTR-####"
  alpha: float
  note:
    null_probability: 0.25
`))
		require.NoError(t, err)
		require.Equal(t, []string{"zeta_id", "serial", "alpha", "note"}, s.Columns.Names())

		serial, ok := s.Columns.Get("serial")
		require.True(t, ok)
		require.Equal(t, ColumnSpec{Type: TypeString, Format: "MTR-####"}, serial)

		note, _ := s.Columns.Get("note")
		require.Equal(t, TypeString, note.Type)
		require.NotNil(t, note.NullProbability)
		require.InDelta(t, 0.25, *note.NullProbability, 1e-9)
		require.Equal(t, []string{"zeta_id"}, s.KeyColumns())
	})

	t.Run("defaults type to fact and num_rows to 10", func(t *testing.T) {
		t.Parallel()

		s, err := Parse([]byte("table: events\ncolumns:\n  value: float\n"))
		require.NoError(t, err)
		require.Equal(t, TableTypeFact, s.Type)
		require.Equal(t, DefaultNumRows, s.NumRows)
	})

	t.Run("explicit zero rows is kept", func(t *testing.T) {
		t.Parallel()

		s, err := Parse([]byte("table: events\nnum_rows: 0\ncolumns:\n  value: float\n"))
		require.NoError(t, err)
		require.Equal(t, 0, s.NumRows)
	})

	t.Run("quality rules default their column to the rule name", func(t *testing.T) {
		t.Parallel()

		s, err := Parse([]byte(`
table: sales
columns:
  amount: float
  qty: int
data_quality_rules:
  amount:
    min_value: 1
    max_value: 10
    anomaly_percentage: 0.1
  qty_present:
    column: qty
    not_null: true
    action: fail
`))
		require.NoError(t, err)
		require.Len(t, s.DataQualityRules, 2)
		require.Equal(t, "amount", s.DataQualityRules[0].Column)
		require.Equal(t, "qty", s.DataQualityRules[1].Column)

		rule, ok := s.DataQualityRules.RangeRuleFor("amount")
		require.True(t, ok)
		require.InDelta(t, 1.0, *rule.MinValue, 1e-9)
		require.InDelta(t, 10.0, *rule.MaxValue, 1e-9)

		_, ok = s.DataQualityRules.RangeRuleFor("qty")
		require.False(t, ok, "not_null rules do not drive generation")
	})

	t.Run("change feed rules", func(t *testing.T) {
		t.Parallel()

		s, err := Parse([]byte(changeFeedDoc))
		require.NoError(t, err)
		r := s.ChangeFeedRules
		require.NotNil(t, r)
		require.Equal(t, "2024-01-01", r.TimeRange.StartDate.String())
		require.Equal(t, "2024-03-31", r.TimeRange.EndDate.String())
		require.Equal(t, DayRange{Min: 1, Max: 10}, r.TimeBetweenChanges)
		require.Equal(t, 2, r.OperationDistribution.Update)
		require.InDelta(t, 0.5, r.OperationDistribution.Delete, 1e-9)
		require.Equal(t, DefaultEntityKey, r.EntityKey)
		require.Equal(t, []string{"customer_id"}, r.DLTConfig.Keys)
		require.Equal(t, []string{"operation"}, r.DLTConfig.ExceptColumns)
	})

	t.Run("rejects malformed documents", func(t *testing.T) {
		t.Parallel()

		_, err := Parse([]byte("table: [oops"))
		require.ErrorIs(t, err, ErrInvalidSchema)

		_, err = Parse([]byte("table: t\ncolumns:\n  a: int\n  a: float\n"))
		require.ErrorIs(t, err, ErrInvalidSchema)
		require.Contains(t, err.Error(), "duplicate key")

		_, err = Parse([]byte("table: t\ncolumns:\n  - a\n"))
		require.ErrorIs(t, err, ErrInvalidSchema)
	})
}

func TestStreamForge_Schema_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		doc     string
		wantMsg string
	}{
		{
			name:    "missing table",
			doc:     "columns:\n  a: int\n",
			wantMsg: "table name is required",
		},
		{
			name:    "unknown type",
			doc:     "table: t\ntype: snapshot\ncolumns:\n  a: int\n",
			wantMsg: `unknown table type "snapshot"`,
		},
		{
			name:    "no columns",
			doc:     "table: t\n",
			wantMsg: "at least one column",
		},
		{
			name:    "null probability out of range",
			doc:     "table: t\ncolumns:\n  a:\n    type: int\n    null_probability: 1.5\n",
			wantMsg: "null_probability must be within [0, 1]",
		},
		{
			name:    "inverted rule bounds",
			doc:     "table: t\ncolumns:\n  a: float\ndata_quality_rules:\n  a:\n    min_value: 5\n    max_value: 1\n",
			wantMsg: "greater than max_value",
		},
		{
			name:    "empty rule",
			doc:     "table: t\ncolumns:\n  a: float\ndata_quality_rules:\n  a:\n    action: drop\n",
			wantMsg: "needs min_value, max_value or not_null",
		},
		{
			name:    "change feed without rules",
			doc:     "table: t\ntype: change_feed\ncolumns:\n  a: int\n",
			wantMsg: "change_feed_rules are required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.doc))
			require.ErrorIs(t, err, ErrInvalidSchema)
			require.Contains(t, err.Error(), tt.wantMsg)
		})
	}

	t.Run("change feed rule problems are all reported", func(t *testing.T) {
		t.Parallel()

		s, err := Parse([]byte(changeFeedDoc))
		require.NoError(t, err)

		s.ChangeFeedRules.TimeBetweenChanges = DayRange{Min: 0, Max: 0}
		s.ChangeFeedRules.OperationDistribution.Delete = 2
		s.ChangeFeedRules.UpdatableFields = []string{"nickname"}
		s.ChangeFeedRules.DeleteNullFields = []string{"customer_id"}
		s.ChangeFeedRules.TimeRange.StartDate, s.ChangeFeedRules.TimeRange.EndDate =
			s.ChangeFeedRules.TimeRange.EndDate, s.ChangeFeedRules.TimeRange.StartDate

		err = s.Validate()
		require.ErrorIs(t, err, ErrInvalidSchema)
		msg := err.Error()
		require.Contains(t, msg, "time_between_changes.min must be at least 1")
		require.Contains(t, msg, "DELETE must be within [0, 1]")
		require.Contains(t, msg, `unknown column "nickname"`)
		require.Contains(t, msg, "cannot null the entity key")
		require.Contains(t, msg, "is after end_date")
	})

	t.Run("bad dates fail to decode", func(t *testing.T) {
		t.Parallel()

		_, err := ParseDate("2024/01/01")
		require.Error(t, err)
	})
}

func TestStreamForge_Schema_Lint(t *testing.T) {
	t.Parallel()

	s, err := Parse([]byte(`
table: t
type: dimension
columns:
  label: string
data_quality_rules:
  label:
    min_value: 1
    max_value: 2
  ghost:
    not_null: true
`))
	require.NoError(t, err)

	warnings := s.Lint()
	require.Len(t, warnings, 4)
	require.Contains(t, warnings[0], "replaces string column")
	require.Contains(t, warnings[1], "not applied when generating dimension tables")
	require.Contains(t, warnings[2], `undeclared column "ghost"`)
	require.Contains(t, warnings[3], "no _id column")
}

func TestStreamForge_Schema_LoadDomain(t *testing.T) {
	t.Parallel()

	t.Run("loads yaml files in name order and skips others", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		dir := filepath.Join(root, "retail")
		writeSchema(t, dir, "b_sales.yaml", "table: sales\ncolumns:\n  store_id: int\n")
		writeSchema(t, dir, "a_stores.yml", "table: stores\ntype: dimension\ncolumns:\n  store_id: int\n")
		writeSchema(t, dir, "README.md", "not a schema")
		require.NoError(t, os.MkdirAll(filepath.Join(root, "healthcare"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(root, ".hidden"), 0o755))

		domains, err := ListDomains(root)
		require.NoError(t, err)
		require.Equal(t, []string{"healthcare", "retail"}, domains)

		schemas, err := LoadDomain(root, "retail")
		require.NoError(t, err)
		require.Len(t, schemas, 2)
		require.Equal(t, "stores", schemas[0].Table)
		require.Equal(t, "sales", schemas[1].Table)
		require.Equal(t, filepath.Join(dir, "a_stores.yml"), schemas[0].Path)
	})

	t.Run("unknown or unsafe domains", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		_, err := LoadDomain(root, "missing")
		require.ErrorIs(t, err, ErrDomainNotFound)

		_, err = LoadDomain(root, "../etc")
		require.ErrorIs(t, err, ErrDomainNotFound)
	})

	t.Run("duplicate table names", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		dir := filepath.Join(root, "d")
		writeSchema(t, dir, "one.yml", "table: x\ncolumns:\n  a: int\n")
		writeSchema(t, dir, "two.yml", "table: x\ncolumns:\n  a: int\n")

		_, err := LoadDomain(root, "d")
		require.ErrorIs(t, err, ErrInvalidSchema)
	})

	t.Run("invalid document names the file", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		writeSchema(t, filepath.Join(root, "d"), "broken.yml", "table: x\ntype: nope\ncolumns:\n  a: int\n")

		_, err := LoadDomain(root, "d")
		require.ErrorIs(t, err, ErrInvalidSchema)
		require.Contains(t, err.Error(), "broken.yml")
	})
}

func TestStreamForge_Schema_BundledDomainsAreValid(t *testing.T) {
	t.Parallel()

	root := filepath.Join("..", "..", "..", "schema")
	domains, err := ListDomains(root)
	require.NoError(t, err)
	require.NotEmpty(t, domains)

	for _, d := range domains {
		schemas, err := LoadDomain(root, d)
		require.NoError(t, err, d)
		require.NotEmpty(t, schemas, d)
	}
}
