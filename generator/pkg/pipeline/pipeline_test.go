package pipeline

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/streamforge/generator/pkg/schema"
	sftesting "github.com/malbeclabs/streamforge/utils/pkg/testing"
)

func mustParse(t *testing.T, doc string) *schema.Schema {
	t.Helper()
	s, err := schema.Parse([]byte(doc))
	require.NoError(t, err)
	return s
}

const salesDoc = `
table: sales
type: fact
columns:
  store_id: int
  amount: float
  quantity: int
data_quality_rules:
  valid_amount:
    column: amount
    min_value: 1
    max_value: 500.5
    action: drop
  valid_quantity:
    column: quantity
    min_value: 1
    action: fail
  store_present:
    column: store_id
    not_null: true
  odd_action:
    column: quantity
    max_value: 20
    action: quarantine
`

func TestStreamForge_Pipeline_FactSQL(t *testing.T) {
	t.Parallel()

	code, err := NewEmitter(sftesting.NewLogger()).Emit(mustParse(t, salesDoc), "/data/retail/sales", "csv")
	require.NoError(t, err)
	require.Equal(t, "sales", code.Table)
	require.Equal(t, schema.TableTypeFact, code.Type)

	require.Equal(t, `-- sales (fact)
CREATE OR REFRESH STREAMING TABLE sales_bronze
COMMENT "Raw sales files from /data/retail/sales/"
AS SELECT * FROM STREAM read_files("/data/retail/sales/", format => "csv", header => true);

CREATE OR REFRESH STREAMING TABLE sales_silver (
  CONSTRAINT valid_amount EXPECT (amount >= 1 AND amount <= 500.5) ON VIOLATION DROP ROW,
  CONSTRAINT valid_quantity EXPECT (quantity >= 1) ON VIOLATION FAIL UPDATE,
  CONSTRAINT store_present EXPECT (store_id IS NOT NULL),
  CONSTRAINT odd_action EXPECT (quantity <= 20)
)
AS SELECT * FROM STREAM(sales_bronze);
`, code.SQL)
}

func TestStreamForge_Pipeline_FactPython(t *testing.T) {
	t.Parallel()

	code, err := NewEmitter(sftesting.NewLogger()).Emit(mustParse(t, salesDoc), "s3://bucket/retail/sales/", "json")
	require.NoError(t, err)

	require.Equal(t, `# sales (fact)
@dlt.table(name="sales_bronze", comment="Raw sales files from s3://bucket/retail/sales/")
def sales_bronze():
    return (
        spark.readStream.format("cloudFiles")
        .option("cloudFiles.format", "json")
        .load("s3://bucket/retail/sales/")
    )


@dlt.table(name="sales_silver")
@dlt.expect_or_drop("valid_amount", "amount >= 1 AND amount <= 500.5")
@dlt.expect_or_fail("valid_quantity", "quantity >= 1")
@dlt.expect("store_present", "store_id IS NOT NULL")
@dlt.expect("odd_action", "quantity <= 20")
def sales_silver():
    return dlt.read_stream("sales_bronze")
`, code.Python)
	require.Equal(t, code.Python, code.For(LanguagePython))
}

func TestStreamForge_Pipeline_DimensionWithoutRules(t *testing.T) {
	t.Parallel()

	code, err := NewEmitter(nil).Emit(mustParse(t, `
table: stores
type: dimension
columns:
  store_id: int
`), "/out/retail/stores", "")
	require.NoError(t, err)
	require.Contains(t, code.SQL, "CREATE OR REFRESH STREAMING TABLE stores_silver\nAS SELECT * FROM STREAM(stores_bronze);")
	require.Contains(t, code.Python, "@dlt.table(name=\"stores_silver\")\ndef stores_silver():")
	require.Contains(t, code.Python, `.option("header", "true")`)
}

func TestStreamForge_Pipeline_ChangeFeed(t *testing.T) {
	t.Parallel()

	s := mustParse(t, `
table: accounts
type: change_feed
columns:
  account_id: int
  plan: string
change_feed_rules:
  entity_key: account_id
  time_range:
    start_date: "2024-01-01"
    end_date: "2024-02-01"
  time_between_changes:
    min: 1
    max: 3
`)
	code, err := NewEmitter(nil).Emit(s, "/out/utilities/accounts", "csv")
	require.NoError(t, err)

	require.Equal(t, `-- accounts (change_feed)
CREATE OR REFRESH STREAMING TABLE accounts_bronze
COMMENT "Raw accounts change events from /out/utilities/accounts/"
AS SELECT * FROM STREAM read_files("/out/utilities/accounts/", format => "csv", header => true);

CREATE OR REFRESH STREAMING TABLE accounts_silver;

APPLY CHANGES INTO accounts_silver
FROM STREAM(accounts_bronze)
KEYS (account_id)
APPLY AS DELETE WHEN operation = "DELETE"
SEQUENCE BY change_timestamp
COLUMNS * EXCEPT (operation)
STORED AS SCD TYPE 2;
`, code.SQL)

	require.Contains(t, code.Python, `dlt.create_streaming_table("accounts_silver")`)
	require.Contains(t, code.Python, `keys=["account_id"],`)
	require.Contains(t, code.Python, `sequence_by=col("change_timestamp"),`)
	require.Contains(t, code.Python, `except_column_list=["operation"],`)
	require.Contains(t, code.Python, `stored_as_scd_type=2,`)
}

func TestStreamForge_Pipeline_ChangeFeedConfig(t *testing.T) {
	t.Parallel()

	s := mustParse(t, `
table: customers
type: change_feed
columns:
  customer_id: int
  region_id: int
  updated: datetime
change_feed_rules:
  time_range:
    start_date: "2024-01-01"
    end_date: "2024-02-01"
  time_between_changes:
    min: 1
    max: 3
  dlt_config:
    keys: [customer_id, region_id]
    sequence_by: updated
    except_columns: [operation, updated]
`)
	code, err := NewEmitter(nil).Emit(s, "/o", "csv")
	require.NoError(t, err)
	require.Contains(t, code.SQL, "KEYS (customer_id, region_id)")
	require.Contains(t, code.SQL, "SEQUENCE BY updated")
	require.Contains(t, code.SQL, "COLUMNS * EXCEPT (operation, updated)")
	require.Contains(t, code.Python, `keys=["customer_id", "region_id"],`)
}

func TestStreamForge_Pipeline_EmitDomainAndNotebook(t *testing.T) {
	t.Parallel()

	schemas := []*schema.Schema{
		mustParse(t, "table: stores\ntype: dimension\ncolumns:\n  store_id: int\n"),
		mustParse(t, salesDoc),
	}
	codes, err := NewEmitter(nil).EmitDomain(schemas, func(table string) string { return "/out/retail/" + table }, "csv")
	require.NoError(t, err)
	require.Len(t, codes, 2)
	require.Equal(t, "/out/retail/stores", codes[0].Location)

	for _, lang := range []Language{LanguageSQL, LanguagePython} {
		raw, err := Notebook("retail", codes, lang)
		require.NoError(t, err)

		var nb struct {
			NBFormat int `json:"nbformat"`
			Cells    []struct {
				CellType       string   `json:"cell_type"`
				Source         []string `json:"source"`
				ExecutionCount *int     `json:"execution_count"`
				Outputs        []any    `json:"outputs"`
			} `json:"cells"`
		}
		require.NoError(t, json.Unmarshal(raw, &nb))
		require.Equal(t, 4, nb.NBFormat)

		var code []string
		for _, c := range nb.Cells {
			if c.CellType == "code" {
				require.NotNil(t, c.Outputs)
				code = append(code, strings.Join(c.Source, ""))
			}
		}
		if lang == LanguageSQL {
			require.Len(t, code, 2)
			require.True(t, strings.HasPrefix(code[0], "%sql\n-- stores"))
		} else {
			require.Len(t, code, 3)
			require.Equal(t, PythonImports, code[0])
			require.Equal(t, codes[1].Python, code[2])
		}
	}
	require.Equal(t, "dlt_pipeline_retail.ipynb", NotebookFileName("retail"))
}

func TestStreamForge_Pipeline_ParseLanguage(t *testing.T) {
	t.Parallel()

	l, err := ParseLanguage("Python")
	require.NoError(t, err)
	require.Equal(t, LanguagePython, l)
	l, err = ParseLanguage("")
	require.NoError(t, err)
	require.Equal(t, LanguageSQL, l)
	_, err = ParseLanguage("scala")
	require.Error(t, err)
}

func TestStreamForge_Pipeline_Identifier(t *testing.T) {
	t.Parallel()

	require.Equal(t, "order_lines", identifier("order-lines"))
	require.Equal(t, "_2024_sales", identifier("2024_sales"))
}
