package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"text/template"

	"github.com/malbeclabs/streamforge/generator/pkg/schema"
	"github.com/malbeclabs/streamforge/generator/pkg/tablegen"
)

// Language is the dialect of emitted pipeline code.
type Language string

const (
	LanguageSQL    Language = "sql"
	LanguagePython Language = "python"
)

func ParseLanguage(s string) (Language, error) {
	switch Language(strings.ToLower(s)) {
	case LanguageSQL, "":
		return LanguageSQL, nil
	case LanguagePython:
		return LanguagePython, nil
	}
	return "", fmt.Errorf("unknown language %q (expected sql or python)", s)
}

// Action is what the pipeline does with rows that fail an expectation.
type Action string

const (
	ActionWarn Action = "warn"
	ActionDrop Action = "drop"
	ActionFail Action = "fail"
)

type Expectation struct {
	Name   string
	Expr   string
	Action Action
}

// Code is the pipeline definition of one table in both dialects.
type Code struct {
	Table    string           `json:"table"`
	Type     schema.TableType `json:"type"`
	Location string           `json:"location"`
	SQL      string           `json:"sql"`
	Python   string           `json:"python"`
}

func (c Code) For(lang Language) string {
	if lang == LanguagePython {
		return c.Python
	}
	return c.SQL
}

// PythonImports must precede the Python code of any table.
const PythonImports = "import dlt\nfrom pyspark.sql.functions import col, expr\n"

type Emitter struct {
	log *slog.Logger
}

func NewEmitter(log *slog.Logger) *Emitter {
	return &Emitter{log: log}
}

type tableData struct {
	Table        string
	Type         schema.TableType
	Location     string
	Format       string
	CSV          bool
	Expectations []Expectation

	// Change feeds only.
	Keys          []string
	SequenceBy    string
	ExceptColumns []string
}

// Emit renders the bronze/silver definition of s reading files of the given format from
// location.
func (e *Emitter) Emit(s *schema.Schema, location, format string) (Code, error) {
	if s == nil {
		return Code{}, errors.New("schema is required")
	}
	data := tableData{
		Table:    identifier(s.Table),
		Type:     s.Type,
		Location: strings.TrimSuffix(location, "/") + "/",
		Format:   format,
		CSV:      format == "" || format == "csv",
	}
	if data.Format == "" {
		data.Format = "csv"
	}

	sqlTmpl, pyTmpl := sqlTableTmpl, pythonTableTmpl
	if s.Type == schema.TableTypeChangeFeed {
		if s.ChangeFeedRules == nil {
			return Code{}, fmt.Errorf("table %s: change_feed_rules are required", s.Table)
		}
		sqlTmpl, pyTmpl = sqlChangeFeedTmpl, pythonChangeFeedTmpl
		e.changeFeedData(s.ChangeFeedRules, &data)
	} else {
		data.Expectations = e.expectations(s)
	}

	var sqlBuf, pyBuf bytes.Buffer
	if err := sqlTmpl.Execute(&sqlBuf, data); err != nil {
		return Code{}, fmt.Errorf("failed to render sql for %s: %w", s.Table, err)
	}
	if err := pyTmpl.Execute(&pyBuf, data); err != nil {
		return Code{}, fmt.Errorf("failed to render python for %s: %w", s.Table, err)
	}
	return Code{
		Table:    s.Table,
		Type:     s.Type,
		Location: location,
		SQL:      sqlBuf.String(),
		Python:   pyBuf.String(),
	}, nil
}

// EmitDomain emits code for every schema, locating each table with locate.
func (e *Emitter) EmitDomain(schemas []*schema.Schema, locate func(table string) string, format string) ([]Code, error) {
	codes := make([]Code, 0, len(schemas))
	for _, s := range schemas {
		c, err := e.Emit(s, locate(s.Table), format)
		if err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	return codes, nil
}

func (e *Emitter) changeFeedData(r *schema.ChangeFeedRules, data *tableData) {
	data.Keys = r.DLTConfig.Keys
	if len(data.Keys) == 0 {
		data.Keys = []string{r.EntityKey}
	}
	data.SequenceBy = r.DLTConfig.SequenceBy
	if data.SequenceBy == "" {
		data.SequenceBy = schema.DefaultSequenceBy
	}
	data.ExceptColumns = r.DLTConfig.ExceptColumns
	if len(data.ExceptColumns) == 0 {
		data.ExceptColumns = []string{tablegen.OperationColumn}
	}
}

func (e *Emitter) expectations(s *schema.Schema) []Expectation {
	var out []Expectation
	for _, r := range s.DataQualityRules {
		var clauses []string
		if r.NotNull {
			clauses = append(clauses, r.Column+" IS NOT NULL")
		}
		if r.MinValue != nil {
			clauses = append(clauses, r.Column+" >= "+formatNumber(*r.MinValue))
		}
		if r.MaxValue != nil {
			clauses = append(clauses, r.Column+" <= "+formatNumber(*r.MaxValue))
		}
		if len(clauses) == 0 {
			continue
		}
		out = append(out, Expectation{
			Name:   identifier(r.Name),
			Expr:   strings.Join(clauses, " AND "),
			Action: e.action(s.Table, r),
		})
	}
	return out
}

func (e *Emitter) action(table string, r schema.QualityRule) Action {
	switch a := Action(strings.ToLower(strings.TrimSpace(r.Action))); a {
	case ActionWarn, ActionDrop, ActionFail:
		return a
	case "":
		return ActionWarn
	default:
		if e.log != nil {
			e.log.Warn("pipeline: unknown expectation action, using warn", "table", table, "rule", r.Name, "action", r.Action)
		}
		return ActionWarn
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// identifier maps a name onto [A-Za-z0-9_], not starting with a digit.
func identifier(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

var funcs = template.FuncMap{
	"q": strconv.Quote,
	"join": func(items []string) string {
		return strings.Join(items, ", ")
	},
	"pylist": func(items []string) string {
		quoted := make([]string, len(items))
		for i, it := range items {
			quoted[i] = strconv.Quote(it)
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	},
	"sqlViolation": func(a Action) string {
		switch a {
		case ActionDrop:
			return " ON VIOLATION DROP ROW"
		case ActionFail:
			return " ON VIOLATION FAIL UPDATE"
		}
		return ""
	},
	"pyDecorator": func(a Action) string {
		switch a {
		case ActionDrop:
			return "expect_or_drop"
		case ActionFail:
			return "expect_or_fail"
		}
		return "expect"
	},
}

var sqlTableTmpl = template.Must(template.New("sql_table").Funcs(funcs).Parse(
	`-- {{.Table}} ({{.Type}})
CREATE OR REFRESH STREAMING TABLE {{.Table}}_bronze
COMMENT {{q (printf "Raw %s files from %s" .Table .Location)}}
AS SELECT * FROM STREAM read_files({{q .Location}}, format => {{q .Format}}{{if .CSV}}, header => true{{end}});

CREATE OR REFRESH STREAMING TABLE {{.Table}}_silver{{if .Expectations}} (
{{- range $i, $e := .Expectations}}{{if $i}},{{end}}
  CONSTRAINT {{$e.Name}} EXPECT ({{$e.Expr}}){{sqlViolation $e.Action}}
{{- end}}
){{end}}
AS SELECT * FROM STREAM({{.Table}}_bronze);
`))

var pythonTableTmpl = template.Must(template.New("python_table").Funcs(funcs).Parse(
	`# {{.Table}} ({{.Type}})
@dlt.table(name={{q (printf "%s_bronze" .Table)}}, comment={{q (printf "Raw %s files from %s" .Table .Location)}})
def {{.Table}}_bronze():
    return (
        spark.readStream.format("cloudFiles")
        .option("cloudFiles.format", {{q .Format}})
{{- if .CSV}}
        .option("header", "true")
{{- end}}
        .load({{q .Location}})
    )


@dlt.table(name={{q (printf "%s_silver" .Table)}})
{{- range .Expectations}}
@dlt.{{pyDecorator .Action}}({{q .Name}}, {{q .Expr}})
{{- end}}
def {{.Table}}_silver():
    return dlt.read_stream({{q (printf "%s_bronze" .Table)}})
`))

var sqlChangeFeedTmpl = template.Must(template.New("sql_change_feed").Funcs(funcs).Parse(
	`-- {{.Table}} ({{.Type}})
CREATE OR REFRESH STREAMING TABLE {{.Table}}_bronze
COMMENT {{q (printf "Raw %s change events from %s" .Table .Location)}}
AS SELECT * FROM STREAM read_files({{q .Location}}, format => {{q .Format}}{{if .CSV}}, header => true{{end}});

CREATE OR REFRESH STREAMING TABLE {{.Table}}_silver;

APPLY CHANGES INTO {{.Table}}_silver
FROM STREAM({{.Table}}_bronze)
KEYS ({{join .Keys}})
APPLY AS DELETE WHEN operation = "DELETE"
SEQUENCE BY {{.SequenceBy}}
COLUMNS * EXCEPT ({{join .ExceptColumns}})
STORED AS SCD TYPE 2;
`))

var pythonChangeFeedTmpl = template.Must(template.New("python_change_feed").Funcs(funcs).Parse(
	`# {{.Table}} ({{.Type}})
@dlt.table(name={{q (printf "%s_bronze" .Table)}}, comment={{q (printf "Raw %s change events from %s" .Table .Location)}})
def {{.Table}}_bronze():
    return (
        spark.readStream.format("cloudFiles")
        .option("cloudFiles.format", {{q .Format}})
{{- if .CSV}}
        .option("header", "true")
{{- end}}
        .load({{q .Location}})
    )


dlt.create_streaming_table({{q (printf "%s_silver" .Table)}})

dlt.apply_changes(
    target={{q (printf "%s_silver" .Table)}},
    source={{q (printf "%s_bronze" .Table)}},
    keys={{pylist .Keys}},
    sequence_by=col({{q .SequenceBy}}),
    apply_as_deletes=expr("operation = 'DELETE'"),
    except_column_list={{pylist .ExceptColumns}},
    stored_as_scd_type=2,
)
`))
