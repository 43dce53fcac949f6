package schema

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TableType is the generation strategy of a table.
type TableType string

const (
	TableTypeDimension  TableType = "dimension"
	TableTypeFact       TableType = "fact"
	TableTypeChangeFeed TableType = "change_feed"
)

func (t TableType) Valid() bool {
	switch t {
	case TableTypeDimension, TableTypeFact, TableTypeChangeFeed:
		return true
	}
	return false
}

// Column data types understood by the value synthesizer.
const (
	TypeInt      = "int"
	TypeFloat    = "float"
	TypeBool     = "bool"
	TypeString   = "string"
	TypeDatetime = "datetime"
)

const (
	DefaultNumRows    = 10
	DefaultEntityKey  = "customer_id"
	DefaultSequenceBy = "change_timestamp"

	// DateLayout is the layout of change-feed time range bounds.
	DateLayout = "2006-01-02"

	// KeySuffix marks surrogate and foreign key columns.
	KeySuffix = "_id"
)

// IsKeyColumn reports whether name is a surrogate/foreign key column.
func IsKeyColumn(name string) bool {
	return strings.HasSuffix(name, KeySuffix)
}

// Schema is one table definition loaded from a YAML document.
type Schema struct {
	Table            string
	Type             TableType
	NumRows          int
	Columns          Columns
	DataQualityRules QualityRules
	ChangeFeedRules  *ChangeFeedRules

	// Path is the file the schema was loaded from, empty when parsed from bytes.
	Path string
}

type rawSchema struct {
	Table            string           `yaml:"table"`
	Type             TableType        `yaml:"type"`
	NumRows          *int             `yaml:"num_rows"`
	Columns          Columns          `yaml:"columns"`
	DataQualityRules QualityRules     `yaml:"data_quality_rules"`
	ChangeFeedRules  *ChangeFeedRules `yaml:"change_feed_rules"`
}

func (s *Schema) UnmarshalYAML(node *yaml.Node) error {
	var raw rawSchema
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*s = Schema{
		Table:            raw.Table,
		Type:             raw.Type,
		NumRows:          DefaultNumRows,
		Columns:          raw.Columns,
		DataQualityRules: raw.DataQualityRules,
		ChangeFeedRules:  raw.ChangeFeedRules,
	}
	if s.Type == "" {
		s.Type = TableTypeFact
	}
	if raw.NumRows != nil {
		s.NumRows = *raw.NumRows
	}
	if s.ChangeFeedRules != nil && s.ChangeFeedRules.EntityKey == "" {
		s.ChangeFeedRules.EntityKey = DefaultEntityKey
	}
	return nil
}

// KeyColumns returns the names of the columns ending in "_id", in declaration order.
func (s *Schema) KeyColumns() []string {
	var keys []string
	for _, c := range s.Columns {
		if IsKeyColumn(c.Name) {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

// ColumnSpec declares the type and optional constraints of a column. In YAML it is either a bare
// type name or a mapping with type, format and null_probability.
type ColumnSpec struct {
	Type            string
	Format          string
	NullProbability *float64
}

func (c *ColumnSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = ColumnSpec{Type: strings.TrimSpace(node.Value)}
		return nil
	case yaml.MappingNode:
		var raw struct {
			Type            string   `yaml:"type"`
			Format          string   `yaml:"format"`
			NullProbability *float64 `yaml:"null_probability"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		if raw.Type == "" {
			raw.Type = TypeString
		}
		*c = ColumnSpec{
			Type:            strings.TrimSpace(raw.Type),
			Format:          raw.Format,
			NullProbability: raw.NullProbability,
		}
		return nil
	default:
		return fmt.Errorf("line %d: column spec must be a type name or a mapping", node.Line)
	}
}

// IsNumeric reports whether the column holds int or float values.
func (c ColumnSpec) IsNumeric() bool {
	return c.Type == TypeInt || c.Type == TypeFloat
}

type Column struct {
	Name string
	Spec ColumnSpec
}

// Columns keeps the declaration order of the YAML mapping it was decoded from.
type Columns []Column

func (c *Columns) UnmarshalYAML(node *yaml.Node) error {
	var cols Columns
	err := decodeOrderedMapping(node, func(key string, value *yaml.Node) error {
		var spec ColumnSpec
		if err := value.Decode(&spec); err != nil {
			return fmt.Errorf("column %q: %w", key, err)
		}
		cols = append(cols, Column{Name: key, Spec: spec})
		return nil
	})
	if err != nil {
		return err
	}
	*c = cols
	return nil
}

func (c Columns) Names() []string {
	names := make([]string, len(c))
	for i, col := range c {
		names[i] = col.Name
	}
	return names
}

func (c Columns) Get(name string) (ColumnSpec, bool) {
	for _, col := range c {
		if col.Name == name {
			return col.Spec, true
		}
	}
	return ColumnSpec{}, false
}

func (c Columns) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// QualityRule bounds the values of one column. Only MinValue/MaxValue/AnomalyPercentage drive
// generation; NotNull and Action are carried through to the pipeline code emitter.
type QualityRule struct {
	Name              string   `yaml:"-"`
	Column            string   `yaml:"column"`
	MinValue          *float64 `yaml:"min_value"`
	MaxValue          *float64 `yaml:"max_value"`
	AnomalyPercentage float64  `yaml:"anomaly_percentage"`
	NotNull           bool     `yaml:"not_null"`
	Action            string   `yaml:"action"`
}

// HasRange reports whether both bounds are set, which is what the generator needs.
func (r QualityRule) HasRange() bool {
	return r.MinValue != nil && r.MaxValue != nil
}

// QualityRules keeps declaration order; a rule's column defaults to its mapping key.
type QualityRules []QualityRule

func (q *QualityRules) UnmarshalYAML(node *yaml.Node) error {
	var rules QualityRules
	err := decodeOrderedMapping(node, func(key string, value *yaml.Node) error {
		var rule QualityRule
		if err := value.Decode(&rule); err != nil {
			return fmt.Errorf("rule %q: %w", key, err)
		}
		rule.Name = key
		if rule.Column == "" {
			rule.Column = key
		}
		rules = append(rules, rule)
		return nil
	})
	if err != nil {
		return err
	}
	*q = rules
	return nil
}

// RangeRuleFor returns the first rule for column that declares both bounds.
func (q QualityRules) RangeRuleFor(column string) (QualityRule, bool) {
	for _, r := range q {
		if r.Column == column && r.HasRange() {
			return r, true
		}
	}
	return QualityRule{}, false
}

// Date is a calendar date in YYYY-MM-DD form.
type Date struct {
	time.Time
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (expected YYYY-MM-DD): %w", s, err)
	}
	return Date{Time: t}, nil
}

func (d *Date) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: date must be a scalar", node.Line)
	}
	parsed, err := ParseDate(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = parsed
	return nil
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

type TimeRange struct {
	StartDate Date `yaml:"start_date"`
	EndDate   Date `yaml:"end_date"`
}

// DayRange is an inclusive range of whole days.
type DayRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

type OperationDistribution struct {
	// Update is the maximum number of UPDATE events per entity.
	Update int `yaml:"UPDATE"`
	// Delete is the probability that an entity ends with a DELETE event.
	Delete float64 `yaml:"DELETE"`
}

// DLTConfig is consumed only by the pipeline code emitter.
type DLTConfig struct {
	Keys          []string `yaml:"keys"`
	SequenceBy    string   `yaml:"sequence_by"`
	ExceptColumns []string `yaml:"except_columns"`
}

type ChangeFeedRules struct {
	TimeRange             TimeRange             `yaml:"time_range"`
	TimeBetweenChanges    DayRange              `yaml:"time_between_changes"`
	OperationDistribution OperationDistribution `yaml:"operation_distribution"`
	UpdatableFields       []string              `yaml:"updatable_fields"`
	DeleteNullFields      []string              `yaml:"delete_null_fields"`
	EntityKey             string                `yaml:"entity_key"`
	DLTConfig             DLTConfig             `yaml:"dlt_config"`
}

func decodeOrderedMapping(node *yaml.Node, fn func(key string, value *yaml.Node) error) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	seen := make(map[string]struct{}, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if _, dup := seen[key]; dup {
			return fmt.Errorf("line %d: duplicate key %q", node.Content[i].Line, key)
		}
		seen[key] = struct{}{}
		if err := fn(key, node.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}
