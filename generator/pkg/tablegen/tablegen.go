package tablegen

import (
	"fmt"
	"maps"

	"github.com/malbeclabs/streamforge/generator/pkg/schema"
	"github.com/malbeclabs/streamforge/generator/pkg/synth"
)

// Kind selects one of the row generators.
type Kind int

const (
	KindDimension Kind = iota + 1
	KindFact
	KindChangeFeed
)

func KindOf(t schema.TableType) (Kind, error) {
	switch t {
	case schema.TableTypeDimension:
		return KindDimension, nil
	case schema.TableTypeFact:
		return KindFact, nil
	case schema.TableTypeChangeFeed:
		return KindChangeFeed, nil
	}
	return 0, fmt.Errorf("unknown table type %q", t)
}

func (k Kind) String() string {
	switch k {
	case KindDimension:
		return string(schema.TableTypeDimension)
	case KindFact:
		return string(schema.TableTypeFact)
	case KindChangeFeed:
		return string(schema.TableTypeChangeFeed)
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// KeyRanges maps a dimension key column to the number of rows of its dimension.
type KeyRanges map[string]int

func (k KeyRanges) Clone() KeyRanges {
	if k == nil {
		return KeyRanges{}
	}
	return maps.Clone(k)
}

// Row holds one value per Table column, nil for nulls.
type Row []any

type Table struct {
	Name    string
	Kind    Kind
	Columns []string
	Rows    []Row
}

// Index returns the position of column, or -1.
func (t *Table) Index(column string) int {
	for i, c := range t.Columns {
		if c == column {
			return i
		}
	}
	return -1
}

// Context carries what a generator may read besides its schema.
type Context struct {
	// KeyRanges is read by the fact generator. Generators never modify it.
	KeyRanges KeyRanges

	// Seed feeds the value synthesizer; zero is random.
	Seed uint64
}

// Generate builds the full row set of s with the generator matching its table type.
func Generate(s *schema.Schema, gctx Context) (*Table, error) {
	kind, err := KindOf(s.Type)
	if err != nil {
		return nil, err
	}
	var t *Table
	switch kind {
	case KindDimension:
		t, err = generateDimension(s, synth.New(synth.Config{Seed: gctx.Seed}))
	case KindFact:
		t, err = generateFact(s, gctx.KeyRanges, synth.New(synth.Config{Seed: gctx.Seed}))
	case KindChangeFeed:
		if s.ChangeFeedRules == nil {
			return nil, fmt.Errorf("table %s: change_feed_rules are required", s.Table)
		}
		rules := s.ChangeFeedRules
		t, err = generateChangeFeed(s, synth.New(synth.Config{Seed: gctx.Seed, TimeRange: &rules.TimeRange}))
	}
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", s.Table, err)
	}
	t.Kind = kind
	return t, nil
}
