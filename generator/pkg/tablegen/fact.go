package tablegen

import (
	"github.com/malbeclabs/streamforge/generator/pkg/schema"
	"github.com/malbeclabs/streamforge/generator/pkg/synth"
)

func generateFact(s *schema.Schema, keys KeyRanges, syn *synth.Synthesizer) (*Table, error) {
	type source struct {
		keyed  bool
		maxKey int
		rule   *schema.QualityRule
	}
	sources := make([]source, len(s.Columns))
	for j, c := range s.Columns {
		if n, ok := keys[c.Name]; ok {
			sources[j].keyed, sources[j].maxKey = true, n
			continue
		}
		if r, ok := s.DataQualityRules.RangeRuleFor(c.Name); ok {
			sources[j].rule = &r
		}
	}

	t := &Table{Name: s.Table, Columns: s.Columns.Names(), Rows: make([]Row, 0, s.NumRows)}
	for range s.NumRows {
		row := make(Row, len(s.Columns))
		for j, c := range s.Columns {
			switch src := sources[j]; {
			case src.keyed && src.maxKey > 0:
				row[j] = syn.IntRange(1, src.maxKey)
			case src.keyed:
				// An empty dimension has no row to reference.
				row[j] = nil
			case src.rule != nil:
				row[j] = syn.QualityValue(*src.rule)
			default:
				v, err := syn.Value(c.Name, c.Spec)
				if err != nil {
					return nil, err
				}
				row[j] = v
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
