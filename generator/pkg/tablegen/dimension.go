package tablegen

import (
	"github.com/malbeclabs/streamforge/generator/pkg/schema"
	"github.com/malbeclabs/streamforge/generator/pkg/synth"
)

// Surrogate keys are dense and 1-based. Facts generated later in the run sample their foreign
// keys from exactly this range.
func generateDimension(s *schema.Schema, syn *synth.Synthesizer) (*Table, error) {
	t := &Table{Name: s.Table, Columns: s.Columns.Names(), Rows: make([]Row, 0, s.NumRows)}
	for i := 1; i <= s.NumRows; i++ {
		row := make(Row, len(s.Columns))
		for j, c := range s.Columns {
			if schema.IsKeyColumn(c.Name) {
				row[j] = i
				continue
			}
			v, err := syn.Value(c.Name, c.Spec)
			if err != nil {
				return nil, err
			}
			row[j] = v
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
