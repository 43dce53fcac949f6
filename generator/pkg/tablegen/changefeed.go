package tablegen

import (
	"slices"
	"time"

	"github.com/malbeclabs/streamforge/generator/pkg/schema"
	"github.com/malbeclabs/streamforge/generator/pkg/synth"
)

const (
	OperationColumn = "operation"

	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Each entity gets one INSERT, up to UPDATE updates and possibly a terminal DELETE. Events that
// do not fit before end_date are dropped. Rows are ordered by entity, then time.
func generateChangeFeed(s *schema.Schema, syn *synth.Synthesizer) (*Table, error) {
	rules := s.ChangeFeedRules
	entityKey := rules.EntityKey
	if entityKey == "" {
		entityKey = schema.DefaultEntityKey
	}
	tsColumn := schema.DefaultSequenceBy

	columns := []string{entityKey, OperationColumn}
	var payload schema.Columns
	for _, c := range s.Columns {
		if c.Name == entityKey || c.Name == OperationColumn || c.Name == tsColumn {
			continue
		}
		payload = append(payload, c)
		columns = append(columns, c.Name)
	}
	columns = append(columns, tsColumn)

	// Positions of payload columns inside a row.
	offset := 2
	updatable := payloadIndexes(payload, rules.UpdatableFields, offset)
	nulled := payloadIndexes(payload, rules.DeleteNullFields, offset)
	tsIdx := len(columns) - 1

	t := &Table{Name: s.Table, Columns: columns}
	for id := 1; id <= s.NumRows; id++ {
		base := make(Row, len(columns))
		base[0] = id
		base[1] = OpInsert
		for j, c := range payload {
			v, err := syn.Value(c.Name, c.Spec)
			if err != nil {
				return nil, err
			}
			base[offset+j] = v
		}

		numUpdates := syn.IntRange(0, max(rules.OperationDistribution.Update, 0))
		willDelete := syn.Chance(rules.OperationDistribution.Delete)
		numChanges := 1 + numUpdates
		if willDelete {
			numChanges++
		}

		stamps := changeTimestamps(syn, rules, numChanges)
		if len(stamps) == 0 {
			continue
		}
		next := 0
		emit := func(r Row) {
			r[tsIdx] = stamps[next].Format(synth.DatetimeLayout)
			next++
			t.Rows = append(t.Rows, r)
		}

		emit(base)
		prev := base
		for range numUpdates {
			if next == len(stamps) {
				break
			}
			row := slices.Clone(prev)
			row[1] = OpUpdate
			for _, j := range updatable {
				v, err := syn.Value(payload[j-offset].Name, payload[j-offset].Spec)
				if err != nil {
					return nil, err
				}
				row[j] = v
			}
			emit(row)
			prev = row
		}
		if willDelete && next < len(stamps) {
			row := slices.Clone(prev)
			row[1] = OpDelete
			for _, j := range nulled {
				row[j] = nil
			}
			emit(row)
		}
	}
	return t, nil
}

// changeTimestamps walks forward from start_date by a random whole number of days per event and
// stops at the first step past end_date, so it may return fewer than n timestamps.
func changeTimestamps(syn *synth.Synthesizer, rules *schema.ChangeFeedRules, n int) []time.Time {
	end := rules.TimeRange.EndDate.Time
	current := rules.TimeRange.StartDate.Time
	stamps := make([]time.Time, 0, n)
	for range n {
		current = current.AddDate(0, 0, syn.IntRange(rules.TimeBetweenChanges.Min, rules.TimeBetweenChanges.Max))
		if current.After(end) {
			break
		}
		stamps = append(stamps, current)
	}
	return stamps
}

func payloadIndexes(payload schema.Columns, names []string, offset int) []int {
	var idx []int
	for j, c := range payload {
		if slices.Contains(names, c.Name) {
			idx = append(idx, offset+j)
		}
	}
	return idx
}
