package synth

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/malbeclabs/streamforge/generator/pkg/schema"
)

// DatetimeLayout is the ISO-8601 layout of every synthesized datetime value.
const DatetimeLayout = "2006-01-02T15:04:05"

const (
	minInt   = 1
	maxInt   = 9999
	maxFloat = 1000

	anomalyMinOffset = 0.1
	anomalyMaxOffset = 0.3
)

var ErrUnsupportedType = errors.New("unsupported column type")

// UnsupportedTypeError names the column type (and format, if any) the synthesizer cannot produce.
type UnsupportedTypeError struct {
	Column string
	Type   string
	Format string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Format != "" {
		return fmt.Sprintf("%s: column %q has type %q with format %q", ErrUnsupportedType, e.Column, e.Type, e.Format)
	}
	return fmt.Sprintf("%s: column %q has type %q", ErrUnsupportedType, e.Column, e.Type)
}

func (e *UnsupportedTypeError) Unwrap() error { return ErrUnsupportedType }

type Config struct {
	// Seed makes the value stream reproducible. Zero picks a random seed.
	Seed uint64

	// TimeRange constrains datetime values to [start_date 00:00:00, end_date 23:59:59].
	TimeRange *schema.TimeRange
}

// Synthesizer produces random column values. It is not safe for concurrent use; generators
// create one per table.
type Synthesizer struct {
	faker *gofakeit.Faker

	hasRange bool
	from, to time.Time
}

func New(cfg Config) *Synthesizer {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	s := &Synthesizer{faker: gofakeit.New(seed)}
	if tr := cfg.TimeRange; tr != nil {
		s.hasRange = true
		s.from = tr.StartDate.Time
		s.to = tr.EndDate.AddDate(0, 0, 1).Add(-time.Second)
	}
	return s
}

// DeriveSeed mixes base with parts so that every table of every iteration gets its own stream.
// A zero base stays zero, leaving the choice of seed to New.
func DeriveSeed(base uint64, parts ...any) uint64 {
	if base == 0 {
		return 0
	}
	h := fnv.New64a()
	fmt.Fprint(h, base)
	for _, p := range parts {
		fmt.Fprintf(h, "/%v", p)
	}
	if v := h.Sum64(); v != 0 {
		return v
	}
	return base
}

// Value synthesizes one value for column. The result is nil, an int, a float64, a bool or a
// string.
func (s *Synthesizer) Value(column string, spec schema.ColumnSpec) (any, error) {
	if p := spec.NullProbability; p != nil && s.faker.Float64() < *p {
		return nil, nil
	}

	switch spec.Type {
	case schema.TypeInt:
		return s.faker.IntRange(minInt, maxInt), nil
	case schema.TypeFloat:
		return Round2(s.faker.Float64Range(0, maxFloat)), nil
	case schema.TypeBool:
		return s.faker.Bool(), nil
	case schema.TypeString:
		if spec.Format != "" {
			return s.formatted(spec.Format), nil
		}
		return s.hinted(column), nil
	case schema.TypeDatetime:
		return s.Datetime().Format(DatetimeLayout), nil
	default:
		return nil, &UnsupportedTypeError{Column: column, Type: spec.Type, Format: spec.Format}
	}
}

// Datetime returns a point in time, inside the configured range when there is one.
func (s *Synthesizer) Datetime() time.Time {
	if s.hasRange {
		return s.faker.DateRange(s.from, s.to).UTC().Truncate(time.Second)
	}
	return s.faker.Date().UTC().Truncate(time.Second)
}

func (s *Synthesizer) formatted(format string) string {
	if strings.Contains(format, "|") {
		alts := strings.Split(format, "|")
		return alts[s.faker.IntRange(0, len(alts)-1)]
	}
	if !strings.ContainsAny(format, "#?") {
		return format
	}
	var b strings.Builder
	b.Grow(len(format))
	for _, r := range format {
		switch r {
		case '#':
			b.WriteByte(byte('0' + s.faker.IntRange(0, 9)))
		case '?':
			b.WriteByte(byte('A' + s.faker.IntRange(0, 25)))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *Synthesizer) hinted(column string) string {
	name := strings.ToLower(column)
	switch {
	case strings.Contains(name, "name"):
		return s.faker.Name()
	case strings.Contains(name, "address"):
		return s.faker.Street()
	case strings.Contains(name, "city"):
		return s.faker.City()
	case strings.Contains(name, "state"):
		return s.faker.State()
	case strings.Contains(name, "zip"):
		return s.faker.Zip()
	case strings.Contains(name, "email"):
		return s.faker.Email()
	case (strings.Contains(name, "contact") || strings.Contains(name, "phone")) && strings.Contains(name, "number"):
		return s.formatted("(###) ###-####")
	default:
		return capitalize(s.faker.Word())
	}
}

// QualityValue draws a value for a range rule. With probability anomaly_percentage the value
// lands outside [min, max] by an additive offset in [0.1, 0.3]; otherwise it lies inside.
// The rule must have both bounds set.
func (s *Synthesizer) QualityValue(rule schema.QualityRule) float64 {
	lo, hi := *rule.MinValue, *rule.MaxValue
	if s.faker.Float64() < rule.AnomalyPercentage {
		offset := s.faker.Float64Range(anomalyMinOffset, anomalyMaxOffset)
		if s.faker.Bool() {
			return Round2(lo - offset)
		}
		return Round2(hi + offset)
	}
	return math.Min(math.Max(Round2(s.faker.Float64Range(lo, hi)), lo), hi)
}

// IntRange returns a uniform integer in [lo, hi].
func (s *Synthesizer) IntRange(lo, hi int) int {
	return s.faker.IntRange(lo, hi)
}

// Chance returns true with probability p.
func (s *Synthesizer) Chance(p float64) bool {
	return s.faker.Float64() < p
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func capitalize(w string) string {
	if w == "" {
		return w
	}
	return strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
}
