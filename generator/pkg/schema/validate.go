package schema

import (
	"errors"
	"fmt"
)

// Validate reports every structural problem of the schema. The returned error wraps
// ErrInvalidSchema.
func (s *Schema) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if s.Table == "" {
		add("table name is required")
	}
	if !s.Type.Valid() {
		add("unknown table type %q", s.Type)
	}
	if s.NumRows < 0 {
		add("num_rows must not be negative, got %d", s.NumRows)
	}
	if len(s.Columns) == 0 {
		add("at least one column is required")
	}

	for _, c := range s.Columns {
		if c.Spec.Type == "" {
			add("column %q: type is required", c.Name)
		}
		if p := c.Spec.NullProbability; p != nil && (*p < 0 || *p > 1) {
			add("column %q: null_probability must be within [0, 1], got %v", c.Name, *p)
		}
	}

	for _, r := range s.DataQualityRules {
		if r.AnomalyPercentage < 0 || r.AnomalyPercentage > 1 {
			add("rule %q: anomaly_percentage must be within [0, 1], got %v", r.Name, r.AnomalyPercentage)
		}
		if r.MinValue == nil && r.MaxValue == nil && !r.NotNull {
			add("rule %q: needs min_value, max_value or not_null", r.Name)
		}
		if r.HasRange() && *r.MinValue > *r.MaxValue {
			add("rule %q: min_value %v is greater than max_value %v", r.Name, *r.MinValue, *r.MaxValue)
		}
	}

	if s.Type == TableTypeChangeFeed {
		if s.ChangeFeedRules == nil {
			add("change_feed_rules are required for change_feed tables")
		} else {
			errs = append(errs, s.ChangeFeedRules.validate(s.Columns)...)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	name := s.Table
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Errorf("%w: table %s: %w", ErrInvalidSchema, name, errors.Join(errs...))
}

func (r *ChangeFeedRules) validate(cols Columns) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	start, end := r.TimeRange.StartDate, r.TimeRange.EndDate
	if start.IsZero() || end.IsZero() {
		add("change_feed_rules.time_range needs start_date and end_date")
	} else if start.After(end.Time) {
		add("change_feed_rules.time_range start_date %s is after end_date %s", start, end)
	}
	// Strictly increasing change timestamps need at least one day between events.
	if r.TimeBetweenChanges.Min < 1 {
		add("change_feed_rules.time_between_changes.min must be at least 1, got %d", r.TimeBetweenChanges.Min)
	}
	if r.TimeBetweenChanges.Max < r.TimeBetweenChanges.Min {
		add("change_feed_rules.time_between_changes.max %d is less than min %d", r.TimeBetweenChanges.Max, r.TimeBetweenChanges.Min)
	}
	if r.OperationDistribution.Update < 0 {
		add("change_feed_rules.operation_distribution.UPDATE must not be negative, got %d", r.OperationDistribution.Update)
	}
	if d := r.OperationDistribution.Delete; d < 0 || d > 1 {
		add("change_feed_rules.operation_distribution.DELETE must be within [0, 1], got %v", d)
	}
	for _, f := range r.UpdatableFields {
		if !cols.Has(f) {
			add("change_feed_rules.updatable_fields: unknown column %q", f)
		}
	}
	for _, f := range r.DeleteNullFields {
		if !cols.Has(f) {
			add("change_feed_rules.delete_null_fields: unknown column %q", f)
		}
		if f == r.EntityKey {
			add("change_feed_rules.delete_null_fields: cannot null the entity key %q", f)
		}
	}
	return errs
}

// Lint returns advisory messages for constructs that generate but probably do not do what the
// author intended.
func (s *Schema) Lint() []string {
	var warnings []string
	for _, r := range s.DataQualityRules {
		spec, ok := s.Columns.Get(r.Column)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("rule %q targets undeclared column %q", r.Name, r.Column))
			continue
		}
		if r.HasRange() && !spec.IsNumeric() {
			warnings = append(warnings, fmt.Sprintf("rule %q replaces %s column %q with numeric values", r.Name, spec.Type, r.Column))
		}
		if r.HasRange() && s.Type == TableTypeDimension {
			warnings = append(warnings, fmt.Sprintf("rule %q is not applied when generating dimension tables", r.Name))
		}
	}
	if s.Type == TableTypeDimension && len(s.KeyColumns()) == 0 {
		warnings = append(warnings, "dimension table has no _id column, facts cannot reference it")
	}
	return warnings
}
