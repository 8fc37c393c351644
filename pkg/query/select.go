package query

import "strings"

// Fields present on every record.
var (
	TimestampFields = []string{"Created_Time", "Modified_Time"}
	OwnershipFields = []string{"Created_By", "Modified_By", "Owner"}
)

// Select adds fields to the selection. Blank names are dropped and the
// merged selection keeps first-seen order without duplicates.
func (q Query) Select(fields ...string) Query {
	current := q.SelectedFields()
	seen := make(map[string]struct{}, len(current)+len(fields))
	for _, f := range current {
		seen[f] = struct{}{}
	}
	for _, f := range normalizeFields(fields) {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		current = append(current, f)
	}
	return q.withSelection(current)
}

// Unselect removes fields from the selection.
func (q Query) Unselect(fields ...string) Query {
	drop := make(map[string]struct{}, len(fields))
	for _, f := range normalizeFields(fields) {
		drop[f] = struct{}{}
	}
	kept := make([]string, 0)
	for _, f := range q.SelectedFields() {
		if _, ok := drop[f]; !ok {
			kept = append(kept, f)
		}
	}
	return q.withSelection(kept)
}

// UnselectAll clears the selection.
func (q Query) UnselectAll() Query {
	return q.WithoutParameter(ParamFields)
}

// SelectedFields returns the current selection in order.
func (q Query) SelectedFields() []string {
	raw, ok := q.params.Get(ParamFields)
	if !ok {
		return nil
	}
	return normalizeFields(strings.Split(raw, ","))
}

// HasSelected reports whether field is selected.
func (q Query) HasSelected(field string) bool {
	for _, f := range q.SelectedFields() {
		if f == field {
			return true
		}
	}
	return false
}

// SelectTimestamps selects creation and modification timestamps.
func (q Query) SelectTimestamps() Query {
	return q.Select(TimestampFields...)
}

// SelectDefaultFields selects the fields present on all records by default.
func (q Query) SelectDefaultFields() Query {
	return q.SelectTimestamps().Select(OwnershipFields...)
}

func (q Query) withSelection(fields []string) Query {
	if len(fields) == 0 {
		return q.WithoutParameter(ParamFields)
	}
	return q.WithParameter(ParamFields, strings.Join(fields, ","))
}

func normalizeFields(fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
