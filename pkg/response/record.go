package response

import (
	"encoding/json"
	"sort"
)

// Record is one normalized record: a flat mapping of field name to value.
// Values are passed through as decoded; numbers stay json.Number.
type Record struct {
	fields map[string]any
}

// NewRecord creates a record from a copy of fields.
func NewRecord(fields map[string]any) Record {
	r := Record{fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		r.fields[k] = v
	}
	return r
}

// Get returns the value of field.
func (r Record) Get(field string) (any, bool) {
	v, ok := r.fields[field]
	return v, ok
}

// Fields returns the field names, sorted.
func (r Record) Fields() []string {
	names := make([]string, 0, len(r.fields))
	for k := range r.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of fields.
func (r Record) Len() int { return len(r.fields) }

// Map returns a shallow copy of the fields.
func (r Record) Map() map[string]any {
	m := make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		m[k] = v
	}
	return m
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.fields)
}
