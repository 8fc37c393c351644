package query

import (
	"net/url"
	"strings"
)

// Parameters is an ordered set of URL query parameters.
// Keys are unique; setting an existing key replaces its value in place.
type Parameters struct {
	keys   []string
	values map[string]string
}

// NewParameters creates parameters from key/value pairs given in order.
// A trailing key without a value is ignored.
func NewParameters(pairs ...string) *Parameters {
	p := &Parameters{values: make(map[string]string, len(pairs)/2)}
	for i := 0; i+1 < len(pairs); i += 2 {
		p.Set(pairs[i], pairs[i+1])
	}
	return p
}

// Set stores a value. The key keeps its original position if already present.
func (p *Parameters) Set(key, value string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, exists := p.values[key]; !exists {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the value for key and whether it is present.
func (p *Parameters) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p.values[key]
	return v, ok
}

// Has reports whether key is present.
func (p *Parameters) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Delete removes key.
func (p *Parameters) Delete(key string) {
	if _, ok := p.values[key]; !ok {
		return
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i:i], p.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of parameters.
func (p *Parameters) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Keys returns the keys in insertion order.
func (p *Parameters) Keys() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.keys...)
}

// Clone returns an independent copy.
func (p *Parameters) Clone() *Parameters {
	c := &Parameters{values: make(map[string]string, p.Len())}
	if p == nil {
		return c
	}
	c.keys = append(c.keys, p.keys...)
	for k, v := range p.values {
		c.values[k] = v
	}
	return c
}

// Encode renders the parameters as a URL query string in insertion order.
// Identical logical content always yields identical output.
func (p *Parameters) Encode() string {
	if p.Len() == 0 {
		return ""
	}
	var b strings.Builder
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.values[k]))
	}
	return b.String()
}

// String implements fmt.Stringer.
func (p *Parameters) String() string {
	return p.Encode()
}
