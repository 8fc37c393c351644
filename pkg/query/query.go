// Package query builds immutable, parameterized record queries.
//
// A Query is a value: every With*/Select/Sort* call returns a new Query and
// leaves the receiver untouched, so two independently held queries never
// observe each other's changes. Bounds are checked when the query is built,
// never at send time.
package query

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/crm-records-client/pkg/crmerr"
)

// Pagination bounds and parameter names.
const (
	// MaxPageSize is the largest per_page value accepted by the API.
	MaxPageSize = 200

	// DefaultPageSize is used when no per_page parameter is set.
	DefaultPageSize = MaxPageSize

	ParamFields    = "fields"
	ParamSortBy    = "sort_by"
	ParamSortOrder = "sort_order"
	ParamPage      = "page"
	ParamPerPage   = "per_page"

	// HeaderIfModifiedSince restricts listings to records modified after a date.
	HeaderIfModifiedSince = "If-Modified-Since"
)

// SortDirection is the ordering applied by sort_order.
type SortDirection string

const (
	Asc  SortDirection = "asc"
	Desc SortDirection = "desc"
)

// Query describes one request against a module.
type Query struct {
	module  string
	method  string
	params  *Parameters
	headers http.Header
	body    []byte
}

// New creates a query for module and API method. Both names are required.
func New(module, method string) (Query, error) {
	module = strings.TrimSpace(module)
	method = strings.TrimSpace(method)
	if module == "" {
		return Query{}, crmerr.Invalid("module", module, "module name is required")
	}
	if method == "" {
		return Query{}, crmerr.Invalid("method", method, "method name is required")
	}
	return Query{
		module:  module,
		method:  method,
		params:  NewParameters(),
		headers: http.Header{},
	}, nil
}

// Module returns the module name.
func (q Query) Module() string { return q.module }

// Method returns the API method name.
func (q Query) Method() string { return q.method }

// Parameters returns a copy of the URL parameters.
func (q Query) Parameters() *Parameters { return q.params.Clone() }

// Parameter returns a single URL parameter.
func (q Query) Parameter(key string) (string, bool) { return q.params.Get(key) }

// Headers returns a copy of the request headers.
func (q Query) Headers() http.Header { return q.headers.Clone() }

// Header returns a single header value.
func (q Query) Header(key string) string { return q.headers.Get(key) }

// Body returns a copy of the request body, or nil.
func (q Query) Body() []byte {
	if q.body == nil {
		return nil
	}
	return append([]byte(nil), q.body...)
}

// Copy returns an independent copy of the query.
func (q Query) Copy() Query {
	c := Query{
		module:  q.module,
		method:  q.method,
		params:  q.params.Clone(),
		headers: q.headers.Clone(),
	}
	if c.headers == nil {
		c.headers = http.Header{}
	}
	if q.body != nil {
		c.body = append([]byte(nil), q.body...)
	}
	return c
}

// WithParameter returns a copy with key set to value.
func (q Query) WithParameter(key, value string) Query {
	c := q.Copy()
	c.params.Set(key, value)
	return c
}

// WithoutParameter returns a copy without key.
func (q Query) WithoutParameter(key string) Query {
	c := q.Copy()
	c.params.Delete(key)
	return c
}

// WithHeader returns a copy with the header set.
func (q Query) WithHeader(key, value string) Query {
	c := q.Copy()
	c.headers.Set(key, value)
	return c
}

// WithoutHeader returns a copy without the header.
func (q Query) WithoutHeader(key string) Query {
	c := q.Copy()
	c.headers.Del(key)
	return c
}

// WithBody returns a copy carrying body.
func (q Query) WithBody(body []byte) Query {
	c := q.Copy()
	c.body = append([]byte(nil), body...)
	return c
}

// WithPage returns a copy requesting page n (1-based).
func (q Query) WithPage(n int) (Query, error) {
	if n <= 0 {
		return Query{}, crmerr.Invalid(ParamPage, n, "page number must be a positive non-zero integer")
	}
	return q.WithParameter(ParamPage, strconv.Itoa(n)), nil
}

// WithPageSize returns a copy requesting n records per page.
func (q Query) WithPageSize(n int) (Query, error) {
	if n <= 0 || n > MaxPageSize {
		return Query{}, crmerr.Invalid(ParamPerPage, n, "per page number must be between 1 and "+strconv.Itoa(MaxPageSize))
	}
	return q.WithParameter(ParamPerPage, strconv.Itoa(n)), nil
}

// Page returns the requested page, defaulting to 1.
func (q Query) Page() int {
	return q.intParam(ParamPage, 1)
}

// PageSize returns the requested page size, defaulting to DefaultPageSize.
func (q Query) PageSize() int {
	return q.intParam(ParamPerPage, DefaultPageSize)
}

func (q Query) intParam(key string, fallback int) int {
	raw, ok := q.params.Get(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// SortBy returns a copy sorted by field in direction.
func (q Query) SortBy(field string, direction SortDirection) (Query, error) {
	if strings.TrimSpace(field) == "" {
		return Query{}, crmerr.Invalid(ParamSortBy, field, "sort field is required")
	}
	if direction != Asc && direction != Desc {
		return Query{}, crmerr.Invalid(ParamSortOrder, direction, "sort order must be asc or desc")
	}
	c := q.Copy()
	c.params.Set(ParamSortBy, field)
	c.params.Set(ParamSortOrder, string(direction))
	return c, nil
}

// SortByDesc sorts by field in descending order.
func (q Query) SortByDesc(field string) (Query, error) {
	return q.SortBy(field, Desc)
}

// SortAsc sets ascending order without changing the sort field.
func (q Query) SortAsc() Query {
	return q.WithParameter(ParamSortOrder, string(Asc))
}

// SortDesc sets descending order without changing the sort field.
func (q Query) SortDesc() Query {
	return q.WithParameter(ParamSortOrder, string(Desc))
}

// ModifiedAfter restricts the listing to records modified after t.
// A zero t removes the restriction.
func (q Query) ModifiedAfter(t time.Time) Query {
	if t.IsZero() {
		return q.WithoutHeader(HeaderIfModifiedSince)
	}
	return q.WithHeader(HeaderIfModifiedSince, t.Format(time.RFC3339))
}

// ModifiedAfterString parses date and calls ModifiedAfter. An empty string
// removes the restriction.
func (q Query) ModifiedAfterString(date string) (Query, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return q.ModifiedAfter(time.Time{}), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, date); err == nil {
			return q.ModifiedAfter(t), nil
		}
	}
	return Query{}, crmerr.Invalid(HeaderIfModifiedSince, date, "date must be RFC 3339, RFC 1123 or YYYY-MM-DD[ HH:MM:SS]")
}

var dateLayouts = []string{
	time.RFC3339,
	time.RFC1123,
	time.RFC1123Z,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Encode returns the deterministic URL query string.
func (q Query) Encode() string {
	return q.params.Encode()
}

// URI returns module?params, the path relative to the API base URL.
func (q Query) URI() string {
	if encoded := q.Encode(); encoded != "" {
		return q.module + "?" + encoded
	}
	return q.module
}

// String implements fmt.Stringer.
func (q Query) String() string {
	return q.method + " " + q.URI()
}
