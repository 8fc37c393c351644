package pagination

import (
	"errors"

	"github.com/Sternrassler/crm-records-client/pkg/crmerr"
	"github.com/Sternrassler/crm-records-client/pkg/query"
	"github.com/Sternrassler/crm-records-client/pkg/response"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultMaxPages is the safety cap on pages produced for one query.
const DefaultMaxPages = 100000

// ErrDone is returned by Next after a terminal page has been observed.
var ErrDone = errors.New("pagination finished")

var paginationOverrunsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "crm_pagination_overruns_total",
	Help: "Total number of paginated queries that hit the page safety cap",
})

// PaginatorConfig holds paginator configuration.
type PaginatorConfig struct {
	// PageSize is the per_page value for every page (default: the base query's page size).
	PageSize int
	// MaxPages caps the number of pages produced (default: DefaultMaxPages).
	MaxPages int
}

// PageDescriptor identifies one page of a paginated query.
type PageDescriptor struct {
	Index int
	Size  int
}

// Paginator derives one query per page from a base query and decides when
// the sequence ends. Each step depends on the previous page's content, so a
// Paginator is driven forward once; PageAt re-derives any single page.
type Paginator struct {
	base     query.Query
	pageSize int
	maxPages int
	start    int
	produced int
	done     bool
}

// NewPaginator creates a paginator starting at the base query's page.
func NewPaginator(base query.Query, config PaginatorConfig) (*Paginator, error) {
	size := config.PageSize
	if size == 0 {
		size = base.PageSize()
	}
	sized, err := base.WithPageSize(size)
	if err != nil {
		return nil, err
	}

	if config.MaxPages < 0 {
		return nil, crmerr.Invalid("max_pages", config.MaxPages, "page cap must not be negative")
	}
	if config.MaxPages == 0 {
		config.MaxPages = DefaultMaxPages
	}

	return &Paginator{
		base:     sized,
		pageSize: size,
		maxPages: config.MaxPages,
		start:    sized.Page(),
	}, nil
}

// PageSize returns the requested records per page.
func (p *Paginator) PageSize() int { return p.pageSize }

// Next returns the query for the next page. It returns ErrDone once a
// terminal page was observed and a PaginationOverrunError when the page cap
// is reached first.
func (p *Paginator) Next() (query.Query, PageDescriptor, error) {
	if p.done {
		return query.Query{}, PageDescriptor{}, ErrDone
	}
	if p.produced >= p.maxPages {
		paginationOverrunsTotal.Inc()
		return query.Query{}, PageDescriptor{}, &crmerr.PaginationOverrunError{Limit: p.maxPages}
	}

	index := p.start + p.produced
	q, err := p.PageAt(index)
	if err != nil {
		return query.Query{}, PageDescriptor{}, err
	}
	p.produced++
	return q, PageDescriptor{Index: index, Size: p.pageSize}, nil
}

// PageAt returns the query for page index.
func (p *Paginator) PageAt(index int) (query.Query, error) {
	return p.base.WithPage(index)
}

// Observe records a fetched page and reports whether it was the last one.
func (p *Paginator) Observe(page response.Page) bool {
	if IsTerminal(page, p.pageSize) {
		p.done = true
	}
	return p.done
}

// Done reports whether a terminal page has been observed.
func (p *Paginator) Done() bool { return p.done }

// IsTerminal reports whether page ends the sequence: it holds fewer records
// than requested, or its more_records indicator is false or absent.
func IsTerminal(page response.Page, pageSize int) bool {
	return len(page.Records) < pageSize || !page.MoreRecords
}
