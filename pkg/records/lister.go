// Package records lists CRM records across pages: it derives page queries,
// fetches them sequentially or concurrently, normalizes each envelope and
// merges the pages in order.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/crm-records-client/pkg/crmerr"
	"github.com/Sternrassler/crm-records-client/pkg/logging"
	"github.com/Sternrassler/crm-records-client/pkg/pagination"
	"github.com/Sternrassler/crm-records-client/pkg/query"
	"github.com/Sternrassler/crm-records-client/pkg/registry"
	"github.com/Sternrassler/crm-records-client/pkg/response"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultBatchSize is the number of pages fetched speculatively per batch
// in concurrent mode when no window is set.
const DefaultBatchSize = 10

var listOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "crm_list_operations_total",
	Help: "Total paginated list operations by mode and result",
}, []string{"mode", "result"})

// Options controls one List call.
type Options struct {
	// Mode selects sequential (default) or concurrent page fetching.
	Mode pagination.Mode
	// PageSize is records per page (default: the query's page size).
	PageSize int
	// MaxPages caps the pages fetched (default: pagination.DefaultMaxPages).
	MaxPages int
	// DedupeKey drops records repeating this field's value (default: off).
	DedupeKey string
}

// Lister runs paginated record queries against a transport.
type Lister struct {
	transport pagination.Transport
	executor  *pagination.Executor
	registry  *registry.Registry
	logger    zerolog.Logger
}

// NewLister creates a lister. A nil registry means registry.Default().
func NewLister(transport pagination.Transport, reg *registry.Registry, opts ...pagination.Option) *Lister {
	if reg == nil {
		reg = registry.Default()
	}
	return &Lister{
		transport: transport,
		executor:  pagination.NewExecutor(transport, opts...),
		registry:  reg,
		logger:    logging.NewLogger("records"),
	}
}

// SupportsConcurrent reports whether concurrent mode can be used.
func (l *Lister) SupportsConcurrent() bool { return l.executor.SupportsConcurrent() }

// Get fetches and normalizes the single page described by q.
func (l *Lister) Get(ctx context.Context, q query.Query) (response.Page, error) {
	transformer, err := l.transformerFor(q)
	if err != nil {
		return response.Page{}, err
	}
	body, err := l.transport.Send(ctx, q)
	if err != nil {
		return response.Page{}, err
	}
	return transformer.Transform(body)
}

// List fetches every page of q and merges the records in page order.
//
// The first failing page stops the operation. The records merged before it
// are still returned with Complete set to false, together with the error.
// In concurrent mode pages are fetched in speculative batches of the mode's
// window and consumed in order; pages after the terminal page are discarded.
func (l *Lister) List(ctx context.Context, q query.Query, opts Options) (response.MergedResult, error) {
	start := time.Now()
	logger := l.logger.With().
		Str("op_id", uuid.NewString()).
		Str("module", q.Module()).
		Str("mode", opts.Mode.String()).
		Int("window", opts.Mode.Window()).
		Logger()

	result, err := l.list(ctx, q, opts, logger)

	outcome := "complete"
	if err != nil {
		outcome = "failed"
		logger.Warn().
			Err(err).
			Int("records", len(result.Records)).
			Int("pages", result.PagesFetched).
			Dur("duration", time.Since(start)).
			Msg("Record listing stopped early")
	} else {
		logger.Info().
			Int("records", len(result.Records)).
			Int("pages", result.PagesFetched).
			Dur("duration", time.Since(start)).
			Msg("Record listing complete")
	}
	listOperationsTotal.WithLabelValues(opts.Mode.String(), outcome).Inc()

	return result, err
}

func (l *Lister) list(ctx context.Context, q query.Query, opts Options, logger zerolog.Logger) (response.MergedResult, error) {
	transformer, err := l.transformerFor(q)
	if err != nil {
		return response.MergedResult{}, err
	}
	if opts.Mode.IsConcurrent() && !l.executor.SupportsConcurrent() {
		return response.MergedResult{}, crmerr.ErrUnavailableConcurrentTransport
	}

	paginator, err := pagination.NewPaginator(q, pagination.PaginatorConfig{
		PageSize: opts.PageSize,
		MaxPages: opts.MaxPages,
	})
	if err != nil {
		return response.MergedResult{}, err
	}

	batchSize := 1
	if opts.Mode.IsConcurrent() {
		batchSize = opts.Mode.Window()
		if batchSize == 0 {
			batchSize = DefaultBatchSize
		}
	}

	merger := response.NewMerger(response.MergerConfig{DedupeKey: opts.DedupeKey})

	for !paginator.Done() {
		queries, pending := nextBatch(paginator, batchSize)
		if len(queries) == 0 {
			merger.Fail(pending)
			break
		}

		results, err := l.executor.Execute(ctx, queries, opts.Mode)
		if err != nil {
			merger.Fail(err)
			break
		}

		if !l.consume(results, transformer, paginator, merger, logger) {
			break
		}
		if pending != nil && !paginator.Done() {
			merger.Fail(pending)
			break
		}
	}

	return merger.Result(), merger.Err()
}

// nextBatch derives up to size page queries. A paginator error ends the
// batch early and is returned so the caller can decide whether it matters.
func nextBatch(p *pagination.Paginator, size int) ([]query.Query, error) {
	queries := make([]query.Query, 0, size)
	for len(queries) < size {
		q, _, err := p.Next()
		if err != nil {
			if errors.Is(err, pagination.ErrDone) {
				return queries, nil
			}
			return queries, err
		}
		queries = append(queries, q)
	}
	return queries, nil
}

// consume merges results in order. It returns false when the listing must
// stop, either on a failure or after the terminal page.
func (l *Lister) consume(results []pagination.Result, t *response.Transformer, p *pagination.Paginator, m *response.Merger, logger zerolog.Logger) bool {
	for i, r := range results {
		page := r.Query.Page()

		if r.Err != nil {
			_, cause := pagination.FirstFailure(results[i:])
			m.Fail(fmt.Errorf("page %d: %w", page, cause))
			return false
		}

		normalized, err := t.Transform(r.Body)
		if err != nil {
			m.Fail(fmt.Errorf("page %d: %w", page, err))
			return false
		}
		m.Append(normalized)

		logger.Debug().
			Int("page", page).
			Int("records", len(normalized.Records)).
			Bool("more_records", normalized.MoreRecords).
			Msg("Page merged")

		if p.Observe(normalized) {
			if discarded := len(results) - i - 1; discarded > 0 {
				logger.Debug().Int("discarded", discarded).Msg("Pages past the last page discarded")
			}
			return false
		}
	}
	return true
}

func (l *Lister) transformerFor(q query.Query) (*response.Transformer, error) {
	module, err := l.registry.Validate(q.Module(), q.Method())
	if err != nil {
		return nil, err
	}
	return response.NewTransformer(module.IdentifierField()), nil
}
