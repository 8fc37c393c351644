package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/crm-records-client/pkg/crmerr"
	"github.com/Sternrassler/crm-records-client/pkg/query"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_pages_fetched_total",
		Help: "Total page fetches by execution mode and result",
	}, []string{"mode", "result"})

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crm_page_batch_duration_seconds",
		Help:    "Duration of one executed page batch by mode",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"mode"})
)

// ErrAborted marks a page that was cancelled or never sent because an
// earlier failure stopped the batch.
var ErrAborted = errors.New("page fetch aborted after another page failed")

// Transport sends one query and returns the raw response body.
type Transport interface {
	Send(ctx context.Context, q query.Query) ([]byte, error)
}

// Reply is the eventual outcome of an asynchronous send.
type Reply struct {
	Body []byte
	Err  error
}

// AsyncTransport dispatches a query without blocking. The returned channel
// delivers exactly one Reply and must be buffered so the sender never blocks.
type AsyncTransport interface {
	SendAsync(ctx context.Context, q query.Query) <-chan Reply
}

// Mode selects sequential or bounded concurrent execution.
type Mode struct {
	concurrent bool
	window     int
}

// Sequential executes one page at a time. It is the default mode.
func Sequential() Mode { return Mode{} }

// Concurrent executes with at most window requests in flight.
// A window of 0 leaves concurrency bounded only by the transport.
func Concurrent(window int) Mode {
	if window < 0 {
		window = 0
	}
	return Mode{concurrent: true, window: window}
}

// IsConcurrent reports whether the mode is concurrent.
func (m Mode) IsConcurrent() bool { return m.concurrent }

// Window returns the in-flight limit (0 = unbounded).
func (m Mode) Window() int { return m.window }

// String implements fmt.Stringer.
func (m Mode) String() string {
	if !m.concurrent {
		return "sequential"
	}
	return "concurrent"
}

// Result is the outcome for one input query. Results are returned in input
// order regardless of completion order.
type Result struct {
	Index int
	Query query.Query
	Body  []byte
	Err   error
}

// Executor runs batches of page queries against a transport.
//
// Failure policy is fail-fast in both modes. Sequentially, pages after the
// first failure are never sent. Concurrently, a failure cancels only the
// slots after it: earlier slots keep running and finish, later in-flight
// fetches are cancelled through the transport and later fetches not yet
// started are skipped. Both kinds of cancelled slot carry ErrAborted, so the
// outcome of every slot before the lowest failure does not depend on which
// fetch completed first.
type Executor struct {
	transport Transport
	async     AsyncTransport
}

// Option configures an Executor.
type Option func(*Executor)

// WithAsyncTransport sets the transport used in concurrent mode.
func WithAsyncTransport(async AsyncTransport) Option {
	return func(e *Executor) { e.async = async }
}

// NewExecutor creates an executor. If transport also implements
// AsyncTransport it is used for concurrent mode unless overridden.
func NewExecutor(transport Transport, opts ...Option) *Executor {
	if transport == nil {
		panic("transport cannot be nil")
	}
	e := &Executor{transport: transport}
	if async, ok := transport.(AsyncTransport); ok {
		e.async = async
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SupportsConcurrent reports whether an asynchronous transport is configured.
func (e *Executor) SupportsConcurrent() bool { return e.async != nil }

// Execute runs queries in mode and returns one Result per query.
// Requesting concurrent mode without an asynchronous transport fails
// immediately with crmerr.ErrUnavailableConcurrentTransport and sends nothing.
func (e *Executor) Execute(ctx context.Context, queries []query.Query, mode Mode) ([]Result, error) {
	if mode.concurrent && e.async == nil {
		return nil, crmerr.ErrUnavailableConcurrentTransport
	}

	start := time.Now()
	defer func() {
		batchDuration.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
	}()

	results := make([]Result, len(queries))
	for i, q := range queries {
		results[i] = Result{Index: i, Query: q}
	}
	if len(queries) == 0 {
		return results, nil
	}

	if mode.concurrent {
		e.executeConcurrent(ctx, results, mode.window)
	} else {
		e.executeSequential(ctx, results)
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	log.Debug().
		Str("mode", mode.String()).
		Int("window", mode.window).
		Int("pages", len(results)).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Page batch executed")

	return results, nil
}

func (e *Executor) executeSequential(ctx context.Context, results []Result) {
	for i := range results {
		body, err := e.transport.Send(ctx, results[i].Query)
		if err != nil {
			pagesFetchedTotal.WithLabelValues("sequential", "error").Inc()
			log.Warn().
				Err(err).
				Int("slot", i).
				Str("query", results[i].Query.URI()).
				Msg("Page fetch failed")
			results[i].Err = err
			for j := i + 1; j < len(results); j++ {
				results[j].Err = ErrAborted
			}
			return
		}
		pagesFetchedTotal.WithLabelValues("sequential", "ok").Inc()
		results[i].Body = body
	}
}

func (e *Executor) executeConcurrent(ctx context.Context, results []Result, window int) {
	var g errgroup.Group
	if window > 0 {
		g.SetLimit(window)
	}

	slots := newSlotCanceller(ctx, len(results))
	for i := range results {
		g.Go(func() error {
			slotCtx, ok := slots.start(i)
			if !ok {
				results[i].Err = ErrAborted
				return nil
			}
			defer slots.finish(i)

			reply := <-e.async.SendAsync(slotCtx, results[i].Query)
			switch {
			case reply.Err == nil:
				pagesFetchedTotal.WithLabelValues("concurrent", "ok").Inc()
				results[i].Body = reply.Body
			case slots.cancelled(i):
				results[i].Err = ErrAborted
			default:
				pagesFetchedTotal.WithLabelValues("concurrent", "error").Inc()
				results[i].Err = reply.Err
				slots.failAt(i)
			}
			return nil
		})
	}
	_ = g.Wait()

	if idx, cause := FirstFailure(results); idx >= 0 {
		log.Warn().
			Err(cause).
			Int("slot", idx).
			Int("pages", len(results)).
			Msg("Concurrent batch failed - later pages aborted")
	}
}

// slotCanceller gives every slot its own context and cancels the slots
// after the lowest failed index.
type slotCanceller struct {
	mu      sync.Mutex
	parent  context.Context
	cutoff  int
	cancels map[int]context.CancelFunc
	aborted []bool
}

func newSlotCanceller(parent context.Context, n int) *slotCanceller {
	return &slotCanceller{
		parent:  parent,
		cutoff:  n,
		cancels: make(map[int]context.CancelFunc),
		aborted: make([]bool, n),
	}
}

// start returns the context for slot i, or false when a lower slot has
// already failed.
func (s *slotCanceller) start(i int) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i > s.cutoff {
		s.aborted[i] = true
		return nil, false
	}
	ctx, cancel := context.WithCancel(s.parent)
	s.cancels[i] = cancel
	return ctx, true
}

func (s *slotCanceller) finish(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[i]; ok {
		cancel()
		delete(s.cancels, i)
	}
}

// failAt cancels every running slot after i.
func (s *slotCanceller) failAt(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= s.cutoff {
		return
	}
	s.cutoff = i
	for j, cancel := range s.cancels {
		if j > i {
			s.aborted[j] = true
			cancel()
		}
	}
}

// cancelled reports whether slot i was cancelled by a lower failure.
func (s *slotCanceller) cancelled(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted[i]
}

// FirstFailure returns the index of the first failed slot in input order and
// the error that caused the batch to stop. When that slot was only aborted,
// the root cause from a later slot is reported instead.
func FirstFailure(results []Result) (int, error) {
	first := -1
	for i, r := range results {
		if r.Err != nil {
			first = i
			break
		}
	}
	if first < 0 {
		return -1, nil
	}
	if !errors.Is(results[first].Err, ErrAborted) {
		return first, results[first].Err
	}
	for _, r := range results[first:] {
		if r.Err != nil && !errors.Is(r.Err, ErrAborted) {
			return first, fmt.Errorf("page slot %d: %w", r.Index, r.Err)
		}
	}
	return first, results[first].Err
}
