// Package pagination drives paginated record queries.
//
// A Paginator derives one query per page from a base query (page 1, 2, 3, ...)
// and decides termination from each fetched page: a page is the last one when
// it holds fewer records than requested or its more_records flag is false or
// missing. A safety cap (DefaultMaxPages) turns a server that never signals
// the end into a PaginationOverrunError instead of a silent stop.
//
// An Executor sends a batch of page queries either sequentially (default) or
// concurrently with a bounded in-flight window, and always returns results in
// input order:
//
//	exec := pagination.NewExecutor(transport)
//	results, err := exec.Execute(ctx, queries, pagination.Concurrent(4))
//
// Concurrent mode needs an AsyncTransport. Requesting it without one fails
// with crmerr.ErrUnavailableConcurrentTransport before any request is sent;
// the executor never falls back to sequential execution.
//
// The first page failure stops the batch. Later pages are cancelled or never
// sent and carry ErrAborted; FirstFailure reports the root cause.
package pagination
