// Package crmerr defines the error taxonomy shared by the CRM records client.
//
// Every error is a plain Go error value; callers use errors.Is and errors.As
// to distinguish caller mistakes (ValidationError) from transport failures,
// unreadable payloads and structured API errors.
package crmerr

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrUnavailableConcurrentTransport is returned when concurrent fetching is
	// requested but no asynchronous transport has been configured.
	ErrUnavailableConcurrentTransport = errors.New("concurrent requests cannot be used: no asynchronous transport configured")

	// ErrRateLimitExceeded matches API errors with code 4820.
	ErrRateLimitExceeded = errors.New("api rate limit exceeded")

	// ErrInvalidTicket matches API errors with code 4834.
	ErrInvalidTicket = errors.New("invalid or expired ticket")

	// ErrInvalidToken matches API errors with code INVALID_TOKEN.
	ErrInvalidToken = errors.New("invalid oauth token")
)

// ValidationError reports invalid caller input. It is always raised before
// any network call is made.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error: %s=%v: %s", e.Field, e.Value, e.Reason)
}

// Invalid is a shorthand constructor for ValidationError.
func Invalid(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// TransportError wraps a network or HTTP level failure.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: status %d", e.Op, e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// UnreadableResponseError reports a payload that is not a JSON envelope.
type UnreadableResponseError struct {
	Snippet string
	Err     error
}

// Error implements the error interface.
func (e *UnreadableResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unreadable response %q: %v", e.Snippet, e.Err)
	}
	return fmt.Sprintf("unreadable response %q", e.Snippet)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UnreadableResponseError) Unwrap() error {
	return e.Err
}

// Unreadable builds an UnreadableResponseError, truncating the body snippet.
func Unreadable(body []byte, err error) *UnreadableResponseError {
	const max = 64
	snippet := string(body)
	if len(snippet) > max {
		snippet = snippet[:max] + "..."
	}
	return &UnreadableResponseError{Snippet: snippet, Err: err}
}

// PaginationOverrunError is returned when the page safety cap is reached
// without the server signalling the last page.
type PaginationOverrunError struct {
	Limit int
}

// Error implements the error interface.
func (e *PaginationOverrunError) Error() string {
	return fmt.Sprintf("pagination overrun: no terminal page after %d pages", e.Limit)
}
