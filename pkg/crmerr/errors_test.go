package crmerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewAPIError_Kinds(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		wantKind APIKind
		sentinel error
	}{
		{name: "rate limit", code: "4820", wantKind: KindRateLimitExceeded, sentinel: ErrRateLimitExceeded},
		{name: "invalid ticket", code: "4834", wantKind: KindInvalidTicket, sentinel: ErrInvalidTicket},
		{name: "invalid token", code: "INVALID_TOKEN", wantKind: KindInvalidToken, sentinel: ErrInvalidToken},
		{name: "unmapped code", code: "4999", wantKind: KindGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewAPIError(tt.code, "boom")
			if err.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", err.Kind, tt.wantKind)
			}
			if err.Code != tt.code {
				t.Errorf("Code = %q, want %q", err.Code, tt.code)
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false, want true", err, tt.sentinel)
			}
			if tt.sentinel == nil && errors.Is(err, ErrRateLimitExceeded) {
				t.Error("generic error should not match rate limit sentinel")
			}
		})
	}
}

func TestAPIError_WrappedMatching(t *testing.T) {
	err := fmt.Errorf("page 3: %w", NewAPIError("4820", "slow down"))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatal("errors.As should find APIError")
	}
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Error("wrapped 4820 should match ErrRateLimitExceeded")
	}
	if apiErr.Description() == "" {
		t.Error("known code should carry a description")
	}
}

func TestTransportError_Unwrap(t *testing.T) {
	err := &TransportError{Op: "GET", URL: "https://example.test/Leads", Err: context.Canceled}
	if !errors.Is(err, context.Canceled) {
		t.Error("TransportError should unwrap to its cause")
	}

	withStatus := &TransportError{Op: "GET", URL: "u", StatusCode: 502}
	if !strings.Contains(withStatus.Error(), "502") {
		t.Errorf("Error() = %q, want status code", withStatus.Error())
	}
}

func TestValidationError_Message(t *testing.T) {
	err := Invalid("per_page", 201, "must be between 1 and 200")
	want := "validation error: per_page=201: must be between 1 and 200"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestUnreadable_TruncatesSnippet(t *testing.T) {
	body := []byte(strings.Repeat("x", 200))
	err := Unreadable(body, nil)
	if len(err.Snippet) != 67 {
		t.Errorf("len(Snippet) = %d, want 67", len(err.Snippet))
	}
}
