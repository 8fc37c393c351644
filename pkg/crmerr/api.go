package crmerr

import "fmt"

// APIKind classifies structured API errors.
type APIKind string

const (
	// KindRateLimitExceeded is reported for code 4820.
	KindRateLimitExceeded APIKind = "rate_limit_exceeded"

	// KindInvalidTicket is reported for code 4834.
	KindInvalidTicket APIKind = "invalid_ticket"

	// KindInvalidToken is reported for code INVALID_TOKEN.
	KindInvalidToken APIKind = "invalid_token"

	// KindGeneric is the fallback for codes without a dedicated kind.
	KindGeneric APIKind = "generic"
)

type knownCode struct {
	kind        APIKind
	sentinel    error
	description string
}

var knownCodes = map[string]knownCode{
	"4820": {
		kind:        KindRateLimitExceeded,
		sentinel:    ErrRateLimitExceeded,
		description: `API call cannot be completed as you have exceeded the "rate limit".`,
	},
	"4834": {
		kind:        KindInvalidTicket,
		sentinel:    ErrInvalidTicket,
		description: "Invalid ticket. Also check if ticket has expired.",
	},
	"INVALID_TOKEN": {
		kind:        KindInvalidToken,
		sentinel:    ErrInvalidToken,
		description: "The access token is invalid or has expired.",
	},
}

// APIError is a structured error block returned inside a response envelope.
type APIError struct {
	Kind    APIKind
	Code    string
	Message string
}

// NewAPIError maps an envelope error code onto its kind.
func NewAPIError(code, message string) *APIError {
	kind := KindGeneric
	if known, ok := knownCodes[code]; ok {
		kind = known.kind
	}
	return &APIError{Kind: kind, Code: code, Message: message}
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error %s (%s)", e.Code, e.Kind)
	}
	return fmt.Sprintf("api error %s (%s): %s", e.Code, e.Kind, e.Message)
}

// Description returns the documented meaning of a known code.
func (e *APIError) Description() string {
	if known, ok := knownCodes[e.Code]; ok {
		return known.description
	}
	return ""
}

// Is lets errors.Is match the kind sentinels.
func (e *APIError) Is(target error) bool {
	known, ok := knownCodes[e.Code]
	return ok && known.sentinel == target
}
