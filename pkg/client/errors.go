package client

import (
	"context"
	"errors"
	"net/http"

	"github.com/Sternrassler/crm-records-client/pkg/crmerr"
)

// ErrorClass is a coarse classification of a failed request for metrics,
// logs and HTTP status mapping.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents an exhausted API allowance.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassAuth represents rejected or unobtainable credentials.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassValidation represents invalid caller input.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassResponse represents unreadable or error-bearing API payloads.
	ErrorClassResponse ErrorClass = "response"

	// ErrorClassCanceled represents a cancelled or timed out context.
	ErrorClassCanceled ErrorClass = "canceled"
)

// ClassifyStatus classifies an HTTP status code. Non-error codes yield "".
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status == http.StatusUnauthorized:
		return ErrorClassAuth
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// Classify maps any error produced while fetching records to an ErrorClass.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var (
		validation *crmerr.ValidationError
		apiErr     *crmerr.APIError
		transport  *crmerr.TransportError
		unreadable *crmerr.UnreadableResponseError
	)

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassCanceled
	case errors.As(err, &validation):
		return ErrorClassValidation
	case errors.Is(err, crmerr.ErrRateLimitExceeded):
		return ErrorClassRateLimit
	case errors.Is(err, crmerr.ErrInvalidToken):
		return ErrorClassAuth
	case errors.As(err, &transport):
		if transport.StatusCode == 0 {
			return ErrorClassNetwork
		}
		return ClassifyStatus(transport.StatusCode)
	case errors.As(err, &apiErr), errors.As(err, &unreadable):
		return ErrorClassResponse
	default:
		return ErrorClassClient
	}
}
