package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v55/github"

	"github.com/Sternrassler/gh-harvest/pkg/credential"
	"github.com/Sternrassler/gh-harvest/pkg/ratelimit"
)

// ErrorClass represents a classification of upstream errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx errors that retrying will not fix.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassNotFound represents a 404 for the requested account.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassAuth represents a rejected credential (401, or 403 without quota signals).
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassRateLimit represents the primary quota running out.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassSecondary represents a secondary (abuse) rate limit.
	ErrorClassSecondary ErrorClass = "secondary_rate_limit"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport and timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassCanceled represents a canceled or expired context.
	ErrorClassCanceled ErrorClass = "canceled"
)

// Common errors returned by the client.
var (
	// ErrAccountNotFound is returned when the account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransientNetwork is returned for network failures and 5xx responses.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrRateLimited is returned when the credential's primary quota is used up.
	ErrRateLimited = errors.New("rate limited")

	// ErrRateLimitedSecondary is returned on a secondary rate limit.
	ErrRateLimitedSecondary = errors.New("secondary rate limit")

	// ErrAPI is returned for other non-retryable API errors.
	ErrAPI = errors.New("api error")

	// ErrCredentialInvalid is the pool's sentinel; it is re-exported so
	// callers only need this package for classification.
	ErrCredentialInvalid = credential.ErrCredentialInvalid
)

// APIError is an upstream error with its classification and quota context.
type APIError struct {
	Class      ErrorClass
	StatusCode int
	Message    string

	// Quota is what the failing response reported, if anything.
	Quota ratelimit.Observation

	// RetryAfter is the server requested wait for secondary limits.
	RetryAfter time.Duration

	// Err is the sentinel for errors.Is.
	Err error

	// Cause is the underlying go-github or transport error.
	Cause error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("github %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Cause)
	}
	return fmt.Sprintf("github %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *APIError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// ClassOf returns the classification of err. Unclassified errors count as
// network errors.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassCanceled
	}
	return ErrorClassNetwork
}

// IsRetryable reports whether the same request may succeed on a later attempt
// without any pool transition.
func IsRetryable(class ErrorClass) bool {
	switch class {
	case ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// classify turns a go-github error into an APIError. obs is the quota the
// response carried.
func classify(ctx context.Context, err error, resp *github.Response, obs ratelimit.Observation) *APIError {
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}

	var (
		rateErr  *github.RateLimitError
		abuseErr *github.AbuseRateLimitError
		respErr  *github.ErrorResponse
	)

	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return &APIError{Class: ErrorClassCanceled, StatusCode: status, Message: "request canceled", Err: ctx.Err(), Cause: err}

	case errors.As(err, &rateErr):
		if obs.ResetAt.IsZero() {
			obs.ResetAt = rateErr.Rate.Reset.Time
		}
		if obs.Limit == 0 {
			obs.Limit = rateErr.Rate.Limit
		}
		obs.Remaining = 0
		return &APIError{Class: ErrorClassRateLimit, StatusCode: statusOr(status, http.StatusForbidden), Message: rateErr.Message, Quota: obs, Err: ErrRateLimited, Cause: err}

	case errors.As(err, &abuseErr):
		retryAfter := abuseErr.GetRetryAfter()
		if retryAfter == 0 {
			retryAfter = obs.RetryAfter
		}
		return &APIError{Class: ErrorClassSecondary, StatusCode: statusOr(status, http.StatusForbidden), Message: abuseErr.Message, Quota: obs, RetryAfter: retryAfter, Err: ErrRateLimitedSecondary, Cause: err}

	case errors.As(err, &respErr):
		return classifyResponse(respErr, obs, err)

	default:
		return &APIError{Class: ErrorClassNetwork, StatusCode: status, Message: "request failed", Err: ErrTransientNetwork, Cause: err}
	}
}

func classifyResponse(respErr *github.ErrorResponse, obs ratelimit.Observation, cause error) *APIError {
	status := 0
	if respErr.Response != nil {
		status = respErr.Response.StatusCode
	}
	apiErr := &APIError{StatusCode: status, Message: respErr.Message, Quota: obs, Cause: cause}

	switch {
	case status == http.StatusNotFound:
		apiErr.Class, apiErr.Err = ErrorClassNotFound, ErrAccountNotFound
	case status == http.StatusTooManyRequests || (status == http.StatusForbidden && (isSecondaryMessage(respErr) || obs.RetryAfter > 0)):
		if obs.Known() && obs.Remaining == 0 && obs.RetryAfter == 0 {
			apiErr.Class, apiErr.Err = ErrorClassRateLimit, ErrRateLimited
		} else {
			apiErr.Class, apiErr.Err = ErrorClassSecondary, ErrRateLimitedSecondary
			apiErr.RetryAfter = obs.RetryAfter
		}
	case status == http.StatusForbidden && obs.Known() && obs.Remaining == 0:
		apiErr.Class, apiErr.Err = ErrorClassRateLimit, ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		apiErr.Class, apiErr.Err = ErrorClassAuth, ErrCredentialInvalid
	case status >= 500:
		apiErr.Class, apiErr.Err = ErrorClassServer, ErrTransientNetwork
	default:
		apiErr.Class, apiErr.Err = ErrorClassClient, ErrAPI
	}
	return apiErr
}

func isSecondaryMessage(respErr *github.ErrorResponse) bool {
	text := strings.ToLower(respErr.Message + " " + respErr.DocumentationURL)
	return strings.Contains(text, "secondary") || strings.Contains(text, "abuse")
}

func statusOr(status, fallback int) int {
	if status == 0 {
		return fallback
	}
	return status
}
