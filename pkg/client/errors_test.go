package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-github/v55/github"

	"github.com/Sternrassler/gh-harvest/pkg/ratelimit"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{"client error should not retry", ErrorClassClient, false},
		{"not found should not retry", ErrorClassNotFound, false},
		{"server error should retry", ErrorClassServer, true},
		{"network error should retry", ErrorClassNetwork, true},
		{"rate limit goes through the pool", ErrorClassRateLimit, false},
		{"secondary goes through the pool", ErrorClassSecondary, false},
		{"auth goes through the pool", ErrorClassAuth, false},
		{"empty error class should not retry", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.errorClass); got != tt.expected {
				t.Errorf("IsRetryable(%q) = %v, want %v", tt.errorClass, got, tt.expected)
			}
		})
	}
}

func responseErr(status int, msg, docURL string) *github.ErrorResponse {
	return &github.ErrorResponse{
		Response:         &http.Response{StatusCode: status, Request: &http.Request{Method: http.MethodGet}},
		Message:          msg,
		DocumentationURL: docURL,
	}
}

func TestClassify(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	exhausted := ratelimit.Observation{Limit: 5000, Remaining: 0, ResetAt: reset}
	plenty := ratelimit.Observation{Limit: 5000, Remaining: 4000, ResetAt: reset}

	tests := []struct {
		name      string
		err       error
		obs       ratelimit.Observation
		wantClass ErrorClass
		wantErr   error
	}{
		{
			name:      "go-github rate limit error",
			err:       &github.RateLimitError{Rate: github.Rate{Limit: 5000, Reset: github.Timestamp{Time: reset}}, Message: "API rate limit exceeded"},
			wantClass: ErrorClassRateLimit,
			wantErr:   ErrRateLimited,
		},
		{
			name:      "go-github abuse error",
			err:       &github.AbuseRateLimitError{Message: "secondary rate limit"},
			wantClass: ErrorClassSecondary,
			wantErr:   ErrRateLimitedSecondary,
		},
		{"404", responseErr(404, "Not Found", ""), plenty, ErrorClassNotFound, ErrAccountNotFound},
		{"401", responseErr(401, "Bad credentials", ""), ratelimit.Observation{}, ErrorClassAuth, ErrCredentialInvalid},
		{"403 without quota signal", responseErr(403, "Resource not accessible", ""), plenty, ErrorClassAuth, ErrCredentialInvalid},
		{"403 with remaining 0", responseErr(403, "API rate limit exceeded", ""), exhausted, ErrorClassRateLimit, ErrRateLimited},
		{"403 abuse message", responseErr(403, "You have triggered an abuse detection mechanism", ""), plenty, ErrorClassSecondary, ErrRateLimitedSecondary},
		{"429 with remaining 0", responseErr(429, "Too many requests", ""), exhausted, ErrorClassRateLimit, ErrRateLimited},
		{"429 without quota", responseErr(429, "Too many requests", ""), ratelimit.Observation{RetryAfter: time.Minute}, ErrorClassSecondary, ErrRateLimitedSecondary},
		{"500", responseErr(500, "Server Error", ""), plenty, ErrorClassServer, ErrTransientNetwork},
		{"422", responseErr(422, "Validation Failed", ""), plenty, ErrorClassClient, ErrAPI},
		{"transport error", errors.New("connection reset by peer"), ratelimit.Observation{}, ErrorClassNetwork, ErrTransientNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(context.Background(), tt.err, nil, tt.obs)
			if got.Class != tt.wantClass {
				t.Errorf("Class = %v, want %v", got.Class, tt.wantClass)
			}
			if !errors.Is(got, tt.wantErr) {
				t.Errorf("errors.Is(%v, %v) = false", got, tt.wantErr)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("cause not reachable through Unwrap")
			}
		})
	}
}

func TestClassify_RateLimitUsesReportedReset(t *testing.T) {
	reset := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	err := &github.RateLimitError{Rate: github.Rate{Limit: 60, Reset: github.Timestamp{Time: reset}}}

	got := classify(context.Background(), err, nil, ratelimit.Observation{})
	if !got.Quota.ResetAt.Equal(reset) {
		t.Errorf("Quota.ResetAt = %v, want %v", got.Quota.ResetAt, reset)
	}
	if got.Quota.Limit != 60 || got.Quota.Remaining != 0 {
		t.Errorf("Quota = %+v, want limit 60 remaining 0", got.Quota)
	}
}

func TestClassify_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := classify(ctx, fmt.Errorf("do request: %w", context.Canceled), nil, ratelimit.Observation{})
	if got.Class != ErrorClassCanceled {
		t.Errorf("Class = %v, want %v", got.Class, ErrorClassCanceled)
	}
}

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		apiError *APIError
		expected string
	}{
		{
			name:     "error with cause",
			apiError: &APIError{Class: ErrorClassServer, StatusCode: 502, Message: "Server Error", Cause: errors.New("boom")},
			expected: "github server error (status 502): Server Error: boom",
		},
		{
			name:     "error without cause",
			apiError: &APIError{Class: ErrorClassNotFound, StatusCode: 404, Message: "Not Found"},
			expected: "github not_found error (status 404): Not Found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.apiError.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ""},
		{"wrapped api error", fmt.Errorf("lookup: %w", &APIError{Class: ErrorClassAuth}), ErrorClassAuth},
		{"deadline", context.DeadlineExceeded, ErrorClassCanceled},
		{"plain", errors.New("eof"), ErrorClassNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf() = %v, want %v", got, tt.want)
			}
		})
	}
}
