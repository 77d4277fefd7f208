// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package deviantart

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Error kinds for upstream responses. Each HTTP status family maps to one
// class so callers can branch on retryability without inspecting codes.
var (
	// ErrValidation is an upstream 400: the request itself is bad.
	ErrValidation = errs.Class("upstream validation")
	// ErrAuth is an upstream 401: the access token was not accepted.
	ErrAuth = errs.Class("upstream auth")
	// ErrPermission is an upstream 403.
	ErrPermission = errs.Class("upstream permission denied")
	// ErrRateLimited is an upstream 429.
	ErrRateLimited = errs.Class("upstream rate limited")
	// ErrServer is an upstream 5xx.
	ErrServer = errs.Class("upstream server")
	// ErrTransient is a network-level failure before any response arrived.
	ErrTransient = errs.Class("upstream transient")
)

// APIError carries the upstream response details alongside the error kind.
type APIError struct {
	Status int
	Body   string

	// RetryAfter is the parsed Retry-After header, zero when absent.
	RetryAfter time.Duration
	// RateLimitReset and RateLimitRemaining mirror the X-RateLimit-*
	// headers, zero when absent.
	RateLimitReset     time.Time
	RateLimitRemaining int
}

// Error implements the error interface.
func (apiErr *APIError) Error() string {
	return fmt.Sprintf("status %d: %s", apiErr.Status, apiErr.Body)
}

// apiErrorFromResponse builds the classified error for a non-2xx response.
func apiErrorFromResponse(status int, body []byte, header http.Header) error {
	apiErr := &APIError{
		Status: status,
		Body:   strings.TrimSpace(string(body)),
	}

	if ra := header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			apiErr.RetryAfter = time.Duration(seconds) * time.Second
		}
	}
	if reset := header.Get("X-RateLimit-Reset"); reset != "" {
		if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
			apiErr.RateLimitReset = time.Unix(unix, 0)
		}
	}
	if remaining := header.Get("X-RateLimit-Remaining"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			apiErr.RateLimitRemaining = n
		}
	}

	switch {
	case status == http.StatusBadRequest:
		return ErrValidation.Wrap(apiErr)
	case status == http.StatusUnauthorized:
		return ErrAuth.Wrap(apiErr)
	case status == http.StatusForbidden:
		return ErrPermission.Wrap(apiErr)
	case status == http.StatusTooManyRequests:
		return ErrRateLimited.Wrap(apiErr)
	case status >= 500:
		return ErrServer.Wrap(apiErr)
	case status >= 400:
		return ErrValidation.Wrap(apiErr)
	default:
		return Error.Wrap(apiErr)
	}
}

// RetryAfterHint extracts the upstream retry-after duration from an error
// chain, zero when none is present.
func RetryAfterHint(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// IsRateLimit reports whether the error is an upstream rate limit signal:
// a 429 response, or an error whose text mentions one.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if ErrRateLimited.Has(err) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "429") || strings.Contains(message, "rate limit")
}

// IsRetryable reports whether a publish attempt that hit this error should
// be retried by the queue. Rate limits, server errors and network failures
// are retryable; validation, auth and permission failures are terminal.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case IsRateLimit(err):
		return true
	case ErrServer.Has(err), ErrTransient.Has(err):
		return true
	default:
		return false
	}
}
