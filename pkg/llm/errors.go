// Package llm speaks the Anthropic messages API: streaming, context
// formatting, file uploads and the error taxonomy around them.
package llm

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// IsTransient reports whether an API error is worth retrying: rate limits,
// server-side failures and the overloaded condition.
func IsTransient(err error) bool {
	var apierr *anthropic.Error
	if !errors.As(err, &apierr) {
		return false
	}
	switch apierr.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, 529:
		return true
	}
	return false
}

// RetryAfter extracts the server-suggested wait from a rate-limit response.
// Returns fallback when the error carries no usable hint.
func RetryAfter(err error, fallback time.Duration) time.Duration {
	var apierr *anthropic.Error
	if !errors.As(err, &apierr) || apierr.Response == nil {
		return fallback
	}
	header := apierr.Response.Header.Get("retry-after")
	if header == "" {
		return fallback
	}
	secs, convErr := strconv.Atoi(header)
	if convErr != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// IsAuth reports an authentication or permission failure, which no amount of
// retrying fixes.
func IsAuth(err error) bool {
	var apierr *anthropic.Error
	if !errors.As(err, &apierr) {
		return false
	}
	return apierr.StatusCode == http.StatusUnauthorized || apierr.StatusCode == http.StatusForbidden
}
