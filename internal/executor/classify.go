// Package executor wraps every outbound call to the upstream API with a
// shared request budget, a circuit breaker, and a retry policy driven by a
// pure error classification. Refresh calls and ordinary resource calls go
// through the same executor because they share one upstream budget.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Class buckets upstream failures by how they must be handled.
type Class int

const (
	// ClassRateLimited is an upstream HTTP 429; retried with long backoff,
	// honoring a Retry-After hint when provided.
	ClassRateLimited Class = iota
	// ClassTransient covers HTTP 5xx and network-level failures; retried
	// briefly with fewer attempts than rate limiting.
	ClassTransient
	// ClassInvalidCredential covers 401/403 and invalid_grant responses;
	// never retried, the caller marks the credential invalid.
	ClassInvalidCredential
	// ClassNotFound is an HTTP 404; never retried.
	ClassNotFound
	// ClassFatal is everything else; never retried.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient"
	case ClassInvalidCredential:
		return "invalid_credential"
	case ClassNotFound:
		return "not_found"
	default:
		return "fatal"
	}
}

// HTTPError carries the upstream response detail the classifier needs.
type HTTPError struct {
	StatusCode int
	RetryAfter time.Duration // parsed Retry-After hint, zero when absent
	OAuthError string        // RFC 6749 "error" field when the body had one
	Body       string
}

func (e *HTTPError) Error() string {
	if e.OAuthError != "" {
		return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.OAuthError)
	}
	return fmt.Sprintf("upstream returned %d", e.StatusCode)
}

// Classification is the outcome of classifying one error.
type Classification struct {
	Class     Class
	Retryable bool
}

// Classify maps an error from one upstream call to its handling class. It is
// a pure function so the policy is testable without any retry machinery.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// invalid_grant arrives as 400 or 401 depending on the provider;
		// either way the refresh token is dead
		if httpErr.OAuthError == "invalid_grant" {
			return Classification{Class: ClassInvalidCredential}
		}

		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return Classification{Class: ClassRateLimited, Retryable: true}
		case httpErr.StatusCode == http.StatusUnauthorized,
			httpErr.StatusCode == http.StatusForbidden:
			return Classification{Class: ClassInvalidCredential}
		case httpErr.StatusCode == http.StatusNotFound:
			return Classification{Class: ClassNotFound}
		case httpErr.StatusCode >= 500:
			return Classification{Class: ClassTransient, Retryable: true}
		default:
			return Classification{Class: ClassFatal}
		}
	}

	if isNetworkError(err) {
		return Classification{Class: ClassTransient, Retryable: true}
	}

	return Classification{Class: ClassFatal}
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

// RetryAfterHint extracts the upstream Retry-After hint from an error chain,
// or zero when there is none.
func RetryAfterHint(err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.RetryAfter
	}
	return 0
}
