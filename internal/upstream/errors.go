package upstream

import (
	"bytes"
	"fmt"
)

// AuthError reports a call the server rejected for authentication reasons:
// HTTP 401, or an "invalid_grant" marker in the body regardless of status.
// It is never retried and never falls back to another endpoint; the caller
// is expected to re-authorize.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream auth error (status %d): %s", e.Status, e.Body)
	}
	return fmt.Sprintf("upstream auth error (status %d)", e.Status)
}

// RequestError reports any other failed call. Retryable is true for 429,
// 5xx, network errors, timeouts and parse failures; false for 403 and the
// remaining 4xx statuses.
type RequestError struct {
	Status    int
	Retryable bool
	Err       error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream request failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("upstream request failed: %v", e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// invalidGrantMarker is checked against response bodies because the token
// backend occasionally reports a revoked grant inside a 200-range reply.
var invalidGrantMarker = []byte("invalid_grant")

func bodySignalsAuthFailure(body []byte) bool {
	return bytes.Contains(body, invalidGrantMarker)
}

func retryableStatus(status int) bool {
	return status == 429 || status >= 500
}
