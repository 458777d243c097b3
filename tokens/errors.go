package tokens

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when a Manager is built without a client id,
// client secret and token endpoint.
var ErrNotConfigured = errors.New("tokens: client credentials are not configured")

// maxErrorBody bounds how much of an upstream error body is retained.
const maxErrorBody = 512

// TokenFetchError reports a failed client-credentials request. Status is the
// upstream HTTP status, or 0 when no response was received (network error,
// timeout).
type TokenFetchError struct {
	Status int
	Body   string
	Err    error
}

func (e *TokenFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token fetch failed with status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("token fetch failed: %v", e.Err)
}

func (e *TokenFetchError) Unwrap() error { return e.Err }

func truncateBody(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}
