package channel

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is wrapped by a RemoteFetchError when the organization's
// breaker rejects the call without contacting the API.
var ErrCircuitOpen = errors.New("channel api circuit open")

// RemoteFetchError is a failed page fetch. A block import that sees one stops.
type RemoteFetchError struct {
	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int
	Timeout    bool
	Body       string
	Err        error
}

func (e *RemoteFetchError) Error() string {
	switch {
	case e.Timeout:
		return "channel api request timed out"
	case e.StatusCode != 0 && e.Err == nil:
		return fmt.Sprintf("channel api returned status %d: %s", e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("channel api returned status %d: %v", e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("channel api request failed: %v", e.Err)
	}
}

func (e *RemoteFetchError) Unwrap() error {
	return e.Err
}
