package transport

import (
	"time"

	"github.com/coder/websocket"
)

// maxBackoffShift caps the exponent so base<<shift cannot overflow.
const maxBackoffShift = 20

// Backoff computes reconnect delays. Close codes in the client-error
// range 4000-4999 use a linear schedule; everything else grows
// exponentially.
type Backoff struct {
	Base            time.Duration
	Max             time.Duration
	ClientErrorStep time.Duration
	ClientErrorMax  time.Duration
}

// DefaultBackoff returns 1s doubling to 30s, or 5s steps to 60s for
// client errors.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:            time.Second,
		Max:             30 * time.Second,
		ClientErrorStep: 5 * time.Second,
		ClientErrorMax:  60 * time.Second,
	}
}

// Delay returns the wait before attempt (1-based) after a closure with
// the given code. Pass -1 when there was no close frame.
func (b Backoff) Delay(attempt int, code websocket.StatusCode) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	if isClientError(code) {
		return min(b.ClientErrorStep*time.Duration(attempt), b.ClientErrorMax)
	}

	shift := min(attempt-1, maxBackoffShift)

	return min(b.Base<<shift, b.Max)
}

func isClientError(code websocket.StatusCode) bool {
	return code >= 4000 && code < 5000
}

// isAuthFailure reports whether a close code means the server rejected
// the identity token.
func isAuthFailure(code websocket.StatusCode) bool {
	return code >= 4001 && code <= 4003
}
