package errors

import "errors"

// Connection errors.
var (
	ErrNotConnected = errors.New("not connected")
	ErrAuthFailed   = errors.New("authentication failed")
	ErrClosed       = errors.New("connection closed by client")
)

// Operation errors.
var (
	ErrRequestTimeout  = errors.New("request timed out")
	ErrNoActiveSession = errors.New("no active session")
	ErrPageOutOfRange  = errors.New("page out of range")
	ErrInitialization  = errors.New("initialization failed")
	ErrQueuePersist    = errors.New("persisting message queue failed")
	ErrNotSupported    = errors.New("operation not available for this role")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
