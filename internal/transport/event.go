package transport

import (
	"time"

	"github.com/alexjbarnes/chatsync/internal/protocol"
	"github.com/coder/websocket"
)

// EventKind identifies a lifecycle event.
type EventKind int

const (
	EventOpen EventKind = iota
	EventFrame
	EventClosed
	EventError
	EventAuthFailed
	EventHighLatency
	EventOffline
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventFrame:
		return "frame"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	case EventAuthFailed:
		return "auth_failed"
	case EventHighLatency:
		return "high_latency"
	case EventOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Event is delivered to the Handler on the transport's event loop.
//
// Frame is set for EventFrame. Code is the close status for EventClosed
// and EventAuthFailed, or -1 when the connection dropped without a close
// frame. Manual is true when the closure was requested by Close.
// Latency is set for EventHighLatency.
type Event struct {
	Kind    EventKind
	Frame   protocol.Frame
	Err     error
	Code    websocket.StatusCode
	Manual  bool
	Latency time.Duration
}

// Handler receives lifecycle events. It runs on the event loop and must
// not block on network I/O.
type Handler func(Event)
