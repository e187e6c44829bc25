package transport

import (
	"fmt"
	"slices"
	"time"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected       State = "disconnected"
	StateConnecting         State = "connecting"
	StateOpen               State = "open"
	StateClosing            State = "closing"
	StateReconnectScheduled State = "reconnect_scheduled"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	StateDisconnected:       {StateConnecting, StateReconnectScheduled},
	StateConnecting:         {StateOpen, StateReconnectScheduled, StateDisconnected},
	StateOpen:               {StateClosing, StateReconnectScheduled, StateDisconnected},
	StateClosing:            {StateDisconnected},
	StateReconnectScheduled: {StateConnecting, StateDisconnected},
}

func checkTransition(from, to State) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// Status is a read-only projection of the connection for display.
type Status struct {
	State        State
	Attempts     int
	LastPing     time.Time
	PongDeadline time.Time
	NextRetry    time.Time
	Exhausted    bool
	AuthFailed   bool
	Online       bool
}

// Text renders the status for display.
func (s Status) Text() string {
	switch {
	case s.AuthFailed:
		return "authentication failed"
	case s.State == StateOpen:
		return "connected"
	case s.State == StateConnecting:
		return "connecting"
	case s.State == StateReconnectScheduled:
		return fmt.Sprintf("reconnecting (attempt %d)", s.Attempts)
	case !s.Online:
		return "offline"
	case s.Exhausted:
		return "waiting to retry"
	default:
		return "disconnected"
	}
}
