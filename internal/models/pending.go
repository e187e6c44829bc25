package models

import "time"

// MessageStatus tracks an outbound message through delivery.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Confirmed reports whether the server has accepted the message.
func (s MessageStatus) Confirmed() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

// Rank orders the confirmed states: sent < delivered < read. Unconfirmed
// states rank zero.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusRead:
		return 3
	case StatusDelivered:
		return 2
	case StatusSent:
		return 1
	default:
		return 0
	}
}

// Advance returns the status after applying next to s. A confirmed
// status never moves to a lower rank.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if s.Confirmed() && next.Rank() < s.Rank() {
		return s
	}

	return next
}

// PendingMessage is an outbound message owned by the delivery queue until
// the server confirms it. NextAttempt is the earliest time the queue may
// try it again after a failure.
type PendingMessage struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	SenderType  Role          `json:"sender_type"`
	SenderID    string        `json:"sender_id"`
	Content     string        `json:"content"`
	ContentType string        `json:"content_type"`
	Status      MessageStatus `json:"status"`
	RetryCount  int           `json:"retry_count"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	SentAt      time.Time     `json:"sent_at"`
	NextAttempt time.Time     `json:"next_attempt"`
}
