// Package models defines types shared across internal packages.
package models

// Role identifies which side of a support conversation the client speaks for.
type Role string

const (
	RoleEndUser      Role = "user"
	RoleSupportAgent Role = "customer_service"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleEndUser || r == RoleSupportAgent
}

// SessionStatus is the lifecycle state of a conversation. Sessions are
// never deleted by the client, only closed.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// Message is a chat message as displayed. Status and LastError are local
// delivery annotations for messages this client sent; they are empty for
// messages received from the server.
type Message struct {
	ID          string        `json:"message_id"`
	SessionID   string        `json:"session_id"`
	SenderType  Role          `json:"sender_type"`
	SenderID    string        `json:"sender_id"`
	Content     string        `json:"content"`
	ContentType string        `json:"content_type"`
	CreatedAt   Timestamp     `json:"create_time"`
	Status      MessageStatus `json:"status,omitempty"`
	LastError   string        `json:"-"`
}

// Session is a conversation between one end user and one support agent.
type Session struct {
	ID               string        `json:"session_id"`
	UserID           string        `json:"user_id"`
	AgentID          string        `json:"cs_account"`
	Status           SessionStatus `json:"status"`
	Important        bool          `json:"is_important"`
	ImportanceReason string        `json:"importance_reason,omitempty"`
	AgentUnread      int           `json:"cs_unread_count"`
	UserUnread       int           `json:"unread_count"`
	UpdatedAt        Timestamp     `json:"update_time"`
}

// Unread returns the unread counter that applies to the given role.
func (s *Session) Unread(role Role) int {
	if role == RoleSupportAgent {
		return s.AgentUnread
	}

	return s.UserUnread
}

// SetUnread sets the unread counter that applies to the given role.
func (s *Session) SetUnread(role Role, n int) {
	if role == RoleSupportAgent {
		s.AgentUnread = n
		return
	}

	s.UserUnread = n
}
