package protocol

import (
	"encoding/json"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/tidwall/gjson"
)

// Session list change types carried by session_list_updated.
const (
	ChangeCreated       = "created"
	ChangeUpdated       = "updated"
	ChangeStatusChanged = "status_changed"
)

// --- inbound ---

// Connected confirms the handshake.
type Connected struct {
	UserID string `json:"user_id"`
}

// MessageSent acknowledges a message sent over the socket. The frame
// echoes the request id of the send; ClientMessageID is set only by
// servers that echo the id the client attached.
type MessageSent struct {
	MessageID       string           `json:"message_id"`
	ClientMessageID string           `json:"client_message_id"`
	SessionID       string           `json:"session_id"`
	Content         string           `json:"content"`
	Timestamp       models.Timestamp `json:"timestamp"`
}

// SessionListUpdate announces a change to the session collection.
// SessionData is kept raw so an "updated" change can be applied as a
// partial overlay onto the existing session.
type SessionListUpdate struct {
	ChangeType  string          `json:"change_type"`
	SessionData json.RawMessage `json:"session_data"`
}

// SessionID returns the id of the affected session.
func (u SessionListUpdate) SessionID() string {
	return gjson.GetBytes(u.SessionData, "session_id").String()
}

// StatusChange is the payload of session_status_changed.
type StatusChange struct {
	SessionID string               `json:"session_id"`
	Status    models.SessionStatus `json:"status"`
}

// UnreadDelta adds Delta to a session's unread count.
type UnreadDelta struct {
	SessionID string `json:"session_id"`
	Delta     int    `json:"unread_count_delta"`
}

// UnreadAbsolute replaces a session's unread counts.
type UnreadAbsolute struct {
	SessionID   string `json:"session_id"`
	AgentUnread int    `json:"cs_unread_count"`
	UserUnread  int    `json:"user_unread_count"`
}

// For returns the count that applies to role.
func (u UnreadAbsolute) For(role models.Role) int {
	if role == models.RoleSupportAgent {
		return u.AgentUnread
	}

	return u.UserUnread
}

// SessionsPage is the payload of sessions_response.
type SessionsPage struct {
	Sessions []models.Session `json:"sessions"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// ChatHistory is the payload of chat_history_response and of the REST
// history endpoints.
type ChatHistory struct {
	SessionID string           `json:"session_id"`
	Messages  []models.Message `json:"messages"`
}

// UnreadCounts is the payload of unread_count_response.
type UnreadCounts struct {
	Total    int             `json:"total_unread"`
	Sessions []SessionUnread `json:"sessions"`
}

// SessionUnread is one entry of UnreadCounts.
type SessionUnread struct {
	SessionID   string `json:"session_id"`
	AgentUnread int    `json:"cs_unread_count"`
	UserUnread  int    `json:"unread_count"`
}

// For returns the count that applies to role.
func (u SessionUnread) For(role models.Role) int {
	if role == models.RoleSupportAgent {
		return u.AgentUnread
	}

	return u.UserUnread
}

// StatusBroadcast announces an agent's presence change.
type StatusBroadcast struct {
	AgentID string `json:"cs_account"`
	Status  string `json:"status"`
}

// --- outbound ---

// SendMessage is the payload of a message request.
type SendMessage struct {
	SessionID       string `json:"session_id"`
	Content         string `json:"content"`
	ContentType     string `json:"content_type"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// SessionsQuery is the payload of get_sessions.
type SessionsQuery struct {
	Status     string `json:"status"`
	Importance string `json:"importance"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	SortBy     string `json:"sort_by"`
	SortOrder  string `json:"sort_order"`
	UnreadOnly bool   `json:"unread_only"`
}

// SessionsCountQuery is the payload of get_sessions_count.
type SessionsCountQuery struct {
	Status     string `json:"status"`
	Importance string `json:"importance"`
	UnreadOnly bool   `json:"unread_only"`
}

// SessionRef addresses one session.
type SessionRef struct {
	SessionID string `json:"session_id"`
}

// Importance is the payload of mark_session_important.
type Importance struct {
	SessionID string `json:"session_id"`
	Important bool   `json:"is_important"`
	Reason    string `json:"reason,omitempty"`
}

// EndSession is the payload of end_session.
type EndSession struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// PresenceStatus is the payload of update_cs_status.
type PresenceStatus struct {
	Status string `json:"status"`
}

// HistoryQuery is the payload of get_chat_history.
type HistoryQuery struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
}
