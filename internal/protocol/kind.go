// Package protocol defines the chat server's JSON frame envelope and the
// closed set of frame kinds the client understands.
package protocol

// Kind identifies an inbound frame. Unrecognized tags decode to
// KindUnknown so a newer server never breaks the client.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnected
	KindNewMessage
	KindMessageSent
	KindError
	KindPong
	KindSessionListUpdated
	KindNewSessionCreated
	KindSessionStatusChanged
	KindUnreadDelta
	KindUnreadAbsolute
	KindSessionsResponse
	KindSessionsCountResponse
	KindSessionReadSuccess
	KindSessionImportanceUpdated
	KindSessionEnded
	KindChatHistoryCleared
	KindStatusUpdateSuccess
	KindStatusUpdated
	KindChatHistoryResponse
	KindUnreadCountResponse

	kindCount
)

var kindTags = [kindCount]string{
	KindUnknown:                  "unknown",
	KindConnected:                "connected",
	KindNewMessage:               "new_message",
	KindMessageSent:              "message_sent",
	KindError:                    "error",
	KindPong:                     "pong",
	KindSessionListUpdated:       "session_list_updated",
	KindNewSessionCreated:        "new_session_created",
	KindSessionStatusChanged:     "session_status_changed",
	KindUnreadDelta:              "unread_count_updated",
	KindUnreadAbsolute:           "unread_count_absolute_update",
	KindSessionsResponse:         "sessions_response",
	KindSessionsCountResponse:    "sessions_count_response",
	KindSessionReadSuccess:       "session_read_success",
	KindSessionImportanceUpdated: "session_importance_updated",
	KindSessionEnded:             "session_ended",
	KindChatHistoryCleared:       "chat_history_cleared",
	KindStatusUpdateSuccess:      "cs_status_update_success",
	KindStatusUpdated:            "cs_status_updated",
	KindChatHistoryResponse:      "chat_history_response",
	KindUnreadCountResponse:      "unread_count_response",
}

var tagKinds = func() map[string]Kind {
	m := make(map[string]Kind, kindCount)
	for k := KindUnknown + 1; k < kindCount; k++ {
		m[kindTags[k]] = k
	}
	return m
}()

// String returns the wire tag for k.
func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return kindTags[KindUnknown]
	}

	return kindTags[k]
}

// ParseKind maps a wire tag to its Kind.
func ParseKind(tag string) Kind {
	if k, ok := tagKinds[tag]; ok {
		return k
	}

	return KindUnknown
}

// Outbound request tags.
const (
	TypePing                 = "ping"
	TypeMessage              = "message"
	TypeGetSessions          = "get_sessions"
	TypeGetSessionsCount     = "get_sessions_count"
	TypeMarkSessionRead      = "mark_session_read"
	TypeMarkSessionImportant = "mark_session_important"
	TypeEndSession           = "end_session"
	TypeClearChatHistory     = "clear_chat_history"
	TypeUpdateStatus         = "update_cs_status"
	TypeGetChatHistory       = "get_chat_history"
	TypeGetUnreadCount       = "get_unread_count"
)
