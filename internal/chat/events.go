package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/protocol"
	"github.com/alexjbarnes/chatsync/internal/transport"
	"github.com/tidwall/gjson"
)

// HandleEvent applies a transport event. It is the transport handler,
// usually wrapped by the correlator so matched responses never reach it.
func (s *Store) HandleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventOpen:
		s.mu.Lock()
		s.connected = true
		s.reconnecting = false
		s.authFailed = false
		s.lastError = ""
		s.commitLocked()
		s.mu.Unlock()

		s.deps.Outbox.Kick()

	case transport.EventClosed:
		s.mu.Lock()
		s.connected = false
		s.initialized = false
		s.reconnecting = !ev.Manual
		clear(s.inflight)
		s.commitLocked()
		s.mu.Unlock()

	case transport.EventError:
		if ev.Err != nil {
			s.setError(ev.Err)
		}

	case transport.EventAuthFailed:
		s.mu.Lock()
		s.connected = false
		s.initialized = false
		s.reconnecting = false
		s.authFailed = true
		if ev.Err != nil {
			s.lastError = ev.Err.Error()
		} else {
			s.lastError = "authentication failed"
		}
		s.commitLocked()
		s.mu.Unlock()

	case transport.EventHighLatency:
		s.logger.Debug("high latency", slog.Duration("latency", ev.Latency))

	case transport.EventOffline:
		s.logger.Info("network unreachable")

	case transport.EventFrame:
		s.handleFrame(ev.Frame)

	default:
		s.logger.Debug("ignoring transport event", slog.String("kind", ev.Kind.String()))
	}
}

func (s *Store) handleFrame(f protocol.Frame) {
	switch f.Kind {
	case protocol.KindConnected:
		s.onConnected(f)

	case protocol.KindNewMessage:
		m, err := protocol.DecodeData[models.Message](f)
		if err != nil {
			s.logger.Warn("dropping message frame", slog.String("error", err.Error()))
			return
		}

		s.AddMessage(m)

	case protocol.KindMessageSent:
		s.onMessageSent(f)

	case protocol.KindError:
		msg := f.ErrorMessage()
		s.logger.Warn("server error", slog.String("message", msg))

		s.mu.Lock()
		s.lastError = msg
		s.commitLocked()
		s.mu.Unlock()

	case protocol.KindPong:

	case protocol.KindSessionListUpdated:
		u, err := protocol.DecodeData[protocol.SessionListUpdate](f)
		if err != nil {
			s.logger.Warn("dropping session list update", slog.String("error", err.Error()))
			return
		}

		s.onSessionListUpdate(u)

	case protocol.KindNewSessionCreated:
		raw := f.Data
		if r := f.Get("data.session"); r.IsObject() {
			raw = json.RawMessage(r.Raw)
		}

		s.mu.Lock()
		s.applyCreatedLocked(raw)
		s.checkPageLocked()
		s.commitLocked()
		s.mu.Unlock()

	case protocol.KindSessionStatusChanged:
		c, err := protocol.DecodeData[protocol.StatusChange](f)
		if err != nil {
			s.logger.Warn("dropping status change", slog.String("error", err.Error()))
			return
		}

		s.mu.Lock()
		s.setSessionStatusLocked(c.SessionID, c.Status)
		s.checkPageLocked()
		s.commitLocked()
		s.mu.Unlock()

	case protocol.KindUnreadDelta:
		d, err := protocol.DecodeData[protocol.UnreadDelta](f)
		if err != nil {
			s.logger.Warn("dropping unread delta", slog.String("error", err.Error()))
			return
		}

		s.mu.Lock()
		s.applyUnreadDeltaLocked(d.SessionID, d.Delta)
		s.commitLocked()
		s.mu.Unlock()

	case protocol.KindUnreadAbsolute:
		a, err := protocol.DecodeData[protocol.UnreadAbsolute](f)
		if err != nil {
			s.logger.Warn("dropping unread update", slog.String("error", err.Error()))
			return
		}

		s.mu.Lock()
		s.applyUnreadAbsoluteLocked(a.SessionID, a.For(s.deps.Role))
		s.commitLocked()
		s.mu.Unlock()

	case protocol.KindStatusUpdated:
		b, err := protocol.DecodeData[protocol.StatusBroadcast](f)
		if err != nil || b.AgentID == "" {
			s.logger.Debug("dropping presence broadcast")
			return
		}

		s.mu.Lock()
		s.agentPresence[b.AgentID] = b.Status
		s.commitLocked()
		s.mu.Unlock()

	case protocol.KindSessionsResponse,
		protocol.KindSessionsCountResponse,
		protocol.KindSessionReadSuccess,
		protocol.KindSessionImportanceUpdated,
		protocol.KindSessionEnded,
		protocol.KindChatHistoryCleared,
		protocol.KindStatusUpdateSuccess,
		protocol.KindChatHistoryResponse,
		protocol.KindUnreadCountResponse:
		s.logger.Debug("unmatched response", slog.String("type", f.Tag), slog.String("request_id", f.RequestID))

	case protocol.KindUnknown:
		s.logger.Debug("ignoring unknown frame", slog.String("type", f.Tag))

	default:
		s.logger.Debug("unhandled frame", slog.String("type", f.Tag))
	}
}

func (s *Store) onConnected(f protocol.Frame) {
	userID := f.Get("data.user_id").String()
	if userID == "" {
		userID = f.Get("user_id").String()
	}

	s.mu.Lock()
	s.userID = userID
	if !s.isAgent() {
		s.initialized = true
	}
	s.commitLocked()
	s.mu.Unlock()

	s.logger.Info("connection confirmed", slog.String("user_id", userID))

	if !s.isAgent() {
		return
	}

	s.schedule(func(ctx context.Context) {
		s.mu.Lock()
		filter, page := s.filter, s.page.Number
		s.mu.Unlock()

		if err := s.LoadSessions(ctx, filter, page); err != nil {
			s.logger.Warn("automatic session load failed", slog.String("error", err.Error()))
		}
	})
}

// trackSend records the request id a queued message was written under.
// An acknowledgement that raced ahead of it has already confirmed the
// message, which is then left alone.
func (s *Store) trackSend(queueID, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, acked := s.aliases[queueID]; acked {
		return
	}

	if m, ok := s.messageIdx[s.resolveLocked(queueID)]; ok && m.Status.Rank() >= models.StatusDelivered.Rank() {
		return
	}

	s.inflight[requestID] = queueID
}

// onMessageSent confirms delivery of a socket send and re-keys the
// displayed copy to the id the server assigned, so the push of the same
// message is recognized as a duplicate.
func (s *Store) onMessageSent(f protocol.Frame) {
	ack, err := protocol.DecodeData[protocol.MessageSent](f)
	if err != nil {
		s.logger.Warn("dropping send acknowledgement", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	queueID := s.matchAckLocked(f.RequestID, ack)
	s.mu.Unlock()

	if queueID == "" {
		s.logger.Debug("unmatched send acknowledgement",
			slog.String("request_id", f.RequestID),
			slog.String("message_id", ack.MessageID),
		)

		return
	}

	s.deps.Outbox.UpdateStatus(queueID, models.StatusDelivered)

	if ack.MessageID == "" || ack.MessageID == queueID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shown := s.resolveLocked(queueID)
	delete(s.provisional, queueID)
	s.aliases[queueID] = ack.MessageID

	local, ok := s.messageIdx[shown]
	if !ok {
		return
	}

	if existing, ok := s.messageIdx[ack.MessageID]; ok {
		if existing != local {
			s.removeMessageLocked(shown)
		}

		existing.Status = existing.Status.Advance(models.StatusDelivered)
	} else {
		delete(s.messageIdx, shown)
		local.ID = ack.MessageID
		local.Status = local.Status.Advance(models.StatusDelivered)
		s.messageIdx[local.ID] = local
	}

	s.commitLocked()
}

// matchAckLocked finds the queue id an acknowledgement confirms: by the
// echoed request id, then by client_message_id, then by the oldest
// unacknowledged message of this client with the same session and
// content.
func (s *Store) matchAckLocked(requestID string, ack protocol.MessageSent) string {
	if queueID, ok := s.inflight[requestID]; ok && requestID != "" {
		delete(s.inflight, requestID)
		return queueID
	}

	queueID := ack.ClientMessageID

	if queueID == "" {
		queueID = s.matchContentLocked(ack)
	}

	if queueID != "" {
		s.untrackLocked(queueID)
	}

	return queueID
}

func (s *Store) matchContentLocked(ack protocol.MessageSent) string {
	if ack.Content == "" {
		return ""
	}

	for _, m := range s.messages {
		if m.Status == "" || m.Status.Rank() >= models.StatusDelivered.Rank() {
			continue
		}

		if m.SenderType != s.deps.Role || m.Content != ack.Content {
			continue
		}

		if ack.SessionID != "" && m.SessionID != ack.SessionID {
			continue
		}

		return strings.TrimPrefix(m.ID, provisionalPrefix)
	}

	return ""
}

func (s *Store) untrackLocked(queueID string) {
	for requestID, id := range s.inflight {
		if id == queueID {
			delete(s.inflight, requestID)
		}
	}
}

func (s *Store) onSessionListUpdate(u protocol.SessionListUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch u.ChangeType {
	case protocol.ChangeCreated:
		s.applyCreatedLocked(u.SessionData)
	case protocol.ChangeUpdated:
		s.applyUpdateLocked(u.SessionData)
	case protocol.ChangeStatusChanged:
		status := gjson.GetBytes(u.SessionData, "status").String()
		s.setSessionStatusLocked(u.SessionID(), models.SessionStatus(status))
	default:
		s.logger.Debug("ignoring session list change", slog.String("change_type", u.ChangeType))
		return
	}

	s.checkPageLocked()
	s.commitLocked()
}

// applyCreatedLocked handles a newly created session. While the list
// spans several pages only the total moves, so the displayed page keeps
// matching what the server returns for that page number.
func (s *Store) applyCreatedLocked(raw json.RawMessage) {
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil || sess.ID == "" {
		s.logger.Warn("dropping created session without id")
		return
	}

	if s.page.index(sess.ID) >= 0 {
		s.applyUpdateLocked(raw)
		return
	}

	s.page.Total++

	if s.page.Paginated() || len(s.page.Items) >= s.page.PageSize {
		return
	}

	s.page.Items = append([]models.Session{sess}, s.page.Items...)
	s.unread.Set(sess.ID, sess.Unread(s.deps.Role))
}

// applyUpdateLocked overlays the fields present in raw onto the
// displayed session and the current session. Unread counters are left
// alone; they only move through the unread channels.
func (s *Store) applyUpdateLocked(raw json.RawMessage) {
	id := gjson.GetBytes(raw, "session_id").String()
	if id == "" {
		return
	}

	overlay := func(sess *models.Session) {
		agent, user := sess.AgentUnread, sess.UserUnread
		if err := json.Unmarshal(raw, sess); err != nil {
			s.logger.Warn("session update not applied", slog.String("session_id", id), slog.String("error", err.Error()))
		}

		sess.AgentUnread, sess.UserUnread = agent, user
	}

	if i := s.page.index(id); i >= 0 {
		overlay(&s.page.Items[i])
	}

	if s.current != nil && s.current.ID == id {
		overlay(s.current)
	}
}

func (s *Store) setSessionStatusLocked(id string, status models.SessionStatus) {
	if id == "" || status == "" {
		return
	}

	s.eachSessionLocked(id, func(sess *models.Session) { sess.Status = status })
}

// eachSessionLocked applies fn to every local copy of a session.
func (s *Store) eachSessionLocked(id string, fn func(*models.Session)) {
	if i := s.page.index(id); i >= 0 {
		fn(&s.page.Items[i])
	}

	if s.current != nil && s.current.ID == id {
		fn(s.current)
	}
}

func (s *Store) applyUnreadDeltaLocked(id string, delta int) {
	if id == "" {
		return
	}

	n := s.unread.Add(id, delta)
	s.eachSessionLocked(id, func(sess *models.Session) { sess.SetUnread(s.deps.Role, n) })
}

// applyUnreadAbsoluteLocked replaces a session's unread count. A nonzero
// value for the open session is ignored while it is being read; zero is
// always applied. This assumes a single active viewer per identity.
func (s *Store) applyUnreadAbsoluteLocked(id string, n int) {
	if id == "" {
		return
	}

	if n > 0 && s.current != nil && s.current.ID == id {
		s.logger.Debug("ignoring unread update for open session", slog.String("session_id", id), slog.Int("count", n))
		return
	}

	n = max(n, 0)
	s.unread.Set(id, n)
	s.eachSessionLocked(id, func(sess *models.Session) { sess.SetUnread(s.deps.Role, n) })
}

// checkPageLocked records consistency issues of the displayed page. A
// page beyond the last one is reset to the first and reloaded.
func (s *Store) checkPageLocked() {
	r := CheckPage(s.page)
	s.pageIssues = r.Issues

	if r.OK() {
		return
	}

	s.logger.Warn("session page inconsistent",
		slog.Int("page", s.page.Number),
		slog.Int("total_pages", r.TotalPages),
		slog.Int("expected", r.Expected),
		slog.Int("actual", r.Actual),
		slog.Any("issues", r.Issues),
	)

	if !r.ResetToFirst {
		return
	}

	s.page.Number = 1

	if !s.isAgent() {
		return
	}

	filter := s.filter
	s.schedule(func(ctx context.Context) {
		if err := s.LoadSessions(ctx, filter, 1); err != nil {
			s.logger.Warn("reloading first page failed", slog.String("error", err.Error()))
		}
	})
}
