package chat

import (
	"context"
	"fmt"
	"log/slog"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/protocol"
	"github.com/alexjbarnes/chatsync/internal/queue"
)

func (s *Store) requireAgent(op string) error {
	if s.isAgent() {
		return nil
	}

	return fmt.Errorf("%w: %s requires the support agent role", chaterrors.ErrNotSupported, op)
}

// SelectSession makes id the current session and loads its most recent
// messages. Unread counters are not touched; see MarkSessionRead. When
// the load fails the session stays selected with an empty list.
func (s *Store) SelectSession(ctx context.Context, id string) error {
	s.mu.Lock()
	sess := models.Session{ID: id, Status: models.SessionActive}
	if i := s.page.index(id); i >= 0 {
		sess = s.page.Items[i]
	}

	s.current = &sess
	s.selectGen++
	gen := s.selectGen
	s.clearMessagesLocked()
	s.commitLocked()
	s.mu.Unlock()

	msgs, err := s.loadHistory(ctx, id)
	if err != nil {
		s.setError(err)
		return fmt.Errorf("loading history for %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.selectGen {
		return nil
	}

	for _, m := range msgs {
		s.addMessageLocked(m)
	}

	s.commitLocked()

	return nil
}

func (s *Store) loadHistory(ctx context.Context, id string) ([]models.Message, error) {
	if s.deps.Conn.IsOpen() {
		f, err := s.deps.Requester.Request(ctx, protocol.TypeGetChatHistory,
			protocol.HistoryQuery{SessionID: id, Limit: s.deps.HistoryLimit},
			protocol.KindChatHistoryResponse, 0)
		if err != nil {
			return nil, err
		}

		h, err := protocol.DecodeData[protocol.ChatHistory](f)
		if err != nil {
			return nil, err
		}

		return h.Messages, nil
	}

	if s.deps.History == nil {
		return nil, chaterrors.ErrNotConnected
	}

	return s.deps.History.History(ctx, id, s.deps.HistoryLimit)
}

// LoadSessions fetches one page of the session list and replaces the
// displayed page with it. Loading a page completes initialization. A
// response that arrives after a later load was started is dropped.
func (s *Store) LoadSessions(ctx context.Context, filter Filter, page int) error {
	if err := s.requireAgent("loading sessions"); err != nil {
		return err
	}

	page = max(page, 1)

	s.mu.Lock()
	pageSize := s.page.PageSize
	s.pageGen++
	gen := s.pageGen
	s.mu.Unlock()

	f, err := s.deps.Requester.Request(ctx, protocol.TypeGetSessions, filter.query(page, pageSize),
		protocol.KindSessionsResponse, s.deps.SessionsTimeout)
	if err != nil {
		s.setError(err)
		return fmt.Errorf("loading sessions page %d: %w", page, err)
	}

	resp, err := protocol.DecodeData[protocol.SessionsPage](f)
	if err != nil {
		s.setError(err)
		return fmt.Errorf("loading sessions page %d: %w", page, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.pageGen {
		s.logger.Debug("dropping superseded session page", slog.Int("page", page))
		return nil
	}

	s.applyPageLocked(filter, page, resp)
	s.initialized = true
	s.commitLocked()

	return nil
}

func (s *Store) applyPageLocked(filter Filter, page int, resp protocol.SessionsPage) {
	if resp.Page > 0 {
		page = resp.Page
	}

	pageSize := s.page.PageSize
	if resp.PageSize > 0 {
		pageSize = resp.PageSize
	}

	items := resp.Sessions
	if items == nil {
		items = []models.Session{}
	}

	s.filter = filter
	s.page = Page{Items: items, Total: resp.Total, Number: page, PageSize: pageSize}

	for _, sess := range items {
		s.unread.Set(sess.ID, sess.Unread(s.deps.Role))
	}

	if s.current != nil {
		if i := s.page.index(s.current.ID); i >= 0 {
			c := s.page.Items[i]
			s.current = &c
		}
	}

	s.logger.Debug("session page loaded",
		slog.Int("page", page),
		slog.Int("items", len(items)),
		slog.Int("total", resp.Total),
	)

	s.checkPageLocked()
}

// GoToPage loads page n of the current filter.
func (s *Store) GoToPage(ctx context.Context, n int) error {
	if err := s.requireAgent("changing page"); err != nil {
		return err
	}

	s.mu.Lock()
	totalPages := s.page.TotalPages()
	filter := s.filter
	s.mu.Unlock()

	if n < 1 || n > totalPages {
		return fmt.Errorf("%w: page %d of %d", chaterrors.ErrPageOutOfRange, n, totalPages)
	}

	return s.LoadSessions(ctx, filter, n)
}

// NextPage loads the page after the current one.
func (s *Store) NextPage(ctx context.Context) error {
	s.mu.Lock()
	n := s.page.Number + 1
	s.mu.Unlock()

	return s.GoToPage(ctx, n)
}

// PreviousPage loads the page before the current one.
func (s *Store) PreviousPage(ctx context.Context) error {
	s.mu.Lock()
	n := s.page.Number - 1
	s.mu.Unlock()

	return s.GoToPage(ctx, n)
}

// SessionsCount asks the server how many sessions match filter. The
// displayed total is not changed.
func (s *Store) SessionsCount(ctx context.Context, filter Filter) (int, error) {
	if err := s.requireAgent("counting sessions"); err != nil {
		return 0, err
	}

	f, err := s.deps.Requester.Request(ctx, protocol.TypeGetSessionsCount,
		protocol.SessionsCountQuery{Status: filter.Status, Importance: filter.Importance, UnreadOnly: filter.UnreadOnly},
		protocol.KindSessionsCountResponse, s.deps.SessionsTimeout)
	if err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}

	count := f.Get("data.count")
	if !count.Exists() {
		count = f.Get("count")
	}

	return int(count.Int()), nil
}

// MarkSessionRead clears a session's unread count locally. It sends
// nothing; callers acknowledge to the server with ReportRead once the
// messages have actually been shown.
func (s *Store) MarkSessionRead(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unread.Set(id, 0)
	s.eachSessionLocked(id, func(sess *models.Session) { sess.SetUnread(s.deps.Role, 0) })
	s.commitLocked()
}

// ReportRead tells the server the session has been read.
func (s *Store) ReportRead(ctx context.Context, id string) error {
	_, err := s.deps.Requester.Request(ctx, protocol.TypeMarkSessionRead,
		protocol.SessionRef{SessionID: id}, protocol.KindSessionReadSuccess, 0)
	if err != nil {
		return fmt.Errorf("reporting %s read: %w", id, err)
	}

	return nil
}

// MarkSessionImportant flags or unflags a session.
func (s *Store) MarkSessionImportant(ctx context.Context, id string, important bool, reason string) error {
	if err := s.requireAgent("marking importance"); err != nil {
		return err
	}

	_, err := s.deps.Requester.Request(ctx, protocol.TypeMarkSessionImportant,
		protocol.Importance{SessionID: id, Important: important, Reason: reason},
		protocol.KindSessionImportanceUpdated, 0)
	if err != nil {
		s.setError(err)
		return fmt.Errorf("marking %s important: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.eachSessionLocked(id, func(sess *models.Session) {
		sess.Important = important
		sess.ImportanceReason = reason
	})
	s.commitLocked()

	return nil
}

// UpdatePresenceStatus publishes the agent's availability.
func (s *Store) UpdatePresenceStatus(ctx context.Context, status string) error {
	if err := s.requireAgent("updating presence"); err != nil {
		return err
	}

	_, err := s.deps.Requester.Request(ctx, protocol.TypeUpdateStatus,
		protocol.PresenceStatus{Status: status}, protocol.KindStatusUpdateSuccess, 0)
	if err != nil {
		s.setError(err)
		return fmt.Errorf("updating presence to %s: %w", status, err)
	}

	s.mu.Lock()
	s.presence = status
	s.commitLocked()
	s.mu.Unlock()

	return nil
}

// EndSession closes a conversation.
func (s *Store) EndSession(ctx context.Context, id, reason string) error {
	if err := s.requireAgent("ending sessions"); err != nil {
		return err
	}

	_, err := s.deps.Requester.Request(ctx, protocol.TypeEndSession,
		protocol.EndSession{SessionID: id, Reason: reason}, protocol.KindSessionEnded, 0)
	if err != nil {
		s.setError(err)
		return fmt.Errorf("ending %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.setSessionStatusLocked(id, models.SessionClosed)
	s.checkPageLocked()
	s.commitLocked()

	return nil
}

// ClearHistory deletes a session's messages on the server, and locally
// when it is the current session.
func (s *Store) ClearHistory(ctx context.Context, id string) error {
	_, err := s.deps.Requester.Request(ctx, protocol.TypeClearChatHistory,
		protocol.SessionRef{SessionID: id}, protocol.KindChatHistoryCleared, 0)
	if err != nil {
		s.setError(err)
		return fmt.Errorf("clearing history of %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.ID == id {
		s.clearMessagesLocked()
	}

	s.commitLocked()

	return nil
}

// RefreshUnread fetches authoritative unread counts and applies them
// through the absolute channel.
func (s *Store) RefreshUnread(ctx context.Context) error {
	f, err := s.deps.Requester.Request(ctx, protocol.TypeGetUnreadCount, nil, protocol.KindUnreadCountResponse, 0)
	if err != nil {
		return fmt.Errorf("refreshing unread counts: %w", err)
	}

	counts, err := protocol.DecodeData[protocol.UnreadCounts](f)
	if err != nil {
		return fmt.Errorf("refreshing unread counts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range counts.Sessions {
		s.applyUnreadAbsoluteLocked(c.SessionID, c.For(s.deps.Role))
	}

	if counts.Total != s.unread.Total() {
		s.logger.Debug("server unread total differs",
			slog.Int("server", counts.Total),
			slog.Int("local", s.unread.Total()),
		)
	}

	s.commitLocked()

	return nil
}

// RetryFailedMessages resets every failed message for another round of
// delivery attempts and returns how many were reset.
func (s *Store) RetryFailedMessages() int {
	return s.deps.Outbox.RetryFailed()
}

// QueueStats reports the delivery queue by status.
func (s *Store) QueueStats() queue.Stats {
	return s.deps.Outbox.Stats()
}
