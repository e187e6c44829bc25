package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const provisionalPrefix = "temp_"

var errEmptyMessage = errors.New("message content is empty")

// AddMessage inserts a message into the current session's list. It
// reports false when the message belongs to another session or its id is
// already listed.
func (s *Store) AddMessage(m models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.addMessageLocked(m) {
		return false
	}

	s.commitLocked()

	return true
}

func (s *Store) addMessageLocked(m models.Message) bool {
	if s.current == nil {
		return false
	}

	if m.SessionID == "" {
		m.SessionID = s.current.ID
	}

	if m.SessionID != s.current.ID {
		return false
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	if _, ok := s.messageIdx[m.ID]; ok {
		return false
	}

	if alias, ok := s.aliases[m.ID]; ok {
		if _, ok := s.messageIdx[alias]; ok {
			return false
		}
	}

	msg := &m
	s.messageIdx[m.ID] = msg
	s.messages = append(s.messages, msg)
	slices.SortStableFunc(s.messages, func(a, b *models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt.Time)
	})

	return true
}

func (s *Store) removeMessageLocked(id string) {
	if _, ok := s.messageIdx[id]; !ok {
		return
	}

	delete(s.messageIdx, id)
	s.messages = slices.DeleteFunc(s.messages, func(m *models.Message) bool { return m.ID == id })
}

func (s *Store) clearMessagesLocked() {
	s.messages = nil
	clear(s.messageIdx)
	clear(s.aliases)
}

// resolveLocked returns the id under which a queue item is displayed.
func (s *Store) resolveLocked(queueID string) string {
	if temp, ok := s.provisional[queueID]; ok {
		return temp
	}

	if serverID, ok := s.aliases[queueID]; ok {
		return serverID
	}

	return queueID
}

// SendMessage shows a message in the current session immediately and
// hands it to the delivery queue. If the queue refuses it the displayed
// copy is removed again and the error returned.
func (s *Store) SendMessage(content, contentType string) (models.Message, error) {
	content = norm.NFC.String(content)
	if strings.TrimSpace(content) == "" {
		return models.Message{}, errEmptyMessage
	}

	if contentType == "" {
		contentType = "text"
	}

	id := uuid.NewString()
	temp := provisionalPrefix + id

	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return models.Message{}, chaterrors.ErrNoActiveSession
	}

	sender := s.userID
	if sender == "" && s.isAgent() {
		sender = s.deps.Identity
	}

	msg := models.Message{
		ID:          temp,
		SessionID:   s.current.ID,
		SenderType:  s.deps.Role,
		SenderID:    sender,
		Content:     content,
		ContentType: contentType,
		CreatedAt:   models.At(time.Now()),
		Status:      models.StatusPending,
	}

	s.provisional[id] = temp
	s.addMessageLocked(msg)
	s.commitLocked()
	s.mu.Unlock()

	_, err := s.deps.Outbox.Enqueue(models.PendingMessage{
		ID:          id,
		SessionID:   msg.SessionID,
		SenderType:  msg.SenderType,
		SenderID:    msg.SenderID,
		Content:     content,
		ContentType: contentType,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		delete(s.provisional, id)
		s.removeMessageLocked(temp)
		s.lastError = err.Error()
		s.commitLocked()

		return models.Message{}, fmt.Errorf("queueing message: %w", err)
	}

	if _, ok := s.provisional[id]; ok {
		delete(s.provisional, id)

		if m, ok := s.messageIdx[temp]; ok {
			delete(s.messageIdx, temp)
			m.ID = id
			s.messageIdx[id] = m
			msg = *m
		}
	} else if m, ok := s.messageIdx[s.resolveLocked(id)]; ok {
		msg = *m
	}

	s.commitLocked()

	return msg, nil
}

// onQueueStatus mirrors a queue status change onto the displayed copy of
// the message, if it is shown.
func (s *Store) onQueueStatus(p models.PendingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messageIdx[s.resolveLocked(p.ID)]
	if !ok {
		return
	}

	next := m.Status.Advance(p.Status)
	if next == m.Status && (next != models.StatusFailed || m.LastError == p.LastError) {
		return
	}

	m.Status = next
	if next == models.StatusFailed {
		m.LastError = p.LastError
	} else {
		m.LastError = ""
	}

	if next == models.StatusFailed {
		s.logger.Warn("message delivery failed",
			slog.String("message_id", p.ID),
			slog.String("error", p.LastError),
		)
	}

	s.commitLocked()
}
