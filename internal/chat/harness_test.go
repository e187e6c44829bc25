package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/protocol"
	"github.com/alexjbarnes/chatsync/internal/queue"
	"github.com/alexjbarnes/chatsync/internal/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var errBoom = errors.New("boom")

// fakeConn records lifecycle calls. onConnect runs in its own goroutine
// when Connect is called, standing in for the transport's event loop.
type fakeConn struct {
	mu         sync.Mutex
	open       bool
	connects   int
	closes     int
	reconnects int
	onConnect  func()
}

func (c *fakeConn) Connect() {
	c.mu.Lock()
	c.connects++
	fn := c.onConnect
	c.mu.Unlock()

	if fn != nil {
		go fn()
	}
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closes++
	c.open = false
}

func (c *fakeConn) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reconnects++
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.open
}

func (c *fakeConn) setOpen(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.open = open
}

func (c *fakeConn) Status() transport.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open {
		return transport.Status{State: transport.StateOpen, Online: true}
	}

	return transport.Status{State: transport.StateDisconnected, Online: true}
}

func (c *fakeConn) counts() (connects, closes, reconnects int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connects, c.closes, c.reconnects
}

type statusUpdate struct {
	id     string
	status models.MessageStatus
}

// fakeOutbox is an in-memory delivery queue that never delivers. Tests
// drive status changes with set.
type fakeOutbox struct {
	mu         sync.Mutex
	hook       queue.StatusHook
	enqueueErr error
	items      []models.PendingMessage
	updates    []statusUpdate
	kicks      int
	retried    int
}

func (o *fakeOutbox) OnStatusChange(h queue.StatusHook) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.hook = h
}

func (o *fakeOutbox) Enqueue(m models.PendingMessage) (models.PendingMessage, error) {
	o.mu.Lock()
	if o.enqueueErr != nil {
		err := o.enqueueErr
		o.mu.Unlock()

		return models.PendingMessage{}, err
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	m.Status = models.StatusPending
	o.items = append(o.items, m)
	hook := o.hook
	o.mu.Unlock()

	if hook != nil {
		hook(m)
	}

	return m, nil
}

func (o *fakeOutbox) set(id string, status models.MessageStatus, lastErr string) bool {
	o.mu.Lock()
	i := slices.IndexFunc(o.items, func(m models.PendingMessage) bool { return m.ID == id })
	if i < 0 {
		o.mu.Unlock()
		return false
	}

	o.items[i].Status = status
	o.items[i].LastError = lastErr
	m := o.items[i]
	hook := o.hook
	o.mu.Unlock()

	if hook != nil {
		hook(m)
	}

	return true
}

func (o *fakeOutbox) UpdateStatus(id string, status models.MessageStatus) bool {
	o.mu.Lock()
	o.updates = append(o.updates, statusUpdate{id: id, status: status})
	o.mu.Unlock()

	return o.set(id, status, "")
}

func (o *fakeOutbox) RetryFailed() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.retried++

	return 2
}

func (o *fakeOutbox) Stats() queue.Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	return queue.Stats{Total: len(o.items), Pending: len(o.items)}
}

func (o *fakeOutbox) Kick() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.kicks++
}

func (o *fakeOutbox) snapshot() ([]models.PendingMessage, []statusUpdate, int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return slices.Clone(o.items), slices.Clone(o.updates), o.kicks
}

// fakeHistory serves canned history over the REST path.
type fakeHistory struct {
	mu    sync.Mutex
	msgs  map[string][]models.Message
	err   error
	calls []string
}

func (h *fakeHistory) History(_ context.Context, sessionID string, _ int) ([]models.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls = append(h.calls, sessionID)

	if h.err != nil {
		return nil, h.err
	}

	return slices.Clone(h.msgs[sessionID]), nil
}

type harness struct {
	store   *Store
	conn    *fakeConn
	outbox  *fakeOutbox
	history *fakeHistory
	req     *MockRequester
	socket  *SocketDeliverer
}

func newHarness(t *testing.T, role models.Role) *harness {
	t.Helper()

	ctrl := gomock.NewController(t)

	h := &harness{
		conn:    &fakeConn{},
		outbox:  &fakeOutbox{},
		history: &fakeHistory{msgs: make(map[string][]models.Message)},
		req:     NewMockRequester(ctrl),
	}
	h.socket = NewSocketDeliverer(h.conn, h.req)

	h.store = New(Deps{
		Conn:      h.conn,
		Requester: h.req,
		Outbox:    h.outbox,
		Sends:     h.socket,
		History:   h.history,
		Logger:    slog.New(slog.DiscardHandler),
		Role:      role,
		Identity:  "cs42",
	})

	return h
}

// selectLocal selects a session whose history comes from the REST fake.
func (h *harness) selectLocal(t *testing.T, id string, history ...models.Message) {
	t.Helper()

	h.history.mu.Lock()
	h.history.msgs[id] = history
	h.history.mu.Unlock()

	require.NoError(t, h.store.SelectSession(context.Background(), id))
}

// deliver writes queue item i over the socket as the queue worker would,
// the requester answering with requestID.
func (h *harness) deliver(t *testing.T, i int, requestID string) models.PendingMessage {
	t.Helper()

	items, _, _ := h.outbox.snapshot()
	require.Greater(t, len(items), i)

	h.req.EXPECT().
		Notify(gomock.Any(), protocol.TypeMessage, gomock.Any()).
		Return(requestID, nil)
	require.NoError(t, h.socket.Deliver(context.Background(), items[i]))

	return items[i]
}

func (h *harness) frame(t *testing.T, raw string) {
	t.Helper()

	h.store.HandleEvent(transport.Event{Kind: transport.EventFrame, Frame: decode(t, raw)})
}

func decode(t *testing.T, raw string) protocol.Frame {
	t.Helper()

	f, err := protocol.Decode([]byte(raw))
	require.NoError(t, err)

	return f
}

func msg(id, session string, at time.Time) models.Message {
	return models.Message{
		ID:          id,
		SessionID:   session,
		SenderType:  models.RoleEndUser,
		Content:     "content " + id,
		ContentType: "text",
		CreatedAt:   models.At(at),
	}
}

func sessions(n, firstUnread int) []models.Session {
	out := make([]models.Session, n)
	for i := range out {
		out[i] = models.Session{
			ID:          fmt.Sprintf("s%02d", i+1),
			Status:      models.SessionActive,
			AgentUnread: firstUnread,
		}
		firstUnread = 0
	}

	return out
}

// pageFrame builds a sessions_response frame.
func pageFrame(t *testing.T, items []models.Session, total, page int) protocol.Frame {
	t.Helper()

	data, err := json.Marshal(protocol.SessionsPage{Sessions: items, Total: total, Page: page, PageSize: DefaultPageSize})
	require.NoError(t, err)

	return decode(t, fmt.Sprintf(`{"type":"sessions_response","request_id":"r","data":%s}`, data))
}

// expectPage makes the mock answer the next get_sessions request for
// page with the given frame.
func (h *harness) expectPage(page int, f protocol.Frame) *gomock.Call {
	return h.req.EXPECT().
		Request(gomock.Any(), protocol.TypeGetSessions, pageQuery(page), protocol.KindSessionsResponse, DefaultSessionsTimeout).
		Return(f, nil)
}

func pageQuery(page int) gomock.Matcher {
	return gomock.Cond(func(x any) bool {
		q, ok := x.(protocol.SessionsQuery)
		return ok && q.Page == page
	})
}

func unreadSum(snap Snapshot) int {
	sum := 0
	for _, n := range snap.Unread {
		sum += n
	}

	return sum
}
