package transport

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/coder/websocket"
)

type fakeRead struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// fakeConn is a scriptable server side of a websocket connection.
type fakeConn struct {
	reads chan fakeRead
	done  chan struct{}
	once  sync.Once

	mu        sync.Mutex
	writes    [][]byte
	writeErr  error
	closeCode websocket.StatusCode
	closedNow bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:     make(chan fakeRead, 16),
		done:      make(chan struct{}),
		closeCode: -1,
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case r := <-c.reads:
		return r.typ, r.data, r.err
	case <-c.done:
		return 0, nil, net.ErrClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeErr != nil {
		return c.writeErr
	}

	c.writes = append(c.writes, append([]byte(nil), p...))

	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	c.closeCode = code
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })

	return nil
}

func (c *fakeConn) CloseNow() error {
	c.mu.Lock()
	c.closedNow = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })

	return nil
}

func (c *fakeConn) SetReadLimit(int64) {}

// push delivers a text frame from the server.
func (c *fakeConn) push(raw string) {
	c.reads <- fakeRead{typ: websocket.MessageText, data: []byte(raw)}
}

// drop fails the next read with err.
func (c *fakeConn) drop(err error) {
	c.reads <- fakeRead{err: err}
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, w := range c.writes {
		if strings.Contains(string(w), `"ping"`) {
			n++
		}
	}

	return n
}

func (c *fakeConn) closeState() (websocket.StatusCode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeCode, c.closedNow
}

// fakeMonitor lets tests flip connectivity.
type fakeMonitor struct {
	ch chan bool
}

func (m *fakeMonitor) Online() bool { return true }

func (m *fakeMonitor) Watch(context.Context) <-chan bool { return m.ch }

// harness runs a Transport against fake connections. Use inside
// synctest.Test so timers run on the fake clock.
type harness struct {
	tr  *Transport
	net *fakeMonitor

	mu        sync.Mutex
	events    []Event
	conns     []*fakeConn
	urls      []string
	dialTimes []time.Time
	dialErrs  []error

	cancel context.CancelFunc
	done   chan struct{}
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	h := &harness{net: &fakeMonitor{ch: make(chan bool, 4)}}

	cfg := Config{
		URL:               "ws://chat.test",
		Token:             "agent-token",
		Role:              models.RoleSupportAgent,
		HeartbeatInterval: 30 * time.Second,
		PongTimeout:       5 * time.Second,
		MaxAttempts:       10,
		Cooldown:          60 * time.Second,
		Monitor:           h.net,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	h.tr = New(cfg, h.record, slog.New(slog.DiscardHandler))
	h.tr.dial = h.dial

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		h.tr.Run(ctx)
	}()

	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func (h *harness) record(ev Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *harness) dial(_ context.Context, u string) (wsConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.urls = append(h.urls, u)
	h.dialTimes = append(h.dialTimes, time.Now())

	if len(h.dialErrs) > 0 {
		err := h.dialErrs[0]
		h.dialErrs = h.dialErrs[1:]

		return nil, err
	}

	c := newFakeConn()
	h.conns = append(h.conns, c)

	return c, nil
}

func (h *harness) failDials(errs ...error) {
	h.mu.Lock()
	h.dialErrs = append(h.dialErrs, errs...)
	h.mu.Unlock()
}

func (h *harness) conn(i int) *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.conns[i]
}

func (h *harness) dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.dialTimes)
}

func (h *harness) url(i int) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.urls[i]
}

func (h *harness) times() []time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]time.Time(nil), h.dialTimes...)
}

func (h *harness) kinds() []EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]EventKind, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Kind
	}

	return out
}

func (h *harness) last(kind EventKind) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Kind == kind {
			return h.events[i], true
		}
	}

	return Event{}, false
}
