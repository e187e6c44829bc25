// Package transport owns the persistent websocket connection to the chat
// server: dialing, heartbeat, reconnection and connectivity tracking.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/protocol"
	"github.com/coder/websocket"
)

const (
	// wsReadLimit bounds a single inbound frame. History and session
	// pages are the largest payloads.
	wsReadLimit = 4 * 1024 * 1024

	// inboundChanSize is the buffer size for the channel carrying
	// messages from the reader goroutine to the event loop.
	inboundChanSize = 64

	// commandChanSize is the buffer size for caller commands.
	commandChanSize = 16

	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second

	// defaultHighLatency is the pong round trip above which a
	// high-latency event is emitted.
	defaultHighLatency = 3 * time.Second
)

var (
	errPongTimeout = errors.New("pong not received before deadline")
	errPingWrite   = errors.New("sending ping")
)

// wsConn abstracts the WebSocket connection so Transport can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

// Config holds the connection parameters.
type Config struct {
	URL   string
	Token string
	Role  models.Role

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	HighLatency       time.Duration

	Backoff     Backoff
	MaxAttempts int
	Cooldown    time.Duration

	Monitor NetworkMonitor
}

// inboundMsg wraps a message read from the WebSocket by the reader
// goroutine. epoch identifies the connection it was read from.
type inboundMsg struct {
	epoch uint64
	typ   websocket.MessageType
	data  []byte
	err   error
}

type dialResult struct {
	epoch uint64
	conn  wsConn
	err   error
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdClose
	cmdReconnect
	cmdToken
)

type command struct {
	kind  commandKind
	token string
}

// timer is a cancellable handle owned by the event loop. C returns nil
// while disarmed so a select on it never fires.
type timer struct {
	t *time.Timer
}

func (tm *timer) arm(d time.Duration) {
	tm.stop()
	tm.t = time.NewTimer(d)
}

func (tm *timer) stop() {
	if tm.t != nil {
		tm.t.Stop()
		tm.t = nil
	}
}

func (tm *timer) C() <-chan time.Time {
	if tm.t == nil {
		return nil
	}

	return tm.t.C
}

// Transport manages one websocket connection with automatic reconnection.
//
// Architecture: Run is a single event loop goroutine that owns every
// timer (heartbeat, pong deadline, reconnect, cooldown) and every state
// transition. Dials run in helper goroutines and a reader goroutine per
// connection feeds inboundCh; both tag their results with the
// connection epoch so results from a superseded connection are dropped.
// Send writes directly to the current connection and is safe for
// concurrent use.
type Transport struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	dial    dialFunc

	cmds      chan command
	inboundCh chan inboundMsg
	dialCh    chan dialResult

	// Loop-owned.
	token      string
	epoch      uint64
	manual     bool
	connCancel context.CancelFunc
	heartbeat  timer
	pong       timer
	retry      timer
	cooldown   timer

	// mu guards the fields read by Send and Status.
	mu         sync.RWMutex
	state      State
	conn       wsConn
	attempts   int
	lastPing   time.Time
	pongDue    time.Time
	nextRetry  time.Time
	exhausted  bool
	authFailed bool
	online     bool
}

// New creates a Transport. Events are delivered to handler from the
// goroutine running Run.
func New(cfg Config, handler Handler, logger *slog.Logger) *Transport {
	if cfg.Monitor == nil {
		cfg.Monitor = AlwaysOnline{}
	}

	if cfg.HighLatency == 0 {
		cfg.HighLatency = defaultHighLatency
	}

	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}

	return &Transport{
		cfg:       cfg,
		handler:   handler,
		logger:    logger,
		dial:      dialWebsocket,
		cmds:      make(chan command, commandChanSize),
		inboundCh: make(chan inboundMsg, inboundChanSize),
		dialCh:    make(chan dialResult, 1),
		token:     cfg.Token,
		state:     StateDisconnected,
	}
}

// SetHandler replaces the event handler. Call before Run.
func (t *Transport) SetHandler(h Handler) {
	t.handler = h
}

func dialWebsocket(ctx context.Context, u string) (wsConn, error) {
	conn, resp, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake returned %d", chaterrors.ErrAuthFailed, resp.StatusCode)
		}

		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

// Endpoint builds the websocket address for a role and identity token.
func Endpoint(base string, role models.Role, token string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("user_type", string(role))

	return base + "/api/ws/chat?" + q.Encode()
}

// Connect starts connecting. It clears a previous manual close or
// authentication failure. It does not wait for the connection to open.
func (t *Transport) Connect() {
	t.cmds <- command{kind: cmdConnect}
}

// Close closes the connection and suppresses reconnection until the next
// Connect.
func (t *Transport) Close() {
	t.cmds <- command{kind: cmdClose}
}

// Reconnect drops the current connection and dials again immediately
// with a fresh attempt budget.
func (t *Transport) Reconnect() {
	t.cmds <- command{kind: cmdReconnect}
}

// UpdateToken swaps the identity token, reconnecting if open.
func (t *Transport) UpdateToken(token string) {
	t.cmds <- command{kind: cmdToken, token: token}
}

// Send writes a text frame on the open connection.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	t.mu.RLock()
	conn, state := t.conn, t.state
	t.mu.RUnlock()

	if state != StateOpen || conn == nil {
		return chaterrors.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	return nil
}

// IsOpen reports whether Send can currently succeed.
func (t *Transport) IsOpen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.state == StateOpen
}

// Status returns a snapshot of the connection.
func (t *Transport) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Status{
		State:        t.state,
		Attempts:     t.attempts,
		LastPing:     t.lastPing,
		PongDeadline: t.pongDue,
		NextRetry:    t.nextRetry,
		Exhausted:    t.exhausted,
		AuthFailed:   t.authFailed,
		Online:       t.online,
	}
}

// Run is the event loop. It returns when ctx is cancelled, closing any
// open connection.
func (t *Transport) Run(ctx context.Context) error {
	t.setOnline(t.cfg.Monitor.Online())
	netCh := t.cfg.Monitor.Watch(ctx)

	for {
		select {
		case <-ctx.Done():
			t.shutdown()
			return ctx.Err()

		case cmd := <-t.cmds:
			t.handleCommand(ctx, cmd)

		case res := <-t.dialCh:
			t.handleDial(ctx, res)

		case msg := <-t.inboundCh:
			t.handleInbound(msg)

		case <-t.heartbeat.C():
			t.heartbeat.stop()
			t.sendPing(ctx)

		case <-t.pong.C():
			t.pong.stop()
			t.handlePongTimeout()

		case <-t.retry.C():
			t.retry.stop()
			t.startConnect(ctx)

		case <-t.cooldown.C():
			t.cooldown.stop()
			t.handleCooldown(ctx)

		case up, ok := <-netCh:
			if !ok {
				netCh = nil
				continue
			}

			t.handleNetwork(ctx, up)
		}
	}
}

func (t *Transport) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdConnect:
		t.manual = false
		t.setAuthFailed(false)

		if s := t.currentState(); s == StateOpen || s == StateConnecting {
			return
		}

		t.retry.stop()
		t.cooldown.stop()
		t.setAttempts(0, false)
		t.startConnect(ctx)

	case cmdClose:
		t.manual = true
		t.closeManual()

	case cmdReconnect:
		t.reconnectNow(ctx)

	case cmdToken:
		t.token = cmd.token
		if t.currentState() == StateOpen {
			t.logger.Info("token updated, reconnecting")
			t.reconnectNow(ctx)
		}
	}
}

func (t *Transport) reconnectNow(ctx context.Context) {
	t.manual = false
	t.setAuthFailed(false)
	t.stopTimers()
	t.dropConn(websocket.StatusNormalClosure, "reconnecting")
	t.setAttempts(0, false)

	if t.currentState() != StateDisconnected {
		t.transition(StateDisconnected)
	}

	t.startConnect(ctx)
}

// startConnect dials in a helper goroutine. The result arrives on dialCh.
func (t *Transport) startConnect(ctx context.Context) {
	if t.manual || t.isAuthFailed() {
		return
	}

	if !t.online {
		t.logger.Debug("offline, deferring connect")
		return
	}

	t.epoch++
	epoch := t.epoch
	u := Endpoint(t.cfg.URL, t.cfg.Role, t.token)

	t.mu.Lock()
	t.nextRetry = time.Time{}
	t.mu.Unlock()
	t.transition(StateConnecting)

	t.logger.Debug("connecting", slog.Int("attempt", t.Status().Attempts))

	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()

		conn, err := t.dial(dialCtx, u)

		select {
		case t.dialCh <- dialResult{epoch: epoch, conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				conn.CloseNow()
			}
		}
	}()
}

func (t *Transport) handleDial(ctx context.Context, res dialResult) {
	if res.epoch != t.epoch || t.currentState() != StateConnecting {
		if res.conn != nil {
			res.conn.CloseNow()
		}

		return
	}

	if res.err != nil {
		if errors.Is(res.err, chaterrors.ErrAuthFailed) {
			t.failAuth(-1, res.err)
			return
		}

		t.logger.Warn("connect failed", slog.String("error", res.err.Error()))
		t.emit(Event{Kind: EventError, Err: res.err, Code: -1})
		t.scheduleReconnect(-1)

		return
	}

	res.conn.SetReadLimit(wsReadLimit)

	connCtx, cancel := context.WithCancel(ctx)
	t.connCancel = cancel

	t.mu.Lock()
	t.conn = res.conn
	t.attempts = 0
	t.exhausted = false
	t.mu.Unlock()

	t.transition(StateOpen)
	t.startReader(connCtx, res.conn, res.epoch)
	t.heartbeat.arm(t.cfg.HeartbeatInterval)

	t.logger.Info("connected")
	t.emit(Event{Kind: EventOpen})
}

// startReader launches a goroutine that reads from conn and feeds
// inboundCh. Exits when connCtx is cancelled or a read error occurs. The
// error is delivered as the final message.
func (t *Transport) startReader(connCtx context.Context, conn wsConn, epoch uint64) {
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case t.inboundCh <- inboundMsg{epoch: epoch, typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

func (t *Transport) handleInbound(msg inboundMsg) {
	if msg.epoch != t.epoch || t.currentState() != StateOpen {
		return
	}

	if msg.err != nil {
		code := websocket.CloseStatus(msg.err)
		t.stopTimers()
		t.dropConn(-1, "")

		if isAuthFailure(code) {
			t.failAuth(code, msg.err)
			return
		}

		t.logger.Warn("connection lost",
			slog.Int("code", int(code)),
			slog.String("error", msg.err.Error()),
		)
		t.emit(Event{Kind: EventClosed, Err: msg.err, Code: code})
		t.scheduleReconnect(code)

		return
	}

	if msg.typ == websocket.MessageBinary {
		t.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
		return
	}

	frame, err := protocol.Decode(msg.data)
	if err != nil {
		t.logger.Debug("unparseable text frame", slog.Int("bytes", len(msg.data)), slog.String("error", err.Error()))
		return
	}

	if frame.Kind == protocol.KindPong {
		t.handlePong()
	}

	t.emit(Event{Kind: EventFrame, Frame: frame})
}

func (t *Transport) sendPing(ctx context.Context) {
	if t.currentState() != StateOpen {
		return
	}

	data, _ := protocol.Request{Type: protocol.TypePing}.Encode()

	now := time.Now()
	if err := t.Send(ctx, data); err != nil {
		t.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
		t.fail(fmt.Errorf("%w: %w", errPingWrite, err))

		return
	}

	t.mu.Lock()
	t.lastPing = now
	t.pongDue = now.Add(t.cfg.PongTimeout)
	t.mu.Unlock()

	t.pong.arm(t.cfg.PongTimeout)
	t.heartbeat.arm(t.cfg.HeartbeatInterval)
}

func (t *Transport) handlePong() {
	t.pong.stop()

	t.mu.Lock()
	sent, awaiting := t.lastPing, !t.pongDue.IsZero()
	t.pongDue = time.Time{}
	t.mu.Unlock()

	if !awaiting {
		return
	}

	latency := time.Since(sent)
	if latency > t.cfg.HighLatency {
		t.logger.Warn("high connection latency", slog.Duration("latency", latency))
		t.emit(Event{Kind: EventHighLatency, Latency: latency})
	}
}

// handlePongTimeout escalates a missing pong to a hard teardown so a
// silently dead connection becomes an observable failure.
func (t *Transport) handlePongTimeout() {
	if t.currentState() != StateOpen {
		return
	}

	t.logger.Warn("heartbeat timed out, closing connection", slog.Duration("timeout", t.cfg.PongTimeout))
	t.fail(errPongTimeout)
}

// fail tears down the open connection abnormally and schedules a
// reconnect.
func (t *Transport) fail(err error) {
	t.stopTimers()
	t.dropConn(-1, "")
	t.emit(Event{Kind: EventClosed, Err: err, Code: -1})
	t.scheduleReconnect(-1)
}

func (t *Transport) scheduleReconnect(code websocket.StatusCode) {
	if t.manual || t.isAuthFailed() {
		t.toDisconnected()
		return
	}

	if !t.online {
		t.logger.Info("offline, waiting for network before reconnecting")
		t.toDisconnected()

		return
	}

	t.mu.Lock()
	attempts := t.attempts
	t.mu.Unlock()

	if attempts >= t.cfg.MaxAttempts {
		t.logger.Error("reconnect attempts exhausted, cooling down",
			slog.Int("attempts", attempts),
			slog.Duration("cooldown", t.cfg.Cooldown),
		)
		t.setAttempts(attempts, true)
		t.toDisconnected()
		t.cooldown.arm(t.cfg.Cooldown)

		return
	}

	attempts++
	delay := t.cfg.Backoff.Delay(attempts, code)

	t.mu.Lock()
	t.attempts = attempts
	t.nextRetry = time.Now().Add(delay)
	t.mu.Unlock()

	t.transition(StateReconnectScheduled)
	t.retry.arm(delay)

	t.logger.Info("reconnect scheduled",
		slog.Int("attempt", attempts),
		slog.Duration("delay", delay),
		slog.Int("code", int(code)),
	)
}

// handleCooldown retries after the attempt budget ran out, with the
// counter halved.
func (t *Transport) handleCooldown(ctx context.Context) {
	if t.manual || t.isAuthFailed() || t.currentState() != StateDisconnected {
		return
	}

	t.setAttempts(t.cfg.MaxAttempts/2, false)
	t.scheduleReconnect(-1)
}

func (t *Transport) handleNetwork(ctx context.Context, up bool) {
	t.setOnline(up)

	if !up {
		t.logger.Info("network offline")
		t.retry.stop()
		t.cooldown.stop()

		if t.currentState() == StateReconnectScheduled {
			t.toDisconnected()
		}

		t.emit(Event{Kind: EventOffline})

		return
	}

	t.logger.Info("network online")

	if t.manual || t.isAuthFailed() {
		return
	}

	if s := t.currentState(); s == StateOpen || s == StateConnecting {
		return
	}

	t.retry.stop()
	t.cooldown.stop()

	t.mu.Lock()
	exhausted := t.exhausted
	t.mu.Unlock()

	if exhausted {
		t.setAttempts(t.cfg.MaxAttempts/2, false)
	} else {
		t.setAttempts(0, false)
	}

	if t.currentState() == StateReconnectScheduled {
		t.transition(StateDisconnected)
	}

	t.startConnect(ctx)
}

func (t *Transport) failAuth(code websocket.StatusCode, cause error) {
	t.stopTimers()
	t.dropConn(websocket.StatusPolicyViolation, "auth failed")
	t.setAuthFailed(true)
	t.toDisconnected()

	err := cause
	if !errors.Is(err, chaterrors.ErrAuthFailed) {
		err = fmt.Errorf("%w: %w", chaterrors.ErrAuthFailed, cause)
	}

	t.logger.Error("authentication failed, not reconnecting",
		slog.Int("code", int(code)),
		slog.String("error", err.Error()),
	)
	t.emit(Event{Kind: EventAuthFailed, Err: err, Code: code})
}

func (t *Transport) closeManual() {
	t.stopTimers()
	t.epoch++

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		t.toDisconnected()
		return
	}

	t.transition(StateClosing)
	t.dropConn(websocket.StatusNormalClosure, "bye")
	t.transition(StateDisconnected)

	t.logger.Info("connection closed")
	t.emit(Event{Kind: EventClosed, Err: chaterrors.ErrClosed, Code: websocket.StatusNormalClosure, Manual: true})
}

func (t *Transport) shutdown() {
	t.manual = true
	t.stopTimers()
	t.epoch++
	t.dropConn(websocket.StatusGoingAway, "shutting down")
}

// dropConn closes the current connection and stops its reader. A negative
// code closes without a handshake.
func (t *Transport) dropConn(code websocket.StatusCode, reason string) {
	if t.connCancel != nil {
		t.connCancel()
		t.connCancel = nil
	}

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.lastPing = time.Time{}
	t.pongDue = time.Time{}
	t.mu.Unlock()

	if conn == nil {
		return
	}

	if code < 0 {
		conn.CloseNow()
		return
	}

	conn.Close(code, reason)
}

func (t *Transport) stopTimers() {
	t.heartbeat.stop()
	t.pong.stop()
	t.retry.stop()
	t.cooldown.stop()
}

func (t *Transport) emit(ev Event) {
	if t.handler != nil {
		t.handler(ev)
	}
}

func (t *Transport) currentState() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.state
}

func (t *Transport) transition(to State) {
	t.mu.Lock()
	from := t.state

	if from == to {
		t.mu.Unlock()
		return
	}

	if err := checkTransition(from, to); err != nil {
		t.mu.Unlock()
		t.logger.Error("state transition rejected", slog.String("error", err.Error()))

		return
	}

	t.state = to
	t.mu.Unlock()

	t.logger.Debug("state changed", slog.String("from", string(from)), slog.String("to", string(to)))
}

// toDisconnected moves to disconnected from any state and clears the
// scheduled retry time.
func (t *Transport) toDisconnected() {
	t.mu.Lock()
	t.nextRetry = time.Time{}
	t.mu.Unlock()

	if t.currentState() != StateDisconnected {
		t.transition(StateDisconnected)
	}
}

func (t *Transport) setAttempts(n int, exhausted bool) {
	t.mu.Lock()
	t.attempts = n
	t.exhausted = exhausted
	t.mu.Unlock()
}

// setOnline records connectivity. Only the loop writes online, so the
// loop reads it without the lock.
func (t *Transport) setOnline(v bool) {
	t.mu.Lock()
	t.online = v
	t.mu.Unlock()
}

func (t *Transport) setAuthFailed(v bool) {
	t.mu.Lock()
	t.authFailed = v
	t.mu.Unlock()
}

func (t *Transport) isAuthFailed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.authFailed
}
