// Package chat is the synchronization store: the single owner of the
// current session, its message list, the paginated session list and the
// unread counters. It merges server pushes, request responses and
// delivery queue updates into one consistent state.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/protocol"
	"github.com/alexjbarnes/chatsync/internal/queue"
	"github.com/alexjbarnes/chatsync/internal/transport"
)

const (
	DefaultPageSize        = 20
	DefaultOpenTimeout     = 5 * time.Second
	DefaultLoadTimeout     = 3 * time.Second
	DefaultSessionsTimeout = 15 * time.Second
	DefaultHistoryLimit    = 50

	taskChanSize = 16
)

var errWaitTimeout = errors.New("timed out")

// Conn is the connection lifecycle. *transport.Transport satisfies it.
type Conn interface {
	Connect()
	Close()
	Reconnect()
	IsOpen() bool
	Status() transport.Status
}

// Requester sends correlated requests. *correlator.Correlator satisfies it.
type Requester interface {
	Notify(ctx context.Context, typ string, data any) (string, error)
	Request(ctx context.Context, typ string, data any, expect protocol.Kind, timeout time.Duration) (protocol.Frame, error)
}

// Outbox is the delivery queue. *queue.Queue satisfies it.
type Outbox interface {
	Enqueue(m models.PendingMessage) (models.PendingMessage, error)
	UpdateStatus(id string, status models.MessageStatus) bool
	RetryFailed() int
	Stats() queue.Stats
	OnStatusChange(h queue.StatusHook)
	Kick()
}

// SendTracker reports the request id of every socket send.
// *SocketDeliverer satisfies it.
type SendTracker interface {
	OnSent(h SentHook)
}

// HistorySource loads message history outside the websocket.
// *api.Client satisfies it.
type HistorySource interface {
	History(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
}

// Deps are the collaborators and settings of a Store. History and Sends
// may be nil.
type Deps struct {
	Conn      Conn
	Requester Requester
	Outbox    Outbox
	Sends     SendTracker
	History   HistorySource
	Logger    *slog.Logger

	Role     models.Role
	Identity string

	PageSize        int
	OpenTimeout     time.Duration
	LoadTimeout     time.Duration
	SessionsTimeout time.Duration
	HistoryLimit    int
}

// State is the store's own view of the connection, tracked separately
// from the transport's states.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateUninitialized State = "connected_uninitialized"
	StateInitialized   State = "connected_initialized"
)

// Filter selects which sessions a page shows.
type Filter struct {
	Status     string
	Importance string
	UnreadOnly bool
}

// DefaultFilter shows every session.
func DefaultFilter() Filter {
	return Filter{Status: "all", Importance: "all"}
}

func (f Filter) query(page, pageSize int) protocol.SessionsQuery {
	sortBy := "update_time"
	if f.UnreadOnly {
		sortBy = "last_message_time"
	}

	return protocol.SessionsQuery{
		Status:     f.Status,
		Importance: f.Importance,
		Page:       page,
		PageSize:   pageSize,
		SortBy:     sortBy,
		SortOrder:  "desc",
		UnreadOnly: f.UnreadOnly,
	}
}

// Snapshot is a copy of the store state for display.
type Snapshot struct {
	State      State
	Connection transport.Status
	StatusText string
	UserID     string

	Current  *models.Session
	Messages []models.Message

	Sessions   []models.Session
	Total      int
	Page       int
	PageSize   int
	TotalPages int
	PageIssues []string

	Unread      map[string]int
	TotalUnread int

	Presence      string
	AgentPresence map[string]string

	LastError string
}

// Store is the synchronization hub. All state is guarded by mu, which is
// never held across network I/O.
type Store struct {
	deps   Deps
	logger *slog.Logger
	notes  *notifier
	tasks  chan func(context.Context)

	mu sync.Mutex

	// changed is closed and replaced on every commit.
	changed chan struct{}

	connected    bool
	reconnecting bool
	authFailed   bool
	initializing bool
	initialized  bool
	userID       string
	lastError    string

	current    *models.Session
	selectGen  uint64
	messages   []*models.Message
	messageIdx map[string]*models.Message

	// provisional maps a queue id to the temporary id shown while the
	// enqueue is in flight. aliases maps a queue id to the server id
	// assigned by a send acknowledgement.
	provisional map[string]string
	aliases     map[string]string

	// inflight maps the request id of a socket send to its queue id until
	// the server acknowledges it.
	inflight map[string]string

	page       Page
	pageGen    uint64
	filter     Filter
	pageIssues []string
	unread     *UnreadIndex

	presence      string
	agentPresence map[string]string
}

// New creates a Store and registers it with the outbox.
func New(deps Deps) *Store {
	if deps.PageSize <= 0 {
		deps.PageSize = DefaultPageSize
	}

	if deps.OpenTimeout <= 0 {
		deps.OpenTimeout = DefaultOpenTimeout
	}

	if deps.LoadTimeout <= 0 {
		deps.LoadTimeout = DefaultLoadTimeout
	}

	if deps.SessionsTimeout <= 0 {
		deps.SessionsTimeout = DefaultSessionsTimeout
	}

	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = DefaultHistoryLimit
	}

	s := &Store{
		deps:          deps,
		logger:        deps.Logger,
		notes:         newNotifier(),
		tasks:         make(chan func(context.Context), taskChanSize),
		changed:       make(chan struct{}),
		messageIdx:    make(map[string]*models.Message),
		provisional:   make(map[string]string),
		aliases:       make(map[string]string),
		inflight:      make(map[string]string),
		page:          Page{Number: 1, PageSize: deps.PageSize},
		filter:        DefaultFilter(),
		unread:        NewUnreadIndex(),
		presence:      "offline",
		agentPresence: make(map[string]string),
	}

	deps.Outbox.OnStatusChange(s.onQueueStatus)

	if deps.Sends != nil {
		deps.Sends.OnSent(s.trackSend)
	}

	return s
}

func (s *Store) isAgent() bool {
	return s.deps.Role == models.RoleSupportAgent
}

// Run executes background work triggered by server events, such as the
// session load that follows a connection confirmation. It returns when
// ctx is cancelled.
func (s *Store) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-s.tasks:
			task(ctx)
		}
	}
}

func (s *Store) schedule(task func(context.Context)) {
	select {
	case s.tasks <- task:
	default:
		s.logger.Warn("store task queue full, dropping task")
	}
}

// Subscribe returns a channel that receives a signal after every state
// change, and a function that cancels the subscription. Signals are
// dropped while the channel is full.
func (s *Store) Subscribe(buf int) (<-chan struct{}, func()) {
	return s.notes.subscribe(buf)
}

// commitLocked publishes a state change. It also re-checks that the
// unread total still matches the per-session counts.
func (s *Store) commitLocked() {
	if err := s.unread.Verify(); err != nil {
		s.logger.Error("unread index inconsistent", slog.String("error", err.Error()))
	}

	close(s.changed)
	s.changed = make(chan struct{})
	s.notes.broadcast()
}

// waitFor blocks until pred holds, the timeout passes or ctx ends.
func (s *Store) waitFor(ctx context.Context, timeout time.Duration, pred func() bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		ok := pred()
		ch := s.changed
		s.mu.Unlock()

		if ok {
			return nil
		}

		select {
		case <-ch:
		case <-timer.C:
			return errWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	conn := s.deps.Conn.Status()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:         s.stateLocked(),
		Connection:    conn,
		StatusText:    conn.Text(),
		UserID:        s.userID,
		Sessions:      slices.Clone(s.page.Items),
		Total:         s.page.Total,
		Page:          s.page.Number,
		PageSize:      s.page.PageSize,
		TotalPages:    s.page.TotalPages(),
		PageIssues:    slices.Clone(s.pageIssues),
		Unread:        s.unread.Counts(),
		TotalUnread:   s.unread.Total(),
		Presence:      s.presence,
		AgentPresence: maps.Clone(s.agentPresence),
		LastError:     s.lastError,
	}

	if s.current != nil {
		c := *s.current
		snap.Current = &c
	}

	snap.Messages = make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		snap.Messages[i] = *m
	}

	return snap
}

func (s *Store) stateLocked() State {
	switch {
	case s.connected && s.initialized:
		return StateInitialized
	case s.connected:
		return StateUninitialized
	case s.initializing || s.reconnecting:
		return StateConnecting
	default:
		return StateDisconnected
	}
}

func (s *Store) setError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.commitLocked()
	s.mu.Unlock()
}

// Initialize opens the connection and waits for the first session page.
// The open wait and the automatic load are both bounded; if the load
// triggered by the connection confirmation does not finish in time the
// first page is requested directly. A failure leaves the store usable
// and Initialize may be called again.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.connected && s.initialized {
		s.mu.Unlock()
		return nil
	}

	s.initializing = true
	s.authFailed = false
	s.lastError = ""
	s.commitLocked()
	s.mu.Unlock()

	err := s.initialize(ctx)

	s.mu.Lock()
	s.initializing = false
	if err != nil {
		s.lastError = err.Error()
	}
	s.commitLocked()
	s.mu.Unlock()

	return err
}

func (s *Store) initialize(ctx context.Context) error {
	s.deps.Conn.Connect()

	err := s.waitFor(ctx, s.deps.OpenTimeout, func() bool { return s.connected || s.authFailed })
	if err != nil {
		return fmt.Errorf("%w: waiting for connection: %w", chaterrors.ErrInitialization, err)
	}

	s.mu.Lock()
	authFailed := s.authFailed
	s.mu.Unlock()

	if authFailed {
		return fmt.Errorf("%w: %w", chaterrors.ErrInitialization, chaterrors.ErrAuthFailed)
	}

	err = s.waitFor(ctx, s.deps.LoadTimeout, func() bool { return s.initialized })
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", chaterrors.ErrInitialization, err)
	}

	if !s.isAgent() {
		s.logger.Debug("no connection confirmation, treating open connection as ready")
		s.markInitialized()

		return nil
	}

	s.logger.Info("automatic session load did not finish, loading first page")

	if err := s.LoadSessions(ctx, DefaultFilter(), 1); err != nil {
		return fmt.Errorf("%w: loading sessions: %w", chaterrors.ErrInitialization, err)
	}

	return nil
}

func (s *Store) markInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.commitLocked()
	s.mu.Unlock()
}

// Reconnect drops the connection and dials again immediately.
func (s *Store) Reconnect() {
	s.mu.Lock()
	s.reconnecting = true
	s.commitLocked()
	s.mu.Unlock()

	s.deps.Conn.Reconnect()
}

// Disconnect closes the connection without reconnecting.
func (s *Store) Disconnect() {
	s.deps.Conn.Close()

	s.mu.Lock()
	s.connected = false
	s.reconnecting = false
	s.userID = ""
	s.commitLocked()
	s.mu.Unlock()
}
