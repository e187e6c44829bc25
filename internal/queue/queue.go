// Package queue implements the durable outbound delivery queue. Items
// stay in the queue until the server accepts them, are retried with
// exponential backoff, and are persisted while undelivered so a restart
// resumes them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/api"
	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
	DefaultRetention  = 60 * time.Second

	defaultContentType = "text"
)

// Deliverer sends one message over some channel.
type Deliverer interface {
	Deliver(ctx context.Context, m models.PendingMessage) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, m models.PendingMessage) error

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, m models.PendingMessage) error {
	return f(ctx, m)
}

// Primary is the persistent connection. It is used whenever it is open.
type Primary interface {
	Deliverer
	IsOpen() bool
}

// Storage persists the undelivered subset of a queue. *state.State
// satisfies it.
type Storage interface {
	LoadQueue(slot string) ([]models.PendingMessage, error)
	SaveQueue(slot string, items []models.PendingMessage) error
}

// StatusHook observes every status change of an item.
type StatusHook func(models.PendingMessage)

// Config tunes retry and retention.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	Retention  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}

	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}

	return c
}

// Stats counts queue items by status. Sent includes delivered and read.
type Stats struct {
	Total   int
	Pending int
	Sending int
	Sent    int
	Failed  int
}

// Queue holds outbound messages until the server confirms them.
//
// Run is the single worker: every delivery pass happens on its goroutine,
// so passes never overlap. Enqueue, UpdateStatus and RetryFailed only
// mutate items and kick the worker; a kick during a pass is coalesced
// into the next one.
type Queue struct {
	cfg      Config
	primary  Primary
	fallback Deliverer
	storage  Storage
	slot     string
	logger   *slog.Logger

	kick chan struct{}

	hookMu sync.RWMutex
	hook   StatusHook

	mu    sync.Mutex
	items []*models.PendingMessage
}

// New creates a queue for a storage slot and restores its persisted
// items. Restored items start over as pending with a fresh retry budget.
// fallback may be nil.
func New(cfg Config, primary Primary, fallback Deliverer, storage Storage, slot string, logger *slog.Logger) (*Queue, error) {
	q := &Queue{
		cfg:      cfg.withDefaults(),
		primary:  primary,
		fallback: fallback,
		storage:  storage,
		slot:     slot,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}

	stored, err := storage.LoadQueue(slot)
	if err != nil {
		return nil, fmt.Errorf("restoring queue: %w", err)
	}

	for _, m := range stored {
		m.Status = models.StatusPending
		m.RetryCount = 0
		m.NextAttempt = time.Time{}
		q.items = append(q.items, &m)
	}

	if len(stored) > 0 {
		logger.Info("restored undelivered messages", slog.Int("count", len(stored)))
		q.Kick()
	}

	return q, nil
}

// OnStatusChange sets the status hook.
func (q *Queue) OnStatusChange(h StatusHook) {
	q.hookMu.Lock()
	q.hook = h
	q.hookMu.Unlock()
}

// Enqueue adds a message and persists the queue before returning. The
// message gets a local id if it has none. If persisting fails the
// message is not queued.
func (q *Queue) Enqueue(m models.PendingMessage) (models.PendingMessage, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	if m.ContentType == "" {
		m.ContentType = defaultContentType
	}

	m.Content = norm.NFC.String(m.Content)
	m.Status = models.StatusPending
	m.RetryCount = 0
	m.LastError = ""
	m.CreatedAt = time.Now()
	m.NextAttempt = time.Time{}

	q.mu.Lock()
	q.items = append(q.items, &m)
	if err := q.persistLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		q.mu.Unlock()

		return models.PendingMessage{}, err
	}
	q.mu.Unlock()

	q.notify(m)
	q.Kick()

	return m, nil
}

// Kick requests a delivery pass.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Run is the worker loop. It returns when ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	for {
		q.process(ctx)
		q.purge()

		var (
			wake  <-chan time.Time
			timer *time.Timer
		)

		if d, ok := q.nextWake(); ok {
			timer = time.NewTimer(d)
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.kick:
		case <-wake:
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// process attempts every pending item whose backoff has elapsed.
func (q *Queue) process(ctx context.Context) {
	for _, id := range q.due() {
		if ctx.Err() != nil {
			return
		}

		m, ok := q.begin(id)
		if !ok {
			continue
		}

		q.finish(id, q.deliver(ctx, m))
	}
}

func (q *Queue) due() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()

	var ids []string
	for _, m := range q.items {
		if m.Status == models.StatusPending && !m.NextAttempt.After(now) {
			ids = append(ids, m.ID)
		}
	}

	return ids
}

// begin marks an item as sending.
func (q *Queue) begin(id string) (models.PendingMessage, bool) {
	q.mu.Lock()
	m := q.findLocked(id)
	if m == nil || m.Status != models.StatusPending {
		q.mu.Unlock()
		return models.PendingMessage{}, false
	}

	m.Status = models.StatusSending
	q.persistOrLog()
	snap := *m
	q.mu.Unlock()

	q.notify(snap)

	return snap, true
}

// deliver prefers the primary channel and falls back when it is closed
// or its send fails.
func (q *Queue) deliver(ctx context.Context, m models.PendingMessage) error {
	var err error

	if q.primary != nil && q.primary.IsOpen() {
		if err = q.primary.Deliver(ctx, m); err == nil {
			return nil
		}

		q.logger.Warn("primary delivery failed",
			slog.String("message_id", m.ID),
			slog.String("error", err.Error()),
		)
	}

	if q.fallback != nil {
		if err = q.fallback.Deliver(ctx, m); err == nil {
			return nil
		}

		q.logger.Warn("fallback delivery failed",
			slog.String("message_id", m.ID),
			slog.Bool("transient", api.IsTransient(err)),
			slog.String("error", err.Error()),
		)
	}

	if err == nil {
		err = chaterrors.ErrNotConnected
	}

	return err
}

func (q *Queue) finish(id string, sendErr error) {
	q.mu.Lock()
	m := q.findLocked(id)
	if m == nil {
		q.mu.Unlock()
		return
	}

	now := time.Now()

	switch {
	case sendErr == nil:
		// A late acknowledgement may already have advanced the status.
		if !m.Status.Confirmed() {
			m.Status = models.StatusSent
		}

		if m.SentAt.IsZero() {
			m.SentAt = now
		}

		m.LastError = ""
	case m.Status.Confirmed():
		// Acknowledged while the write was in flight.
		q.logger.Debug("ignoring send error for acknowledged message",
			slog.String("message_id", m.ID),
			slog.String("error", sendErr.Error()),
		)
		q.mu.Unlock()

		return
	default:
		m.RetryCount++
		m.LastError = describe(sendErr)

		if m.RetryCount >= q.cfg.MaxRetries {
			m.Status = models.StatusFailed
			q.logger.Error("message delivery failed",
				slog.String("message_id", m.ID),
				slog.Int("attempts", m.RetryCount),
				slog.String("error", m.LastError),
			)
		} else {
			m.Status = models.StatusPending
			m.NextAttempt = now.Add(q.backoff(m.RetryCount))
			q.logger.Debug("message delivery retry scheduled",
				slog.String("message_id", m.ID),
				slog.Int("attempt", m.RetryCount),
				slog.Time("next_attempt", m.NextAttempt),
			)
		}
	}

	q.persistOrLog()
	snap := *m
	q.mu.Unlock()

	q.notify(snap)
}

// describe formats a delivery error for LastError. A server rejection
// that is not transient is marked, though it is still retried.
func describe(err error) string {
	if errors.Is(err, chaterrors.ErrAPIResponse) && !api.IsTransient(err) {
		return "rejected: " + err.Error()
	}

	return err.Error()
}

// backoff returns RetryDelay * 2^(retry-1).
func (q *Queue) backoff(retry int) time.Duration {
	return q.cfg.RetryDelay << min(retry-1, 20)
}

// purge drops confirmed items older than the retention window.
func (q *Queue) purge() {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-q.cfg.Retention)

	q.items = slices.DeleteFunc(q.items, func(m *models.PendingMessage) bool {
		return m.Status.Confirmed() && !m.SentAt.After(cutoff)
	})
}

// nextWake returns how long until a pending item becomes due or a
// confirmed item leaves the retention window.
func (q *Queue) nextWake() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time

	consider := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}

	for _, m := range q.items {
		switch {
		case m.Status == models.StatusPending && !m.NextAttempt.IsZero():
			consider(m.NextAttempt)
		case m.Status.Confirmed():
			consider(m.SentAt.Add(q.cfg.Retention))
		}
	}

	if next.IsZero() {
		return 0, false
	}

	return max(time.Until(next), 0), true
}

// UpdateStatus applies a status reported by the server, such as a late
// delivery acknowledgement. A confirmed item never moves back to a lower
// status. It reports whether the item was found.
func (q *Queue) UpdateStatus(id string, status models.MessageStatus) bool {
	q.mu.Lock()
	m := q.findLocked(id)
	if m == nil {
		q.mu.Unlock()
		return false
	}

	next := m.Status.Advance(status)
	if next == m.Status {
		q.mu.Unlock()
		return true
	}

	m.Status = next
	if next.Confirmed() && m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}

	q.persistOrLog()
	snap := *m
	q.mu.Unlock()

	q.notify(snap)
	q.Kick()

	return true
}

// RetryFailed resets every failed item to pending with a fresh retry
// budget. It returns the number of items reset.
func (q *Queue) RetryFailed() int {
	q.mu.Lock()

	var reset []models.PendingMessage
	for _, m := range q.items {
		if m.Status != models.StatusFailed {
			continue
		}

		m.Status = models.StatusPending
		m.RetryCount = 0
		m.LastError = ""
		m.NextAttempt = time.Time{}
		reset = append(reset, *m)
	}

	if len(reset) > 0 {
		q.persistOrLog()
	}
	q.mu.Unlock()

	for _, m := range reset {
		q.notify(m)
	}

	if len(reset) > 0 {
		q.logger.Info("retrying failed messages", slog.Int("count", len(reset)))
		q.Kick()
	}

	return len(reset)
}

// Clear drops every item and the persisted slot.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil

	return q.persistLocked()
}

// Stats counts items by status.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Total: len(q.items)}

	for _, m := range q.items {
		switch {
		case m.Status == models.StatusPending:
			s.Pending++
		case m.Status == models.StatusSending:
			s.Sending++
		case m.Status.Confirmed():
			s.Sent++
		case m.Status == models.StatusFailed:
			s.Failed++
		}
	}

	return s
}

// Failed returns copies of the failed items.
func (q *Queue) Failed() []models.PendingMessage {
	return q.filter(func(m *models.PendingMessage) bool {
		return m.Status == models.StatusFailed
	})
}

// Items returns copies of every item in queue order.
func (q *Queue) Items() []models.PendingMessage {
	return q.filter(func(*models.PendingMessage) bool { return true })
}

func (q *Queue) filter(keep func(*models.PendingMessage) bool) []models.PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []models.PendingMessage
	for _, m := range q.items {
		if keep(m) {
			out = append(out, *m)
		}
	}

	return out
}

func (q *Queue) findLocked(id string) *models.PendingMessage {
	for _, m := range q.items {
		if m.ID == id {
			return m
		}
	}

	return nil
}

// persistLocked writes the undelivered subset. An item caught mid-send
// is stored as pending so a crash results in a resend.
func (q *Queue) persistLocked() error {
	var out []models.PendingMessage

	for _, m := range q.items {
		switch m.Status {
		case models.StatusPending, models.StatusFailed:
			out = append(out, *m)
		case models.StatusSending:
			c := *m
			c.Status = models.StatusPending
			out = append(out, c)
		}
	}

	if err := q.storage.SaveQueue(q.slot, out); err != nil {
		return fmt.Errorf("%w: %w", chaterrors.ErrQueuePersist, err)
	}

	return nil
}

func (q *Queue) persistOrLog() {
	if err := q.persistLocked(); err != nil {
		q.logger.Warn("persisting queue", slog.String("error", err.Error()))
	}
}

func (q *Queue) notify(m models.PendingMessage) {
	q.hookMu.RLock()
	h := q.hook
	q.hookMu.RUnlock()

	if h != nil {
		h(m)
	}
}
