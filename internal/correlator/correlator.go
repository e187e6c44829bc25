// Package correlator turns the transport's frame stream into awaitable
// request/response pairs keyed by request id.
package correlator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/protocol"
	"github.com/alexjbarnes/chatsync/internal/transport"
	"github.com/google/uuid"
)

// DefaultTimeout applies to Request calls that do not set their own.
const DefaultTimeout = 10 * time.Second

// Sender writes an encoded frame. *transport.Transport satisfies it.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// ServerError is returned when the server answers a request with an
// error frame.
type ServerError struct {
	Request string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s rejected by server: %s", e.Request, e.Message)
}

type result struct {
	frame protocol.Frame
	err   error
}

type waiter struct {
	expect protocol.Kind
	ch     chan result
}

// Correlator matches inbound frames to outstanding requests. Frames that
// do not answer an outstanding request pass through to the next handler.
type Correlator struct {
	sender  Sender
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*waiter
}

// New creates a Correlator. A zero timeout means DefaultTimeout.
func New(sender Sender, timeout time.Duration, logger *slog.Logger) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Correlator{
		sender:  sender,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]*waiter),
	}
}

// Notify sends a request without waiting for a response. It returns the
// request id attached to the frame.
func (c *Correlator) Notify(ctx context.Context, typ string, data any) (string, error) {
	id := uuid.NewString()

	if err := c.send(ctx, protocol.Request{Type: typ, RequestID: id, Data: data}); err != nil {
		return "", err
	}

	return id, nil
}

// Request sends a request and waits for a frame of kind expect carrying
// the same request id, or an error frame for it. A timeout of zero uses
// the correlator default.
func (c *Correlator) Request(ctx context.Context, typ string, data any, expect protocol.Kind, timeout time.Duration) (protocol.Frame, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	id := uuid.NewString()
	w := &waiter{expect: expect, ch: make(chan result, 1)}

	c.mu.Lock()
	c.pending[id] = w
	c.mu.Unlock()

	if err := c.send(ctx, protocol.Request{Type: typ, RequestID: id, Data: data}); err != nil {
		c.retire(id)
		return protocol.Frame{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.frame, res.err
	case <-timer.C:
		if res, ok := c.settle(id, w); ok {
			return res.frame, res.err
		}

		c.logger.Warn("request timed out",
			slog.String("type", typ),
			slog.String("request_id", id),
			slog.Duration("timeout", timeout),
		)

		return protocol.Frame{}, fmt.Errorf("%w: %s after %s", chaterrors.ErrRequestTimeout, typ, timeout)
	case <-ctx.Done():
		if res, ok := c.settle(id, w); ok {
			return res.frame, res.err
		}

		return protocol.Frame{}, ctx.Err()
	}
}

// Dispatch resolves the request a frame answers. It reports whether the
// frame was consumed.
func (c *Correlator) Dispatch(f protocol.Frame) bool {
	if f.RequestID == "" {
		return false
	}

	c.mu.Lock()
	w, ok := c.pending[f.RequestID]
	if !ok || (f.Kind != w.expect && f.Kind != protocol.KindError) {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, f.RequestID)
	c.mu.Unlock()

	res := result{frame: f}
	if f.Kind == protocol.KindError {
		res.err = &ServerError{Request: w.expect.String(), Message: f.ErrorMessage()}
	}

	w.ch <- res

	return true
}

// Wrap returns a transport handler that resolves outstanding requests
// and forwards every other event to next.
func (c *Correlator) Wrap(next transport.Handler) transport.Handler {
	return func(ev transport.Event) {
		if ev.Kind == transport.EventFrame && c.Dispatch(ev.Frame) {
			return
		}

		if next != nil {
			next(ev)
		}
	}
}

// outstanding returns the number of requests awaiting a response.
func (c *Correlator) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

func (c *Correlator) send(ctx context.Context, req protocol.Request) error {
	data, err := req.Encode()
	if err != nil {
		return err
	}

	if err := c.sender.Send(ctx, data); err != nil {
		return fmt.Errorf("sending %s: %w", req.Type, err)
	}

	return nil
}

func (c *Correlator) retire(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// settle removes the waiter after a timeout or cancellation. If Dispatch
// got there first the delivered result is returned instead.
func (c *Correlator) settle(id string, w *waiter) (result, bool) {
	c.mu.Lock()
	_, waiting := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if waiting {
		return result{}, false
	}

	return <-w.ch, true
}
