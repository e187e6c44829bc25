package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/protocol"
	"github.com/alexjbarnes/chatsync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (s *fakeSender) Send(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	s.sent = append(s.sent, data)

	return nil
}

func (s *fakeSender) last() gjson.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	return gjson.ParseBytes(s.sent[len(s.sent)-1])
}

func newTestCorrelator(s Sender) *Correlator {
	return New(s, 0, slog.New(slog.DiscardHandler))
}

func frame(t *testing.T, raw string) protocol.Frame {
	t.Helper()

	f, err := protocol.Decode([]byte(raw))
	require.NoError(t, err)

	return f
}

func TestNotify_AttachesRequestID(t *testing.T) {
	s := &fakeSender{}
	c := newTestCorrelator(s)

	id, err := c.Notify(context.Background(), protocol.TypeMarkSessionRead, protocol.SessionRef{SessionID: "s1"})
	require.NoError(t, err)

	got := s.last()
	assert.Equal(t, "mark_session_read", got.Get("type").String())
	assert.Equal(t, id, got.Get("request_id").String())
	assert.Equal(t, "s1", got.Get("data.session_id").String())
	assert.Equal(t, 0, c.outstanding())
}

func TestNotify_SendError(t *testing.T) {
	s := &fakeSender{err: chaterrors.ErrNotConnected}
	c := newTestCorrelator(s)

	_, err := c.Notify(context.Background(), protocol.TypePing, nil)
	assert.ErrorIs(t, err, chaterrors.ErrNotConnected)
}

func TestRequest_ResolvesOnMatchingResponse(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := &fakeSender{}
		c := newTestCorrelator(s)

		var (
			got protocol.Frame
			err error
		)

		done := make(chan struct{})
		go func() {
			defer close(done)
			got, err = c.Request(context.Background(), protocol.TypeGetSessionsCount, nil, protocol.KindSessionsCountResponse, 0)
		}()
		synctest.Wait()

		id := s.last().Get("request_id").String()
		require.NotEmpty(t, id)

		consumed := c.Dispatch(frame(t, fmt.Sprintf(`{"type":"sessions_count_response","request_id":%q,"data":{"count":7}}`, id)))
		assert.True(t, consumed)

		<-done
		require.NoError(t, err)
		assert.Equal(t, int64(7), got.Get("data.count").Int())
		assert.Equal(t, 0, c.outstanding())
	})
}

func TestRequest_ServerErrorFrame(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := &fakeSender{}
		c := newTestCorrelator(s)

		var err error

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err = c.Request(context.Background(), protocol.TypeEndSession, nil, protocol.KindSessionEnded, 0)
		}()
		synctest.Wait()

		id := s.last().Get("request_id").String()
		c.Dispatch(frame(t, fmt.Sprintf(`{"type":"error","request_id":%q,"data":{"message":"not your session"}}`, id)))

		<-done

		var srvErr *ServerError
		require.ErrorAs(t, err, &srvErr)
		assert.Equal(t, "not your session", srvErr.Message)
		assert.Equal(t, "session_ended", srvErr.Request)
	})
}

func TestRequest_TimesOut(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := newTestCorrelator(&fakeSender{})
		start := time.Now()

		_, err := c.Request(context.Background(), protocol.TypeGetSessions, nil, protocol.KindSessionsResponse, 0)

		assert.ErrorIs(t, err, chaterrors.ErrRequestTimeout)
		assert.Equal(t, DefaultTimeout, time.Since(start))
		assert.Equal(t, 0, c.outstanding())
	})
}

func TestRequest_PerCallTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := newTestCorrelator(&fakeSender{})
		start := time.Now()

		_, err := c.Request(context.Background(), protocol.TypeGetSessions, nil, protocol.KindSessionsResponse, 15*time.Second)

		assert.ErrorIs(t, err, chaterrors.ErrRequestTimeout)
		assert.Equal(t, 15*time.Second, time.Since(start))
	})
}

func TestRequest_LateResponseIsNotConsumed(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := &fakeSender{}
		c := newTestCorrelator(s)

		_, err := c.Request(context.Background(), protocol.TypeGetSessions, nil, protocol.KindSessionsResponse, time.Second)
		require.ErrorIs(t, err, chaterrors.ErrRequestTimeout)

		id := s.last().Get("request_id").String()
		assert.False(t, c.Dispatch(frame(t, fmt.Sprintf(`{"type":"sessions_response","request_id":%q,"data":{}}`, id))))
	})
}

func TestRequest_ContextCancelled(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := newTestCorrelator(&fakeSender{})
		ctx, cancel := context.WithCancel(context.Background())

		var err error

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err = c.Request(ctx, protocol.TypeGetSessions, nil, protocol.KindSessionsResponse, 0)
		}()
		synctest.Wait()

		cancel()
		<-done

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, c.outstanding())
	})
}

func TestRequest_SendFailureRetiresWaiter(t *testing.T) {
	c := newTestCorrelator(&fakeSender{err: chaterrors.ErrNotConnected})

	_, err := c.Request(context.Background(), protocol.TypeGetSessions, nil, protocol.KindSessionsResponse, 0)

	assert.ErrorIs(t, err, chaterrors.ErrNotConnected)
	assert.Equal(t, 0, c.outstanding())
}

func TestDispatch_WrongKindOrIDPassesThrough(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := &fakeSender{}
		c := newTestCorrelator(s)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = c.Request(context.Background(), protocol.TypeGetSessions, nil, protocol.KindSessionsResponse, time.Second)
		}()
		synctest.Wait()

		id := s.last().Get("request_id").String()

		assert.False(t, c.Dispatch(frame(t, fmt.Sprintf(`{"type":"new_message","request_id":%q,"data":{}}`, id))))
		assert.False(t, c.Dispatch(frame(t, `{"type":"sessions_response","request_id":"other","data":{}}`)))
		assert.False(t, c.Dispatch(frame(t, `{"type":"sessions_response","data":{}}`)))
		assert.Equal(t, 1, c.outstanding())

		<-done
	})
}

func TestDispatch_ResolvesExactlyOnce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := &fakeSender{}
		c := newTestCorrelator(s)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = c.Request(context.Background(), protocol.TypeGetSessions, nil, protocol.KindSessionsResponse, 0)
		}()
		synctest.Wait()

		id := s.last().Get("request_id").String()
		resp := frame(t, fmt.Sprintf(`{"type":"sessions_response","request_id":%q,"data":{}}`, id))

		assert.True(t, c.Dispatch(resp))
		assert.False(t, c.Dispatch(resp))

		<-done
	})
}

func TestWrap_ForwardsUnmatchedEvents(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := &fakeSender{}
		c := newTestCorrelator(s)

		var forwarded []protocol.Kind
		h := c.Wrap(func(ev transport.Event) {
			if ev.Kind == transport.EventFrame {
				forwarded = append(forwarded, ev.Frame.Kind)
			}
		})

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = c.Request(context.Background(), protocol.TypeGetSessions, nil, protocol.KindSessionsResponse, 0)
		}()
		synctest.Wait()

		id := s.last().Get("request_id").String()

		h(transport.Event{Kind: transport.EventFrame, Frame: frame(t, `{"type":"new_message","data":{}}`)})
		h(transport.Event{Kind: transport.EventFrame, Frame: frame(t, fmt.Sprintf(`{"type":"sessions_response","request_id":%q,"data":{}}`, id))})
		h(transport.Event{Kind: transport.EventFrame, Frame: frame(t, `{"type":"pong"}`)})
		<-done

		assert.Equal(t, []protocol.Kind{protocol.KindNewMessage, protocol.KindPong}, forwarded)
	})
}

func TestWrap_NilNext(t *testing.T) {
	c := newTestCorrelator(&fakeSender{})
	h := c.Wrap(nil)

	assert.NotPanics(t, func() {
		h(transport.Event{Kind: transport.EventOpen})
	})
}

func TestServerError_Message(t *testing.T) {
	err := error(&ServerError{Request: "session_ended", Message: "nope"})
	assert.EqualError(t, err, "session_ended rejected by server: nope")

	var target *ServerError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &target))
}
