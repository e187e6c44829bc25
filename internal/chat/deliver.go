package chat

import (
	"context"
	"sync"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/protocol"
)

// SentHook observes the request id each queued message was written under.
type SentHook func(queueID, requestID string)

// SocketDeliverer sends queued messages over the persistent connection.
// The server echoes the request id on message_sent, so every successful
// write is reported to the sent hook to let the acknowledgement be
// matched back to the queue item.
type SocketDeliverer struct {
	conn      interface{ IsOpen() bool }
	requester Requester

	mu   sync.RWMutex
	sent SentHook
}

// NewSocketDeliverer returns the queue's primary channel.
func NewSocketDeliverer(conn interface{ IsOpen() bool }, requester Requester) *SocketDeliverer {
	return &SocketDeliverer{conn: conn, requester: requester}
}

// OnSent sets the sent hook.
func (d *SocketDeliverer) OnSent(h SentHook) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sent = h
}

// IsOpen reports whether the connection is usable.
func (d *SocketDeliverer) IsOpen() bool {
	return d.conn.IsOpen()
}

// Deliver writes the message frame. Success means the frame was written,
// not that the server stored it; that is reported by message_sent.
func (d *SocketDeliverer) Deliver(ctx context.Context, m models.PendingMessage) error {
	requestID, err := d.requester.Notify(ctx, protocol.TypeMessage, protocol.SendMessage{
		SessionID:       m.SessionID,
		Content:         m.Content,
		ContentType:     m.ContentType,
		ClientMessageID: m.ID,
	})
	if err != nil {
		return err
	}

	d.mu.RLock()
	h := d.sent
	d.mu.RUnlock()

	if h != nil {
		h(m.ID, requestID)
	}

	return nil
}
