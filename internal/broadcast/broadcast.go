// Package broadcast maintains, per room, the set of live session handles and
// fans persisted chat messages out to them.
//
// Callers depend only on Registry. Local keeps membership in process memory;
// NATS and Redis keep the same local membership but route every Broadcast
// through a shared pub/sub backbone so members connected to other instances
// receive it too.
//
// All implementations are safe for concurrent use. Join is idempotent, Leave
// of an absent handle is a no-op, and a handle that fails to accept a message
// never prevents delivery to the rest of the room.
package broadcast

import (
	"context"
	"errors"
	"time"
)

// ErrHandleClosed is returned by Handle.Deliver once the handle's connection
// is gone. The registry evicts such handles.
var ErrHandleClosed = errors.New("broadcast: handle closed")

// Message is the fan-out payload: one persisted chat message. It is encoded
// as JSON when it crosses a distributed backbone.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room"`
	Sender    string    `json:"sender"`
	Body      string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Handle is one member of a room group, typically a WebSocket session.
// Deliver must not block; it queues or fails.
type Handle interface {
	ID() string
	Deliver(Message) error
}

// Registry is the room group contract shared by every backend.
type Registry interface {
	// Join registers h under room. Re-joining is harmless.
	Join(ctx context.Context, room string, h Handle) error
	// Leave deregisters h from room. Absent handles are ignored.
	Leave(ctx context.Context, room string, h Handle) error
	// Broadcast delivers msg to every handle in room, the sender included.
	Broadcast(ctx context.Context, room string, msg Message) error
	// Members returns how many handles this instance holds for room.
	Members(room string) int
	// Close releases backbone subscriptions. Membership is dropped.
	Close() error
}
