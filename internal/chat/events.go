package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tbourn/go-market-chat/internal/broadcast"
)

// Event is a frame the server pushes to one client. The set is closed:
// ChatMessage and ErrorNotice are the only implementations.
type Event interface {
	isEvent()
}

// ChatMessage is a persisted message fanned out to a room.
type ChatMessage struct {
	ID        string
	RoomID    string
	Sender    string
	Body      string
	CreatedAt time.Time
}

// ErrorNotice is reported to the originating client only, never broadcast.
type ErrorNotice struct {
	Message string
}

func (ChatMessage) isEvent() {}
func (ErrorNotice) isEvent() {}

// chatFrame keeps "message" and "sender" as the primary keys clients read;
// the rest lets them reconcile their own echo by id.
type chatFrame struct {
	Message   string    `json:"message"`
	Sender    string    `json:"sender"`
	ID        string    `json:"id,omitempty"`
	Room      string    `json:"room,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// inboundFrame is what a client sends. room_id is optional and must match
// the room the connection was opened on.
type inboundFrame struct {
	Message string `json:"message"`
	Sender  string `json:"sender"`
	RoomID  string `json:"room_id"`
}

// encode renders ev as a JSON text frame.
func encode(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case ChatMessage:
		return json.Marshal(chatFrame{
			Message:   e.Body,
			Sender:    e.Sender,
			ID:        e.ID,
			Room:      e.RoomID,
			CreatedAt: e.CreatedAt,
		})
	case ErrorNotice:
		return json.Marshal(errorFrame{Error: e.Message})
	default:
		return nil, fmt.Errorf("chat: unknown event %T", ev)
	}
}

func fromBroadcast(m broadcast.Message) ChatMessage {
	return ChatMessage{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Sender:    m.Sender,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
	}
}
