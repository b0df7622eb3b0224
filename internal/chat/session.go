// Package chat runs live WebSocket chat sessions.
//
// A Session moves through Connecting -> Open -> Closed. The handshake checks
// the room named in the connection address; an unknown room gets a single
// {"error": "..."} frame and the connection is closed without ever joining a
// broadcast group. Once Open, each inbound frame is validated, persisted
// through the Store and only then broadcast to the room, the sender
// included. Per-message failures are reported to the sending client alone.
//
// Each session owns two goroutines: the read loop (the caller of Hub.Serve)
// and a write loop, which is the only writer on the connection after the
// handshake.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-market-chat/internal/broadcast"
	"github.com/tbourn/go-market-chat/internal/services"
)

// State is a session's lifecycle stage.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client-visible error texts.
const (
	msgRoomNotFound    = "Chatroom does not exist"
	msgNotParticipant  = "you are not a participant of this chatroom"
	msgInvalidJSON     = "invalid JSON payload"
	msgRoomMismatch    = "room_id does not match this connection"
	msgRateLimited     = "rate limit exceeded"
	msgNotSaved        = "message could not be saved"
	msgNotDelivered    = "message saved but could not be delivered"
	msgInternal        = "internal error"
	msgShuttingDown    = "server is shutting down"
	closeReasonTimeout = "keepalive timeout"
)

// Close codes sent after a rejected handshake.
const (
	CloseRoomNotFound   = 4404
	CloseNotParticipant = 4403
)

// ErrSendBufferFull is returned by Deliver when the client is not draining
// its queue; the frame is dropped and the session stays open.
var ErrSendBufferFull = errors.New("chat: send buffer full")

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session is one live client connection scoped to one room. It implements
// broadcast.Handle.
type Session struct {
	id     string
	roomID string
	userID string

	conn Conn
	hub  *Hub
	opts Options
	log  zerolog.Logger

	state   atomic.Int32
	send    chan Event
	done    chan struct{}
	written chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	limiter *rate.Limiter
}

func newSession(h *Hub, conn Conn, id, roomID, userID string, lg zerolog.Logger) *Session {
	s := &Session{
		id:      id,
		roomID:  roomID,
		userID:  userID,
		conn:    conn,
		hub:     h,
		opts:    h.opts,
		log:     lg,
		send:    make(chan Event, h.opts.SendBuffer),
		done:    make(chan struct{}),
		written: make(chan struct{}),
	}
	limit := rate.Limit(h.opts.MsgRPS)
	if h.opts.MsgRPS <= 0 {
		limit = rate.Inf
	}
	s.limiter = rate.NewLimiter(limit, h.opts.MsgBurst)
	return s
}

// ID implements broadcast.Handle.
func (s *Session) ID() string { return s.id }

// RoomID returns the room the session is bound to.
func (s *Session) RoomID() string { return s.roomID }

// State returns the current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

// Deliver implements broadcast.Handle. It never blocks.
func (s *Session) Deliver(m broadcast.Message) error {
	if s.State() == StateClosed {
		return broadcast.ErrHandleClosed
	}
	if err := s.enqueue(fromBroadcast(m)); err != nil {
		return err
	}
	return nil
}

// Close asks the write loop to send a close frame with code and reason and
// tear the connection down. Safe to call more than once.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode, s.closeReason = code, reason
		if State(s.state.Swap(int32(StateClosed))) == StateOpen {
			sessionsActive.Dec()
		}
		close(s.done)
	})
}

func (s *Session) enqueue(ev Event) error {
	select {
	case <-s.done:
		return broadcast.ErrHandleClosed
	default:
	}
	select {
	case s.send <- ev:
		return nil
	case <-s.done:
		return broadcast.ErrHandleClosed
	default:
		pushFailures.WithLabelValues("buffer_full").Inc()
		return ErrSendBufferFull
	}
}

// notify reports an error to this client only.
func (s *Session) notify(text string) {
	if err := s.enqueue(ErrorNotice{Message: text}); err != nil {
		s.log.Debug().Err(err).Str("notice", text).Msg("error notice dropped")
	}
}

// reject writes a single error frame and closes; used before the write loop
// exists, so writing directly is safe.
func (s *Session) reject(text string, code int) {
	if data, err := encode(ErrorNotice{Message: text}); err == nil {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		_ = s.conn.WriteMessage(websocket.TextMessage, data)
	}
	deadline := time.Now().Add(s.opts.WriteTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	s.state.Store(int32(StateClosed))
	_ = s.conn.Close()
}

// readLoop handles inbound frames in order until the transport fails or the
// session is closed.
func (s *Session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(s.opts.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				s.log.Warn().Err(err).Msg("connection closed unexpectedly")
			case isTimeout(err):
				s.log.Info().Msg(closeReasonTimeout)
			default:
				s.log.Debug().Err(err).Msg("read loop finished")
			}
			return
		}
		if s.State() != StateOpen {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		s.handleInbound(ctx, data)
	}
}

// handleInbound validates one frame, persists it and broadcasts it. Errors
// go back to this client only and never change the session state.
func (s *Session) handleInbound(ctx context.Context, data []byte) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		inbound.WithLabelValues("invalid").Inc()
		s.notify(msgInvalidJSON)
		return
	}
	if in.RoomID != "" && in.RoomID != s.roomID {
		inbound.WithLabelValues("invalid").Inc()
		s.notify(msgRoomMismatch)
		return
	}
	if !s.limiter.Allow() {
		inbound.WithLabelValues("rate_limited").Inc()
		s.notify(msgRateLimited)
		return
	}

	// A write accepted before the client hangs up still completes.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
	defer cancel()

	msg, err := s.hub.store.Append(pctx, s.roomID, in.Sender, in.Message)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrValidation):
			inbound.WithLabelValues("invalid").Inc()
			s.notify(err.Error())
		case errors.Is(err, services.ErrPersistence):
			inbound.WithLabelValues("persist_error").Inc()
			s.log.Error().Err(err).Msg("persist message")
			s.notify(msgNotSaved)
		default:
			inbound.WithLabelValues("persist_error").Inc()
			s.log.Error().Err(err).Msg("persist message")
			s.notify(msgInternal)
		}
		return
	}

	out := broadcast.Message{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		Sender:    msg.Sender,
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt,
	}
	if err := s.hub.registry.Broadcast(pctx, s.roomID, out); err != nil {
		inbound.WithLabelValues("broadcast_error").Inc()
		s.log.Error().Err(err).Str("message_id", msg.ID).Msg("broadcast message")
		s.notify(msgNotDelivered)
		return
	}
	inbound.WithLabelValues("ok").Inc()
}

// writeLoop is the only writer after the handshake. It drains the send
// queue, pings on schedule and writes the close frame on shutdown.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.written)
	}()

	for {
		select {
		case ev := <-s.send:
			data, err := encode(ev)
			if err != nil {
				s.log.Error().Err(err).Msg("encode event")
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				pushFailures.WithLabelValues("write").Inc()
				s.log.Warn().Err(err).Msg("push to client failed")
				s.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.Debug().Err(err).Msg("ping failed")
				s.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-s.done:
			if s.closeCode != websocket.CloseAbnormalClosure {
				deadline := time.Now().Add(s.opts.WriteTimeout)
				_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(s.closeCode, s.closeReason), deadline)
			}
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
