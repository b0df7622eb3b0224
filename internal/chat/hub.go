package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-market-chat/internal/broadcast"
	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/services"
)

// Directory resolves the room a session asks for. GetForUser returns
// services.ErrRoomNotFound or services.ErrForbidden when the room is missing
// or userID is neither its seller nor its buyer.
type Directory interface {
	Exists(ctx context.Context, roomID string) (bool, error)
	GetForUser(ctx context.Context, roomID, userID string) (*domain.Room, error)
}

// Store persists one validated message.
type Store interface {
	Append(ctx context.Context, roomID, sender, body string) (*domain.Message, error)
}

// Options tunes every session a Hub serves.
type Options struct {
	SendBuffer      int
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	MsgRPS          float64
	MsgBurst        int
	PersistTimeout  time.Duration
}

// DefaultOptions mirrors the service's configuration defaults.
func DefaultOptions() Options {
	return Options{
		SendBuffer:      64,
		PingInterval:    30 * time.Second,
		PongWait:        60 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 64 << 10,
		MsgRPS:          5,
		MsgBurst:        10,
		PersistTimeout:  5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = d.MaxMessageBytes
	}
	if o.MsgBurst <= 0 {
		o.MsgBurst = d.MsgBurst
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = d.PersistTimeout
	}
	return o
}

// Hub wires sessions to the room directory, the message store and the
// broadcast registry, and tracks open sessions for shutdown.
type Hub struct {
	dir      Directory
	store    Store
	registry broadcast.Registry
	opts     Options

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// NewHub returns a Hub. Zero option fields take DefaultOptions values.
func NewHub(dir Directory, store Store, reg broadcast.Registry, opts Options) *Hub {
	return &Hub{
		dir:      dir,
		store:    store,
		registry: reg,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// Serve runs one session on an upgraded connection until it closes. It
// performs the room-scoped handshake, joins the room's broadcast group,
// handles inbound frames and always leaves the group on the way out.
func (h *Hub) Serve(ctx context.Context, conn Conn, roomID, userID string) {
	id := uuid.NewString()
	lg := zerolog.Ctx(ctx).With().
		Str("component", "chat").
		Str("session_id", id).
		Str("room_id", roomID).
		Str("user_id", userID).
		Logger()
	s := newSession(h, conn, id, roomID, userID, lg)

	// Connecting
	if !h.admit(ctx, s, userID, lg) {
		return
	}

	if !h.track(s) {
		handshakes.WithLabelValues("shutting_down").Inc()
		s.reject(msgShuttingDown, websocket.CloseGoingAway)
		return
	}
	defer h.untrack(s)

	if err := h.registry.Join(ctx, roomID, s); err != nil {
		handshakes.WithLabelValues("error").Inc()
		lg.Error().Err(err).Msg("handshake: join failed")
		s.reject(msgInternal, websocket.CloseInternalServerErr)
		return
	}

	// Open, unless Shutdown closed the session while it was joining.
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		h.leave(s, lg)
		s.reject(msgShuttingDown, websocket.CloseGoingAway)
		return
	}
	sessionsActive.Inc()
	handshakes.WithLabelValues("open").Inc()
	lg.Info().Msg("session open")

	go s.writeLoop()
	s.readLoop(ctx)

	// Closed
	s.Close(websocket.CloseNormalClosure, "")
	h.leave(s, lg)
	<-s.written
	lg.Info().Msg("session closed")
}

// admit checks that the room exists and, when the caller is known, that
// the caller takes part in it. A refused session is rejected and closed.
func (h *Hub) admit(ctx context.Context, s *Session, userID string, lg zerolog.Logger) bool {
	var err error
	if userID == "" {
		var ok bool
		if ok, err = h.dir.Exists(ctx, s.roomID); err == nil && !ok {
			err = services.ErrRoomNotFound
		}
	} else {
		_, err = h.dir.GetForUser(ctx, s.roomID, userID)
	}

	switch {
	case err == nil:
		return true
	case errors.Is(err, services.ErrRoomNotFound):
		handshakes.WithLabelValues("room_not_found").Inc()
		lg.Info().Msg("handshake rejected: room not found")
		s.reject(msgRoomNotFound, CloseRoomNotFound)
	case errors.Is(err, services.ErrForbidden):
		handshakes.WithLabelValues("forbidden").Inc()
		lg.Warn().Msg("handshake rejected: not a participant")
		s.reject(msgNotParticipant, CloseNotParticipant)
	default:
		handshakes.WithLabelValues("error").Inc()
		lg.Error().Err(err).Msg("handshake: room lookup failed")
		s.reject(msgInternal, websocket.CloseInternalServerErr)
	}
	return false
}

// leave deregisters s. Failures are logged and never block teardown.
func (h *Hub) leave(s *Session, lg zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			lg.Error().Interface("panic", r).Msg("leave panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
	defer cancel()
	if err := h.registry.Leave(ctx, s.roomID, s); err != nil {
		lg.Warn().Err(err).Msg("leave failed")
	}
}

func (h *Hub) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.sessions[s.id] = s
	h.wg.Add(1)
	return true
}

func (h *Hub) untrack(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	h.wg.Done()
}

// Active returns the number of tracked sessions.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown refuses new sessions, closes open ones with 1001 and waits for
// them to finish or for ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.Close(websocket.CloseGoingAway, msgShuttingDown)
	}

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
