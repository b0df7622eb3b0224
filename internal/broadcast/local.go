package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Local is the in-process Registry. Rooms map to handle sets keyed by
// handle ID; a room entry is removed when its last member leaves.
type Local struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Handle
	log   zerolog.Logger
}

// NewLocal returns an empty in-process registry logging through the global
// zerolog logger.
func NewLocal() *Local {
	return &Local{
		rooms: make(map[string]map[string]Handle),
		log:   log.With().Str("component", "broadcast").Logger(),
	}
}

// Join implements Registry.
func (l *Local) Join(_ context.Context, room string, h Handle) error {
	if room == "" || h == nil {
		return errors.New("broadcast: join needs a room and a handle")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	members, ok := l.rooms[room]
	if !ok {
		members = make(map[string]Handle)
		l.rooms[room] = members
	}
	if _, dup := members[h.ID()]; !dup {
		groupMembers.Inc()
	}
	members[h.ID()] = h
	return nil
}

// Leave implements Registry.
func (l *Local) Leave(_ context.Context, room string, h Handle) error {
	if h == nil {
		return nil
	}
	l.remove(room, h.ID())
	return nil
}

// Broadcast implements Registry by delivering in process.
func (l *Local) Broadcast(_ context.Context, room string, msg Message) error {
	l.deliver(room, msg)
	return nil
}

// Members implements Registry.
func (l *Local) Members(room string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rooms[room])
}

// Rooms returns how many rooms have at least one member.
func (l *Local) Rooms() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rooms)
}

// Close drops all membership.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for room, members := range l.rooms {
		groupMembers.Sub(float64(len(members)))
		delete(l.rooms, room)
	}
	return nil
}

// deliver snapshots the room under the read lock, then delivers without
// holding it so a slow handle cannot stall Join/Leave. Closed handles are
// evicted; other failures are logged and counted only. It returns the
// number of successful deliveries.
func (l *Local) deliver(room string, msg Message) int {
	l.mu.RLock()
	members := l.rooms[room]
	snapshot := make([]Handle, 0, len(members))
	for _, h := range members {
		snapshot = append(snapshot, h)
	}
	l.mu.RUnlock()

	ok := 0
	for _, h := range snapshot {
		err := h.Deliver(msg)
		switch {
		case err == nil:
			ok++
			deliveries.WithLabelValues("ok").Inc()
		case errors.Is(err, ErrHandleClosed):
			deliveries.WithLabelValues("closed").Inc()
			l.remove(room, h.ID())
			l.log.Debug().Str("room_id", room).Str("handle_id", h.ID()).Msg("evicted closed handle")
		default:
			deliveries.WithLabelValues("error").Inc()
			l.log.Warn().Err(err).Str("room_id", room).Str("handle_id", h.ID()).Msg("delivery failed")
		}
	}
	return ok
}

func (l *Local) remove(room, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	members, ok := l.rooms[room]
	if !ok {
		return
	}
	if _, present := members[id]; !present {
		return
	}
	delete(members, id)
	groupMembers.Dec()
	if len(members) == 0 {
		delete(l.rooms, room)
	}
}
