package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NATS fans out through core NATS subjects "<prefix>.<room>". Each instance
// holds one wildcard subscription and delivers what arrives to its own local
// members, so a Broadcast reaches every instance, the publisher's included.
type NATS struct {
	local  *Local
	nc     *nats.Conn
	sub    *nats.Subscription
	prefix string
	log    zerolog.Logger
}

// NewNATS subscribes to "<prefix>.*" on nc. The connection stays owned by
// the caller; Close only removes the subscription.
func NewNATS(nc *nats.Conn, prefix string) (*NATS, error) {
	if nc == nil {
		return nil, errors.New("broadcast: nil nats connection")
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return nil, errors.New("broadcast: empty subject prefix")
	}
	n := &NATS{
		local:  NewLocal(),
		nc:     nc,
		prefix: prefix,
		log:    log.With().Str("component", "broadcast").Str("backend", "nats").Logger(),
	}
	sub, err := nc.Subscribe(prefix+".*", n.onMsg)
	if err != nil {
		return nil, fmt.Errorf("broadcast: subscribe: %w", err)
	}
	// Make sure the server knows about the interest before anyone publishes.
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("broadcast: flush: %w", err)
	}
	n.sub = sub
	return n, nil
}

// Join implements Registry.
func (n *NATS) Join(ctx context.Context, room string, h Handle) error {
	return n.local.Join(ctx, room, h)
}

// Leave implements Registry.
func (n *NATS) Leave(ctx context.Context, room string, h Handle) error {
	return n.local.Leave(ctx, room, h)
}

// Broadcast publishes msg on the room subject.
func (n *NATS) Broadcast(_ context.Context, room string, msg Message) error {
	if !validToken(room) {
		return fmt.Errorf("broadcast: room %q is not a valid subject token", room)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.subject(room), data); err != nil {
		backboneErrors.WithLabelValues("nats", "publish").Inc()
		return fmt.Errorf("broadcast: publish: %w", err)
	}
	return nil
}

// Members implements Registry.
func (n *NATS) Members(room string) int { return n.local.Members(room) }

// Close unsubscribes and drops local membership.
func (n *NATS) Close() error {
	var err error
	if n.sub != nil {
		err = n.sub.Unsubscribe()
	}
	_ = n.local.Close()
	return err
}

func (n *NATS) subject(room string) string { return n.prefix + "." + room }

func (n *NATS) onMsg(m *nats.Msg) {
	room := strings.TrimPrefix(m.Subject, n.prefix+".")
	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		backboneErrors.WithLabelValues("nats", "decode").Inc()
		n.log.Warn().Err(err).Str("subject", m.Subject).Msg("dropping undecodable message")
		return
	}
	n.local.deliver(room, msg)
}

// validToken rejects room ids that would change the subject's shape.
func validToken(room string) bool {
	return room != "" && !strings.ContainsAny(room, ".*> \t\r\n")
}
