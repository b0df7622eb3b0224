package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Redis fans out through Redis pub/sub channels "<prefix>:<room>". One
// pattern subscription per instance feeds the local members.
type Redis struct {
	local  *Local
	rdb    redis.UniversalClient
	ps     *redis.PubSub
	prefix string
	log    zerolog.Logger

	done chan struct{}
	once sync.Once
}

// NewRedis pattern-subscribes to "<prefix>:*" and waits for the server to
// confirm before returning. The client stays owned by the caller.
func NewRedis(ctx context.Context, rdb redis.UniversalClient, prefix string) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("broadcast: nil redis client")
	}
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		return nil, errors.New("broadcast: empty channel prefix")
	}
	ps := rdb.PSubscribe(ctx, prefix+":*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("broadcast: psubscribe: %w", err)
	}
	r := &Redis{
		local:  NewLocal(),
		rdb:    rdb,
		ps:     ps,
		prefix: prefix,
		log:    log.With().Str("component", "broadcast").Str("backend", "redis").Logger(),
		done:   make(chan struct{}),
	}
	go r.run(ps.Channel())
	return r, nil
}

// Join implements Registry.
func (r *Redis) Join(ctx context.Context, room string, h Handle) error {
	return r.local.Join(ctx, room, h)
}

// Leave implements Registry.
func (r *Redis) Leave(ctx context.Context, room string, h Handle) error {
	return r.local.Leave(ctx, room, h)
}

// Broadcast publishes msg on the room channel.
func (r *Redis) Broadcast(ctx context.Context, room string, msg Message) error {
	if room == "" {
		return errors.New("broadcast: empty room")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel(room), data).Err(); err != nil {
		backboneErrors.WithLabelValues("redis", "publish").Inc()
		return fmt.Errorf("broadcast: publish: %w", err)
	}
	return nil
}

// Members implements Registry.
func (r *Redis) Members(room string) int { return r.local.Members(room) }

// Close stops the subscription loop and drops local membership.
func (r *Redis) Close() error {
	var err error
	r.once.Do(func() {
		err = r.ps.Close()
		<-r.done
		_ = r.local.Close()
	})
	return err
}

func (r *Redis) channel(room string) string { return r.prefix + ":" + room }

func (r *Redis) run(ch <-chan *redis.Message) {
	defer close(r.done)
	for m := range ch {
		r.handle(m.Channel, m.Payload)
	}
}

func (r *Redis) handle(channel, payload string) {
	room, ok := strings.CutPrefix(channel, r.prefix+":")
	if !ok || room == "" {
		return
	}
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		backboneErrors.WithLabelValues("redis", "decode").Inc()
		r.log.Warn().Err(err).Str("channel", channel).Msg("dropping undecodable message")
		return
	}
	r.local.deliver(room, msg)
}
