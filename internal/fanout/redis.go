package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cwrk-planet/presence-service/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes on one Redis pub/sub channel. go-redis reconnects and
// resubscribes on its own after a store outage.
type RedisBus struct {
	rdb     *redis.Client
	channel string
}

func NewRedisBus(rdb *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = "presence:events"
	}
	return &RedisBus{rdb: rdb, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("fanout.RedisBus.Publish: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("fanout.RedisBus.Publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, b.channel)
	// ждём подтверждения подписки, иначе первые события теряются
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("fanout.RedisBus.Subscribe: %w", err)
	}

	log := logger.FromContext(ctx).With("bus", "redis")
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn("fanout: drop malformed envelope",
					"channel", msg.Channel, "err", err)
				continue
			}
			h(env)
		}
	}()

	return ps, nil
}

// Close is a no-op; the client is owned by the caller.
func (b *RedisBus) Close() error { return nil }
