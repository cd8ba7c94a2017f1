package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/marcogenualdo/oidc-rp/internal/metrics"
)

type relayMessage struct {
	Origin string `json:"origin"`
	Key    string `json:"key"`
}

// RedisRelay extends a Hub across instances: local publishes are delivered
// immediately and forwarded on a redis channel, and events from other
// instances are delivered to the local hub.
type RedisRelay struct {
	hub     *Hub
	client  *redis.Client
	channel string
	origin  string
	metrics *metrics.Collectors
	logger  *slog.Logger
}

func NewRedisRelay(hub *Hub, client *redis.Client, channel string, m *metrics.Collectors, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		hub:     hub,
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		metrics: m,
		logger:  logger,
	}
}

func (r *RedisRelay) Subscribe(key string) *Subscription {
	return r.hub.Subscribe(key)
}

func (r *RedisRelay) Publish(ctx context.Context, key string) error {
	r.hub.Deliver(key)
	r.metrics.LogoutBroadcast("local")

	payload, err := json.Marshal(relayMessage{Origin: r.origin, Key: key})
	if err != nil {
		return fmt.Errorf("failed to encode logout event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish logout event: %w", err)
	}
	return nil
}

// Run relays remote events into the hub until ctx is cancelled. It returns
// once the subscription is confirmed via the ready channel, if non-nil.
func (r *RedisRelay) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	r.logger.Info("Logout relay subscribed", "channel", r.channel)

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		r.logger.Warn("Discarding malformed logout event", "error", err)
		return
	}
	if msg.Origin == r.origin || msg.Key == "" {
		return
	}

	delivered := r.hub.Deliver(msg.Key)
	r.metrics.LogoutBroadcast("relay")
	r.logger.Debug("Relayed logout event", "subscribers", delivered)
}
