package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type envelope struct {
	Origin  string          `json:"origin"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBridge relays events between service instances over a Redis channel.
// Events published by this instance are not delivered twice.
type RedisBridge struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
	outbox  chan envelope
	logger  *slog.Logger
}

// NewRedisBridge creates a bridge and installs it on hub.
func NewRedisBridge(client *redis.Client, channel string, hub *Hub, logger *slog.Logger) *RedisBridge {
	b := &RedisBridge{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		hub:     hub,
		outbox:  make(chan envelope, 256),
		logger:  logger,
	}
	hub.SetBridge(b)
	return b
}

// Forward queues payload for the other instances.
func (b *RedisBridge) Forward(topic string, payload []byte) {
	select {
	case b.outbox <- envelope{Origin: b.origin, Topic: topic, Payload: payload}:
	default:
		b.logger.Warn("redis bridge outbox full, dropping event", "topic", topic)
	}
}

// Run publishes queued events and delivers remote ones until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-b.outbox:
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := b.client.Publish(pctx, b.channel, data).Err(); err != nil {
				b.logger.Warn("redis publish failed", "topic", env.Topic, "error", err)
			}
			cancel()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.receive(msg.Payload)
		}
	}
}

func (b *RedisBridge) receive(raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.logger.Warn("redis bridge message malformed", "error", err)
		return
	}
	if env.Origin == b.origin {
		return
	}
	b.hub.Deliver(env.Topic, env.Payload)
}
