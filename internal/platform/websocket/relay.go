package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRelayChannel is the Redis pub/sub channel shared by all nodes.
const DefaultRelayChannel = "medibook:realtime"

type relayEnvelope struct {
	Origin string   `json:"origin"`
	Topics []string `json:"topics"`
	Msg    []byte   `json:"msg"`
}

// RedisRelay delivers locally and republishes through Redis so connections
// held by other nodes receive the message too. Delivery stays at-most-once:
// a Redis outage loses the remote copies.
type RedisRelay struct {
	hub     *Hub
	client  *redis.Client
	channel string
	nodeID  string
	logger  zerolog.Logger
}

func NewRedisRelay(hub *Hub, client *redis.Client, channel string, logger zerolog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		hub:     hub,
		client:  client,
		channel: channel,
		nodeID:  uuid.NewString(),
		logger:  logger.With().Str("component", "realtime-relay").Logger(),
	}
}

func (r *RedisRelay) Broadcast(ctx context.Context, topics []string, msg []byte) error {
	r.hub.Publish(topics, msg)

	b, err := json.Marshal(relayEnvelope{Origin: r.nodeID, Topics: topics, Msg: msg})
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Run delivers messages published by other nodes until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.logger.Info().Str("channel", r.channel).Str("node_id", r.nodeID).Msg("realtime relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(m.Payload)
		}
	}
}

func (r *RedisRelay) deliver(payload string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed relay message")
		return
	}
	if env.Origin == r.nodeID {
		return
	}
	r.hub.Publish(env.Topics, env.Msg)
}
