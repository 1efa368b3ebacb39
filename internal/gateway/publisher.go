package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pulsechat/pulsechat-server/internal/wire"
)

// eventsChannel is the single Redis channel every gateway instance subscribes to. The envelope's room field lets a
// subscriber re-derive which locally-held connections should receive the event, since one channel now carries
// traffic for every personal and conversation room rather than one implicit guild-wide feed.
const eventsChannel = "pulsechat.gateway.events"

// Publisher serialises dispatch events and publishes them to the Redis/Valkey pub/sub channel shared by every
// gateway instance.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher creates a new gateway event publisher.
func NewPublisher(rdb *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: logger}
}

// Publish serialises the event as a wire.Envelope and publishes it to the gateway events channel. room is the
// target room name (see wire.ConversationRoom / wire.UserRoom); every instance with at least one local connection
// in that room fans the event out to its own clients.
func (p *Publisher) Publish(ctx context.Context, room string, eventType wire.DispatchEvent, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal gateway event data: %w", err)
	}
	payload, err := json.Marshal(wire.Envelope{Type: eventType, Room: room, Data: raw})
	if err != nil {
		return fmt.Errorf("marshal gateway event envelope: %w", err)
	}
	if err := p.rdb.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish gateway event: %w", err)
	}
	return nil
}
