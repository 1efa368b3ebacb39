package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pulsechat/pulsechat-server/internal/wire"
)

func TestPublish_Success(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	pub := NewPublisher(rdb, zerolog.Nop())

	// Subscribe before publishing so we can verify the message.
	sub := rdb.Subscribe(context.Background(), eventsChannel)
	defer func() { _ = sub.Close() }()

	// Wait for subscription to be active.
	_, err := sub.Receive(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	data := map[string]string{"id": "msg-1", "content": "hello"}
	room := wire.ConversationRoom("conv-1")
	if err := pub.Publish(context.Background(), room, wire.DispatchMessageNew, data); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	msg, err := sub.ReceiveMessage(context.Background())
	if err != nil {
		t.Fatalf("receive message: %v", err)
	}

	if msg.Channel != eventsChannel {
		t.Errorf("channel = %q, want %q", msg.Channel, eventsChannel)
	}

	var env wire.Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if env.Type != wire.DispatchMessageNew {
		t.Errorf("type = %q, want %q", env.Type, wire.DispatchMessageNew)
	}
	if env.Room != room {
		t.Errorf("room = %q, want %q", env.Room, room)
	}
}

func TestPublish_EventType(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	pub := NewPublisher(rdb, zerolog.Nop())

	sub := rdb.Subscribe(context.Background(), eventsChannel)
	defer func() { _ = sub.Close() }()
	_, err := sub.Receive(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := pub.Publish(context.Background(), wire.UserRoom("user-1"), wire.DispatchMessageDeleted, map[string]string{"id": "msg-2"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	msg, err := sub.ReceiveMessage(context.Background())
	if err != nil {
		t.Fatalf("receive message: %v", err)
	}

	var env wire.Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if env.Type != wire.DispatchMessageDeleted {
		t.Errorf("type = %q, want %q", env.Type, wire.DispatchMessageDeleted)
	}
}
