package conversation

import (
	"context"

	"github.com/pulsechat/pulsechat-server/internal/wire"
)

// Notifier publishes realtime events for conversation mutations triggered over REST, so gateway-connected clients
// learn about them without polling. Satisfied by *gateway.Publisher; defined here rather than imported from gateway
// since gateway already depends on this package.
type Notifier interface {
	Publish(ctx context.Context, room string, eventType wire.DispatchEvent, data any) error
}
