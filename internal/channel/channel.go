package channel

import (
	"context"

	"github.com/alsk1992/flipgate/internal/bus"
)

// Channel is a messaging transport: it feeds inbound messages onto the bus
// and delivers outbound messages back to the service.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel carries the name, bus handle and sender allow-list shared by
// all channel implementations.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	var allow map[string]struct{}
	if len(allowFrom) > 0 {
		allow = make(map[string]struct{}, len(allowFrom))
		for _, id := range allowFrom {
			allow[id] = struct{}{}
		}
	}
	return BaseChannel{name: name, bus: b, allowFrom: allow}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether a sender passes the allow-list. An empty list
// allows everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	_, ok := c.allowFrom[senderID]
	return ok
}
