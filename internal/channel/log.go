package channel

import (
	"context"
	"log"

	"github.com/stellarlinkco/attune/internal/bus"
)

const logChannelName = "log"

// LogChannel writes notifications to the process log. It backs the CLI
// and deployments without a push transport.
type LogChannel struct {
	BaseChannel
}

func NewLogChannel(b *bus.MessageBus) *LogChannel {
	return &LogChannel{BaseChannel: NewBaseChannel(logChannelName, b, nil)}
}

func (l *LogChannel) Start(ctx context.Context) error { return nil }

func (l *LogChannel) Stop() error { return nil }

func (l *LogChannel) Send(msg bus.OutboundMessage) error {
	kind, _ := msg.Metadata["kind"].(string)
	log.Printf("[notify] %s -> %s: %s %q", kind, msg.ChatID, msg.Title, msg.Content)
	return nil
}
