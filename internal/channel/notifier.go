package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/stellarlinkco/attune/internal/bus"
	"github.com/stellarlinkco/attune/internal/routing"
)

// Notifier publishes routing notifications onto the outbound bus, one
// message per configured channel. Delivery by the channel happens later
// on the dispatch loop, so Send only fails when the bus is full until ctx
// expires.
type Notifier struct {
	bus      *bus.MessageBus
	channels []string
}

func NewNotifier(b *bus.MessageBus, channels []string) *Notifier {
	return &Notifier{bus: b, channels: append([]string(nil), channels...)}
}

func (n *Notifier) Send(ctx context.Context, recipientID string, note routing.Notification) error {
	if len(n.channels) == 0 {
		return fmt.Errorf("no notification channels configured")
	}

	meta := map[string]any{
		"kind":      note.Kind,
		"messageId": note.MessageID,
	}
	if len(note.Tags) > 0 {
		meta["tags"] = note.Tags
	}
	for k, v := range note.Extras {
		meta[k] = v
	}

	var errs []error
	for _, name := range n.channels {
		err := n.bus.PublishOutbound(ctx, bus.OutboundMessage{
			Channel:  name,
			ChatID:   recipientID,
			Title:    note.Title,
			Content:  note.Body,
			Metadata: meta,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
