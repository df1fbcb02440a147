package bus

import (
	"context"
	"log"
	"sync"
)

type OutboundHandler func(OutboundMessage)

// MessageBus decouples channels from the gateway. Channels push requests
// onto Inbound; notifications and replies flow through Outbound and are
// dispatched to the handlers subscribed under the message's channel name.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]OutboundHandler
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string][]OutboundHandler),
	}
}

func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case b.Outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MessageBus) SubscribeOutbound(channel string, fn OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
}

// DispatchOutbound delivers outbound messages to subscribers until ctx is
// done. Messages for channels without subscribers are dropped.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.dispatch(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (b *MessageBus) dispatch(msg OutboundMessage) {
	b.mu.RLock()
	handlers := b.subscribers[msg.Channel]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		log.Printf("[bus] no subscriber for channel %q, dropping message to %s", msg.Channel, msg.ChatID)
		return
	}
	for _, fn := range handlers {
		fn(msg)
	}
}

// Drain dispatches whatever is buffered on Outbound without blocking.
func (b *MessageBus) Drain() int {
	n := 0
	for {
		select {
		case msg := <-b.Outbound:
			b.dispatch(msg)
			n++
		default:
			return n
		}
	}
}
