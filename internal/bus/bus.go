package bus

import (
	"log/slog"
	"sync"
)

// MessageBus is the in-process event bus connecting the agent runtime,
// the gateway and the channel adapters. Broadcast never blocks on a slow
// subscriber: handlers run on their own goroutine per event.
type MessageBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
	outbound chan OutboundMessage
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		handlers: make(map[string]EventHandler),
		outbound: make(chan OutboundMessage, 256),
	}
}

func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	subs := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		subs = append(subs, h)
	}
	b.mu.RUnlock()

	for _, h := range subs {
		go h(event)
	}
}

// PublishOutbound queues a message for channel delivery. Drops with a log
// when the queue is full so a stuck channel cannot back-pressure the core.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("outbound queue full, dropping message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// Outbound returns the channel delivery queue consumed by channel adapters.
func (b *MessageBus) Outbound() <-chan OutboundMessage {
	return b.outbound
}
