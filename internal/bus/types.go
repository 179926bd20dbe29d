// Package bus carries inbound chat messages and outbound replies between
// chat adapters and the session executor, and broadcasts server-side events
// to the supervisor dashboard. Modeled on the teacher's message bus, with
// the session-key-building responsibility moved to sessionmgr.
package bus

import (
	"context"
	"sync"

	"github.com/loopwire/conductor/pkg/protocol"
)

// InboundMessage is one chat message arriving from any adapter.
type InboundMessage struct {
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	ThreadTS string            `json:"thread_ts"` // chat-thread anchor timestamp
	Content  string            `json:"content"`
	Media    []string          `json:"media,omitempty"`
	PeerKind string            `json:"peer_kind"` // "direct" or "group"
	UserID   string            `json:"user_id"`
	Username string            `json:"username,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply or status update destined for a chat adapter.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	ThreadTS string            `json:"thread_ts,omitempty"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a file to deliver alongside an outbound message.
type MediaAttachment struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
}

// Event is a server-side event broadcast to dashboard WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler receives broadcast events.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription so the supervisor
// dashboard and the agent runner don't need a concrete *Bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Bus is the in-process message/event router. It has no persistence: the
// session executor consumes inbound messages and MemoryStore persists what
// matters.
type Bus struct {
	mu        sync.Mutex
	inbound   chan InboundMessage
	outbound  chan OutboundMessage
	handlers  map[string]EventHandler
	handlerMu sync.RWMutex
}

// New creates a Bus with the given inbound/outbound channel capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 64
	}
	return &Bus{
		inbound:  make(chan InboundMessage, capacity),
		outbound: make(chan OutboundMessage, capacity),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues an inbound chat message. It blocks while the
// inbound buffer is full and never drops a message; callers run this from
// adapter goroutines where blocking is acceptable.
func (b *Bus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound blocks for the next inbound message or ctx cancellation.
func (b *Bus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case m := <-b.inbound:
		return m, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues an outbound reply for delivery by the owning
// chat adapter.
func (b *Bus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// SubscribeOutbound blocks for the next outbound message or ctx cancellation.
func (b *Bus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case m := <-b.outbound:
		return m, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers an event handler under id (e.g. a dashboard connection
// ID). Subscribing with an existing id replaces the previous handler.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(id string) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	delete(b.handlers, id)
}

// Broadcast fans an event out to every subscribed handler.
func (b *Bus) Broadcast(event Event) {
	b.handlerMu.RLock()
	defer b.handlerMu.RUnlock()
	for _, h := range b.handlers {
		h(event)
	}
}

// BroadcastShutdown is a convenience for the supervisor's clean-exit path.
func (b *Bus) BroadcastShutdown() {
	b.Broadcast(Event{Name: protocol.EventShutdown})
}

var _ EventPublisher = (*Bus)(nil)
