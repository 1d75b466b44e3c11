package convsync

import (
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Domain events
// ============================================================================

// EventKind names a one-shot notification published by the reconcilers.
type EventKind string

const (
	EventConversationCreated   EventKind = "conversation.created"
	EventConversationRenamed   EventKind = "conversation.renamed"
	EventConversationLeft      EventKind = "conversation.left"
	EventConversationDestroyed EventKind = "conversation.destroyed"
	EventConversationMuted     EventKind = "conversation.muted"
	EventConversationUnmuted   EventKind = "conversation.unmuted"
	EventParticipantAdded      EventKind = "participant.added"
	EventParticipantRemoved    EventKind = "participant.removed"
	EventMessageCopied         EventKind = "message.copied"
	EventMessageDeleted        EventKind = "message.deleted"
)

// Event is a domain notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind            EventKind
	ConversationSid string
	MessageIndex    int64
	// Participant is the identity, address or participant sid the event is about.
	Participant string
	// Text is the copied message body or the new friendly name.
	Text string
}

// EventHandler receives domain events.
type EventHandler func(Event)

// Events is a synchronous observer list. Publishing calls every handler
// registered at that moment on the publishing goroutine; nothing is buffered,
// so an event with no subscriber is dropped.
type Events struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]EventHandler
	logger   *zap.Logger
}

func newEvents(logger *zap.Logger) *Events {
	return &Events{handlers: make(map[int]EventHandler), logger: logger}
}

// Subscribe registers fn and returns the function that removes it.
func (b *Events) Subscribe(fn EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

func (b *Events) publish(ev Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked", zap.String("kind", string(ev.Kind)), zap.Any("panic", r))
				}
			}()
			h(ev)
		}()
	}
}
