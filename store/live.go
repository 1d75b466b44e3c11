package store

import (
	"sync"

	"go.uber.org/zap"

	"github.com/LuminPulse-AI/convsync/model"
)

// Subscription is a live query. It delivers the full current result set once
// on creation and again after every committed write touching its topic, until
// Close is called. Only the latest result is kept when the reader falls behind.
type Subscription[T any] struct {
	updates chan []T
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Updates returns the result stream. It is closed by Close.
func (s *Subscription[T]) Updates() <-chan []T {
	return s.updates
}

// Close stops delivery and releases the subscription.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		close(s.quit)
		<-s.done
		close(s.updates)
	})
}

func watch[T any](s *Store, topic string, load func() ([]T, error)) (*Subscription[T], error) {
	sub := &Subscription[T]{
		updates: make(chan []T, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	w := &watcher{wake: make(chan struct{}, 1)}
	w.stop = sub.Close
	if err := s.register(topic, w); err != nil {
		return nil, err
	}

	go func() {
		defer close(sub.done)
		defer s.unregister(topic, w)
		for {
			items, err := load()
			if err != nil {
				s.logger.Warn("live query failed", zap.String("topic", topic), zap.Error(err))
			} else {
				sub.publish(items)
			}
			select {
			case <-w.wake:
			case <-sub.quit:
				return
			}
		}
	}()
	return sub, nil
}

// publish replaces any undelivered result with items. Only the subscription's
// goroutine sends, so the second send cannot block.
func (s *Subscription[T]) publish(items []T) {
	select {
	case s.updates <- items:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	s.updates <- items
}

// WatchConversations is a live query over all conversations.
func (s *Store) WatchConversations(q Query[model.Conversation]) (*Subscription[model.Conversation], error) {
	return watch(s, topicConversations, func() ([]model.Conversation, error) {
		return s.Conversations(q)
	})
}

// WatchMessages is a live query over the messages (and reactions) of conv.
func (s *Store) WatchMessages(conv string, q Query[model.Message]) (*Subscription[model.Message], error) {
	return watch(s, topicMessages(conv), func() ([]model.Message, error) {
		return s.Messages(conv, q)
	})
}

// WatchParticipants is a live query over the participants of conv.
func (s *Store) WatchParticipants(conv string, q Query[model.Participant]) (*Subscription[model.Participant], error) {
	return watch(s, topicParticipants(conv), func() ([]model.Participant, error) {
		return s.Participants(conv, q)
	})
}
