package convsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/LuminPulse-AI/convsync/convert"
	"github.com/LuminPulse-AI/convsync/model"
	"github.com/LuminPulse-AI/convsync/remote"
	"github.com/LuminPulse-AI/convsync/store"
)

// TypingInterval is the minimum spacing of outbound typing signals per
// conversation.
const TypingInterval = 5 * time.Second

// ParticipantTracker exposes conversation members and their typing state.
// Typing flags come from the feed and are cleared whenever it reconnects.
type ParticipantTracker struct {
	e *Engine

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newParticipantTracker(e *Engine) *ParticipantTracker {
	return &ParticipantTracker{e: e, limiters: make(map[string]*rate.Limiter)}
}

// Subscribe is a live query on the participants of conv, sorted by sid.
func (t *ParticipantTracker) Subscribe(conv string) (*store.Subscription[model.Participant], error) {
	return t.e.store.WatchParticipants(conv, store.Query[model.Participant]{Less: model.ParticipantLess})
}

// Typing returns the participants of conv currently typing.
func (t *ParticipantTracker) Typing(conv string) ([]model.Participant, error) {
	return t.e.store.Participants(conv, store.Query[model.Participant]{
		Filter: func(p model.Participant) bool { return p.IsTyping },
		Less:   model.ParticipantLess,
	})
}

// Load fetches the participant list of conv and upserts it. Typing flags of
// cached participants are kept.
func (t *ParticipantTracker) Load(ctx context.Context, conv string) error {
	rps, err := fetch(ctx, t.e, "participants", func(ctx context.Context) ([]remote.Participant, error) {
		return t.e.provider.Participants(ctx, conv)
	})
	if err != nil {
		return err
	}
	for i := range rps {
		if rps[i].ConversationSid == "" {
			rps[i].ConversationSid = conv
		}
	}
	ps, rejected := convert.Participants(rps)
	if rejected > 0 {
		t.e.metrics.ConversionsRejected.WithLabelValues("participant").Add(float64(rejected))
		t.e.logger.Debug("skipped unconvertible participants", zap.String("conversation", conv), zap.Int("count", rejected))
	}
	err = t.e.store.Update(ctx, func(tx *store.Tx) error {
		for _, p := range ps {
			if err := putParticipant(tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	return classify("load participants", err)
}

// putParticipant upserts p, keeping the cached typing flag.
func putParticipant(tx *store.Tx, p model.Participant) error {
	existing, ok, err := tx.Participant(p.ConversationSid, p.Sid)
	if err != nil {
		return err
	}
	if ok {
		p.IsTyping = existing.IsTyping
	}
	return tx.PutParticipant(p)
}

// AddChatParticipant adds a chat user to conv.
func (t *ParticipantTracker) AddChatParticipant(ctx context.Context, conv, identity string) error {
	err := t.e.call(ctx, "add participant", func(ctx context.Context) error {
		return t.e.provider.AddChatParticipant(ctx, conv, identity)
	})
	if err != nil {
		return err
	}
	t.e.events.publish(Event{Kind: EventParticipantAdded, ConversationSid: conv, Participant: identity})
	return nil
}

// AddNonChatParticipant adds an SMS or WhatsApp address to conv.
func (t *ParticipantTracker) AddNonChatParticipant(ctx context.Context, conv, address, proxyAddress string) error {
	err := t.e.call(ctx, "add participant", func(ctx context.Context) error {
		return t.e.provider.AddNonChatParticipant(ctx, conv, address, proxyAddress)
	})
	if err != nil {
		return err
	}
	t.e.events.publish(Event{Kind: EventParticipantAdded, ConversationSid: conv, Participant: address})
	return nil
}

// RemoveParticipant removes a participant by sid.
func (t *ParticipantTracker) RemoveParticipant(ctx context.Context, conv, participantSid string) error {
	err := t.e.call(ctx, "remove participant", func(ctx context.Context) error {
		return t.e.provider.RemoveParticipant(ctx, conv, participantSid)
	})
	if err != nil {
		return err
	}
	t.e.events.publish(Event{Kind: EventParticipantRemoved, ConversationSid: conv, Participant: participantSid})
	return nil
}

// NotifyTyping tells the other participants of conv that the local user is
// typing. Calls closer than TypingInterval are dropped and return nil.
func (t *ParticipantTracker) NotifyTyping(ctx context.Context, conv string) error {
	if !t.limiter(conv).Allow() {
		return nil
	}
	return t.e.call(ctx, "typing", func(ctx context.Context) error {
		return t.e.provider.Typing(ctx, conv)
	})
}

func (t *ParticipantTracker) limiter(conv string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[conv]
	if !ok {
		l = rate.NewLimiter(rate.Every(TypingInterval), 1)
		t.limiters[conv] = l
	}
	return l
}
