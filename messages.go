package convsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/LuminPulse-AI/convsync/convert"
	"github.com/LuminPulse-AI/convsync/model"
	"github.com/LuminPulse-AI/convsync/remote"
	"github.com/LuminPulse-AI/convsync/store"
)

// MessageReconciler merges paged history, feed events and local sends into the
// message cache.
type MessageReconciler struct {
	e *Engine

	mu sync.Mutex
	// active is the conversation of the latest Subscribe; generation counts
	// Subscribe calls and lets a page fetch detect that it was superseded.
	active     string
	generation uint64
	inflight   map[string]*PendingSend

	downloads singleflight.Group
}

func newMessageReconciler(e *Engine) *MessageReconciler {
	return &MessageReconciler{e: e, inflight: make(map[string]*PendingSend)}
}

// Subscribe marks conv as the active conversation and attaches a live query
// on its messages ordered by index. Pending messages sort last.
func (r *MessageReconciler) Subscribe(conv string) (*store.Subscription[model.Message], error) {
	r.mu.Lock()
	r.active = conv
	r.generation++
	r.mu.Unlock()
	return r.e.store.WatchMessages(conv, store.Query[model.Message]{Less: model.MessageLess})
}

// Active returns the conversation of the latest Subscribe.
func (r *MessageReconciler) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *MessageReconciler) begin() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// stale reports whether a result for conv, issued at generation gen, was
// superseded by a subscription to another conversation.
func (r *MessageReconciler) stale(conv string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation != gen && r.active != conv
}

// ============================================================================
// Paging
// ============================================================================

// LoadLastPage fetches the max most recent messages of conv and upserts them.
// It returns how many messages were applied; zero with a nil error means the
// page was discarded because another conversation became active meanwhile.
func (r *MessageReconciler) LoadLastPage(ctx context.Context, conv string, max int) (int, error) {
	gen := r.begin()
	rms, err := fetch(ctx, r.e, "last messages", func(ctx context.Context) ([]remote.Message, error) {
		return r.e.provider.LastMessages(ctx, conv, max)
	})
	if err != nil {
		return 0, err
	}
	return r.applyPage(ctx, conv, gen, rms)
}

// LoadPageBefore fetches the page ending at beforeIndex. The service includes
// the boundary message, so max+1 messages are requested to get max new ones
// when the boundary is already cached. Re-fetching a page is idempotent.
func (r *MessageReconciler) LoadPageBefore(ctx context.Context, conv string, beforeIndex int64, max int) (int, error) {
	gen := r.begin()
	rms, err := fetch(ctx, r.e, "messages before", func(ctx context.Context) ([]remote.Message, error) {
		return r.e.provider.MessagesBefore(ctx, conv, beforeIndex, max+1)
	})
	if err != nil {
		return 0, err
	}
	return r.applyPage(ctx, conv, gen, rms)
}

func (r *MessageReconciler) applyPage(ctx context.Context, conv string, gen uint64, rms []remote.Message) (int, error) {
	for i := range rms {
		if rms[i].ConversationSid == "" {
			rms[i].ConversationSid = conv
		}
	}
	msgs, rejected := convert.Messages(rms, r.e.identity)
	if rejected > 0 {
		r.e.metrics.ConversionsRejected.WithLabelValues("message").Add(float64(rejected))
		r.e.logger.Debug("skipped unconvertible messages", zap.String("conversation", conv), zap.Int("count", rejected))
	}

	applied := 0
	err := r.e.store.Update(ctx, func(tx *store.Tx) error {
		// checked on the writer so no later Subscribe can slip in between
		if r.stale(conv, gen) {
			return nil
		}
		for _, m := range msgs {
			if err := putMessage(tx, m); err != nil {
				return err
			}
		}
		applied = len(msgs)
		return nil
	})
	if err != nil {
		return 0, classify("load messages", err)
	}
	if applied == 0 && len(msgs) > 0 {
		r.e.metrics.StaleResults.Inc()
		r.e.logger.Debug("discarded stale message page", zap.String("conversation", conv), zap.Int("count", len(msgs)))
	}
	return applied, nil
}

// putMessage upserts a server copy of m, keeping device-only fields of the
// cached copy.
func putMessage(tx *store.Tx, m model.Message) error {
	existing, ok, err := tx.MessageByUUID(m.UUID)
	if err != nil {
		return err
	}
	if ok {
		m.MergeLocal(existing)
	}
	return tx.PutMessage(m)
}

// ============================================================================
// Sending
// ============================================================================

// PendingSend tracks an outgoing message until the service accepts or
// rejects it.
type PendingSend struct {
	UUID string

	done chan struct{}
	err  error
}

func newPendingSend(id string) *PendingSend {
	return &PendingSend{UUID: id, done: make(chan struct{})}
}

// Done is closed when the send has completed.
func (p *PendingSend) Done() <-chan struct{} {
	return p.done
}

// Err returns the send error. It is only meaningful after Done is closed.
func (p *PendingSend) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the send completes or ctx is done.
func (p *PendingSend) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send stores a placeholder in state sending and sends text in the background.
// The placeholder is committed before Send returns.
func (r *MessageReconciler) Send(ctx context.Context, conv, text string) (*PendingSend, error) {
	m, err := r.placeholder(conv, model.MessageTypeText)
	if err != nil {
		return nil, err
	}
	m.Body = model.String(text)
	return r.enqueue(ctx, m)
}

func (r *MessageReconciler) placeholder(conv string, typ model.MessageType) (model.Message, error) {
	if conv == "" {
		return model.Message{}, missing("send", "empty conversation sid")
	}
	id := uuid.NewString()
	attrs, err := json.Marshal(map[string]string{"uuid": id})
	if err != nil {
		return model.Message{}, err
	}
	return model.Message{
		UUID:            id,
		ConversationSid: conv,
		Author:          r.e.identity,
		Direction:       model.DirectionOutgoing,
		DateCreated:     time.Now().UTC(),
		SendStatus:      model.SendStatusSending,
		Type:            typ,
		Attributes:      attrs,
	}, nil
}

// enqueue commits the placeholder and starts the background send.
func (r *MessageReconciler) enqueue(ctx context.Context, m model.Message) (*PendingSend, error) {
	p, fresh := r.track(m.UUID)
	if !fresh {
		return p, nil
	}
	err := r.e.store.Update(ctx, func(tx *store.Tx) error {
		return tx.PutMessage(m)
	})
	if err != nil {
		err = classify("send", err)
		r.finish(p, err)
		return nil, err
	}
	go r.deliver(context.WithoutCancel(ctx), p, m)
	return p, nil
}

// track registers an in-flight send for id. fresh is false when one is
// already running; the caller then shares it.
func (r *MessageReconciler) track(id string) (p *PendingSend, fresh bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.inflight[id]; ok {
		return p, false
	}
	p = newPendingSend(id)
	r.inflight[id] = p
	return p, true
}

func (r *MessageReconciler) finish(p *PendingSend, err error) {
	r.mu.Lock()
	delete(r.inflight, p.UUID)
	r.mu.Unlock()
	p.err = err
	close(p.done)
}

// deliver performs the remote send of a committed placeholder and records the
// outcome. The server copy normally arrives through the feed as well; the
// status is only moved forward from sending.
func (r *MessageReconciler) deliver(ctx context.Context, p *PendingSend, m model.Message) {
	rm, sendErr := r.transmit(ctx, &m)
	if sendErr != nil {
		r.e.logger.Warn("send failed", zap.String("uuid", m.UUID), zap.String("conversation", m.ConversationSid), zap.Error(sendErr))
	}

	err := r.e.store.Update(ctx, func(tx *store.Tx) error {
		cur, ok, err := tx.MessageByUUID(m.UUID)
		if err != nil || !ok {
			return err
		}
		if cur.SendStatus != model.SendStatusSending {
			return nil
		}
		if cur.MediaSid == "" {
			// an upload that succeeded is not repeated on retry
			cur.MediaSid = m.MediaSid
		}
		if sendErr != nil {
			cur.SendStatus = model.SendStatusError
			return tx.PutMessage(cur)
		}
		if rm.ConversationSid == "" {
			rm.ConversationSid = m.ConversationSid
		}
		if acked, ok := convert.Message(rm, r.e.identity); ok && acked.UUID == m.UUID {
			acked.MergeLocal(cur)
			acked.SendStatus = model.SendStatusSent
			acked.Direction = model.DirectionOutgoing
			return tx.PutMessage(acked)
		}
		cur.SendStatus = model.SendStatusSent
		return tx.PutMessage(cur)
	})
	if err != nil {
		r.e.logger.Error("recording send result failed", zap.String("uuid", m.UUID), zap.Error(err))
		if sendErr == nil {
			sendErr = classify("send", err)
		}
	}
	r.finish(p, sendErr)
}

// transmit uploads pending media, if any, and sends the message.
func (r *MessageReconciler) transmit(ctx context.Context, m *model.Message) (remote.Message, error) {
	out := remote.OutgoingMessage{Body: m.Body, Attributes: m.Attributes}
	if m.Type == model.MessageTypeMedia {
		if m.MediaSid == "" {
			sid, err := r.upload(ctx, *m)
			if err != nil {
				return remote.Message{}, err
			}
			m.MediaSid = sid
		}
		out.Body = nil
		out.MediaSid = m.MediaSid
	}
	var rm remote.Message
	err := r.e.call(ctx, "send", func(ctx context.Context) error {
		var err error
		rm, err = r.e.provider.SendMessage(ctx, m.ConversationSid, out)
		return err
	})
	return rm, err
}

// RetrySend resends a message in state error. A retry for a uuid that is
// already in flight returns the running send instead of starting another one.
func (r *MessageReconciler) RetrySend(ctx context.Context, id string) (*PendingSend, error) {
	p, fresh := r.track(id)
	if !fresh {
		return p, nil
	}

	var m model.Message
	err := r.e.store.Update(ctx, func(tx *store.Tx) error {
		cur, ok, err := tx.MessageByUUID(id)
		if err != nil {
			return err
		}
		if !ok {
			return missing("retry send", "no message "+id)
		}
		if cur.SendStatus != model.SendStatusError {
			return inconsistent("retry send", "message "+id+" is "+string(cur.SendStatus))
		}
		cur.SendStatus = model.SendStatusSending
		m = cur
		return tx.PutMessage(cur)
	})
	if err != nil {
		if !errors.Is(err, ErrRequiredDataUnavailable) && !errors.Is(err, ErrDataInconsistent) {
			err = classify("retry send", err)
		}
		r.finish(p, err)
		return nil, err
	}
	go r.deliver(context.WithoutCancel(ctx), p, m)
	return p, nil
}

// ============================================================================
// Acknowledged messages
// ============================================================================

func (r *MessageReconciler) cached(op, conv string, index int64) (model.Message, error) {
	m, ok, err := r.e.store.MessageByIndex(conv, index)
	if err != nil {
		return model.Message{}, classify(op, err)
	}
	if !ok {
		return model.Message{}, missing(op, "no cached message at index")
	}
	return m, nil
}

// UpdateAttributes merges attrs into the attributes of the message at
// (conv, index), sends them to the service and stores the result.
func (r *MessageReconciler) UpdateAttributes(ctx context.Context, conv string, index int64, attrs json.RawMessage) error {
	m, err := r.cached("update attributes", conv, index)
	if err != nil {
		return err
	}
	merged, err := convert.MergeAttributes(m.Attributes, attrs)
	if err != nil {
		return err
	}
	return r.setAttributes(ctx, conv, index, merged)
}

// ToggleReaction flips the local user's reaction of kind on the message at
// (conv, index) and reports whether the reaction is now set.
func (r *MessageReconciler) ToggleReaction(ctx context.Context, conv string, index int64, kind model.ReactionKind) (bool, error) {
	if r.e.identity == "" {
		return false, errors.New("toggle reaction: no local identity configured")
	}
	m, err := r.cached("toggle reaction", conv, index)
	if err != nil {
		return false, err
	}
	reactions := m.Reactions.Clone()
	set := reactions.Toggle(kind, r.e.identity)
	attrs, err := convert.WithReactions(m.Attributes, reactions)
	if err != nil {
		return false, err
	}
	return set, r.setAttributes(ctx, conv, index, attrs)
}

func (r *MessageReconciler) setAttributes(ctx context.Context, conv string, index int64, attrs json.RawMessage) error {
	err := r.e.call(ctx, "update attributes", func(ctx context.Context) error {
		return r.e.provider.UpdateMessageAttributes(ctx, conv, index, attrs)
	})
	if err != nil {
		return err
	}
	err = r.e.store.Update(ctx, func(tx *store.Tx) error {
		cur, ok, err := tx.MessageByIndex(conv, index)
		if err != nil || !ok {
			return err
		}
		cur.Attributes = attrs
		cur.Reactions = convert.Reactions(attrs)
		return tx.PutMessage(cur)
	})
	return classify("update attributes", err)
}

// Delete removes the message at (conv, index) on the service. The cache entry
// goes away when the removal event arrives.
func (r *MessageReconciler) Delete(ctx context.Context, conv string, index int64) error {
	if _, err := r.cached("delete message", conv, index); err != nil {
		return err
	}
	err := r.e.call(ctx, "remove message", func(ctx context.Context) error {
		return r.e.provider.RemoveMessage(ctx, conv, index)
	})
	if err != nil {
		return err
	}
	r.e.events.publish(Event{Kind: EventMessageDeleted, ConversationSid: conv, MessageIndex: index})
	return nil
}

// Copy returns the body of the message at (conv, index) and publishes it as
// EventMessageCopied.
func (r *MessageReconciler) Copy(conv string, index int64) (string, error) {
	m, err := r.cached("copy message", conv, index)
	if err != nil {
		return "", err
	}
	r.e.events.publish(Event{Kind: EventMessageCopied, ConversationSid: conv, MessageIndex: index, Text: m.BodyText()})
	return m.BodyText(), nil
}

// SetAllRead marks every message of conv as read on the service. Unread
// counters are corrected by the resulting conversation update event.
func (r *MessageReconciler) SetAllRead(ctx context.Context, conv string) error {
	return r.e.call(ctx, "set all read", func(ctx context.Context) error {
		return r.e.provider.SetAllMessagesRead(ctx, conv)
	})
}
