package convsync

import (
	"context"

	"go.uber.org/zap"

	"github.com/LuminPulse-AI/convsync/convert"
	"github.com/LuminPulse-AI/convsync/model"
	"github.com/LuminPulse-AI/convsync/remote"
	"github.com/LuminPulse-AI/convsync/store"
)

// apply writes one feed event to the store. Unconvertible payloads are counted
// and skipped; only store failures are returned.
func (e *Engine) apply(ctx context.Context, ev remote.Event) error {
	e.metrics.FeedEvents.WithLabelValues(string(ev.Type)).Inc()

	var fn func(tx *store.Tx) error
	switch ev.Type {
	case remote.EventConnected:
		// typing flags from before the gap are unreliable
		fn = func(tx *store.Tx) error { return tx.ClearTyping() }

	case remote.EventConversationAdded, remote.EventConversationUpdated:
		if ev.Conversation == nil {
			return e.rejected("conversation", ev)
		}
		c, ok := convert.Conversation(*ev.Conversation)
		if !ok {
			return e.rejected("conversation", ev)
		}
		fn = func(tx *store.Tx) error { return tx.PutConversation(c) }

	case remote.EventConversationRemoved:
		sid := ev.ConversationSid
		if sid == "" && ev.Conversation != nil {
			sid = ev.Conversation.Sid
		}
		if sid == "" {
			return e.rejected("conversation", ev)
		}
		fn = func(tx *store.Tx) error { return tx.DeleteConversation(sid) }

	case remote.EventMessageAdded, remote.EventMessageUpdated:
		if ev.Message == nil {
			return e.rejected("message", ev)
		}
		rm := *ev.Message
		if rm.ConversationSid == "" {
			rm.ConversationSid = ev.ConversationSid
		}
		m, ok := convert.Message(rm, e.identity)
		if !ok || m.ConversationSid == "" {
			return e.rejected("message", ev)
		}
		fn = func(tx *store.Tx) error { return putMessage(tx, m) }

	case remote.EventMessageRemoved:
		fn = e.removeMessage(ev)
		if fn == nil {
			return e.rejected("message", ev)
		}

	case remote.EventParticipantAdded, remote.EventParticipantUpdated:
		if ev.Participant == nil {
			return e.rejected("participant", ev)
		}
		rp := *ev.Participant
		if rp.ConversationSid == "" {
			rp.ConversationSid = ev.ConversationSid
		}
		p, ok := convert.Participant(rp)
		if !ok || p.ConversationSid == "" {
			return e.rejected("participant", ev)
		}
		fn = func(tx *store.Tx) error { return putParticipant(tx, p) }

	case remote.EventParticipantRemoved:
		conv, sid := participantRef(ev)
		if conv == "" || sid == "" {
			return e.rejected("participant", ev)
		}
		fn = func(tx *store.Tx) error { return tx.DeleteParticipant(conv, sid) }

	case remote.EventTypingStarted, remote.EventTypingEnded:
		conv, sid := participantRef(ev)
		if conv == "" || sid == "" {
			return e.rejected("participant", ev)
		}
		typing := ev.Type == remote.EventTypingStarted
		fn = func(tx *store.Tx) error {
			p, ok, err := tx.Participant(conv, sid)
			if err != nil {
				return err
			}
			if !ok {
				if ev.Participant == nil {
					return nil
				}
				rp := *ev.Participant
				rp.ConversationSid = conv
				if p, ok = convert.Participant(rp); !ok {
					return nil
				}
			}
			if p.IsTyping == typing {
				return nil
			}
			p.IsTyping = typing
			return tx.PutParticipant(p)
		}

	case remote.EventMediaStarted, remote.EventMediaProgress, remote.EventMediaCompleted, remote.EventMediaFailed:
		if ev.MessageUUID == "" {
			return e.rejected("message", ev)
		}
		fn = func(tx *store.Tx) error { return applyMediaStatus(tx, ev) }

	default:
		e.logger.Debug("ignoring feed event", zap.String("type", string(ev.Type)))
		return nil
	}

	return classify("apply "+string(ev.Type), e.store.Update(ctx, fn))
}

func (e *Engine) rejected(kind string, ev remote.Event) error {
	e.metrics.ConversionsRejected.WithLabelValues(kind).Inc()
	e.logger.Debug("skipped unconvertible feed event", zap.String("type", string(ev.Type)), zap.String("kind", kind))
	return nil
}

// removeMessage picks the most precise key the event carries: the durable
// (conversation, index) key first, then the correlation uuid.
func (e *Engine) removeMessage(ev remote.Event) func(tx *store.Tx) error {
	conv := ev.ConversationSid
	if ev.Message != nil && conv == "" {
		conv = ev.Message.ConversationSid
	}
	switch {
	case conv != "" && ev.MessageIndex != nil:
		index := *ev.MessageIndex
		return func(tx *store.Tx) error { return tx.DeleteMessage(conv, index) }
	case conv != "" && ev.Message != nil && ev.Message.Sid != "":
		index := ev.Message.Index
		return func(tx *store.Tx) error { return tx.DeleteMessage(conv, index) }
	case ev.MessageUUID != "":
		id := ev.MessageUUID
		return func(tx *store.Tx) error { return tx.DeleteMessageByUUID(id) }
	case ev.Message != nil:
		if id := convert.UUID(ev.Message.Attributes); id != "" {
			return func(tx *store.Tx) error { return tx.DeleteMessageByUUID(id) }
		}
	}
	return nil
}

func participantRef(ev remote.Event) (conv, sid string) {
	conv, sid = ev.ConversationSid, ev.ParticipantSid
	if ev.Participant != nil {
		if conv == "" {
			conv = ev.Participant.ConversationSid
		}
		if sid == "" {
			sid = ev.Participant.Sid
		}
	}
	return conv, sid
}

// applyMediaStatus records an upload status report on the outgoing message.
func applyMediaStatus(tx *store.Tx, ev remote.Event) error {
	m, ok, err := tx.MessageByUUID(ev.MessageUUID)
	if err != nil || !ok {
		return err
	}
	switch ev.Type {
	case remote.EventMediaStarted:
		m.BytesUploaded = 0
		if ev.TotalBytes > 0 {
			m.TotalBytes = ev.TotalBytes
		}
	case remote.EventMediaProgress:
		m.BytesUploaded = ev.Bytes
		if ev.TotalBytes > 0 {
			m.TotalBytes = ev.TotalBytes
		}
	case remote.EventMediaCompleted:
		if ev.MediaSid != "" {
			m.MediaSid = ev.MediaSid
		}
		m.BytesUploaded = m.TotalBytes
	case remote.EventMediaFailed:
		if m.SendStatus == model.SendStatusSent {
			return nil
		}
		m.SendStatus = model.SendStatusError
	}
	return tx.PutMessage(m)
}
