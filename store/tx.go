package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/LuminPulse-AI/convsync/model"
)

// Tx is a write transaction. Reads through a Tx observe its own pending writes.
// A Tx is only valid inside the function passed to Store.Update.
type Tx struct {
	b      *pebble.Batch
	topics map[string]struct{}
}

func (tx *Tx) touch(topic string) {
	tx.topics[topic] = struct{}{}
}

func (tx *Tx) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return tx.b.Set(key, data, nil)
}

func (tx *Tx) deleteRange(prefix []byte) error {
	return tx.b.DeleteRange(prefix, prefixEnd(prefix), nil)
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation returns the conversation with the given sid.
func (tx *Tx) Conversation(sid string) (model.Conversation, bool, error) {
	var c model.Conversation
	ok, err := getJSON(tx.b, conversationKey(sid), &c)
	return c, ok, err
}

// PutConversation inserts or replaces a conversation.
func (tx *Tx) PutConversation(c model.Conversation) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := tx.setJSON(conversationKey(c.Sid), c); err != nil {
		return err
	}
	tx.touch(topicConversations)
	return nil
}

// DeleteConversation removes a conversation together with its messages,
// reactions and participants.
func (tx *Tx) DeleteConversation(sid string) error {
	var uuids []string
	err := scan(tx.b, messagePrefix(sid), func(k, _ []byte) error {
		if uuid, ok := messageKeyUUID(sid, k); ok {
			uuids = append(uuids, uuid)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, uuid := range uuids {
		if err := tx.b.Delete(uuidKey(uuid), nil); err != nil {
			return err
		}
	}
	for _, prefix := range [][]byte{messagePrefix(sid), indexPrefix(sid), reactionConvPrefix(sid), participantPrefix(sid)} {
		if err := tx.deleteRange(prefix); err != nil {
			return err
		}
	}
	if err := tx.b.Delete(conversationKey(sid), nil); err != nil {
		return err
	}
	tx.touch(topicConversations)
	tx.touch(topicMessages(sid))
	tx.touch(topicParticipants(sid))
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// MessageByUUID returns the message with the given correlation id.
func (tx *Tx) MessageByUUID(uuid string) (model.Message, bool, error) {
	return messageByUUID(tx.b, uuid)
}

// MessageByIndex returns the message at (conv, index).
func (tx *Tx) MessageByIndex(conv string, index int64) (model.Message, bool, error) {
	return messageByIndex(tx.b, conv, index)
}

// PutMessage upserts a message by uuid. A different message already holding
// the same (conversation, index) is replaced, so a durable key never maps to
// two records. The message's reaction rows are rewritten in the same batch.
func (tx *Tx) PutMessage(m model.Message) error {
	if m.UUID == "" {
		return errors.New("store: message without uuid")
	}
	if m.ConversationSid == "" {
		return errors.New("store: message without conversation")
	}

	old, found, err := tx.MessageByUUID(m.UUID)
	if err != nil {
		return err
	}
	if found {
		if old.ConversationSid != m.ConversationSid {
			if err := tx.removeMessage(old); err != nil {
				return err
			}
		} else if old.Index != nil && (m.Index == nil || *old.Index != *m.Index) {
			if err := tx.b.Delete(indexKey(old.ConversationSid, *old.Index), nil); err != nil {
				return err
			}
		}
	}

	if m.Index != nil {
		occupant, ok, err := get(tx.b, indexKey(m.ConversationSid, *m.Index))
		if err != nil {
			return err
		}
		if ok && string(occupant) != m.UUID {
			if err := tx.removeRecord(m.ConversationSid, string(occupant), nil); err != nil {
				return err
			}
		}
		if err := tx.b.Set(indexKey(m.ConversationSid, *m.Index), []byte(m.UUID), nil); err != nil {
			return err
		}
	}

	if err := tx.setJSON(messageKey(m.ConversationSid, m.UUID), m); err != nil {
		return err
	}
	if err := tx.b.Set(uuidKey(m.UUID), []byte(m.ConversationSid), nil); err != nil {
		return err
	}
	if err := tx.putReactions(m.ConversationSid, m.UUID, m.Reactions); err != nil {
		return err
	}
	tx.touch(topicMessages(m.ConversationSid))
	return nil
}

func (tx *Tx) putReactions(conv, uuid string, r model.Reactions) error {
	if err := tx.deleteRange(reactionPrefix(conv, uuid)); err != nil {
		return err
	}
	for _, kind := range r.Kinds() {
		for _, identity := range r.Participants(kind) {
			if err := tx.b.Set(reactionKey(conv, uuid, string(kind), identity), nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteMessage removes the message at (conv, index), if any.
func (tx *Tx) DeleteMessage(conv string, index int64) error {
	m, ok, err := tx.MessageByIndex(conv, index)
	if err != nil || !ok {
		return err
	}
	return tx.removeMessage(m)
}

// DeleteMessageByUUID removes the message with the given correlation id, if any.
func (tx *Tx) DeleteMessageByUUID(uuid string) error {
	m, ok, err := tx.MessageByUUID(uuid)
	if err != nil || !ok {
		return err
	}
	return tx.removeMessage(m)
}

func (tx *Tx) removeMessage(m model.Message) error {
	return tx.removeRecord(m.ConversationSid, m.UUID, m.Index)
}

func (tx *Tx) removeRecord(conv, uuid string, index *int64) error {
	if index != nil {
		if err := tx.b.Delete(indexKey(conv, *index), nil); err != nil {
			return err
		}
	}
	if err := tx.b.Delete(messageKey(conv, uuid), nil); err != nil {
		return err
	}
	if err := tx.b.Delete(uuidKey(uuid), nil); err != nil {
		return err
	}
	if err := tx.deleteRange(reactionPrefix(conv, uuid)); err != nil {
		return err
	}
	tx.touch(topicMessages(conv))
	return nil
}

// ============================================================================
// Participants
// ============================================================================

// Participant returns the participant sid of conv.
func (tx *Tx) Participant(conv, sid string) (model.Participant, bool, error) {
	var p model.Participant
	ok, err := getJSON(tx.b, participantKey(conv, sid), &p)
	return p, ok, err
}

// Participants returns every participant of conv.
func (tx *Tx) Participants(conv string) ([]model.Participant, error) {
	return readParticipants(tx.b, conv)
}

// PutParticipant inserts or replaces a participant.
func (tx *Tx) PutParticipant(p model.Participant) error {
	if p.Sid == "" || p.ConversationSid == "" {
		return model.ErrEmptySid
	}
	if err := tx.setJSON(participantKey(p.ConversationSid, p.Sid), p); err != nil {
		return err
	}
	tx.touch(topicParticipants(p.ConversationSid))
	return nil
}

// DeleteParticipant removes a participant.
func (tx *Tx) DeleteParticipant(conv, sid string) error {
	if err := tx.b.Delete(participantKey(conv, sid), nil); err != nil {
		return err
	}
	tx.touch(topicParticipants(conv))
	return nil
}

// ClearTyping resets the typing flag of every participant.
func (tx *Tx) ClearTyping() error {
	var typing []model.Participant
	err := scan(tx.b, []byte(nsParticipant), func(k, v []byte) error {
		var p model.Participant
		if err := json.Unmarshal(v, &p); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		if p.IsTyping {
			typing = append(typing, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range typing {
		p.IsTyping = false
		if err := tx.PutParticipant(p); err != nil {
			return err
		}
	}
	return nil
}
