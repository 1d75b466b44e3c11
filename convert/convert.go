// Package convert maps remote wire objects onto cached records.
//
// Every converter is pure and returns ok=false instead of failing when a
// mandatory identity is missing; callers skip such records.
package convert

import (
	"encoding/json"
	"fmt"

	"github.com/LuminPulse-AI/convsync/model"
	"github.com/LuminPulse-AI/convsync/remote"
)

const (
	attrUUID      = "uuid"
	attrReactions = "reactions"
)

// Conversation converts a remote conversation. Conversations without a sid are
// rejected.
func Conversation(rc remote.Conversation) (model.Conversation, bool) {
	if rc.Sid == "" {
		return model.Conversation{}, false
	}
	c := model.Conversation{
		Sid:               rc.Sid,
		FriendlyName:      deref(rc.FriendlyName),
		UniqueName:        deref(rc.UniqueName),
		CreatedBy:         rc.CreatedBy,
		DateCreated:       rc.DateCreated,
		LastMessageDate:   rc.LastMessageDate,
		NotificationLevel: model.NotificationDefault,
		ParticipantsCount: rc.ParticipantsCount,
	}
	if rc.DateUpdated != nil {
		c.DateUpdated = *rc.DateUpdated
	}
	if rc.NotificationLevel == string(model.NotificationMuted) {
		c.NotificationLevel = model.NotificationMuted
	}
	if rc.UnreadCount != nil {
		c.UnreadCount = *rc.UnreadCount
	}
	return c, true
}

// Message converts a remote message. self is the local user's identity and
// decides the direction. Messages without a sid or without a correlation uuid
// in their attributes are rejected.
func Message(rm remote.Message, self string) (model.Message, bool) {
	if rm.Sid == "" {
		return model.Message{}, false
	}
	id := UUID(rm.Attributes)
	if id == "" {
		return model.Message{}, false
	}

	m := model.Message{
		UUID:            id,
		ConversationSid: rm.ConversationSid,
		Index:           model.Int64(rm.Index),
		Sid:             rm.Sid,
		Author:          rm.Author,
		Body:            rm.Body,
		Direction:       model.DirectionIncoming,
		Type:            model.MessageTypeText,
		Attributes:      cloneRaw(rm.Attributes),
		Reactions:       Reactions(rm.Attributes),
	}
	if rm.DateCreated != nil {
		m.DateCreated = *rm.DateCreated
	}
	if self != "" && rm.Author == self {
		m.Direction = model.DirectionOutgoing
		m.SendStatus = model.SendStatusSent
	}
	if len(rm.Media) > 0 {
		media := rm.Media[0]
		m.Type = model.MessageTypeMedia
		m.MediaSid = media.Sid
		m.MediaFileName = media.Filename
		m.MediaContentType = media.ContentType
		m.TotalBytes = media.Size
	}
	return m, true
}

// Participant converts a remote participant. Non-chat participants have no
// identity and get their messaging address instead.
func Participant(rp remote.Participant) (model.Participant, bool) {
	if rp.Sid == "" {
		return model.Participant{}, false
	}
	p := model.Participant{
		Sid:                  rp.Sid,
		ConversationSid:      rp.ConversationSid,
		Type:                 model.ParticipantChat,
		LastReadMessageIndex: rp.LastReadMessageIndex,
	}
	if len(rp.Attributes) > 0 && string(rp.Attributes) != "null" {
		p.Attributes = string(rp.Attributes)
	}
	switch {
	case rp.Identity != nil && *rp.Identity != "":
		p.Identity = *rp.Identity
	case rp.MessagingBinding != nil:
		p.Type = model.ParticipantNonChat
		p.Identity = rp.MessagingBinding.Address
	default:
		p.Type = model.ParticipantNonChat
	}
	if rp.Type == string(model.ParticipantNonChat) {
		p.Type = model.ParticipantNonChat
	}
	return p, true
}

// Conversations converts a batch and reports how many items were rejected.
func Conversations(in []remote.Conversation) ([]model.Conversation, int) {
	out := make([]model.Conversation, 0, len(in))
	for _, rc := range in {
		if c, ok := Conversation(rc); ok {
			out = append(out, c)
		}
	}
	return out, len(in) - len(out)
}

// Messages converts a batch and reports how many items were rejected.
func Messages(in []remote.Message, self string) ([]model.Message, int) {
	out := make([]model.Message, 0, len(in))
	for _, rm := range in {
		if m, ok := Message(rm, self); ok {
			out = append(out, m)
		}
	}
	return out, len(in) - len(out)
}

// Participants converts a batch and reports how many items were rejected.
func Participants(in []remote.Participant) ([]model.Participant, int) {
	out := make([]model.Participant, 0, len(in))
	for _, rp := range in {
		if p, ok := Participant(rp); ok {
			out = append(out, p)
		}
	}
	return out, len(in) - len(out)
}

// ============================================================================
// Attributes
// ============================================================================

// UUID extracts the client correlation id from a message attributes blob.
func UUID(attrs json.RawMessage) string {
	obj := parseObject(attrs)
	raw, ok := obj[attrUUID]
	if !ok {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return ""
	}
	return id
}

// Reactions extracts the reaction aggregate from a message attributes blob.
// Unknown reaction tags are skipped; a malformed field yields an empty result.
func Reactions(attrs json.RawMessage) model.Reactions {
	var r model.Reactions
	raw, ok := parseObject(attrs)[attrReactions]
	if !ok {
		return r
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.Reactions{}
	}
	return r
}

// MergeAttributes overlays the top-level keys of patch onto base.
func MergeAttributes(base, patch json.RawMessage) (json.RawMessage, error) {
	obj := parseObject(base)
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}
	if len(patch) > 0 && string(patch) != "null" {
		var p map[string]json.RawMessage
		if err := json.Unmarshal(patch, &p); err != nil {
			return nil, fmt.Errorf("attributes patch is not an object: %w", err)
		}
		for k, v := range p {
			obj[k] = v
		}
	}
	return json.Marshal(obj)
}

// WithReactions returns attrs with its reactions field replaced by r. An empty
// aggregate removes the field.
func WithReactions(attrs json.RawMessage, r model.Reactions) (json.RawMessage, error) {
	obj := parseObject(attrs)
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}
	if r.Len() == 0 {
		delete(obj, attrReactions)
	} else {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		obj[attrReactions] = b
	}
	return json.Marshal(obj)
}

func parseObject(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
