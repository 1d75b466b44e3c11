// Package model holds the cached records shared by the store, the converters and
// the reconcilers: conversations, messages, participants and the reaction aggregate.
package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrEmptySid is returned when a record is constructed without its identity.
var ErrEmptySid = errors.New("model: empty sid")

// NotificationLevel controls push notifications for a conversation.
type NotificationLevel string

const (
	NotificationDefault NotificationLevel = "default"
	NotificationMuted   NotificationLevel = "muted"
)

// Conversation is the cached form of a remote conversation.
type Conversation struct {
	Sid               string            `json:"sid"`
	FriendlyName      string            `json:"friendlyName"`
	UniqueName        string            `json:"uniqueName"`
	CreatedBy         string            `json:"createdBy"`
	DateCreated       *time.Time        `json:"dateCreated,omitempty"`
	DateUpdated       time.Time         `json:"dateUpdated"`
	LastMessageDate   *time.Time        `json:"lastMessageDate,omitempty"`
	NotificationLevel NotificationLevel `json:"notificationLevel"`
	UnreadCount       int               `json:"unreadCount"`
	ParticipantsCount int               `json:"participantsCount"`
}

// Validate reports whether the conversation carries a usable identity.
func (c Conversation) Validate() error {
	if c.Sid == "" {
		return ErrEmptySid
	}
	return nil
}

// MustConversation panics when c has no sid. Converters never produce such a
// record, so hitting this means an upstream guarantee was broken.
func MustConversation(c Conversation) Conversation {
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("conversation %q: %v", c.FriendlyName, err))
	}
	return c
}

// IsMuted reports whether notifications are muted.
func (c Conversation) IsMuted() bool {
	return c.NotificationLevel == NotificationMuted
}

// EffectiveDate is the later of the last message date and the creation date.
// The zero time is returned when the creation date is unknown.
func (c Conversation) EffectiveDate() time.Time {
	if c.DateCreated == nil {
		return time.Time{}
	}
	d := *c.DateCreated
	if c.LastMessageDate != nil && c.LastMessageDate.After(d) {
		d = *c.LastMessageDate
	}
	return d
}

// ConversationLess orders conversations for the list view: conversations with an
// unknown creation date go last, the rest by EffectiveDate descending, then by
// friendly name and sid ascending.
func ConversationLess(a, b Conversation) bool {
	if (a.DateCreated == nil) != (b.DateCreated == nil) {
		return b.DateCreated == nil
	}
	da, db := a.EffectiveDate(), b.EffectiveDate()
	if !da.Equal(db) {
		return da.After(db)
	}
	if a.FriendlyName != b.FriendlyName {
		return a.FriendlyName < b.FriendlyName
	}
	return a.Sid < b.Sid
}
