package model

import (
	"encoding/json"
	"time"
)

// Direction tells whether a message was authored by the local user.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// SendStatus tracks an outgoing message through its pending lifecycle.
// The zero value means "undefined" and is used for incoming messages.
type SendStatus string

const (
	SendStatusUndefined SendStatus = ""
	SendStatusSending   SendStatus = "sending"
	SendStatusSent      SendStatus = "sent"
	SendStatusError     SendStatus = "error"
)

// MessageType distinguishes text bodies from media attachments.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeMedia MessageType = "media"
)

// DownloadStatus is the local state of a media attachment.
type DownloadStatus string

const (
	DownloadNone        DownloadStatus = ""
	DownloadDownloading DownloadStatus = "downloading"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadError       DownloadStatus = "error"
)

// Message is a cached chat message. Acknowledged messages are identified by
// (ConversationSid, Index); UUID identifies a message before the server has
// assigned its sid and index.
type Message struct {
	UUID            string      `json:"uuid"`
	ConversationSid string      `json:"conversationSid"`
	Index           *int64      `json:"index,omitempty"`
	Sid             string      `json:"sid,omitempty"`
	Author          string      `json:"author"`
	Body            *string     `json:"body,omitempty"`
	Direction       Direction   `json:"direction"`
	DateCreated     time.Time   `json:"dateCreated"`
	SendStatus      SendStatus  `json:"sendStatus,omitempty"`
	Type            MessageType `json:"type"`

	MediaSid            string         `json:"mediaSid,omitempty"`
	MediaFileName       string         `json:"mediaFileName,omitempty"`
	MediaContentType    string         `json:"mediaContentType,omitempty"`
	TotalBytes          int64          `json:"totalBytes,omitempty"`
	BytesUploaded       int64          `json:"bytesUploaded,omitempty"`
	MediaURL            string         `json:"mediaUrl,omitempty"`
	MediaLocalPath      string         `json:"mediaLocalPath,omitempty"`
	MediaDownloadStatus DownloadStatus `json:"mediaDownloadStatus,omitempty"`

	Attributes json.RawMessage `json:"attributes,omitempty"`

	// Reactions are persisted as separate rows by the store.
	Reactions Reactions `json:"-"`
}

// HasIndex reports whether the server has acknowledged the message.
func (m Message) HasIndex() bool {
	return m.Index != nil
}

// IndexValue returns the index or -1 when unacknowledged.
func (m Message) IndexValue() int64 {
	if m.Index == nil {
		return -1
	}
	return *m.Index
}

// BodyText returns the body or "" for pure media messages.
func (m Message) BodyText() string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

// MergeLocal copies fields that only exist on the device from the cached copy
// into a fresh server copy of the same message.
func (m *Message) MergeLocal(existing Message) {
	if m.MediaDownloadStatus == DownloadNone {
		m.MediaDownloadStatus = existing.MediaDownloadStatus
	}
	if m.MediaLocalPath == "" {
		m.MediaLocalPath = existing.MediaLocalPath
	}
	if m.MediaURL == "" {
		m.MediaURL = existing.MediaURL
	}
	if m.TotalBytes == 0 {
		m.TotalBytes = existing.TotalBytes
	}
	if m.BytesUploaded == 0 {
		m.BytesUploaded = existing.BytesUploaded
	}
	if m.MediaFileName == "" {
		m.MediaFileName = existing.MediaFileName
	}
}

// MessageLess orders messages by index ascending. Unacknowledged messages sort
// after acknowledged ones, by creation date then uuid.
func MessageLess(a, b Message) bool {
	switch {
	case a.Index != nil && b.Index != nil:
		if *a.Index != *b.Index {
			return *a.Index < *b.Index
		}
		return a.UUID < b.UUID
	case a.Index != nil:
		return true
	case b.Index != nil:
		return false
	}
	if !a.DateCreated.Equal(b.DateCreated) {
		return a.DateCreated.Before(b.DateCreated)
	}
	return a.UUID < b.UUID
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// String returns a pointer to s.
func String(s string) *string { return &s }
