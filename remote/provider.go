// Package remote defines the contracts of the conversation service and the
// content fetcher the sync engine talks to, together with a reference
// implementation over HTTP and WebSocket.
//
// Example:
//
//	feed := remote.NewFeed("https://chat.example.com", &remote.FeedConfig{Token: token})
//	client := remote.NewClient(token, remote.WithBaseURL("https://chat.example.com"), remote.WithEventSource(feed))
//	go feed.Run(ctx)
package remote

import (
	"context"
	"encoding/json"
	"io"
)

// EventSource delivers push events. The channel is closed when the source stops.
type EventSource interface {
	Events() <-chan Event
}

// Provider is the remote conversation service.
type Provider interface {
	EventSource

	Conversations(ctx context.Context) ([]Conversation, error)
	// Conversation resolves a conversation by sid or unique name.
	Conversation(ctx context.Context, sidOrUniqueName string) (Conversation, error)
	CreateConversation(ctx context.Context, friendlyName string) (Conversation, error)
	JoinConversation(ctx context.Context, sid string) error
	RenameConversation(ctx context.Context, sid, friendlyName string) error
	SetNotificationLevel(ctx context.Context, sid, level string) error
	LeaveConversation(ctx context.Context, sid string) error
	DestroyConversation(ctx context.Context, sid string) error

	// LastMessages returns up to max most recent messages, oldest first.
	LastMessages(ctx context.Context, sid string, max int) ([]Message, error)
	// MessagesBefore returns up to max messages with index <= index, oldest first.
	MessagesBefore(ctx context.Context, sid string, index int64, max int) ([]Message, error)
	SendMessage(ctx context.Context, sid string, msg OutgoingMessage) (Message, error)
	RemoveMessage(ctx context.Context, sid string, index int64) error
	UpdateMessageAttributes(ctx context.Context, sid string, index int64, attrs json.RawMessage) error
	SetAllMessagesRead(ctx context.Context, sid string) error
	// MediaContentURL returns a short-lived download URL for a media sid.
	MediaContentURL(ctx context.Context, sid, mediaSid string) (string, error)

	Participants(ctx context.Context, sid string) ([]Participant, error)
	AddChatParticipant(ctx context.Context, sid, identity string) error
	AddNonChatParticipant(ctx context.Context, sid, address, proxyAddress string) error
	RemoveParticipant(ctx context.Context, sid, participantSid string) error
	// Typing tells other participants the local user is typing.
	Typing(ctx context.Context, sid string) error
}

// UploadMeta describes a media upload.
type UploadMeta struct {
	ConversationSid string
	FileName        string
	ContentType     string
	Size            int64
}

// UploadProgress receives upload notifications. Either field may be nil.
type UploadProgress struct {
	Started  func()
	Progress func(sent int64)
}

// ContentFetcher moves media bytes between the device and the service.
type ContentFetcher interface {
	// Download writes the content at url to the local path dst and returns the
	// number of bytes written.
	Download(ctx context.Context, url, dst string) (int64, error)
	// Upload sends r and returns the media sid assigned by the service.
	Upload(ctx context.Context, r io.Reader, meta UploadMeta, progress UploadProgress) (string, error)
}
