package remote

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotFound is returned when a conversation, message or participant does
	// not exist on the service.
	ErrNotFound = errors.New("remote: not found")
	// ErrUnavailable is returned when the service cannot be reached or reports
	// itself unavailable.
	ErrUnavailable = errors.New("remote: service unavailable")
)

// APIError represents an error envelope returned by the service.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Is lets callers match service errors against ErrNotFound and ErrUnavailable.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound || e.Code == "NOT_FOUND"
	case ErrUnavailable:
		return e.Status == http.StatusBadGateway ||
			e.Status == http.StatusServiceUnavailable ||
			e.Status == http.StatusGatewayTimeout ||
			e.Code == "UNAVAILABLE"
	}
	return false
}

// Result is the generic {ok, data, error} response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Wire objects
// ============================================================================

// Conversation is a conversation as served by the remote service. Optional
// fields are pointers so that null and absent values survive decoding.
type Conversation struct {
	Sid               string          `json:"sid"`
	FriendlyName      *string         `json:"friendlyName"`
	UniqueName        *string         `json:"uniqueName"`
	CreatedBy         string          `json:"createdBy"`
	DateCreated       *time.Time      `json:"dateCreated"`
	DateUpdated       *time.Time      `json:"dateUpdated"`
	LastMessageDate   *time.Time      `json:"lastMessageDate"`
	NotificationLevel string          `json:"notificationLevel"`
	UnreadCount       *int            `json:"unreadMessagesCount"`
	ParticipantsCount int             `json:"participantsCount"`
	Attributes        json.RawMessage `json:"attributes,omitempty"`
}

// Media describes one attachment of a message.
type Media struct {
	Sid         string `json:"sid"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Message is a message as served by the remote service.
type Message struct {
	Sid             string          `json:"sid"`
	Index           int64           `json:"index"`
	ConversationSid string          `json:"conversationSid"`
	Author          string          `json:"author"`
	Body            *string         `json:"body"`
	DateCreated     *time.Time      `json:"dateCreated"`
	Type            string          `json:"type"`
	Attributes      json.RawMessage `json:"attributes,omitempty"`
	Media           []Media         `json:"media,omitempty"`
}

// MessagingBinding is the SMS/WhatsApp address of a non-chat participant.
type MessagingBinding struct {
	Type         string `json:"type"`
	Address      string `json:"address"`
	ProxyAddress string `json:"proxyAddress"`
}

// Participant is a conversation member as served by the remote service.
type Participant struct {
	Sid                  string            `json:"sid"`
	ConversationSid      string            `json:"conversationSid"`
	Identity             *string           `json:"identity"`
	Type                 string            `json:"type"`
	Attributes           json.RawMessage   `json:"attributes,omitempty"`
	LastReadMessageIndex *int64            `json:"lastReadMessageIndex"`
	MessagingBinding     *MessagingBinding `json:"messagingBinding,omitempty"`
}

// OutgoingMessage is the payload of SendMessage. Exactly one of Body or
// MediaSid is normally set. Attributes must carry the client correlation uuid.
type OutgoingMessage struct {
	Body       *string         `json:"body,omitempty"`
	MediaSid   string          `json:"mediaSid,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// ============================================================================
// Events
// ============================================================================

// EventType names an event delivered by the push feed.
type EventType string

const (
	EventConnected EventType = "connected"

	EventConversationAdded   EventType = "conversation.added"
	EventConversationUpdated EventType = "conversation.updated"
	EventConversationRemoved EventType = "conversation.removed"

	EventMessageAdded   EventType = "message.added"
	EventMessageUpdated EventType = "message.updated"
	EventMessageRemoved EventType = "message.removed"

	EventParticipantAdded   EventType = "participant.added"
	EventParticipantUpdated EventType = "participant.updated"
	EventParticipantRemoved EventType = "participant.removed"

	EventTypingStarted EventType = "typing.started"
	EventTypingEnded   EventType = "typing.ended"

	EventMediaStarted   EventType = "media.started"
	EventMediaProgress  EventType = "media.progress"
	EventMediaCompleted EventType = "media.completed"
	EventMediaFailed    EventType = "media.failed"
)

// Event is one item of the push feed. Which fields are set depends on Type.
type Event struct {
	Type            EventType     `json:"-"`
	ConversationSid string        `json:"conversationSid,omitempty"`
	Conversation    *Conversation `json:"conversation,omitempty"`
	Message         *Message      `json:"message,omitempty"`
	Participant     *Participant  `json:"participant,omitempty"`
	MessageIndex    *int64        `json:"messageIndex,omitempty"`
	MessageUUID     string        `json:"messageUuid,omitempty"`
	ParticipantSid  string        `json:"participantSid,omitempty"`
	Bytes           int64         `json:"bytes,omitempty"`
	TotalBytes      int64         `json:"totalBytes,omitempty"`
	MediaSid        string        `json:"mediaSid,omitempty"`
	Err             string        `json:"error,omitempty"`
}

// Envelope is the wire format of feed and webhook deliveries.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode turns an envelope into an Event.
func (env Envelope) Decode() (Event, error) {
	var ev Event
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return Event{}, err
		}
	}
	ev.Type = EventType(env.Type)
	return ev, nil
}

// NewEnvelope wraps ev for delivery.
func NewEnvelope(ev Event) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: string(ev.Type), Payload: payload}, nil
}
