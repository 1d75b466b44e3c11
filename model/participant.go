package model

// ParticipantType distinguishes chat users from SMS/WhatsApp style participants.
type ParticipantType string

const (
	ParticipantChat    ParticipantType = "chat"
	ParticipantNonChat ParticipantType = "non-chat"
)

// Participant is a conversation member. IsTyping is ephemeral and is cleared
// whenever the event feed reconnects.
type Participant struct {
	Sid                  string          `json:"sid"`
	ConversationSid      string          `json:"conversationSid"`
	Identity             string          `json:"identity"`
	Type                 ParticipantType `json:"type"`
	Attributes           string          `json:"attributes,omitempty"`
	IsTyping             bool            `json:"isTyping"`
	LastReadMessageIndex *int64          `json:"lastReadMessageIndex,omitempty"`
}

// ParticipantLess orders participants by sid.
func ParticipantLess(a, b Participant) bool {
	return a.Sid < b.Sid
}
