package model

import (
	"time"
)

// EnvelopeType identifies the kind of push envelope sent to live sessions.
type EnvelopeType string

const (
	EnvelopeConnected       EnvelopeType = "connected"
	EnvelopeMessage         EnvelopeType = "message"
	EnvelopeReadReceipt     EnvelopeType = "read_receipt"
	EnvelopePresence        EnvelopeType = "presence"
	EnvelopeTyping          EnvelopeType = "typing"
	EnvelopeNewConversation EnvelopeType = "new_conversation"
	EnvelopeAlert           EnvelopeType = "alert"
	EnvelopePong            EnvelopeType = "pong"
)

// Envelope is the typed push frame delivered to a live session.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	Target    string       `json:"target,omitempty"`
	Payload   any          `json:"payload,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewEnvelope builds an envelope stamped with the current time.
func NewEnvelope(t EnvelopeType, target string, payload any) *Envelope {
	return &Envelope{
		Type:      t,
		Target:    target,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// MessagePayload is the payload of a "message" envelope.
type MessagePayload struct {
	ConversationID string   `json:"conversation_id"`
	Message        *Message `json:"message"`
}

// ReadReceiptPayload is the payload of a "read_receipt" envelope,
// pushed to the sender's live sessions only.
type ReadReceiptPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Reader         string    `json:"reader"`
	ReadAt         time.Time `json:"read_at"`
}

// PresencePayload is the payload of a "presence" envelope.
type PresencePayload struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
}

// TypingPayload is the payload of a "typing" envelope, relayed best-effort
// and never persisted.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	Identity       string `json:"identity"`
	Typing         bool   `json:"typing"`
}

// AlertPayload is the payload of an out-of-band "alert" envelope, such as a
// referral credit celebration. Alerts are not tied to a Message entity and
// are never tracked by the delivery ledger.
type AlertPayload struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// AuditRecord is emitted for conversation close/reopen/assign and message
// posting. Storage format is owned by the audit sink.
type AuditRecord struct {
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resource_id"`
	Success    bool      `json:"success"`
	At         time.Time `json:"at"`
}
