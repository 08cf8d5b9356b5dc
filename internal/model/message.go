package model

import (
	"time"
)

// MessageType represents the kind of message payload.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// Valid reports whether the message type is one of the known variants.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeSystem:
		return true
	}
	return false
}

// Message represents a single message inside a conversation. Messages are
// immutable after creation except for body edits recorded via EditedAt.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       *string           `json:"sender_id,omitempty"`
	SenderName     string            `json:"sender_name"`
	SenderEmail    string            `json:"sender_email,omitempty"`
	Body           string            `json:"body"`
	Type           MessageType       `json:"type"`
	Attachments    []string          `json:"attachments,omitempty"`
	ReplyTo        *string           `json:"reply_to,omitempty"`
	EditedAt       *time.Time        `json:"edited_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`

	// Seq is the store-assigned insertion sequence, used to tie-break
	// messages sharing a creation timestamp.
	Seq int64 `json:"seq,omitempty"`
}

// SenderIdentity returns the identity key of the message sender, or ""
// for system messages which have no sender.
func (m *Message) SenderIdentity() string {
	if m.Type == TypeSystem {
		return ""
	}
	if m.SenderID != nil && *m.SenderID != "" {
		return *m.SenderID
	}
	if m.SenderEmail != "" {
		return GuestIdentity(m.SenderEmail)
	}
	return ""
}

// PostMessageRequest is the request to post a message to a conversation.
type PostMessageRequest struct {
	Body        string      `json:"body"`
	Type        MessageType `json:"type,omitempty"`
	Attachments []string    `json:"attachments,omitempty"`
	ReplyTo     string      `json:"reply_to,omitempty"`

	// Guest sender fields, used when the caller is unauthenticated.
	GuestName  string `json:"guest_name,omitempty"`
	GuestEmail string `json:"guest_email,omitempty"`
}
