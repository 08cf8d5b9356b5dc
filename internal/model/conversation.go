// Package model defines data structures for the guest messaging platform.
package model

import (
	"time"
)

// ConversationStatus represents the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusPending ConversationStatus = "pending"
	StatusActive  ConversationStatus = "active"
	StatusClosed  ConversationStatus = "closed"
)

// Priority represents conversation priority for staff triage.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Conversation represents a thread between a guest and staff.
type Conversation struct {
	ID            string             `json:"id"`
	UserID        *string            `json:"user_id,omitempty"`
	GuestName     *string            `json:"guest_name,omitempty"`
	GuestEmail    *string            `json:"guest_email,omitempty"`
	Subject       string             `json:"subject"`
	Status        ConversationStatus `json:"status"`
	Priority      Priority           `json:"priority"`
	AssignedTo    *string            `json:"assigned_to,omitempty"`
	Tags          []string           `json:"tags,omitempty"`
	Archived      bool               `json:"archived,omitempty"`
	LastMessageAt time.Time          `json:"last_message_at"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// InitiatorIdentity returns the identity key of whoever opened the thread.
func (c *Conversation) InitiatorIdentity() string {
	if c.UserID != nil && *c.UserID != "" {
		return *c.UserID
	}
	if c.GuestEmail != nil && *c.GuestEmail != "" {
		return GuestIdentity(*c.GuestEmail)
	}
	return ""
}

// Postable reports whether new messages are accepted from the given role.
// Staff may post a closing remark to a closed thread; guests may not.
func (c *Conversation) Postable(role Role) bool {
	if c.Status != StatusClosed {
		return true
	}
	return role.Staff()
}

// StartConversationRequest is the request to open (or resume) a conversation.
type StartConversationRequest struct {
	Subject    string `json:"subject"`
	Message    string `json:"message"`
	GuestName  string `json:"guest_name,omitempty"`
	GuestEmail string `json:"guest_email,omitempty"`
}

// ConversationFilter narrows staff conversation listings.
type ConversationFilter struct {
	Status          ConversationStatus
	Priority        Priority
	AssignedTo      string
	Search          string
	IncludeArchived bool
	Limit           int
	Offset          int
}

// ConversationSummary is a conversation enriched with listing counters.
type ConversationSummary struct {
	Conversation
	MessageCount int      `json:"message_count"`
	UnreadCount  int      `json:"unread_count"`
	LastMessage  *Message `json:"last_message,omitempty"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
}

// ConversationDetail bundles a conversation with its messages and participants.
type ConversationDetail struct {
	Conversation *Conversation  `json:"conversation"`
	Messages     []*Message     `json:"messages"`
	Participants []*Participant `json:"participants"`
}
