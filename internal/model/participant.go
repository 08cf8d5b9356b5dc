package model

import (
	"time"
)

// Role represents a participant's role inside a conversation.
type Role string

const (
	RoleGuest     Role = "guest"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
)

// Staff reports whether the role may perform staff-only actions
// (assign, close, reopen, archive).
func (r Role) Staff() bool {
	return r == RoleAdmin || r == RoleModerator
}

// Valid reports whether the role is one of the known variants.
func (r Role) Valid() bool {
	switch r {
	case RoleGuest, RoleAdmin, RoleModerator:
		return true
	}
	return false
}

// GuestIdentity derives the identity key for an unauthenticated guest
// from their contact email.
func GuestIdentity(email string) string {
	return "guest_" + email
}

// Participant is a membership row: one per (conversation, identity) pair.
type Participant struct {
	ConversationID string     `json:"conversation_id"`
	UserID         *string    `json:"user_id,omitempty"`
	GuestEmail     *string    `json:"guest_email,omitempty"`
	Role           Role       `json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
	Notify         bool       `json:"notify"`
}

// Identity returns the identity key this participant row is keyed by.
func (p *Participant) Identity() string {
	if p.UserID != nil && *p.UserID != "" {
		return *p.UserID
	}
	if p.GuestEmail != nil && *p.GuestEmail != "" {
		return GuestIdentity(*p.GuestEmail)
	}
	return ""
}

// AddParticipantRequest is the request to add a participant to a conversation.
type AddParticipantRequest struct {
	UserID     string `json:"user_id,omitempty"`
	GuestEmail string `json:"guest_email,omitempty"`
	Role       Role   `json:"role"`
}
