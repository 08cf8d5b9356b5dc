// Package store defines the persistence boundary for conversations,
// participants, messages and delivery records, with in-memory and SQLite
// implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pinehouse-stays/guest-messaging/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a delivery transition targets a
// state that is not reachable from any current state (e.g. back to sent).
var ErrInvalidTransition = errors.New("invalid delivery transition")

// Store is the persistence boundary. Implementations must enforce the data
// invariants at this boundary: one participant row per (conversation,
// identity) pair, no dangling reply references, and atomic message +
// delivery fan-out.
type Store interface {
	// Conversations. Rows are mutated only through UpdateConversation.
	CreateConversation(ctx context.Context, c *model.Conversation) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// FindOpenByInitiator returns the most recent non-closed conversation
	// opened by the given identity, or ErrNotFound.
	FindOpenByInitiator(ctx context.Context, identity string) (*model.Conversation, error)
	UpdateConversation(ctx context.Context, c *model.Conversation) error
	ListConversations(ctx context.Context, f model.ConversationFilter) ([]*model.Conversation, int, error)
	// ConversationsFor returns all conversations the identity participates in.
	ConversationsFor(ctx context.Context, identity string) ([]*model.Conversation, error)
	// ConversationStats returns message count, unread count for the viewer,
	// and the most recent message of a conversation.
	ConversationStats(ctx context.Context, conversationID, viewer string) (int, int, *model.Message, error)

	// Participants. AddParticipant is idempotent: adding an existing
	// (conversation, identity) pair reports false with no error.
	AddParticipant(ctx context.Context, p *model.Participant) (bool, error)
	GetParticipant(ctx context.Context, conversationID, identity string) (*model.Participant, error)
	ListParticipants(ctx context.Context, conversationID string) ([]*model.Participant, error)
	// TouchParticipant updates last-seen for every participant row of the
	// identity.
	TouchParticipant(ctx context.Context, identity string, at time.Time) error

	// Messages. CreateMessage persists the message, its delivery records
	// and the conversation last-activity bump atomically: either all
	// become visible or none do.
	CreateMessage(ctx context.Context, m *model.Message, records []*model.DeliveryRecord) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*model.Message, error)

	// Deliveries. TransitionDelivery applies the monotonic compare-and-set
	// rule; the returned bool reports whether the row changed.
	GetDelivery(ctx context.Context, messageID, recipient string) (*model.DeliveryRecord, error)
	TransitionDelivery(ctx context.Context, messageID, recipient string, to model.DeliveryState, reason string) (*model.DeliveryRecord, bool, error)
	// PendingDeliveries returns all records in state "sent" for the
	// recipient with their messages, ordered by message creation time
	// ascending (tie-broken by insertion sequence). Read-only.
	PendingDeliveries(ctx context.Context, recipient string) ([]*model.PendingDelivery, error)
	// UnreadCount counts deliveries to the identity not yet read.
	UnreadCount(ctx context.Context, identity string) (int, error)

	Close() error
}

// applyTransition applies the compare-and-set rule to a record in place and
// reports whether it changed. The rule: state rank never decreases, failed
// is terminal and reachable only from sent or delivered, and re-applying a
// reached state is a no-op.
func applyTransition(rec *model.DeliveryRecord, to model.DeliveryState, reason string, now time.Time) (bool, error) {
	if rec.State == model.DeliveryFailed {
		return false, nil
	}
	switch to {
	case model.DeliveryFailed:
		if rec.State == model.DeliveryRead {
			return false, nil
		}
		rec.State = model.DeliveryFailed
		rec.Reason = reason
		rec.UpdatedAt = now
		return true, nil
	case model.DeliveryDelivered, model.DeliveryRead:
		if to.Rank() <= rec.State.Rank() {
			return false, nil
		}
		rec.State = to
		rec.UpdatedAt = now
		if to == model.DeliveryDelivered {
			rec.DeliveredAt = &now
		} else {
			rec.ReadAt = &now
		}
		return true, nil
	}
	return false, ErrInvalidTransition
}
