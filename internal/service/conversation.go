package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pinehouse-stays/guest-messaging/internal/model"
	"github.com/pinehouse-stays/guest-messaging/internal/store"
	"github.com/pinehouse-stays/guest-messaging/pkg/logger"
	"github.com/pinehouse-stays/guest-messaging/pkg/metrics"
)

// ConversationService owns conversation and participant records and the
// conversation state machine: pending -> active (on assignment),
// active <-> closed (staff close/reopen), pending -> closed.
type ConversationService struct {
	store    store.Store
	notifier Notifier
	audit    AuditSink
	logger   *logger.Logger
}

// NewConversationService creates a conversation service.
func NewConversationService(st store.Store, notifier Notifier, sink AuditSink, log *logger.Logger) *ConversationService {
	if sink == nil {
		sink = NoopAudit()
	}
	return &ConversationService{
		store:    st,
		notifier: notifier,
		audit:    sink,
		logger:   log,
	}
}

// OpenOrReuse returns the initiator's existing non-closed conversation, or
// creates one in pending status. Staff-initiated calls bypass the reuse
// check and always open a fresh thread. The reported bool is true when a
// new conversation was created.
func (s *ConversationService) OpenOrReuse(ctx context.Context, p model.Principal, subject string) (*model.Conversation, bool, error) {
	identity := p.Identity()
	if identity == "" {
		return nil, false, fmt.Errorf("%w: initiator has no identity", ErrInvalidContent)
	}

	if !p.Staff() {
		existing, err := s.store.FindOpenByInitiator(ctx, identity)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	now := time.Now()
	conv := &model.Conversation{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Subject:       subject,
		Status:        model.StatusPending,
		Priority:      model.PriorityMedium,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if p.ID != "" {
		id := p.ID
		conv.UserID = &id
	} else {
		email := p.Email
		conv.GuestEmail = &email
		if p.Name != "" {
			name := p.Name
			conv.GuestName = &name
		}
	}

	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}

	// The initiator is the only participant auto-added; everyone else
	// joins through AddParticipant.
	participant := &model.Participant{
		ConversationID: conv.ID,
		Role:           p.Role,
		JoinedAt:       now,
		Notify:         true,
	}
	if p.ID != "" {
		id := p.ID
		participant.UserID = &id
	} else {
		email := p.Email
		participant.GuestEmail = &email
	}
	if _, err := s.store.AddParticipant(ctx, participant); err != nil {
		return nil, false, fmt.Errorf("add initiator participant: %w", err)
	}

	metrics.ConversationsTotal.Inc()
	s.logger.Info("conversation opened",
		zap.String("conversation_id", conv.ID),
		zap.String("initiator", identity),
	)
	audit(ctx, s.audit, identity, "conversation.open", "conversation", conv.ID, true)
	if s.notifier != nil {
		s.notifier.NewConversation(ctx, conv)
	}
	return conv, true, nil
}

// Assign sets the assigned staff member and moves pending -> active.
// Assigning the same staff again is a no-op.
func (s *ConversationService) Assign(ctx context.Context, p model.Principal, conversationID, staffID string) (*model.Conversation, error) {
	if !p.Staff() {
		audit(ctx, s.audit, p.Identity(), "conversation.assign", "conversation", conversationID, false)
		return nil, fmt.Errorf("%w: only staff may assign conversations", ErrForbidden)
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.AssignedTo != nil && *conv.AssignedTo == staffID {
		return conv, nil
	}

	conv.AssignedTo = &staffID
	if conv.Status == model.StatusPending {
		conv.Status = model.StatusActive
	}
	conv.UpdatedAt = time.Now()
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, err
	}

	// Assignment makes the staff member a participant so they can post
	// and receive deliveries.
	staff := staffID
	if _, err := s.store.AddParticipant(ctx, &model.Participant{
		ConversationID: conversationID,
		UserID:         &staff,
		Role:           model.RoleAdmin,
		JoinedAt:       time.Now(),
		Notify:         true,
	}); err != nil {
		return nil, fmt.Errorf("add assigned participant: %w", err)
	}

	audit(ctx, s.audit, p.Identity(), "conversation.assign", "conversation", conversationID, true)
	return conv, nil
}

// Close moves the conversation to closed. Guests without a staff
// participant role in the conversation get ErrForbidden. Closing an
// already closed conversation is a no-op.
func (s *ConversationService) Close(ctx context.Context, p model.Principal, conversationID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if !s.actorIsStaff(ctx, p, conversationID) {
		audit(ctx, s.audit, p.Identity(), "conversation.close", "conversation", conversationID, false)
		return nil, fmt.Errorf("%w: guests may not close conversations", ErrForbidden)
	}

	if conv.Status == model.StatusClosed {
		return conv, nil
	}
	conv.Status = model.StatusClosed
	conv.UpdatedAt = time.Now()
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, err
	}

	audit(ctx, s.audit, p.Identity(), "conversation.close", "conversation", conversationID, true)
	return conv, nil
}

// Reopen moves closed -> active. Staff only; a non-closed conversation is
// returned unchanged.
func (s *ConversationService) Reopen(ctx context.Context, p model.Principal, conversationID string) (*model.Conversation, error) {
	if !p.Staff() {
		audit(ctx, s.audit, p.Identity(), "conversation.reopen", "conversation", conversationID, false)
		return nil, fmt.Errorf("%w: only staff may reopen conversations", ErrForbidden)
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != model.StatusClosed {
		return conv, nil
	}

	conv.Status = model.StatusActive
	conv.UpdatedAt = time.Now()
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, err
	}

	audit(ctx, s.audit, p.Identity(), "conversation.reopen", "conversation", conversationID, true)
	return conv, nil
}

// Archive flags the conversation archived. Archived threads drop out of
// default listings; nothing is ever purged.
func (s *ConversationService) Archive(ctx context.Context, p model.Principal, conversationID string) (*model.Conversation, error) {
	if !p.Staff() {
		return nil, fmt.Errorf("%w: only staff may archive conversations", ErrForbidden)
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Archived {
		return conv, nil
	}

	conv.Archived = true
	conv.UpdatedAt = time.Now()
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, err
	}
	audit(ctx, s.audit, p.Identity(), "conversation.archive", "conversation", conversationID, true)
	return conv, nil
}

// AddParticipant adds an identity to a conversation. Duplicate adds are a
// no-op, not an error. Staff only.
func (s *ConversationService) AddParticipant(ctx context.Context, p model.Principal, conversationID string, req *model.AddParticipantRequest) (*model.Participant, error) {
	if !p.Staff() {
		return nil, fmt.Errorf("%w: only staff may add participants", ErrForbidden)
	}
	if !req.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidContent, req.Role)
	}
	if req.UserID == "" && req.GuestEmail == "" {
		return nil, fmt.Errorf("%w: participant needs a user id or guest email", ErrInvalidContent)
	}

	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	participant := &model.Participant{
		ConversationID: conversationID,
		Role:           req.Role,
		JoinedAt:       time.Now(),
		Notify:         true,
	}
	if req.UserID != "" {
		id := req.UserID
		participant.UserID = &id
	} else {
		email := req.GuestEmail
		participant.GuestEmail = &email
	}
	if _, err := s.store.AddParticipant(ctx, participant); err != nil {
		return nil, err
	}
	return participant, nil
}

// ListParticipants returns the participants of a conversation.
func (s *ConversationService) ListParticipants(ctx context.Context, conversationID string) ([]*model.Participant, error) {
	return s.store.ListParticipants(ctx, conversationID)
}

// Get returns a conversation with messages and participants. Access is
// limited to staff, participants, and the initiator.
func (s *ConversationService) Get(ctx context.Context, p model.Principal, conversationID string) (*model.ConversationDetail, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	identity := p.Identity()
	if !p.Staff() && conv.InitiatorIdentity() != identity {
		if _, err := s.store.GetParticipant(ctx, conversationID, identity); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
	}

	messages, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &model.ConversationDetail{
		Conversation: conv,
		Messages:     messages,
		Participants: participants,
	}, nil
}

// List returns conversation summaries. Staff see everything matching the
// filter; guests see only their own threads.
func (s *ConversationService) List(ctx context.Context, p model.Principal, f model.ConversationFilter) (*model.ListConversationsResponse, error) {
	viewer := p.Identity()

	var convs []*model.Conversation
	var total int
	var err error
	if p.Staff() {
		convs, total, err = s.store.ListConversations(ctx, f)
	} else {
		convs, err = s.store.ConversationsFor(ctx, viewer)
		total = len(convs)
	}
	if err != nil {
		return nil, err
	}

	summaries := make([]model.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		msgCount, unread, last, err := s.store.ConversationStats(ctx, conv.ID, viewer)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, model.ConversationSummary{
			Conversation: *conv,
			MessageCount: msgCount,
			UnreadCount:  unread,
			LastMessage:  last,
		})
	}
	return &model.ListConversationsResponse{
		Conversations: summaries,
		Total:         total,
	}, nil
}

// GuestLookup resumes the most recent open thread for a guest contact.
func (s *ConversationService) GuestLookup(ctx context.Context, email string) (*model.ConversationDetail, error) {
	conv, err := s.store.FindOpenByInitiator(ctx, model.GuestIdentity(email))
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return &model.ConversationDetail{
		Conversation: conv,
		Messages:     messages,
		Participants: participants,
	}, nil
}

// actorIsStaff reports whether the principal is staff globally or holds a
// staff participant role inside the conversation.
func (s *ConversationService) actorIsStaff(ctx context.Context, p model.Principal, conversationID string) bool {
	if p.Staff() {
		return true
	}
	participant, err := s.store.GetParticipant(ctx, conversationID, p.Identity())
	if err != nil {
		return false
	}
	return participant.Role.Staff()
}
