package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pinehouse-stays/guest-messaging/internal/ledger"
	"github.com/pinehouse-stays/guest-messaging/internal/model"
	"github.com/pinehouse-stays/guest-messaging/internal/store"
	"github.com/pinehouse-stays/guest-messaging/pkg/logger"
	"github.com/pinehouse-stays/guest-messaging/pkg/metrics"
)

// MessageService is the message pipeline: it validates an inbound message,
// persists it atomically with its delivery fan-out, and hands the posted
// event to the notifier.
type MessageService struct {
	store    store.Store
	ledger   *ledger.Ledger
	notifier Notifier
	audit    AuditSink
	logger   *logger.Logger
}

// NewMessageService creates a message service.
func NewMessageService(st store.Store, led *ledger.Ledger, notifier Notifier, sink AuditSink, log *logger.Logger) *MessageService {
	if sink == nil {
		sink = NoopAudit()
	}
	return &MessageService{
		store:    st,
		ledger:   led,
		notifier: notifier,
		audit:    sink,
		logger:   log,
	}
}

// Post validates and persists a message, creates one delivery record per
// recipient (all participants except the sender, all starting in sent),
// and emits the posted event. Persistence and fan-out are atomic: a
// failure leaves no partial state. Push connectivity of recipients never
// affects the outcome the sender sees.
func (s *MessageService) Post(ctx context.Context, p model.Principal, conversationID string, req *model.PostMessageRequest) (*model.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Postable(p.Role) {
		return nil, fmt.Errorf("%w: %s", ErrConversationClosed, conversationID)
	}

	msgType := req.Type
	if msgType == "" {
		msgType = model.TypeText
	}
	if err := validateContent(msgType, req.Body, req.Attachments); err != nil {
		return nil, err
	}

	var replyTo *string
	if req.ReplyTo != "" {
		ref, err := s.store.GetMessage(ctx, req.ReplyTo)
		if err != nil || ref.ConversationID != conversationID {
			return nil, fmt.Errorf("%w: reply-to %s does not resolve in conversation %s", ErrInvalidReference, req.ReplyTo, conversationID)
		}
		r := req.ReplyTo
		replyTo = &r
	}

	sender := p.Identity()
	// No implicit participant creation: the sender must already be in the
	// conversation (the initiator is auto-added at open time).
	if msgType != model.TypeSystem {
		if _, err := s.store.GetParticipant(ctx, conversationID, sender); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: sender %s is not a participant", ErrForbidden, sender)
			}
			return nil, err
		}
	}

	now := time.Now()
	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Body:           req.Body,
		Type:           msgType,
		Attachments:    req.Attachments,
		ReplyTo:        replyTo,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if msgType == model.TypeSystem {
		msg.SenderName = "System"
	} else {
		msg.SenderName = p.Name
		msg.SenderEmail = p.Email
		if p.ID != "" {
			id := p.ID
			msg.SenderID = &id
		}
	}

	participants, err := s.store.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	var recipients []string
	records := make([]*model.DeliveryRecord, 0, len(participants))
	for _, participant := range participants {
		identity := participant.Identity()
		if identity == "" || identity == sender {
			continue
		}
		recipients = append(recipients, identity)
		records = append(records, &model.DeliveryRecord{
			MessageID: msg.ID,
			Recipient: identity,
			State:     model.DeliverySent,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if err := s.store.CreateMessage(ctx, msg, records); err != nil {
		audit(ctx, s.audit, sender, "message.post", "message", msg.ID, false)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: conversation or reply-to vanished", ErrInvalidReference)
		}
		return nil, fmt.Errorf("persist message: %w", err)
	}

	metrics.MessagesTotal.WithLabelValues(string(msgType)).Inc()
	s.logger.Info("message posted",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", conversationID),
		zap.Int("recipients", len(recipients)),
	)
	audit(ctx, s.audit, sender, "message.post", "message", msg.ID, true)

	if s.notifier != nil {
		s.notifier.MessagePosted(ctx, msg, recipients)
	}
	return msg, nil
}

// MarkRead flips the reader's delivery record to read and, when the record
// actually changed, pushes a read receipt to the sender. Re-reading is a
// no-op that emits nothing.
func (s *MessageService) MarkRead(ctx context.Context, p model.Principal, messageID string) (*model.DeliveryRecord, error) {
	reader := p.Identity()

	rec, changed, err := s.ledger.MarkRead(ctx, messageID, reader)
	if err != nil {
		return nil, err
	}

	if changed {
		now := time.Now()
		if err := s.store.TouchParticipant(ctx, reader, now); err != nil {
			s.logger.Warn("failed to touch participant on read", zap.String("reader", reader), zap.Error(err))
		}
		if s.notifier != nil {
			msg, err := s.store.GetMessage(ctx, messageID)
			if err == nil {
				readAt := now
				if rec.ReadAt != nil {
					readAt = *rec.ReadAt
				}
				s.notifier.MessageRead(ctx, msg, reader, readAt)
			}
		}
	}
	return rec, nil
}

// UnreadCount counts deliveries to the identity not yet read, for badge
// display.
func (s *MessageService) UnreadCount(ctx context.Context, identity string) (int, error) {
	return s.store.UnreadCount(ctx, identity)
}

func validateContent(t model.MessageType, body string, attachments []string) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidContent, t)
	}
	switch t {
	case model.TypeText, model.TypeSystem:
		if body == "" {
			return fmt.Errorf("%w: empty body for %s message", ErrInvalidContent, t)
		}
	case model.TypeImage, model.TypeFile:
		if len(attachments) == 0 {
			return fmt.Errorf("%w: %s message without attachments", ErrInvalidContent, t)
		}
	}
	return nil
}
