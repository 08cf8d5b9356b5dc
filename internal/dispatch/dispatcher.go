// Package dispatch turns domain events into typed push envelopes and
// drives delivery state through the ledger.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pinehouse-stays/guest-messaging/internal/ledger"
	"github.com/pinehouse-stays/guest-messaging/internal/model"
	"github.com/pinehouse-stays/guest-messaging/internal/registry"
	"github.com/pinehouse-stays/guest-messaging/internal/store"
	"github.com/pinehouse-stays/guest-messaging/pkg/logger"
	"github.com/pinehouse-stays/guest-messaging/pkg/metrics"
)

// Sessions is the slice of the connection registry the dispatcher needs.
type Sessions interface {
	SessionsFor(identity string) []registry.Session
	Unregister(ctx context.Context, s registry.Session)
	BroadcastAdmins(ctx context.Context, env *model.Envelope)
}

// Dispatcher consumes domain events (message posted, message read,
// out-of-band alerts) and pushes envelopes to live sessions. Session lists
// are snapshotted before pushing; no registry or ledger lock is held
// across push I/O.
type Dispatcher struct {
	sessions    Sessions
	ledger      *ledger.Ledger
	store       store.Store
	logger      *logger.Logger
	pushTimeout time.Duration
}

// New creates a dispatcher.
func New(sessions Sessions, led *ledger.Ledger, st store.Store, log *logger.Logger, pushTimeout time.Duration) *Dispatcher {
	if pushTimeout <= 0 {
		pushTimeout = 5 * time.Second
	}
	return &Dispatcher{
		sessions:    sessions,
		ledger:      led,
		store:       st,
		logger:      log,
		pushTimeout: pushTimeout,
	}
}

// MessagePosted fans a freshly persisted message out to every recipient's
// live sessions, flipping each reached recipient's ledger row to
// delivered. Offline recipients are left in sent for the backfill sweep.
func (d *Dispatcher) MessagePosted(ctx context.Context, msg *model.Message, recipients []string) {
	payload := &model.MessagePayload{
		ConversationID: msg.ConversationID,
		Message:        msg,
	}
	for _, recipient := range recipients {
		env := model.NewEnvelope(model.EnvelopeMessage, recipient, payload)
		if d.deliver(ctx, recipient, env) {
			if _, err := d.ledger.MarkDelivered(ctx, msg.ID, recipient); err != nil {
				d.logger.Warn("mark delivered failed",
					zap.String("message_id", msg.ID),
					zap.String("recipient", recipient),
					zap.Error(err),
				)
			}
		}
	}
}

// MessageRead pushes a read receipt to the sender's live sessions only.
func (d *Dispatcher) MessageRead(ctx context.Context, msg *model.Message, reader string, readAt time.Time) {
	sender := msg.SenderIdentity()
	if sender == "" || sender == reader {
		return
	}
	env := model.NewEnvelope(model.EnvelopeReadReceipt, sender, &model.ReadReceiptPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Reader:         reader,
		ReadAt:         readAt,
	})
	d.deliver(ctx, sender, env)
}

// NewConversation notifies all live staff sessions of a freshly opened
// thread so it appears on the dashboard without polling.
func (d *Dispatcher) NewConversation(ctx context.Context, conv *model.Conversation) {
	d.sessions.BroadcastAdmins(ctx, model.NewEnvelope(model.EnvelopeNewConversation, "", conv))
}

// Alert pushes an out-of-band notice (e.g. a referral credit celebration)
// to the target's live sessions. Alerts are not tied to a message and are
// never tracked by the ledger; an offline target simply misses it.
func (d *Dispatcher) Alert(ctx context.Context, target, kind string, data map[string]any) {
	env := model.NewEnvelope(model.EnvelopeAlert, target, &model.AlertPayload{
		Kind: kind,
		Data: data,
	})
	if !d.deliver(ctx, target, env) {
		d.logger.Debug("alert target offline",
			zap.String("target", target),
			zap.String("kind", kind),
		)
	}
}

// Typing relays a typing indicator to the other participants of a
// conversation. Best-effort, never persisted.
func (d *Dispatcher) Typing(ctx context.Context, conversationID, from string, typing bool) {
	parts, err := d.store.ListParticipants(ctx, conversationID)
	if err != nil {
		return
	}
	payload := &model.TypingPayload{
		ConversationID: conversationID,
		Identity:       from,
		Typing:         typing,
	}
	for _, p := range parts {
		target := p.Identity()
		if target == "" || target == from {
			continue
		}
		d.deliver(ctx, target, model.NewEnvelope(model.EnvelopeTyping, target, payload))
	}
}

// Backfill sweeps the recipient's pending (sent) records into one freshly
// registered session, in creation order, flipping each to delivered. If
// the session dies mid-sweep the rest stay sent for the next attempt.
func (d *Dispatcher) Backfill(ctx context.Context, identity string, s registry.Session) {
	pending, err := d.ledger.PendingFor(ctx, identity)
	if err != nil {
		d.logger.Error("backfill sweep failed", zap.String("identity", identity), zap.Error(err))
		return
	}

	for _, pd := range pending {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env := model.NewEnvelope(model.EnvelopeMessage, identity, &model.MessagePayload{
			ConversationID: pd.Message.ConversationID,
			Message:        pd.Message,
		})
		if err := d.push(ctx, s, env); err != nil {
			d.sessions.Unregister(ctx, s)
			return
		}
		if _, err := d.ledger.MarkDelivered(ctx, pd.Message.ID, identity); err != nil {
			d.logger.Warn("backfill mark delivered failed",
				zap.String("message_id", pd.Message.ID),
				zap.String("identity", identity),
				zap.Error(err),
			)
		}
		metrics.BackfillDeliveries.Inc()
	}

	if len(pending) > 0 {
		d.logger.Info("backfill sweep complete",
			zap.String("identity", identity),
			zap.Int("delivered", len(pending)),
		)
	}
}

// deliver pushes an envelope to every live session of the target. A failed
// session is unregistered and the push retried against the rest. Reports
// whether at least one session received the envelope; false with no
// sessions is the signal to fall back to persisted state, not an error.
func (d *Dispatcher) deliver(ctx context.Context, target string, env *model.Envelope) bool {
	sessions := d.sessions.SessionsFor(target)
	if len(sessions) == 0 {
		return false
	}

	delivered := false
	for _, s := range sessions {
		if err := d.push(ctx, s, env); err != nil {
			metrics.PushFailures.Inc()
			d.sessions.Unregister(ctx, s)
			continue
		}
		delivered = true
	}
	return delivered
}

func (d *Dispatcher) push(ctx context.Context, s registry.Session, env *model.Envelope) error {
	pushCtx, cancel := context.WithTimeout(ctx, d.pushTimeout)
	defer cancel()
	return s.Send(pushCtx, env)
}
