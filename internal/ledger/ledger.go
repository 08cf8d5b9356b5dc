// Package ledger tracks per-recipient delivery state for messages.
// Transitions are monotonic (sent -> delivered -> read, with failed
// reachable from sent or delivered) and never move backward; re-applying a
// reached state is a no-op.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pinehouse-stays/guest-messaging/internal/model"
	"github.com/pinehouse-stays/guest-messaging/internal/store"
	"github.com/pinehouse-stays/guest-messaging/pkg/logger"
	"github.com/pinehouse-stays/guest-messaging/pkg/metrics"
)

// ErrUnknownRecord is returned when no delivery record exists for the
// given (message, recipient) pair.
var ErrUnknownRecord = errors.New("unknown delivery record")

// Ledger applies delivery transitions through the store's compare-and-set.
type Ledger struct {
	store  store.Store
	logger *logger.Logger
}

// New creates a ledger over the given store.
func New(st store.Store, log *logger.Logger) *Ledger {
	return &Ledger{store: st, logger: log}
}

// MarkDelivered moves sent -> delivered. Already delivered or read records
// are left unchanged and returned as-is.
func (l *Ledger) MarkDelivered(ctx context.Context, messageID, recipient string) (*model.DeliveryRecord, error) {
	rec, changed, err := l.transition(ctx, messageID, recipient, model.DeliveryDelivered, "")
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.DeliveryTransitions.WithLabelValues(string(model.DeliveryDelivered)).Inc()
	}
	return rec, nil
}

// MarkRead moves sent or delivered -> read. The returned bool reports
// whether the record changed, so callers emit at most one read receipt.
func (l *Ledger) MarkRead(ctx context.Context, messageID, recipient string) (*model.DeliveryRecord, bool, error) {
	rec, changed, err := l.transition(ctx, messageID, recipient, model.DeliveryRead, "")
	if err != nil {
		return nil, false, err
	}
	if changed {
		metrics.DeliveryTransitions.WithLabelValues(string(model.DeliveryRead)).Inc()
	}
	return rec, changed, nil
}

// MarkFailed moves sent or delivered -> failed. Failed is terminal: the
// ledger never retries a failed record; a fresh delivery attempt is the
// dispatcher's responsibility.
func (l *Ledger) MarkFailed(ctx context.Context, messageID, recipient, reason string) (*model.DeliveryRecord, error) {
	rec, changed, err := l.transition(ctx, messageID, recipient, model.DeliveryFailed, reason)
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.DeliveryTransitions.WithLabelValues(string(model.DeliveryFailed)).Inc()
		l.logger.Warn("delivery marked failed",
			zap.String("message_id", messageID),
			zap.String("recipient", recipient),
			zap.String("reason", reason),
		)
	}
	return rec, nil
}

// PendingFor returns all records still in state sent for the recipient,
// with their messages, in creation order. Safe to call repeatedly; does
// not mutate state.
func (l *Ledger) PendingFor(ctx context.Context, recipient string) ([]*model.PendingDelivery, error) {
	pending, err := l.store.PendingDeliveries(ctx, recipient)
	if err != nil {
		return nil, fmt.Errorf("pending deliveries for %s: %w", recipient, err)
	}
	return pending, nil
}

func (l *Ledger) transition(ctx context.Context, messageID, recipient string, to model.DeliveryState, reason string) (*model.DeliveryRecord, bool, error) {
	rec, changed, err := l.store.TransitionDelivery(ctx, messageID, recipient, to, reason)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: message %s recipient %s", ErrUnknownRecord, messageID, recipient)
	}
	if err != nil {
		return nil, false, err
	}
	return rec, changed, nil
}
