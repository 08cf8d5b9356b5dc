package service

import (
	"context"
	"time"

	"github.com/pinehouse-stays/guest-messaging/internal/model"
)

// AuditSink receives audit records for conversation close/reopen/assign
// and message posting. Storage format is external to the core.
type AuditSink interface {
	Record(ctx context.Context, rec *model.AuditRecord)
}

// Notifier receives domain events for push fan-out.
type Notifier interface {
	MessagePosted(ctx context.Context, msg *model.Message, recipients []string)
	MessageRead(ctx context.Context, msg *model.Message, reader string, readAt time.Time)
	NewConversation(ctx context.Context, conv *model.Conversation)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, *model.AuditRecord) {}

// NoopAudit returns an audit sink that drops everything, used when no
// sink is configured.
func NoopAudit() AuditSink {
	return noopAudit{}
}

func audit(ctx context.Context, sink AuditSink, actor, action, resource, resourceID string, success bool) {
	if sink == nil {
		return
	}
	sink.Record(ctx, &model.AuditRecord{
		Actor:      actor,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Success:    success,
		At:         time.Now(),
	})
}
