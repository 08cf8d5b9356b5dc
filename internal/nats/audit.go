package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/pinehouse-stays/guest-messaging/internal/model"
	"github.com/pinehouse-stays/guest-messaging/pkg/metrics"
)

const (
	// AuditStreamName is the name of the append-only audit stream.
	AuditStreamName = "MESSAGING_AUDIT"

	// auditSubjectPrefix is the prefix for all audit subjects.
	auditSubjectPrefix = "audit"
)

// AuditSink publishes audit records to an append-only JetStream stream.
// Publish failures are logged and counted, never surfaced to the caller:
// an audit hiccup must not fail a close or a post.
type AuditSink struct {
	client *Client
}

// NewAuditSink creates an audit sink over a connected client.
func NewAuditSink(client *Client) *AuditSink {
	return &AuditSink{client: client}
}

// EnsureStream ensures the audit stream exists. Deletes and purges are
// denied: the audit trail is append-only.
func (s *AuditSink) EnsureStream(ctx context.Context) error {
	js := s.client.JetStream()

	_, err := js.Stream(ctx, AuditStreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        AuditStreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", auditSubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      2 * 365 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Audit trail for conversation and message actions",
	})
	if err != nil {
		return fmt.Errorf("failed to create audit stream: %w", err)
	}
	return nil
}

// Record publishes one audit record. Subject: audit.<action>.
func (s *AuditSink) Record(ctx context.Context, rec *model.AuditRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.client.logger.Error("failed to marshal audit record", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("%s.%s", auditSubjectPrefix, rec.Action)
	if _, err := s.client.JetStream().Publish(ctx, subject, data); err != nil {
		metrics.AuditPublishFailures.Inc()
		s.client.logger.Warn("failed to publish audit record",
			zap.String("action", rec.Action),
			zap.String("resource_id", rec.ResourceID),
			zap.Error(err),
		)
	}
}
