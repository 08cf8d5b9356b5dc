package model

import (
	"time"
)

// DeliveryState represents per-recipient delivery progress for one message.
// States are ordered: sent < delivered < read. failed is terminal and only
// reachable from sent or delivered.
type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
	DeliveryFailed    DeliveryState = "failed"
)

// Rank returns the ordering of a state. Higher ranked states dominate when
// transitions race; a transition never moves to a lower rank.
func (s DeliveryState) Rank() int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	}
	return 0
}

// DeliveryRecord tracks delivery/read state for one (message, recipient) pair.
type DeliveryRecord struct {
	MessageID   string        `json:"message_id"`
	Recipient   string        `json:"recipient"`
	State       DeliveryState `json:"state"`
	Reason      string        `json:"reason,omitempty"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	ReadAt      *time.Time    `json:"read_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// PendingDelivery pairs an undelivered message with its delivery record,
// produced by the backfill sweep in creation order.
type PendingDelivery struct {
	Message *Message        `json:"message"`
	Record  *DeliveryRecord `json:"record"`
}
