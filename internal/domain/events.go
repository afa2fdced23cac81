package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderStarted    = "order.started"
	EventOrderPaid       = "order.paid"
	EventOrderCancelled  = "order.cancelled"
	EventOrderSuperseded = "order.superseded"
	// EventRefundRequired is emitted when funds were captured for an order that had
	// already been cancelled or superseded.
	EventRefundRequired = "order.refund_required"
)

// EventForStatus maps a status the order moved into to its event type.
func EventForStatus(s OrderStatus) string {
	switch s {
	case OrderPaid:
		return EventOrderPaid
	case OrderCancelled:
		return EventOrderCancelled
	case OrderSuperseded:
		return EventOrderSuperseded
	default:
		return EventOrderStarted
	}
}

type OrderEvent struct {
	EventID         string      `json:"event_id"`
	EventType       string      `json:"event_type"`
	OccurredAt      time.Time   `json:"occurred_at"`
	OrderID         uuid.UUID   `json:"order_id"`
	ExternalOrderID string      `json:"external_order_id"`
	BuyerID         string      `json:"buyer_id"`
	ProductID       string      `json:"product_id"`
	Status          OrderStatus `json:"status"`
	Amount          int64       `json:"amount"`
	Currency        string      `json:"currency"`
	CaptureID       string      `json:"capture_id,omitempty"`
	CapturedAmount  int64       `json:"captured_amount,omitempty"`
}

func NewOrderEvent(o *Order) OrderEvent {
	return OrderEvent{
		EventID:         uuid.NewString(),
		EventType:       EventForStatus(o.Status),
		OccurredAt:      time.Now().UTC(),
		OrderID:         o.ID,
		ExternalOrderID: o.ExternalOrderID,
		BuyerID:         o.BuyerID,
		ProductID:       o.ProductID,
		Status:          o.Status,
		Amount:          o.Amount,
		Currency:        o.Currency,
		CaptureID:       o.CaptureID,
		CapturedAmount:  o.CapturedAmount,
	}
}

// NewRefundEvent asks downstream payment operations to refund a capture that
// landed on a closed order.
func NewRefundEvent(o *Order) OrderEvent {
	ev := NewOrderEvent(o)
	ev.EventType = EventRefundRequired
	return ev
}

// OutboxRecord is an event persisted alongside the state change that produced it.
type OutboxRecord struct {
	ID        int64
	EventID   string
	Topic     string
	Key       string
	Payload   json.RawMessage
	CreatedAt time.Time
	SentAt    *time.Time
}

func NewOutboxRecord(ev OrderEvent) (OutboxRecord, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return OutboxRecord{}, err
	}
	return OutboxRecord{
		EventID:   ev.EventID,
		Topic:     ev.EventType,
		Key:       ev.OrderID.String(),
		Payload:   payload,
		CreatedAt: ev.OccurredAt,
	}, nil
}
