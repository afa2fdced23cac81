package domain

import (
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderPaid       OrderStatus = "PAID"
	OrderCancelled  OrderStatus = "CANCELLED"
	OrderSuperseded OrderStatus = "SUPERSEDED"
)

var validNext = map[OrderStatus]map[OrderStatus]bool{
	OrderPending:    {OrderPaid: true, OrderCancelled: true, OrderSuperseded: true},
	OrderPaid:       {},
	OrderCancelled:  {},
	OrderSuperseded: {},
}

// CanTransition reports whether an order may move from one status to another.
// Re-applying PAID to a paid order is allowed so capture stays idempotent.
func CanTransition(from, to OrderStatus) bool {
	if from == OrderPaid && to == OrderPaid {
		return true
	}
	return validNext[from][to]
}

func (s OrderStatus) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s OrderStatus) Terminal() bool {
	return s == OrderPaid || s == OrderCancelled || s == OrderSuperseded
}

// Closed statuses ended without payment.
func (s OrderStatus) Closed() bool {
	return s == OrderCancelled || s == OrderSuperseded
}

// Live statuses occupy the (buyer, product) slot.
func (s OrderStatus) Live() bool {
	return s == OrderPending || s == OrderPaid
}

type Order struct {
	ID              uuid.UUID
	BuyerID         string
	ProductID       string
	Status          OrderStatus
	ExternalOrderID string
	Amount          int64
	Currency        string
	CaptureID       string
	CapturedAmount  int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	VendorPaidOn    *time.Time
}

func NewPendingOrder(buyerID, productID, externalOrderID string, amount int64, currency string) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:              uuid.New(),
		BuyerID:         buyerID,
		ProductID:       productID,
		Status:          OrderPending,
		ExternalOrderID: externalOrderID,
		Amount:          amount,
		Currency:        currency,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Capture is what the gateway reported when funds were taken.
type Capture struct {
	ID       string
	Amount   int64
	Currency string
}

// Purchase is the buyer-facing view of a paid order.
type Purchase struct {
	OrderID     uuid.UUID `json:"id"`
	ProductID   string    `json:"product_id"`
	ProductName string    `json:"product_name"`
	VendorID    string    `json:"vendor_id"`
	Status      string    `json:"status"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	CreatedAt   time.Time `json:"created_at"`
}

// VendorPurchase is an order on one of a vendor's products.
type VendorPurchase struct {
	OrderID         uuid.UUID `json:"id"`
	ProductID       string    `json:"product_id"`
	ProductName     string    `json:"product_name"`
	Price           int64     `json:"price"`
	BuyerID         string    `json:"buyer_id"`
	Status          string    `json:"status"`
	ExternalOrderID string    `json:"external_order_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// VendorSummary aggregates a vendor's sales that have not been paid out yet.
type VendorSummary struct {
	ProductCount  int
	CustomerCount int
	UnpaidOrders  int
	UnpaidGross   int64
}
