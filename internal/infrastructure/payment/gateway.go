package payment

import (
	"context"

	"purchase-ledger/internal/domain"
)

type CreateOrderRequest struct {
	Amount      int64
	Currency    string
	ReferenceID string
	BuyerID     string
	Description string
}

// PaymentGateway is the order-based payment API the ledger talks to. Every call may
// fail independently of local state; failures are *domain.GatewayError.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (domain.RemoteOrder, error)
	CaptureOrder(ctx context.Context, externalOrderID string) (domain.CaptureResult, error)
	GetOrder(ctx context.Context, externalOrderID string) (domain.RemoteOrder, error)
}
