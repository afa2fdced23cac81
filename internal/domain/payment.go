package domain

import (
	"errors"
	"fmt"
)

// RemoteStatus is the order status as reported by the payment gateway.
type RemoteStatus string

const (
	RemoteCreated   RemoteStatus = "CREATED"
	RemoteApproved  RemoteStatus = "APPROVED"
	RemoteCompleted RemoteStatus = "COMPLETED"
	RemoteVoided    RemoteStatus = "VOIDED"
	RemoteDeclined  RemoteStatus = "DECLINED"
	// RemoteNotFound is reported for orders the gateway no longer knows, e.g. expired
	// checkouts the buyer never approved.
	RemoteNotFound RemoteStatus = "NOT_FOUND"
)

type RemoteOrder struct {
	ID             string
	Status         RemoteStatus
	CaptureID      string
	CapturedAmount int64
	Currency       string
}

// Capture returns what the gateway took for a completed order.
func (r RemoteOrder) Capture() Capture {
	return Capture{ID: r.CaptureID, Amount: r.CapturedAmount, Currency: r.Currency}
}

type CaptureResult struct {
	ExternalOrderID string       `json:"external_order_id"`
	CaptureID       string       `json:"capture_id,omitempty"`
	Status          RemoteStatus `json:"status"`
	Amount          int64        `json:"amount"`
	Currency        string       `json:"currency"`
}

// GatewayError is returned for every failed payment gateway call.
type GatewayError struct {
	Op        string
	Reason    string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("payment gateway %s: %s", e.Op, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrGateway}
	}
	return []error{ErrGateway, e.Err}
}

// AsGatewayError normalises any adapter error into a *GatewayError.
func AsGatewayError(op string, err error) *GatewayError {
	if err == nil {
		return nil
	}
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr
	}
	return &GatewayError{Op: op, Reason: "request failed", Retryable: true, Err: err}
}
