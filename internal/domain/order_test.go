package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderPending, OrderPaid, true},
		{OrderPending, OrderCancelled, true},
		{OrderPending, OrderSuperseded, true},
		{OrderPending, OrderPending, false},
		{OrderPaid, OrderPaid, true},
		{OrderPaid, OrderCancelled, false},
		{OrderPaid, OrderPending, false},
		{OrderCancelled, OrderPaid, false},
		{OrderCancelled, OrderPending, false},
		{OrderSuperseded, OrderPaid, false},
		{OrderStatus("BOGUS"), OrderPaid, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestOrderStatusClasses(t *testing.T) {
	assert.False(t, OrderPending.Terminal())
	assert.True(t, OrderPaid.Terminal())
	assert.True(t, OrderCancelled.Terminal())
	assert.True(t, OrderSuperseded.Terminal())

	assert.True(t, OrderPending.Live())
	assert.True(t, OrderPaid.Live())
	assert.False(t, OrderCancelled.Live())
	assert.False(t, OrderSuperseded.Live())

	assert.True(t, OrderCancelled.Closed())
	assert.True(t, OrderSuperseded.Closed())
	assert.False(t, OrderPaid.Closed())
	assert.False(t, OrderPending.Closed())

	assert.False(t, OrderStatus("").Valid())
}

func TestNewPendingOrder(t *testing.T) {
	o := NewPendingOrder("buyer-1", "prod-1", "EC-1", 2500, "USD")

	assert.Equal(t, OrderPending, o.Status)
	assert.Equal(t, int64(2500), o.Amount)
	assert.Equal(t, "EC-1", o.ExternalOrderID)
	assert.NotEqual(t, o.ID.String(), "00000000-0000-0000-0000-000000000000")
	assert.Nil(t, o.VendorPaidOn)
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrAlreadyPurchased, "conflict"},
		{ErrInvalidTransition, "conflict"},
		{ErrCapturedAfterClose, "conflict"},
		{ErrOrderNotFound, "not_found"},
		{Validation("bad %s", "id"), "validation"},
		{ErrNotEntitled, "forbidden"},
		{&GatewayError{Op: "create", Reason: "timeout"}, "gateway"},
		{errors.New("disk full"), "internal"},
		{fmt.Errorf("wrapped: %w", ErrUnauthenticated), "unauthenticated"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err))
	}
}

func TestInternalKeepsClassifiedErrors(t *testing.T) {
	assert.Nil(t, Internal(nil))
	assert.Same(t, ErrAlreadyPurchased, Internal(ErrAlreadyPurchased))

	err := Internal(errors.New("connection reset"))
	assert.ErrorIs(t, err, ErrInternal)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Same(t, err, Internal(err))
}

func TestGatewayErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := fmt.Errorf("start order: %w", &GatewayError{Op: "create_order", Reason: "network", Retryable: true, Err: cause})

	assert.ErrorIs(t, err, ErrGateway)
	assert.ErrorIs(t, err, cause)

	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.True(t, gerr.Retryable)
	assert.Equal(t, "payment gateway create_order: network: dial tcp: i/o timeout", gerr.Error())

	assert.Same(t, gerr, AsGatewayError("capture", err))
	wrapped := AsGatewayError("capture", cause)
	assert.Equal(t, "capture", wrapped.Op)
	assert.True(t, wrapped.Retryable)
	assert.Nil(t, AsGatewayError("capture", nil))
}

func TestOutboxRecordFromEvent(t *testing.T) {
	o := NewPendingOrder("buyer-1", "prod-1", "EC-9", 100, "USD")
	o.Status = OrderPaid

	rec, err := NewOutboxRecord(NewOrderEvent(o))
	require.NoError(t, err)
	assert.Equal(t, EventOrderPaid, rec.Topic)
	assert.Equal(t, o.ID.String(), rec.Key)
	assert.Contains(t, string(rec.Payload), `"external_order_id":"EC-9"`)
}

func TestRefundEventCarriesCapture(t *testing.T) {
	o := NewPendingOrder("buyer-1", "prod-1", "EC-3", 700, "USD")
	o.Status = OrderCancelled
	o.CaptureID = "CAP-7"
	o.CapturedAmount = 700

	rec, err := NewOutboxRecord(NewRefundEvent(o))
	require.NoError(t, err)
	assert.Equal(t, EventRefundRequired, rec.Topic)
	assert.Contains(t, string(rec.Payload), `"status":"CANCELLED"`)
	assert.Contains(t, string(rec.Payload), `"capture_id":"CAP-7"`)
	assert.Contains(t, string(rec.Payload), `"captured_amount":700`)

	capture := RemoteOrder{ID: "EC-3", Status: RemoteCompleted, CaptureID: "CAP-7", CapturedAmount: 700, Currency: "USD"}.Capture()
	assert.Equal(t, Capture{ID: "CAP-7", Amount: 700, Currency: "USD"}, capture)
}
