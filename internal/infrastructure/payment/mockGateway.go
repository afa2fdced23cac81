package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"purchase-ledger/internal/domain"
)

type mockOrder struct {
	req       CreateOrderRequest
	status    domain.RemoteStatus
	captureID string
}

// MockGateway is an in-memory gateway. Failures can be queued per call, and a
// phantom-charge rate makes captures succeed remotely while reporting a timeout.
type MockGateway struct {
	mu           sync.RWMutex
	orders       map[string]*mockOrder
	seq          int
	captures     int
	createErrs   []error
	captureErrs  []error
	phantomRate  float64
	latency      time.Duration
	createCalls  int
	captureCalls int
}

type MockOption func(*MockGateway)

// WithPhantomCharges makes a fraction of captures charge the buyer but return a timeout.
func WithPhantomCharges(rate float64) MockOption {
	return func(g *MockGateway) { g.phantomRate = rate }
}

func WithLatency(d time.Duration) MockOption {
	return func(g *MockGateway) { g.latency = d }
}

func NewMockGateway(opts ...MockOption) *MockGateway {
	g := &MockGateway{orders: make(map[string]*mockOrder)}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// FailNextCreate queues err for the next CreateOrder call.
func (g *MockGateway) FailNextCreate(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createErrs = append(g.createErrs, err)
}

// FailNextCapture queues err for the next CaptureOrder call.
func (g *MockGateway) FailNextCapture(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captureErrs = append(g.captureErrs, err)
}

// SetStatus forces the remote status of an order, e.g. VOIDED after buyer abandonment.
func (g *MockGateway) SetStatus(externalOrderID string, status domain.RemoteStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.orders[externalOrderID]; ok {
		o.status = status
		if status == domain.RemoteCompleted && o.captureID == "" {
			g.captures++
			o.captureID = fmt.Sprintf("CAP-%d", g.captures)
		}
	}
}

// Expire forgets the order, as PayPal does with checkouts that were never approved.
func (g *MockGateway) Expire(externalOrderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.orders, externalOrderID)
}

func (g *MockGateway) Calls() (create, capture int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.createCalls, g.captureCalls
}

func (g *MockGateway) CreateOrder(ctx context.Context, req CreateOrderRequest) (domain.RemoteOrder, error) {
	if err := g.wait(ctx); err != nil {
		return domain.RemoteOrder{}, &domain.GatewayError{Op: "create_order", Reason: "timeout", Retryable: true, Err: err}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	if err := pop(&g.createErrs); err != nil {
		return domain.RemoteOrder{}, domain.AsGatewayError("create_order", err)
	}
	if req.Amount <= 0 {
		return domain.RemoteOrder{}, &domain.GatewayError{Op: "create_order", Reason: "amount must be positive"}
	}

	g.seq++
	id := fmt.Sprintf("EC-%d", g.seq)
	g.orders[id] = &mockOrder{req: req, status: domain.RemoteCreated}
	return domain.RemoteOrder{ID: id, Status: domain.RemoteCreated}, nil
}

func (g *MockGateway) CaptureOrder(ctx context.Context, externalOrderID string) (domain.CaptureResult, error) {
	if err := g.wait(ctx); err != nil {
		return domain.CaptureResult{}, &domain.GatewayError{Op: "capture_order", Reason: "timeout", Retryable: true, Err: err}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.captureCalls++
	if err := pop(&g.captureErrs); err != nil {
		return domain.CaptureResult{}, domain.AsGatewayError("capture_order", err)
	}

	o, ok := g.orders[externalOrderID]
	if !ok {
		return domain.CaptureResult{}, &domain.GatewayError{Op: "capture_order", Reason: "RESOURCE_NOT_FOUND"}
	}
	switch o.status {
	case domain.RemoteCompleted:
		// already captured: report the existing capture
	case domain.RemoteVoided, domain.RemoteDeclined:
		return domain.CaptureResult{}, &domain.GatewayError{Op: "capture_order", Reason: "ORDER_NOT_APPROVED"}
	default:
		g.captures++
		o.status = domain.RemoteCompleted
		o.captureID = fmt.Sprintf("CAP-%d", g.captures)
		if g.phantomRate > 0 && rand.Float64() < g.phantomRate {
			// funds are taken but the response never makes it back
			return domain.CaptureResult{}, &domain.GatewayError{
				Op: "capture_order", Reason: "timeout", Retryable: true, Err: errors.New("connection timeout"),
			}
		}
	}
	return domain.CaptureResult{
		ExternalOrderID: externalOrderID,
		CaptureID:       o.captureID,
		Status:          o.status,
		Amount:          o.req.Amount,
		Currency:        o.req.Currency,
	}, nil
}

func (g *MockGateway) GetOrder(ctx context.Context, externalOrderID string) (domain.RemoteOrder, error) {
	if err := ctx.Err(); err != nil {
		return domain.RemoteOrder{}, &domain.GatewayError{Op: "get_order", Reason: "timeout", Retryable: true, Err: err}
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	o, ok := g.orders[externalOrderID]
	if !ok {
		return domain.RemoteOrder{ID: externalOrderID, Status: domain.RemoteNotFound}, nil
	}
	remote := domain.RemoteOrder{ID: externalOrderID, Status: o.status, CaptureID: o.captureID}
	if o.captureID != "" {
		remote.CapturedAmount = o.req.Amount
		remote.Currency = o.req.Currency
	}
	return remote, nil
}

func (g *MockGateway) wait(ctx context.Context) error {
	if g.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(g.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func pop(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}
