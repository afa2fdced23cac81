package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"purchase-ledger/internal/cache"
	"purchase-ledger/internal/domain"
	"purchase-ledger/internal/infrastructure/payment"
	"purchase-ledger/internal/logging"
	"purchase-ledger/internal/metrics"
	"purchase-ledger/internal/repo"
)

var tracer = otel.Tracer("purchase-ledger/service")

// OrderService is the order ledger. Every buyer-facing call takes the authenticated
// principal explicitly; gateway calls happen outside of any database transaction.
type OrderService interface {
	StartOrder(ctx context.Context, p domain.Principal, productID string) (*domain.Order, error)
	CaptureOrder(ctx context.Context, p domain.Principal, externalOrderID string) (domain.CaptureResult, error)
	CancelOrder(ctx context.Context, p domain.Principal, externalOrderID string) (domain.OrderStatus, error)
	HasEntitlement(ctx context.Context, buyerID, productID string) (bool, error)
	GetCheckout(ctx context.Context, p domain.Principal, productID string) (*Checkout, error)
	ListPurchases(ctx context.Context, p domain.Principal) ([]domain.Purchase, error)
}

// Checkout is the price summary shown before the buyer opens the payment widget.
type Checkout struct {
	Product      *domain.Product `json:"product"`
	Total        int64           `json:"total"`
	Currency     string          `json:"currency"`
	DisplayTotal string          `json:"display_total"`
}

type Option func(*options)

type options struct {
	entitlements cache.EntitlementCache
	metrics      *metrics.Metrics
	currency     string
}

func WithEntitlementCache(c cache.EntitlementCache) Option {
	return func(o *options) { o.entitlements = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithDefaultCurrency sets the currency used for products that carry none.
func WithDefaultCurrency(currency string) Option {
	return func(o *options) { o.currency = currency }
}

func buildOptions(opts []Option) options {
	o := options{entitlements: cache.Nop{}, currency: "USD"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type orderService struct {
	orderRepo   repo.OrderRepo
	productRepo repo.ProductRepo
	paymentGtw  payment.PaymentGateway
	options
}

func NewOrderService(
	orderRepo repo.OrderRepo,
	productRepo repo.ProductRepo,
	paymentGtw payment.PaymentGateway,
	opts ...Option,
) OrderService {
	return &orderService{
		orderRepo:   orderRepo,
		productRepo: productRepo,
		paymentGtw:  paymentGtw,
		options:     buildOptions(opts),
	}
}

func (s *orderService) StartOrder(ctx context.Context, p domain.Principal, productID string) (order *domain.Order, err error) {
	ctx, log, done := begin(ctx, s.metrics, "start_order", attribute.String("product.id", productID))
	defer func() { done(err) }()

	if !p.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, domain.Validation("product id is required")
	}

	// price is always re-read here, never taken from the caller
	product, err := s.purchasable(ctx, productID)
	if err != nil {
		return nil, err
	}
	owned, err := s.HasEntitlement(ctx, p.UserID, productID)
	if err != nil {
		return nil, err
	}
	if owned {
		return nil, domain.ErrAlreadyPurchased
	}
	if err := s.settlePending(ctx, log, p.UserID, product.ID); err != nil {
		return nil, err
	}

	currency := s.currencyOf(product)
	remote, err := s.paymentGtw.CreateOrder(ctx, payment.CreateOrderRequest{
		Amount:      product.Price,
		Currency:    currency,
		ReferenceID: product.ID,
		BuyerID:     p.UserID,
		Description: product.Name,
	})
	if err != nil {
		return nil, domain.AsGatewayError("create_order", err)
	}

	order = domain.NewPendingOrder(p.UserID, product.ID, remote.ID, product.Price, currency)
	superseded, err := s.orderRepo.StartPending(ctx, order)
	if err != nil {
		return nil, domain.Internal(err)
	}
	for _, prev := range superseded {
		log.Info("superseded pending order",
			zap.String("order_id", prev.ID.String()),
			zap.String("external_order_id", prev.ExternalOrderID),
		)
	}
	log.Info("order started",
		zap.String("order_id", order.ID.String()),
		zap.String("external_order_id", order.ExternalOrderID),
		zap.Int64("amount", order.Amount),
	)
	return order, nil
}

func (s *orderService) CaptureOrder(ctx context.Context, p domain.Principal, externalOrderID string) (res domain.CaptureResult, err error) {
	ctx, log, done := begin(ctx, s.metrics, "capture_order", attribute.String("gateway.order_id", externalOrderID))
	defer func() { done(err) }()

	order, err := s.ownOrder(ctx, p, externalOrderID)
	if err != nil {
		return domain.CaptureResult{}, err
	}
	switch order.Status {
	case domain.OrderPaid:
		return storedCapture(order), nil
	case domain.OrderPending:
	default:
		return domain.CaptureResult{}, domain.ErrInvalidTransition
	}

	captured, err := s.paymentGtw.CaptureOrder(ctx, order.ExternalOrderID)
	if err != nil {
		log.Warn("capture failed, order stays pending", zap.String("external_order_id", order.ExternalOrderID), zap.Error(err))
		return domain.CaptureResult{}, domain.AsGatewayError("capture_order", err)
	}
	if captured.Status != domain.RemoteCompleted {
		return domain.CaptureResult{}, &domain.GatewayError{
			Op: "capture_order", Reason: "capture not completed: " + string(captured.Status),
		}
	}
	if captured.Amount != 0 && captured.Amount != order.Amount {
		log.Warn("captured amount differs from order amount",
			zap.Int64("order_amount", order.Amount),
			zap.Int64("captured_amount", captured.Amount),
		)
	}

	paid, err := s.recordCapture(ctx, log, order.ExternalOrderID, domain.Capture{
		ID:       captured.CaptureID,
		Amount:   captured.Amount,
		Currency: captured.Currency,
	})
	if err != nil {
		return domain.CaptureResult{}, err
	}
	return storedCapture(paid), nil
}

func (s *orderService) CancelOrder(ctx context.Context, p domain.Principal, externalOrderID string) (status domain.OrderStatus, err error) {
	ctx, log, done := begin(ctx, s.metrics, "cancel_order", attribute.String("gateway.order_id", externalOrderID))
	defer func() { done(err) }()

	order, err := s.ownOrder(ctx, p, externalOrderID)
	if err != nil {
		return "", err
	}
	if order.Status.Terminal() {
		return order.Status, nil
	}

	cancelled, err := s.orderRepo.MarkCancelled(ctx, order.ExternalOrderID)
	if errors.Is(err, domain.ErrInvalidTransition) {
		// lost a race against capture or a newer checkout; report where it ended up
		current, ferr := s.orderRepo.FindByExternalID(ctx, order.ExternalOrderID)
		if ferr != nil || current == nil {
			return "", domain.Internal(errors.Join(err, ferr))
		}
		return current.Status, nil
	}
	if err != nil {
		return "", domain.Internal(err)
	}
	log.Info("order cancelled", zap.String("order_id", cancelled.ID.String()))
	return cancelled.Status, nil
}

func (s *orderService) HasEntitlement(ctx context.Context, buyerID, productID string) (bool, error) {
	if strings.TrimSpace(buyerID) == "" || strings.TrimSpace(productID) == "" {
		return false, domain.Validation("buyer id and product id are required")
	}
	granted, err := s.entitlements.Granted(ctx, buyerID, productID)
	if err != nil {
		logging.FromContext(ctx).Warn("entitlement cache read failed", zap.Error(err))
	}
	if granted {
		return true, nil
	}

	paid, err := s.orderRepo.HasPaid(ctx, buyerID, productID)
	if err != nil {
		return false, domain.Internal(err)
	}
	if paid {
		s.grant(ctx, buyerID, productID)
	}
	return paid, nil
}

func (s *orderService) GetCheckout(ctx context.Context, p domain.Principal, productID string) (*Checkout, error) {
	if !p.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, domain.Validation("product id is required")
	}
	product, err := s.purchasable(ctx, productID)
	if err != nil {
		return nil, err
	}
	owned, err := s.HasEntitlement(ctx, p.UserID, productID)
	if err != nil {
		return nil, err
	}
	if owned {
		return nil, domain.ErrAlreadyPurchased
	}
	return &Checkout{
		Product:      product,
		Total:        product.Price,
		Currency:     s.currencyOf(product),
		DisplayTotal: payment.FormatAmount(product.Price, s.currencyOf(product)),
	}, nil
}

func (s *orderService) ListPurchases(ctx context.Context, p domain.Principal) ([]domain.Purchase, error) {
	if !p.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}
	purchases, err := s.orderRepo.ListPaidByBuyer(ctx, p.UserID)
	if err != nil {
		return nil, domain.Internal(err)
	}
	return purchases, nil
}

// settlePending asks the gateway about the pair's pending order before a new
// checkout supersedes it. If its capture already went through the order becomes
// PAID and the new checkout is refused.
func (s *orderService) settlePending(ctx context.Context, log *zap.Logger, buyerID, productID string) error {
	pending, err := s.orderRepo.FindPending(ctx, buyerID, productID)
	if err != nil {
		return domain.Internal(err)
	}
	if pending == nil {
		return nil
	}
	remote, err := s.paymentGtw.GetOrder(ctx, pending.ExternalOrderID)
	if err != nil {
		// the superseded order stays on the reconciliation list
		log.Warn("pending order not checked before superseding",
			zap.String("external_order_id", pending.ExternalOrderID), zap.Error(err))
		return nil
	}
	if remote.Status != domain.RemoteCompleted {
		return nil
	}

	_, err = s.recordCapture(ctx, log, pending.ExternalOrderID, remote.Capture())
	switch {
	case err == nil:
		log.Warn("earlier checkout was already captured",
			zap.String("external_order_id", pending.ExternalOrderID), zap.String("capture_id", remote.CaptureID))
		return domain.ErrAlreadyPurchased
	case errors.Is(err, domain.ErrCapturedAfterClose):
		return nil
	default:
		return err
	}
}

// recordCapture books a capture the gateway confirmed. A pending order becomes PAID.
// An order closed while the capture was in flight keeps its status, the capture is
// stored with a refund request and domain.ErrCapturedAfterClose is returned.
func (s *orderService) recordCapture(ctx context.Context, log *zap.Logger, externalOrderID string, capture domain.Capture) (*domain.Order, error) {
	paid, err := s.orderRepo.MarkPaid(ctx, externalOrderID, capture)
	if err == nil {
		s.grant(ctx, paid.BuyerID, paid.ProductID)
		log.Info("order paid", zap.String("order_id", paid.ID.String()), zap.String("capture_id", paid.CaptureID))
		return paid, nil
	}
	if !errors.Is(err, domain.ErrInvalidTransition) {
		// funds are taken remotely but the row could not follow
		log.Error("capture not recorded", zap.String("external_order_id", externalOrderID), zap.Error(err))
		return nil, domain.Internal(err)
	}

	closed, lerr := s.orderRepo.RecordLateCapture(ctx, externalOrderID, capture)
	if lerr != nil {
		log.Error("late capture not recorded", zap.String("external_order_id", externalOrderID), zap.Error(lerr))
		return nil, domain.Internal(fmt.Errorf("record late capture: %w", lerr))
	}
	log.Warn("payment captured on a closed order, refund requested",
		zap.String("external_order_id", externalOrderID),
		zap.String("status", string(closed.Status)),
		zap.String("capture_id", closed.CaptureID),
	)
	return closed, domain.ErrCapturedAfterClose
}

func (s *orderService) purchasable(ctx context.Context, productID string) (*domain.Product, error) {
	product, err := s.productRepo.FindByID(ctx, productID)
	if err != nil {
		return nil, domain.Internal(err)
	}
	if !product.Purchasable() {
		return nil, domain.ErrProductNotFound
	}
	return product, nil
}

// ownOrder loads the order and hides orders of other buyers behind not-found.
func (s *orderService) ownOrder(ctx context.Context, p domain.Principal, externalOrderID string) (*domain.Order, error) {
	if !p.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}
	externalOrderID = strings.TrimSpace(externalOrderID)
	if externalOrderID == "" {
		return nil, domain.Validation("order id is required")
	}
	order, err := s.orderRepo.FindByExternalID(ctx, externalOrderID)
	if err != nil {
		return nil, domain.Internal(err)
	}
	if order == nil || order.BuyerID != p.UserID {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

func (s *orderService) grant(ctx context.Context, buyerID, productID string) {
	if err := s.entitlements.Grant(ctx, buyerID, productID); err != nil {
		logging.FromContext(ctx).Warn("entitlement cache write failed", zap.Error(err))
	}
}

func (s *orderService) currencyOf(p *domain.Product) string {
	if p.Currency != "" {
		return p.Currency
	}
	return s.currency
}

func storedCapture(o *domain.Order) domain.CaptureResult {
	amount := o.CapturedAmount
	if amount == 0 {
		amount = o.Amount
	}
	return domain.CaptureResult{
		ExternalOrderID: o.ExternalOrderID,
		CaptureID:       o.CaptureID,
		Status:          domain.RemoteCompleted,
		Amount:          amount,
		Currency:        o.Currency,
	}
}

// begin opens a span and returns a logger tagged with the operation. The returned
// func records the outcome and must be called exactly once.
func begin(ctx context.Context, m *metrics.Metrics, op string, attrs ...attribute.KeyValue) (context.Context, *zap.Logger, func(error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attrs...))
	log := logging.FromContext(ctx).With(zap.String("op", op))
	return ctx, log, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, domain.Kind(err))
			if domain.Kind(err) == "internal" {
				log.Error("ledger operation failed", zap.Error(err))
			}
		}
		span.End()
		m.ObserveLedger(op, start, err)
	}
}
