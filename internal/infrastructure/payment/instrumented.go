package payment

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"purchase-ledger/internal/domain"
	"purchase-ledger/internal/metrics"
)

var tracer = otel.Tracer("purchase-ledger/payment")

type instrumented struct {
	next    PaymentGateway
	metrics *metrics.Metrics
	timeout time.Duration
}

// Instrument bounds each gateway call by timeout and records spans and metrics.
func Instrument(next PaymentGateway, m *metrics.Metrics, timeout time.Duration) PaymentGateway {
	return &instrumented{next: next, metrics: m, timeout: timeout}
}

func (g *instrumented) CreateOrder(ctx context.Context, req CreateOrderRequest) (order domain.RemoteOrder, err error) {
	ctx, done := g.start(ctx, "create_order", attribute.String("product.id", req.ReferenceID), attribute.Int64("amount", req.Amount))
	defer func() { done(err) }()
	order, err = g.next.CreateOrder(ctx, req)
	return order, err
}

func (g *instrumented) CaptureOrder(ctx context.Context, externalOrderID string) (res domain.CaptureResult, err error) {
	ctx, done := g.start(ctx, "capture_order", attribute.String("gateway.order_id", externalOrderID))
	defer func() { done(err) }()
	res, err = g.next.CaptureOrder(ctx, externalOrderID)
	return res, err
}

func (g *instrumented) GetOrder(ctx context.Context, externalOrderID string) (order domain.RemoteOrder, err error) {
	ctx, done := g.start(ctx, "get_order", attribute.String("gateway.order_id", externalOrderID))
	defer func() { done(err) }()
	order, err = g.next.GetOrder(ctx, externalOrderID)
	return order, err
}

func (g *instrumented) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	begin := time.Now()
	ctx, span := tracer.Start(ctx, "gateway."+op, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindClient))
	cancel := func() {}
	if g.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
	}
	return ctx, func(err error) {
		cancel()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		g.metrics.ObserveGateway(op, begin, err)
	}
}
