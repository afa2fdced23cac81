package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"purchase-ledger/internal/domain"
	"purchase-ledger/internal/infrastructure/payment"
	"purchase-ledger/internal/metrics"
	"purchase-ledger/internal/repo"
)

// ReconciliationWorker settles orders whose local state may lag the gateway: pending
// orders whose capture response was lost or whose checkout expired, and cancelled or
// superseded orders that were captured anyway. The gateway is the source of truth:
// only a COMPLETED remote order becomes PAID, and a capture found on a closed order
// is recorded with a refund request.
type ReconciliationWorker struct {
	orderRepo repo.OrderRepo
	gateway   payment.PaymentGateway
	interval  time.Duration
	after     time.Duration
	log       *zap.Logger
	metrics   *metrics.Metrics
}

const reconcileBatch = 100

func NewReconciliationWorker(
	orderRepo repo.OrderRepo,
	gateway payment.PaymentGateway,
	interval time.Duration,
	after time.Duration,
	log *zap.Logger,
	m *metrics.Metrics,
) *ReconciliationWorker {
	return &ReconciliationWorker{
		orderRepo: orderRepo,
		gateway:   gateway,
		interval:  interval,
		after:     after,
		log:       log.Named("reconciliation"),
		metrics:   m,
	}
}

func (rw *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	rw.log.Info("reconciliation worker started", zap.Duration("interval", rw.interval), zap.Duration("after", rw.after))

	for {
		select {
		case <-ctx.Done():
			rw.log.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			if _, err := rw.Process(ctx); err != nil {
				rw.log.Error("reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Process runs one pass and returns how many orders it resolved. Every order it
// looks at is stamped so the next pass starts with the ones checked longest ago.
func (rw *ReconciliationWorker) Process(ctx context.Context) (int, error) {
	due, err := rw.orderRepo.FindStuckOrders(ctx, rw.after, reconcileBatch)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	rw.log.Info("found orders to reconcile", zap.Int("count", len(due)))

	fixed := 0
	for _, order := range due {
		if ctx.Err() != nil {
			return fixed, ctx.Err()
		}
		log := rw.log.With(
			zap.String("order_id", order.ID.String()),
			zap.String("external_order_id", order.ExternalOrderID),
			zap.String("status", string(order.Status)),
		)

		remote, err := rw.gateway.GetOrder(ctx, order.ExternalOrderID)
		if err != nil {
			log.Warn("gateway status check failed", zap.Error(err))
			rw.metrics.ReconcileResult("error")
			rw.stamp(ctx, log, order, false)
			continue
		}

		var result string
		if order.Status == domain.OrderPending {
			result, err = rw.resolvePending(ctx, order, remote)
		} else {
			result, err = rw.resolveClosed(ctx, order, remote)
		}
		if err != nil {
			// a concurrent capture or cancel got there first
			log.Info("order moved on before reconciliation", zap.Error(err))
			result = "skipped"
		}
		rw.metrics.ReconcileResult(result)

		switch result {
		case "paid":
			log.Warn("phantom charge recovered, order marked paid", zap.String("capture_id", remote.CaptureID))
			fixed++
		case "refund":
			log.Warn("capture found on closed order, refund requested", zap.String("capture_id", remote.CaptureID))
			fixed++
		case "cancelled":
			log.Info("abandoned order cancelled", zap.String("remote_status", string(remote.Status)))
			fixed++
		case "untouched":
			rw.stamp(ctx, log, order, false)
		case "settled":
			rw.stamp(ctx, log, order, true)
		}
	}
	return fixed, nil
}

func (rw *ReconciliationWorker) resolvePending(ctx context.Context, order domain.Order, remote domain.RemoteOrder) (string, error) {
	switch remote.Status {
	case domain.RemoteCompleted:
		_, err := rw.orderRepo.MarkPaid(ctx, order.ExternalOrderID, remote.Capture())
		if errors.Is(err, domain.ErrInvalidTransition) {
			return rw.resolveClosed(ctx, order, remote)
		}
		return "paid", err
	case domain.RemoteVoided, domain.RemoteNotFound:
		_, err := rw.orderRepo.MarkCancelled(ctx, order.ExternalOrderID)
		return "cancelled", err
	default:
		return "untouched", nil
	}
}

// resolveClosed handles cancelled and superseded orders. Any answer other than a
// completed capture settles them for good.
func (rw *ReconciliationWorker) resolveClosed(ctx context.Context, order domain.Order, remote domain.RemoteOrder) (string, error) {
	if remote.Status != domain.RemoteCompleted {
		return "settled", nil
	}
	_, err := rw.orderRepo.RecordLateCapture(ctx, order.ExternalOrderID, remote.Capture())
	return "refund", err
}

func (rw *ReconciliationWorker) stamp(ctx context.Context, log *zap.Logger, order domain.Order, settled bool) {
	if err := rw.orderRepo.MarkReconciled(ctx, order.ExternalOrderID, settled); err != nil {
		log.Warn("reconciliation stamp not saved", zap.Error(err))
	}
}
