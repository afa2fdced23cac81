package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"purchase-ledger/internal/events"
	"purchase-ledger/internal/metrics"
	"purchase-ledger/internal/repo"
)

// OutboxRelay ships outbox rows to the event stream in insertion order. A record
// that fails to publish stops the batch so later events never overtake it.
type OutboxRelay struct {
	outbox    repo.OutboxRepo
	publisher events.Publisher
	interval  time.Duration
	batch     int
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewOutboxRelay(
	outbox repo.OutboxRepo,
	publisher events.Publisher,
	interval time.Duration,
	batch int,
	log *zap.Logger,
	m *metrics.Metrics,
) *OutboxRelay {
	if batch <= 0 {
		batch = 100
	}
	return &OutboxRelay{
		outbox:    outbox,
		publisher: publisher,
		interval:  interval,
		batch:     batch,
		log:       log.Named("outbox"),
		metrics:   m,
	}
}

func (r *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("outbox relay started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.log.Warn("outbox flush incomplete", zap.Error(err))
			}
		}
	}
}

// Flush relays one batch and returns how many records were marked sent.
func (r *OutboxRelay) Flush(ctx context.Context) (int, error) {
	records, err := r.outbox.FetchPending(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, rec := range records {
		err := r.publisher.Publish(ctx, rec)
		r.metrics.OutboxResult(rec.Topic, err)
		if err != nil {
			return sent, err
		}
		if err := r.outbox.MarkSent(ctx, rec.ID); err != nil {
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		r.log.Debug("outbox relayed", zap.Int("count", sent))
	}
	return sent, nil
}
