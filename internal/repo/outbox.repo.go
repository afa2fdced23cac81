package repo

import (
	"context"
	"database/sql"

	"purchase-ledger/internal/domain"
)

type OutboxRepo interface {
	FetchPending(ctx context.Context, limit int) ([]domain.OutboxRecord, error)
	MarkSent(ctx context.Context, id int64) error
}

type outboxRepo struct {
	db *sql.DB
}

func NewOutboxRepo(db *sql.DB) OutboxRepo {
	return &outboxRepo{db: db}
}

func (r *outboxRepo) FetchPending(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, event_id::text, topic, key, payload, created_at, sent_at
		 FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OutboxRecord
	for rows.Next() {
		var (
			rec     domain.OutboxRecord
			payload []byte
			sentAt  sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &payload, &rec.CreatedAt, &sentAt); err != nil {
			return nil, err
		}
		rec.Payload = payload
		if sentAt.Valid {
			rec.SentAt = &sentAt.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *outboxRepo) MarkSent(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox SET sent_at = now() WHERE id = $1`, id)
	return err
}
