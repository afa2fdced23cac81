package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"purchase-ledger/internal/domain"
)

type OrderRepo interface {
	// StartPending supersedes any pending order for the same buyer and product and
	// inserts order, atomically. It fails with domain.ErrAlreadyPurchased when the pair
	// already has a paid order and domain.ErrConcurrentCheckout when another request won.
	StartPending(ctx context.Context, order *domain.Order) (superseded []domain.Order, err error)
	// FindByExternalID returns nil, nil when no order carries the gateway id.
	FindByExternalID(ctx context.Context, externalOrderID string) (*domain.Order, error)
	// FindPending returns the pair's pending order, or nil, nil when there is none.
	FindPending(ctx context.Context, buyerID, productID string) (*domain.Order, error)
	// MarkPaid moves a pending (or already paid) order to PAID.
	MarkPaid(ctx context.Context, externalOrderID string, capture domain.Capture) (*domain.Order, error)
	// RecordLateCapture stores a capture that landed on a cancelled or superseded
	// order and emits a refund request. The status stays as it is; recording the
	// same order twice is a no-op.
	RecordLateCapture(ctx context.Context, externalOrderID string, capture domain.Capture) (*domain.Order, error)
	// MarkCancelled moves a pending order to CANCELLED.
	MarkCancelled(ctx context.Context, externalOrderID string) (*domain.Order, error)
	HasPaid(ctx context.Context, buyerID, productID string) (bool, error)
	ListPaidByBuyer(ctx context.Context, buyerID string) ([]domain.Purchase, error)
	// ListByVendor pages through orders on the vendor's products, newest first.
	// cursor is the id of the first order of the page; empty means from the top.
	ListByVendor(ctx context.Context, vendorID string, limit int, cursor string) ([]domain.VendorPurchase, error)
	VendorSummary(ctx context.Context, vendorID string) (domain.VendorSummary, error)
	MarkVendorPaid(ctx context.Context, vendorID string, at time.Time) (int64, error)
	// FindStuckOrders returns orders due for a gateway check: pending orders and
	// closed orders whose remote capture state is not settled yet, least recently
	// checked first.
	FindStuckOrders(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error)
	// MarkReconciled stamps the check time; settled closes a closed order's check for good.
	MarkReconciled(ctx context.Context, externalOrderID string, settled bool) error
}

type orderRepo struct {
	db *sql.DB
}

func NewOrderRepo(db *sql.DB) OrderRepo {
	return &orderRepo{db: db}
}

const orderColumns = `id, buyer_id, product_id, status, external_order_id, amount, currency,
	capture_id, captured_amount, created_at, updated_at, vendor_paid_on`

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*domain.Order, error) {
	var (
		order          domain.Order
		captureID      sql.NullString
		capturedAmount sql.NullInt64
		vendorPaidOn   sql.NullTime
	)
	err := row.Scan(
		&order.ID,
		&order.BuyerID,
		&order.ProductID,
		&order.Status,
		&order.ExternalOrderID,
		&order.Amount,
		&order.Currency,
		&captureID,
		&capturedAmount,
		&order.CreatedAt,
		&order.UpdatedAt,
		&vendorPaidOn,
	)
	if err != nil {
		return nil, err
	}
	if !order.Status.Valid() {
		return nil, fmt.Errorf("order %s has unknown status %q", order.ID, order.Status)
	}
	order.CaptureID = captureID.String
	order.CapturedAmount = capturedAmount.Int64
	if vendorPaidOn.Valid {
		t := vendorPaidOn.Time
		order.VendorPaidOn = &t
	}
	return &order, nil
}

func scanOrders(rows *sql.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func (r *orderRepo) StartPending(ctx context.Context, order *domain.Order) ([]domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE buyer_id = $1 AND product_id = $2 AND status IN ('PENDING', 'PAID')
		 FOR UPDATE`,
		order.BuyerID, order.ProductID,
	)
	if err != nil {
		return nil, err
	}
	live, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}

	var superseded []domain.Order
	for _, prev := range live {
		if prev.Status == domain.OrderPaid {
			return nil, domain.ErrAlreadyPurchased
		}
		prev.Status = domain.OrderSuperseded
		prev.UpdatedAt = order.CreatedAt
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`,
			prev.ID, prev.Status, prev.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if err := insertOutbox(ctx, tx, &prev); err != nil {
			return nil, err
		}
		superseded = append(superseded, prev)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders (id, buyer_id, product_id, status, external_order_id, amount, currency, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		order.ID, order.BuyerID, order.ProductID, order.Status, order.ExternalOrderID,
		order.Amount, order.Currency, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "orders_live_pair_uidx") {
			return nil, domain.ErrConcurrentCheckout
		}
		return nil, err
	}
	if err := insertOutbox(ctx, tx, order); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return superseded, nil
}

func (r *orderRepo) FindByExternalID(ctx context.Context, externalOrderID string) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE external_order_id = $1`, externalOrderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // not found
	}
	if err != nil {
		return nil, err // system error
	}
	return order, nil
}

func (r *orderRepo) FindPending(ctx context.Context, buyerID, productID string) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE buyer_id = $1 AND product_id = $2 AND status = 'PENDING'`,
		buyerID, productID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *orderRepo) MarkPaid(ctx context.Context, externalOrderID string, capture domain.Capture) (*domain.Order, error) {
	return r.transition(ctx, externalOrderID, domain.OrderPaid,
		`UPDATE orders
		 SET status = 'PAID',
		     capture_id = COALESCE(NULLIF($2::text, ''), capture_id),
		     captured_amount = COALESCE(NULLIF($3::bigint, 0), captured_amount, amount),
		     updated_at = now()
		 WHERE external_order_id = $1 AND status IN ('PENDING', 'PAID')
		 RETURNING `+orderColumns,
		externalOrderID, capture.ID, capture.Amount,
	)
}

func (r *orderRepo) MarkCancelled(ctx context.Context, externalOrderID string) (*domain.Order, error) {
	return r.transition(ctx, externalOrderID, domain.OrderCancelled,
		`UPDATE orders SET status = 'CANCELLED', updated_at = now()
		 WHERE external_order_id = $1 AND status = 'PENDING'
		 RETURNING `+orderColumns,
		externalOrderID,
	)
}

func (r *orderRepo) RecordLateCapture(ctx context.Context, externalOrderID string, capture domain.Capture) (*domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	order, err := scanOrder(tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE external_order_id = $1 FOR UPDATE`, externalOrderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s not found", domain.ErrInvalidTransition, externalOrderID)
	}
	if err != nil {
		return nil, err
	}
	if !order.Status.Closed() {
		return nil, fmt.Errorf("%w: late capture on %s order", domain.ErrInvalidTransition, order.Status)
	}

	recorded, err := scanOrder(tx.QueryRowContext(ctx,
		`UPDATE orders
		 SET capture_id = $2,
		     captured_amount = COALESCE(NULLIF($3::bigint, 0), amount),
		     updated_at = now()
		 WHERE id = $1 AND capture_id IS NULL
		 RETURNING `+orderColumns,
		order.ID, capture.ID, capture.Amount,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return order, nil // already recorded
	}
	if err != nil {
		return nil, err
	}
	if err := insertEvent(ctx, tx, domain.NewRefundEvent(recorded)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return recorded, nil
}

// transition runs a guarded status update and records its event in the outbox.
// A guard miss (unknown id or disallowed source status) yields domain.ErrInvalidTransition.
func (r *orderRepo) transition(ctx context.Context, externalOrderID string, to domain.OrderStatus, query string, args ...any) (*domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var before domain.OrderStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM orders WHERE external_order_id = $1 FOR UPDATE`, externalOrderID,
	).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s not found", domain.ErrInvalidTransition, externalOrderID)
	}
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(before, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, before, to)
	}

	order, err := scanOrder(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, before, to)
	}
	if err != nil {
		return nil, err
	}
	if before != order.Status {
		if err := insertOutbox(ctx, tx, order); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *orderRepo) HasPaid(ctx context.Context, buyerID, productID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE buyer_id = $1 AND product_id = $2 AND status = 'PAID')`,
		buyerID, productID,
	).Scan(&exists)
	return exists, err
}

func (r *orderRepo) ListPaidByBuyer(ctx context.Context, buyerID string) ([]domain.Purchase, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT o.id, o.product_id, p.name, p.owner_id, o.status, o.amount, o.currency, o.created_at
		 FROM orders o JOIN products p ON p.id = o.product_id
		 WHERE o.buyer_id = $1 AND o.status = 'PAID'
		 ORDER BY o.created_at DESC`,
		buyerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	purchases := []domain.Purchase{}
	for rows.Next() {
		var p domain.Purchase
		if err := rows.Scan(&p.OrderID, &p.ProductID, &p.ProductName, &p.VendorID, &p.Status, &p.Amount, &p.Currency, &p.CreatedAt); err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func (r *orderRepo) ListByVendor(ctx context.Context, vendorID string, limit int, cursor string) ([]domain.VendorPurchase, error) {
	query := `SELECT o.id, o.product_id, p.name, p.price, o.buyer_id, o.status, o.external_order_id, o.created_at
		FROM orders o JOIN products p ON p.id = o.product_id
		WHERE p.owner_id = $1`
	args := []any{vendorID}
	if cursor != "" {
		id, err := uuid.Parse(cursor)
		if err != nil {
			return nil, domain.Validation("invalid cursor %q", cursor)
		}
		var known bool
		err = r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM orders o JOIN products p ON p.id = o.product_id WHERE o.id = $1 AND p.owner_id = $2)`,
			id, vendorID,
		).Scan(&known)
		if err != nil {
			return nil, err
		}
		if !known {
			return nil, domain.Validation("unknown cursor %q", cursor)
		}
		query += ` AND (o.created_at, o.id) <= (SELECT created_at, id FROM orders WHERE id = $3)`
		args = append(args, limit, id)
	} else {
		args = append(args, limit)
	}
	query += ` ORDER BY o.created_at DESC, o.id DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	purchases := []domain.VendorPurchase{}
	for rows.Next() {
		var p domain.VendorPurchase
		if err := rows.Scan(&p.OrderID, &p.ProductID, &p.ProductName, &p.Price, &p.BuyerID, &p.Status, &p.ExternalOrderID, &p.CreatedAt); err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func (r *orderRepo) VendorSummary(ctx context.Context, vendorID string) (domain.VendorSummary, error) {
	var s domain.VendorSummary
	err := r.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT count(*) FROM products WHERE owner_id = $1),
		   (SELECT count(DISTINCT o.buyer_id) FROM orders o JOIN products p ON p.id = o.product_id
		     WHERE p.owner_id = $1 AND o.status = 'PAID'),
		   count(o.id),
		   COALESCE(sum(COALESCE(o.captured_amount, o.amount)), 0)
		 FROM orders o JOIN products p ON p.id = o.product_id
		 WHERE p.owner_id = $1 AND o.status = 'PAID' AND o.vendor_paid_on IS NULL`,
		vendorID,
	).Scan(&s.ProductCount, &s.CustomerCount, &s.UnpaidOrders, &s.UnpaidGross)
	return s, err
}

func (r *orderRepo) MarkVendorPaid(ctx context.Context, vendorID string, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders o SET vendor_paid_on = $2, updated_at = now()
		 FROM products p
		 WHERE p.id = o.product_id AND p.owner_id = $1 AND o.status = 'PAID' AND o.vendor_paid_on IS NULL`,
		vendorID, at,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *orderRepo) FindStuckOrders(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE capture_id IS NULL
		   AND updated_at < $1
		   AND (reconciled_at IS NULL OR reconciled_at < $1)
		   AND (status = 'PENDING' OR (status IN ('CANCELLED', 'SUPERSEDED') AND NOT remote_settled))
		 ORDER BY reconciled_at NULLS FIRST, updated_at
		 LIMIT $2`,
		time.Now().Add(-olderThan), limit,
	)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func (r *orderRepo) MarkReconciled(ctx context.Context, externalOrderID string, settled bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE orders SET reconciled_at = now(), remote_settled = remote_settled OR $2 WHERE external_order_id = $1`,
		externalOrderID, settled,
	)
	return err
}

func insertOutbox(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	return insertEvent(ctx, tx, domain.NewOrderEvent(order))
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev domain.OrderEvent) error {
	rec, err := domain.NewOutboxRecord(ev)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox (event_id, topic, key, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.EventID, rec.Topic, rec.Key, []byte(rec.Payload), rec.CreatedAt,
	)
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	return false
}
