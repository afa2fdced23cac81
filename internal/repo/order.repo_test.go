package repo

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"purchase-ledger/internal/database"
	"purchase-ledger/internal/domain"
)

func newPostgres(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("container test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("ledger"),
		postgres.WithUsername("ledger"),
		postgres.WithPassword("ledger"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := database.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.Migrate(ctx, db))
	return db
}

func seedProduct(t *testing.T, products ProductRepo, owner string, price int64) *domain.Product {
	t.Helper()
	now := time.Now().UTC()
	p := &domain.Product{
		ID: uuid.NewString(), OwnerID: owner, Name: "Plugin", Price: price, Currency: "USD",
		Status: domain.ProductPublished, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, products.Create(context.Background(), p))
	return p
}

func TestPostgresOrderLifecycle(t *testing.T) {
	db := newPostgres(t)
	ctx := context.Background()
	orders, products, outbox := NewOrderRepo(db), NewProductRepo(db), NewOutboxRepo(db)
	product := seedProduct(t, products, "vendor-1", 2500)

	first := domain.NewPendingOrder("buyer-1", product.ID, "EC-1", product.Price, "USD")
	superseded, err := orders.StartPending(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, superseded)

	second := domain.NewPendingOrder("buyer-1", product.ID, "EC-2", product.Price, "USD")
	superseded, err = orders.StartPending(ctx, second)
	require.NoError(t, err)
	require.Len(t, superseded, 1)
	assert.Equal(t, first.ID, superseded[0].ID)

	old, err := orders.FindByExternalID(ctx, "EC-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSuperseded, old.Status)

	_, err = orders.MarkPaid(ctx, "EC-1", domain.Capture{ID: "CAP-0"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	paid, err := orders.MarkPaid(ctx, "EC-2", domain.Capture{ID: "CAP-1", Amount: 2500})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaid, paid.Status)
	assert.Equal(t, "CAP-1", paid.CaptureID)
	assert.Equal(t, int64(2500), paid.CapturedAmount)

	again, err := orders.MarkPaid(ctx, "EC-2", domain.Capture{})
	require.NoError(t, err, "re-marking a paid order is a no-op")
	assert.Equal(t, "CAP-1", again.CaptureID)

	_, err = orders.MarkCancelled(ctx, "EC-2")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	ok, err := orders.HasPaid(ctx, "buyer-1", product.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = orders.StartPending(ctx, domain.NewPendingOrder("buyer-1", product.ID, "EC-3", product.Price, "USD"))
	assert.ErrorIs(t, err, domain.ErrAlreadyPurchased)

	missing, err := orders.FindByExternalID(ctx, "EC-404")
	require.NoError(t, err)
	assert.Nil(t, missing)

	pending, err := outbox.FetchPending(ctx, 10)
	require.NoError(t, err)
	topics := make([]string, 0, len(pending))
	for _, rec := range pending {
		topics = append(topics, rec.Topic)
	}
	assert.Equal(t, []string{
		domain.EventOrderStarted,
		domain.EventOrderSuperseded,
		domain.EventOrderStarted,
		domain.EventOrderPaid,
	}, topics)

	require.NoError(t, outbox.MarkSent(ctx, pending[0].ID))
	pending, err = outbox.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestPostgresCancelAndRestart(t *testing.T) {
	db := newPostgres(t)
	ctx := context.Background()
	orders, products := NewOrderRepo(db), NewProductRepo(db)
	product := seedProduct(t, products, "vendor-1", 1000)

	_, err := orders.StartPending(ctx, domain.NewPendingOrder("buyer-1", product.ID, "EC-1", 1000, "USD"))
	require.NoError(t, err)
	cancelled, err := orders.MarkCancelled(ctx, "EC-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, cancelled.Status)

	_, err = orders.StartPending(ctx, domain.NewPendingOrder("buyer-1", product.ID, "EC-2", 1000, "USD"))
	require.NoError(t, err, "cancelled rows never block a new attempt")
}

func TestPostgresConcurrentStart(t *testing.T) {
	db := newPostgres(t)
	ctx := context.Background()
	orders, products := NewOrderRepo(db), NewProductRepo(db)
	product := seedProduct(t, products, "vendor-1", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order := domain.NewPendingOrder("buyer-1", product.ID, uuid.NewString(), 1000, "USD")
			if _, err := orders.StartPending(ctx, order); err != nil {
				assert.ErrorIs(t, err, domain.ErrConflict)
			}
		}()
	}
	wg.Wait()

	var live int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM orders WHERE buyer_id = 'buyer-1' AND status IN ('PENDING', 'PAID')`,
	).Scan(&live))
	assert.Equal(t, 1, live)
}

func TestPostgresVendorQueries(t *testing.T) {
	db := newPostgres(t)
	ctx := context.Background()
	orders, products := NewOrderRepo(db), NewProductRepo(db)
	product := seedProduct(t, products, "vendor-1", 1000)
	seedProduct(t, products, "vendor-1", 500)

	for i, buyer := range []string{"a", "b", "c"} {
		ext := "EC-" + buyer
		_, err := orders.StartPending(ctx, domain.NewPendingOrder(buyer, product.ID, ext, 1000, "USD"))
		require.NoError(t, err)
		if i < 2 {
			_, err = orders.MarkPaid(ctx, ext, domain.Capture{ID: "CAP-" + buyer, Amount: 1000})
			require.NoError(t, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	page, err := orders.ListByVendor(ctx, "vendor-1", 2, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].BuyerID)

	rest, err := orders.ListByVendor(ctx, "vendor-1", 2, page[1].OrderID.String())
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, page[1].OrderID, rest[0].OrderID, "cursor is inclusive")
	assert.Equal(t, "a", rest[1].BuyerID)

	_, err = orders.ListByVendor(ctx, "vendor-1", 2, "garbage")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = orders.ListByVendor(ctx, "vendor-1", 2, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrValidation, "a cursor from nowhere is rejected")

	s, err := orders.VendorSummary(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VendorSummary{ProductCount: 2, CustomerCount: 2, UnpaidOrders: 2, UnpaidGross: 2000}, s)

	n, err := orders.MarkVendorPaid(ctx, "vendor-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	s, err = orders.VendorSummary(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Zero(t, s.UnpaidGross)

	purchases, err := orders.ListPaidByBuyer(ctx, "a")
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, "Plugin", purchases[0].ProductName)

	stuck, err := orders.FindStuckOrders(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "EC-c", stuck[0].ExternalOrderID)
}

func TestPostgresLateCapture(t *testing.T) {
	db := newPostgres(t)
	ctx := context.Background()
	orders, products, outbox := NewOrderRepo(db), NewProductRepo(db), NewOutboxRepo(db)
	product := seedProduct(t, products, "vendor-1", 1200)

	_, err := orders.StartPending(ctx, domain.NewPendingOrder("buyer-1", product.ID, "EC-1", 1200, "USD"))
	require.NoError(t, err)
	_, err = orders.StartPending(ctx, domain.NewPendingOrder("buyer-1", product.ID, "EC-2", 1200, "USD"))
	require.NoError(t, err)

	pending, err := orders.FindPending(ctx, "buyer-1", product.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "EC-2", pending.ExternalOrderID)

	_, err = orders.RecordLateCapture(ctx, "EC-2", domain.Capture{ID: "CAP-X"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "pending orders are captured through MarkPaid")

	late, err := orders.RecordLateCapture(ctx, "EC-1", domain.Capture{ID: "CAP-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSuperseded, late.Status)
	assert.Equal(t, "CAP-1", late.CaptureID)
	assert.Equal(t, int64(1200), late.CapturedAmount, "missing amount falls back to the order amount")

	again, err := orders.RecordLateCapture(ctx, "EC-1", domain.Capture{ID: "CAP-2"})
	require.NoError(t, err)
	assert.Equal(t, "CAP-1", again.CaptureID)

	recs, err := outbox.FetchPending(ctx, 10)
	require.NoError(t, err)
	refunds := 0
	for _, rec := range recs {
		if rec.Topic == domain.EventRefundRequired {
			refunds++
			assert.Contains(t, string(rec.Payload), `"capture_id":"CAP-1"`)
		}
	}
	assert.Equal(t, 1, refunds)

	ok, err := orders.HasPaid(ctx, "buyer-1", product.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresReconcileRotation(t *testing.T) {
	db := newPostgres(t)
	ctx := context.Background()
	orders, products := NewOrderRepo(db), NewProductRepo(db)
	product := seedProduct(t, products, "vendor-1", 1000)

	for _, buyer := range []string{"a", "b", "c"} {
		_, err := orders.StartPending(ctx, domain.NewPendingOrder(buyer, product.ID, "EC-"+buyer, 1000, "USD"))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	_, err := orders.MarkCancelled(ctx, "EC-c")
	require.NoError(t, err)

	due, err := orders.FindStuckOrders(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "EC-a", due[0].ExternalOrderID)
	assert.Equal(t, "EC-b", due[1].ExternalOrderID)
	for _, o := range due {
		require.NoError(t, orders.MarkReconciled(ctx, o.ExternalOrderID, false))
	}

	due, err = orders.FindStuckOrders(ctx, 0, 2)
	require.NoError(t, err)
	require.NotEmpty(t, due)
	assert.Equal(t, "EC-c", due[0].ExternalOrderID, "unchecked orders go first")

	require.NoError(t, orders.MarkReconciled(ctx, "EC-c", true))
	due, err = orders.FindStuckOrders(ctx, 0, 10)
	require.NoError(t, err)
	for _, o := range due {
		assert.NotEqual(t, "EC-c", o.ExternalOrderID, "settled closed orders drop out")
	}
}

func TestPostgresProducts(t *testing.T) {
	db := newPostgres(t)
	ctx := context.Background()
	products := NewProductRepo(db)
	product := seedProduct(t, products, "vendor-1", 1000)

	none, err := products.LatestFile(ctx, product.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	base := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, products.AddFile(ctx, &domain.ProductFile{ID: uuid.New(), ProductID: product.ID, ObjectKey: "v1", CreatedAt: base}))
	require.NoError(t, products.AddFile(ctx, &domain.ProductFile{ID: uuid.New(), ProductID: product.ID, ObjectKey: "v2", CreatedAt: base.Add(time.Second)}))

	latest, err := products.LatestFile(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", latest.ObjectKey)

	require.NoError(t, products.IncrementDownloads(ctx, product.ID))
	got, err := products.FindByID(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Downloads)

	missing, err := products.FindByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
