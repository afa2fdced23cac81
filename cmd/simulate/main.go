package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"purchase-ledger/internal/config"
	"purchase-ledger/internal/database"
	"purchase-ledger/internal/domain"
	"purchase-ledger/internal/infrastructure/payment"
	"purchase-ledger/internal/logging"
	"purchase-ledger/internal/repo"
	"purchase-ledger/internal/service"
	"purchase-ledger/internal/worker"
)

type stores struct {
	orders   repo.OrderRepo
	products repo.ProductRepo
}

func main() {
	var (
		memory  = flag.Bool("memory", false, "use the in-memory store instead of Postgres")
		count   = flag.Int("orders", 20, "number of checkouts to simulate")
		phantom = flag.Float64("phantom", 0.3, "fraction of captures that charge but time out")
		abandon = flag.Int("abandon-every", 5, "every n-th buyer cancels instead of paying (0 disables)")
	)
	flag.Parse()

	log := logging.MustNewLogger("purchase-ledger-simulate", "dev")
	defer func() { _ = log.Sync() }()
	ctx := logging.ContextWithLogger(context.Background(), log)

	st, closeFn, err := openStores(ctx, *memory, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer closeFn()

	product := &domain.Product{
		ID:        uuid.NewString(),
		OwnerID:   "vendor-sim",
		Name:      "Simulated Plugin",
		Price:     2500,
		Currency:  "USD",
		Status:    domain.ProductPublished,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := st.products.Create(ctx, product); err != nil {
		log.Fatal("create product", zap.Error(err))
	}

	gateway := payment.NewMockGateway(payment.WithPhantomCharges(*phantom))
	ledger := service.NewOrderService(st.orders, st.products, gateway)

	fmt.Printf("--- STARTING SIMULATION (%d ORDERS) ---\n", *count)
	for i := 0; i < *count; i++ {
		buyer := domain.Principal{UserID: fmt.Sprintf("sim-buyer-%d-%s", i+1, uuid.NewString()[:8]), Role: domain.RoleMember}

		order, err := ledger.StartOrder(ctx, buyer, product.ID)
		if err != nil {
			fmt.Printf("[%d] start failed: %v\n", i+1, err)
			continue
		}

		fmt.Printf("[%d] Processing order %s ... ", i+1, order.ExternalOrderID)
		if *abandon > 0 && (i+1)%*abandon == 0 {
			status, err := ledger.CancelOrder(ctx, buyer, order.ExternalOrderID)
			fmt.Printf("ABANDONED (%s, err=%v)\n", status, err)
		} else if _, err := ledger.CaptureOrder(ctx, buyer, order.ExternalOrderID); err != nil {
			fmt.Printf("FAILED: %v\n", err)
		} else {
			fmt.Printf("SUCCESS\n")
		}

		fresh, _ := st.orders.FindByExternalID(ctx, order.ExternalOrderID)
		if fresh != nil {
			entitled, _ := ledger.HasEntitlement(ctx, buyer.UserID, product.ID)
			fmt.Printf("    -> DB status: %s, entitled: %v\n", fresh.Status, entitled)
		}
	}

	fmt.Println("--- RECONCILING STUCK ORDERS ---")
	rw := worker.NewReconciliationWorker(st.orders, gateway, time.Second, 0, log, nil)
	fixed, err := rw.Process(ctx)
	if err != nil {
		log.Error("reconciliation failed", zap.Error(err))
		os.Exit(1)
	}
	fmt.Printf("reconciled %d orders\n", fixed)

	summary, err := st.orders.VendorSummary(ctx, product.OwnerID)
	if err != nil {
		log.Error("vendor summary", zap.Error(err))
		os.Exit(1)
	}
	gross, fees, net := service.Balance(summary.UnpaidGross)
	fmt.Printf("paid orders: %d, gross: %d, fees: %d, vendor balance: %d\n", summary.UnpaidOrders, gross, fees, net)
}

func openStores(ctx context.Context, memory bool, log *zap.Logger) (stores, func(), error) {
	if memory {
		m := repo.NewMemoryStore()
		return stores{orders: m, products: m}, func() {}, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return stores{}, nil, err
	}
	db, err := database.New(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return stores{}, nil, err
	}
	if err := database.Migrate(ctx, db.DB()); err != nil {
		_ = db.Close()
		return stores{}, nil, err
	}
	return stores{
		orders:   repo.NewOrderRepo(db.DB()),
		products: repo.NewProductRepo(db.DB()),
	}, func() { _ = db.Close() }, nil
}
