package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"purchase-ledger/internal/cache"
	"purchase-ledger/internal/config"
	"purchase-ledger/internal/database"
	"purchase-ledger/internal/events"
	"purchase-ledger/internal/httpapi"
	"purchase-ledger/internal/infrastructure/payment"
	"purchase-ledger/internal/infrastructure/storage"
	"purchase-ledger/internal/logging"
	"purchase-ledger/internal/metrics"
	"purchase-ledger/internal/repo"
	"purchase-ledger/internal/service"
	"purchase-ledger/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	log := logging.MustNewLogger(cfg.ServiceName, cfg.Env)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	db, err := database.New(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db.DB()); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("ledger", reg)

	gateway, err := newGateway(cfg)
	if err != nil {
		return err
	}
	gateway = payment.Instrument(gateway, m, cfg.GatewayTimeout)

	var entitlements cache.EntitlementCache = cache.Nop{}
	if cfg.RedisAddr != "" {
		rdb := cache.NewRedisClient(cfg.RedisAddr)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, entitlement cache disabled", zap.Error(err))
		} else {
			entitlements = cache.NewRedisEntitlements(rdb, cfg.EntitlementTTL)
		}
	}

	var presigner storage.Presigner = storage.Disabled{}
	if cfg.S3Bucket != "" {
		s3p, err := storage.NewS3Presigner(ctx, storage.S3Options{
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return err
		}
		presigner = s3p
	}

	var publisher events.Publisher = events.NewLogPublisher(log)
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers)
	}
	defer publisher.Close()

	orderRepo := repo.NewOrderRepo(db.DB())
	productRepo := repo.NewProductRepo(db.DB())
	opts := []service.Option{
		service.WithMetrics(m),
		service.WithEntitlementCache(entitlements),
		service.WithDefaultCurrency(cfg.Currency),
	}
	ledger := service.NewOrderService(orderRepo, productRepo, gateway, opts...)

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Ledger:      ledger,
		Vendors:     service.NewVendorService(orderRepo, opts...),
		Downloads:   service.NewDownloadService(ledger, productRepo, presigner, cfg.DownloadURLTTL, opts...),
		Health:      db,
		Metrics:     m,
		Gatherer:    reg,
		Logger:      log,
		CORSOrigins: cfg.CORSOrigins,
	})

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	relay := worker.NewOutboxRelay(repo.NewOutboxRepo(db.DB()), publisher, cfg.OutboxInterval, cfg.OutboxBatch, log, m)
	reconciler := worker.NewReconciliationWorker(orderRepo, gateway, cfg.ReconcileInterval, cfg.ReconcileAfter, log, m)
	wg.Add(2)
	go func() { defer wg.Done(); relay.Run(workerCtx) }()
	go func() { defer wg.Done(); reconciler.Run(workerCtx) }()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr), zap.String("gateway", cfg.Gateway))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	cancelWorkers()
	wg.Wait()
	return err
}

func newGateway(cfg config.Config) (payment.PaymentGateway, error) {
	switch cfg.Gateway {
	case config.GatewaySandbox, config.GatewayLive:
		gw, err := payment.NewPayPalGateway(
			cfg.PayPalClientID,
			cfg.PayPalSecret,
			payment.APIBase(cfg.Gateway == config.GatewayLive),
			&http.Client{Timeout: cfg.GatewayTimeout},
		)
		if err != nil {
			return nil, err
		}
		return gw, nil
	default:
		return payment.NewMockGateway(), nil
	}
}
