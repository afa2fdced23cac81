package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"purchase-ledger/internal/metrics"
	"purchase-ledger/internal/service"
)

// HealthChecker reports dependency health; database.Service satisfies it.
type HealthChecker interface {
	Health(ctx context.Context) map[string]string
}

type Deps struct {
	Ledger    service.OrderService
	Vendors   service.VendorService
	Downloads service.DownloadService

	Health      HealthChecker
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
	CORSOrigins []string
}

type handler struct {
	ledger    service.OrderService
	vendors   service.VendorService
	downloads service.DownloadService
	health    HealthChecker
}

// NewRouter builds the gin engine serving the checkout, account, vendor and admin APIs.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(recovery())
	r.Use(requestContext(d.Logger))
	r.Use(observe(d.Metrics))
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     d.CORSOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", headerUserID, headerUserRole, headerRequestID},
			ExposeHeaders:    []string{headerRequestID},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	h := &handler{ledger: d.Ledger, vendors: d.Vendors, downloads: d.Downloads, health: d.Health}

	r.GET("/healthz", h.healthz)
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(d.Gatherer)))
	}

	api := r.Group("/api", authenticate(), requireAuth())
	{
		checkout := api.Group("/checkout")
		checkout.GET("/:productId", h.getCheckout)
		checkout.POST("/orders", h.startOrder)
		checkout.POST("/orders/:orderId/capture", h.captureOrder)
		checkout.POST("/orders/:orderId/cancel", h.cancelOrder)

		products := api.Group("/products/:productId")
		products.GET("/entitlement", h.entitlement)
		products.POST("/download", h.download)

		api.GET("/account/purchases", h.listPurchases)

		vendor := api.Group("/vendor")
		vendor.GET("/purchases", h.vendorPurchases)
		vendor.GET("/dashboard", h.vendorDashboard)

		api.POST("/admin/vendors/:vendorId/payout", h.vendorPayout)
	}
	return r
}

func (h *handler) healthz(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "up"})
		return
	}
	stats := h.health.Health(c.Request.Context())
	code := http.StatusOK
	if stats["status"] != "up" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, stats)
}
