package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"purchase-ledger/internal/domain"
)

func principal(c *gin.Context) domain.Principal {
	return domain.PrincipalFrom(c.Request.Context())
}

func (h *handler) getCheckout(c *gin.Context) {
	co, err := h.ledger.GetCheckout(c.Request.Context(), principal(c), c.Param("productId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, co)
}

type startOrderRequest struct {
	ProductID string `json:"product_id" binding:"required"`
}

type orderResponse struct {
	OrderID         string             `json:"order_id"`
	ExternalOrderID string             `json:"external_order_id"`
	Status          domain.OrderStatus `json:"status"`
	Amount          int64              `json:"amount"`
	Currency        string             `json:"currency"`
}

func (h *handler) startOrder(c *gin.Context) {
	var req startOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, domain.Validation("%v", err))
		return
	}
	order, err := h.ledger.StartOrder(c.Request.Context(), principal(c), req.ProductID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, orderResponse{
		OrderID:         order.ID.String(),
		ExternalOrderID: order.ExternalOrderID,
		Status:          order.Status,
		Amount:          order.Amount,
		Currency:        order.Currency,
	})
}

func (h *handler) captureOrder(c *gin.Context) {
	res, err := h.ledger.CaptureOrder(c.Request.Context(), principal(c), c.Param("orderId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) cancelOrder(c *gin.Context) {
	status, err := h.ledger.CancelOrder(c.Request.Context(), principal(c), c.Param("orderId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"external_order_id": c.Param("orderId"), "status": status})
}

func (h *handler) entitlement(c *gin.Context) {
	productID := c.Param("productId")
	ok, err := h.ledger.HasEntitlement(c.Request.Context(), principal(c).UserID, productID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_id": productID, "entitled": ok})
}

func (h *handler) download(c *gin.Context) {
	link, err := h.downloads.IssueDownload(c.Request.Context(), principal(c), c.Param("productId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

func (h *handler) listPurchases(c *gin.Context) {
	items, err := h.ledger.ListPurchases(c.Request.Context(), principal(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *handler) vendorPurchases(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			abortWithError(c, domain.Validation("limit must be a number"))
			return
		}
		limit = n
	}
	page, err := h.vendors.ListVendorPurchases(c.Request.Context(), principal(c), limit, c.Query("cursor"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *handler) vendorDashboard(c *gin.Context) {
	dash, err := h.vendors.VendorDashboard(c.Request.Context(), principal(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dash)
}

func (h *handler) vendorPayout(c *gin.Context) {
	vendorID := c.Param("vendorId")
	n, err := h.vendors.MarkVendorPaid(c.Request.Context(), principal(c), vendorID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vendor_id": vendorID, "orders": n})
}
