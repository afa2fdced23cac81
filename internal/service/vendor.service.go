package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"purchase-ledger/internal/domain"
	"purchase-ledger/internal/repo"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// processorFeeRate is the share of each sale kept by the payment processor.
var processorFeeRate = decimal.RequireFromString("0.029")

type VendorService interface {
	ListVendorPurchases(ctx context.Context, p domain.Principal, limit int, cursor string) (*VendorPurchasePage, error)
	VendorDashboard(ctx context.Context, p domain.Principal) (*Dashboard, error)
	MarkVendorPaid(ctx context.Context, p domain.Principal, vendorID string) (int64, error)
}

type VendorPurchasePage struct {
	Items      []domain.VendorPurchase `json:"items"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

type Dashboard struct {
	ProductCount  int    `json:"product_count"`
	CustomerCount int    `json:"customer_count"`
	UnpaidOrders  int    `json:"unpaid_orders"`
	Gross         int64  `json:"gross"`
	Fees          int64  `json:"fees"`
	Balance       int64  `json:"balance"`
	BalanceText   string `json:"balance_display"`
}

type vendorService struct {
	orderRepo repo.OrderRepo
	options
}

func NewVendorService(orderRepo repo.OrderRepo, opts ...Option) VendorService {
	return &vendorService{orderRepo: orderRepo, options: buildOptions(opts)}
}

func (s *vendorService) ListVendorPurchases(ctx context.Context, p domain.Principal, limit int, cursor string) (page *VendorPurchasePage, err error) {
	ctx, _, done := begin(ctx, s.metrics, "list_vendor_purchases")
	defer func() { done(err) }()

	if err := requireRole(p, domain.RoleVendor); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = DefaultPageSize
	}
	if limit < 1 || limit > MaxPageSize {
		return nil, domain.Validation("limit must be between 1 and %d", MaxPageSize)
	}

	items, err := s.orderRepo.ListByVendor(ctx, p.UserID, limit+1, strings.TrimSpace(cursor))
	if err != nil {
		return nil, domain.Internal(err)
	}
	page = &VendorPurchasePage{Items: items}
	if len(items) > limit {
		page.NextCursor = items[limit].OrderID.String()
		page.Items = items[:limit]
	}
	return page, nil
}

func (s *vendorService) VendorDashboard(ctx context.Context, p domain.Principal) (dash *Dashboard, err error) {
	ctx, _, done := begin(ctx, s.metrics, "vendor_dashboard")
	defer func() { done(err) }()

	if err := requireRole(p, domain.RoleVendor); err != nil {
		return nil, err
	}
	summary, err := s.orderRepo.VendorSummary(ctx, p.UserID)
	if err != nil {
		return nil, domain.Internal(err)
	}
	gross, fees, balance := Balance(summary.UnpaidGross)
	return &Dashboard{
		ProductCount:  summary.ProductCount,
		CustomerCount: summary.CustomerCount,
		UnpaidOrders:  summary.UnpaidOrders,
		Gross:         gross,
		Fees:          fees,
		Balance:       balance,
		BalanceText:   decimal.New(balance, -2).StringFixed(2),
	}, nil
}

func (s *vendorService) MarkVendorPaid(ctx context.Context, p domain.Principal, vendorID string) (n int64, err error) {
	ctx, log, done := begin(ctx, s.metrics, "mark_vendor_paid")
	defer func() { done(err) }()

	if err := requireRole(p, domain.RoleAdmin); err != nil {
		return 0, err
	}
	vendorID = strings.TrimSpace(vendorID)
	if vendorID == "" {
		return 0, domain.Validation("vendor id is required")
	}
	n, err = s.orderRepo.MarkVendorPaid(ctx, vendorID, time.Now().UTC())
	if err != nil {
		return 0, domain.Internal(err)
	}
	log.Info("vendor paid out", zap.String("vendor_id", vendorID), zap.Int64("orders", n), zap.String("by", p.UserID))
	return n, nil
}

// Balance splits unpaid gross sales (minor units) into processor fees and the
// vendor's net balance. Fees are rounded half away from zero to whole minor units.
func Balance(gross int64) (int64, int64, int64) {
	fees := decimal.NewFromInt(gross).Mul(processorFeeRate).Round(0).IntPart()
	return gross, fees, gross - fees
}

func requireRole(p domain.Principal, role domain.Role) error {
	if !p.Authenticated() {
		return domain.ErrUnauthenticated
	}
	if !p.Is(role) {
		return domain.ErrForbidden
	}
	return nil
}
