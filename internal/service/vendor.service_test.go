package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"purchase-ledger/internal/domain"
)

func buy(t *testing.T, f *fixture, p domain.Principal, productID string) *domain.Order {
	t.Helper()
	ctx := context.Background()
	order, err := f.ledger.StartOrder(ctx, p, productID)
	require.NoError(t, err)
	_, err = f.ledger.CaptureOrder(ctx, p, order.ExternalOrderID)
	require.NoError(t, err)
	return order
}

func TestVendorPurchasesPagination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	vendors := NewVendorService(f.store)

	for i := 0; i < 5; i++ {
		buy(t, f, domain.Principal{UserID: fmt.Sprintf("buyer-%d", i), Role: domain.RoleMember}, "prod-1")
		time.Sleep(time.Millisecond)
	}

	page, err := vendors.ListVendorPurchases(ctx, vendor, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	assert.Equal(t, "buyer-4", page.Items[0].BuyerID, "newest first")

	seen := map[string]bool{}
	for _, it := range page.Items {
		seen[it.BuyerID] = true
	}
	for page.NextCursor != "" {
		page, err = vendors.ListVendorPurchases(ctx, vendor, 2, page.NextCursor)
		require.NoError(t, err)
		for _, it := range page.Items {
			assert.False(t, seen[it.BuyerID], "pages do not overlap")
			seen[it.BuyerID] = true
		}
	}
	assert.Len(t, seen, 5)

	all, err := vendors.ListVendorPurchases(ctx, vendor, 0, "")
	require.NoError(t, err)
	assert.Len(t, all.Items, 5)
	assert.Empty(t, all.NextCursor)
}

func TestVendorPurchasesGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	vendors := NewVendorService(f.store)

	_, err := vendors.ListVendorPurchases(ctx, buyer, 10, "")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = vendors.ListVendorPurchases(ctx, domain.Principal{}, 10, "")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	_, err = vendors.ListVendorPurchases(ctx, vendor, MaxPageSize+1, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = vendors.ListVendorPurchases(ctx, vendor, -1, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = vendors.ListVendorPurchases(ctx, vendor, 10, "not-a-cursor")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestVendorDashboardAndPayout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	vendors := NewVendorService(f.store)

	buy(t, f, buyer, "prod-1")
	buy(t, f, other, "prod-1")
	buy(t, f, buyer, "prod-2")
	_, err := f.ledger.StartOrder(ctx, other, "prod-2")
	require.NoError(t, err)

	dash, err := vendors.VendorDashboard(ctx, vendor)
	require.NoError(t, err)
	assert.Equal(t, 4, dash.ProductCount)
	assert.Equal(t, 2, dash.CustomerCount)
	assert.Equal(t, 3, dash.UnpaidOrders)
	assert.Equal(t, int64(6000), dash.Gross)
	assert.Equal(t, int64(174), dash.Fees)
	assert.Equal(t, int64(5826), dash.Balance)
	assert.Equal(t, "58.26", dash.BalanceText)

	_, err = vendors.MarkVendorPaid(ctx, vendor, vendor.UserID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	n, err := vendors.MarkVendorPaid(ctx, admin, vendor.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	dash, err = vendors.VendorDashboard(ctx, vendor)
	require.NoError(t, err)
	assert.Zero(t, dash.Balance)
	assert.Equal(t, 2, dash.CustomerCount)

	n, err = vendors.MarkVendorPaid(ctx, admin, vendor.UserID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBalance(t *testing.T) {
	tests := []struct {
		gross, fees, net int64
	}{
		{gross: 0, fees: 0, net: 0},
		{gross: 2500, fees: 73, net: 2427},
		{gross: 1000, fees: 29, net: 971},
		{gross: 17, fees: 0, net: 17},
	}
	for _, tc := range tests {
		gross, fees, net := Balance(tc.gross)
		assert.Equal(t, tc.gross, gross)
		assert.Equal(t, tc.fees, fees, "fees for %d", tc.gross)
		assert.Equal(t, tc.net, net)
	}
}
