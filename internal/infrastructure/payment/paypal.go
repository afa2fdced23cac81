package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/plutov/paypal/v4"
	"github.com/shopspring/decimal"

	"purchase-ledger/internal/domain"
)

const issueAlreadyCaptured = "ORDER_ALREADY_CAPTURED"

// PayPalGateway talks to the PayPal Orders v2 API with intent CAPTURE.
type PayPalGateway struct {
	client *paypal.Client
	mu     sync.Mutex
}

// NewPayPalGateway builds a gateway against apiBase (paypal.APIBaseSandBox,
// paypal.APIBaseLive, or a test server URL).
func NewPayPalGateway(clientID, secret, apiBase string, httpClient *http.Client) (*PayPalGateway, error) {
	c, err := paypal.NewClient(clientID, secret, apiBase)
	if err != nil {
		return nil, fmt.Errorf("paypal client: %w", err)
	}
	if httpClient != nil {
		c.SetHTTPClient(httpClient)
	}
	return &PayPalGateway{client: c}, nil
}

// APIBase maps the configured gateway mode to the PayPal endpoint.
func APIBase(live bool) string {
	if live {
		return paypal.APIBaseLive
	}
	return paypal.APIBaseSandBox
}

// zeroDecimal lists the currencies PayPal accepts without a fractional part.
var zeroDecimal = map[string]bool{"HUF": true, "JPY": true, "TWD": true}

func exponent(currency string) int32 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// FormatAmount renders minor units as the decimal string PayPal expects for currency.
func FormatAmount(minor int64, currency string) string {
	exp := exponent(currency)
	return decimal.New(minor, -exp).StringFixed(exp)
}

// ParseAmount converts a PayPal decimal string back to minor units of currency.
func ParseAmount(value, currency string) (int64, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, err
	}
	minor := d.Shift(exponent(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %s is finer than the minor unit of %s", value, currency)
	}
	return minor.IntPart(), nil
}

func (g *PayPalGateway) CreateOrder(ctx context.Context, req CreateOrderRequest) (domain.RemoteOrder, error) {
	if err := g.ensureToken(ctx); err != nil {
		return domain.RemoteOrder{}, classify("create_order", err)
	}
	order, err := g.client.CreateOrder(ctx, paypal.OrderIntentCapture, []paypal.PurchaseUnitRequest{{
		ReferenceID: req.ReferenceID,
		Description: req.Description,
		CustomID:    req.BuyerID,
		Amount: &paypal.PurchaseUnitAmount{
			Currency: req.Currency,
			Value:    FormatAmount(req.Amount, req.Currency),
		},
	}}, nil, nil)
	if err != nil {
		return domain.RemoteOrder{}, classify("create_order", err)
	}
	if order == nil || order.ID == "" {
		return domain.RemoteOrder{}, &domain.GatewayError{Op: "create_order", Reason: "empty order id in response"}
	}
	return domain.RemoteOrder{ID: order.ID, Status: domain.RemoteStatus(order.Status)}, nil
}

func (g *PayPalGateway) CaptureOrder(ctx context.Context, externalOrderID string) (domain.CaptureResult, error) {
	if err := g.ensureToken(ctx); err != nil {
		return domain.CaptureResult{}, classify("capture_order", err)
	}
	resp, err := g.client.CaptureOrder(ctx, externalOrderID, paypal.CaptureOrderRequest{})
	if err != nil {
		if hasIssue(err, issueAlreadyCaptured) {
			remote, gerr := g.GetOrder(ctx, externalOrderID)
			if gerr != nil {
				return domain.CaptureResult{}, gerr
			}
			return domain.CaptureResult{
				ExternalOrderID: externalOrderID,
				CaptureID:       remote.CaptureID,
				Status:          remote.Status,
				Amount:          remote.CapturedAmount,
				Currency:        remote.Currency,
			}, nil
		}
		return domain.CaptureResult{}, classify("capture_order", err)
	}

	payments := make([]*paypal.CapturedPayments, 0, len(resp.PurchaseUnits))
	for _, unit := range resp.PurchaseUnits {
		payments = append(payments, unit.Payments)
	}
	captured, err := sumCaptures("capture_order", payments)
	if err != nil {
		return domain.CaptureResult{}, err
	}
	return domain.CaptureResult{
		ExternalOrderID: resp.ID,
		CaptureID:       captured.ID,
		Status:          domain.RemoteStatus(resp.Status),
		Amount:          captured.Amount,
		Currency:        captured.Currency,
	}, nil
}

// GetOrder reports the remote status and, for completed orders, the capture. Orders
// PayPal no longer knows (expired or never approved) come back as RemoteNotFound.
func (g *PayPalGateway) GetOrder(ctx context.Context, externalOrderID string) (domain.RemoteOrder, error) {
	if err := g.ensureToken(ctx); err != nil {
		return domain.RemoteOrder{}, classify("get_order", err)
	}
	order, err := g.client.GetOrder(ctx, externalOrderID)
	if err != nil {
		var perr *paypal.ErrorResponse
		if errors.As(err, &perr) && perr.Response != nil && perr.Response.StatusCode == http.StatusNotFound {
			return domain.RemoteOrder{ID: externalOrderID, Status: domain.RemoteNotFound}, nil
		}
		return domain.RemoteOrder{}, classify("get_order", err)
	}

	payments := make([]*paypal.CapturedPayments, 0, len(order.PurchaseUnits))
	for _, unit := range order.PurchaseUnits {
		payments = append(payments, unit.Payments)
	}
	captured, err := sumCaptures("get_order", payments)
	if err != nil {
		return domain.RemoteOrder{}, err
	}
	return domain.RemoteOrder{
		ID:             order.ID,
		Status:         domain.RemoteStatus(order.Status),
		CaptureID:      captured.ID,
		CapturedAmount: captured.Amount,
		Currency:       captured.Currency,
	}, nil
}

// sumCaptures totals every capture across purchase units; the id is the last capture's.
func sumCaptures(op string, payments []*paypal.CapturedPayments) (domain.Capture, error) {
	var total domain.Capture
	for _, p := range payments {
		if p == nil {
			continue
		}
		for _, c := range p.Captures {
			total.ID = c.ID
			if c.Amount == nil {
				continue
			}
			amount, err := ParseAmount(c.Amount.Value, c.Amount.Currency)
			if err != nil {
				return domain.Capture{}, &domain.GatewayError{Op: op, Reason: "invalid capture amount", Err: err}
			}
			total.Currency = c.Amount.Currency
			total.Amount += amount
		}
	}
	return total, nil
}

// ensureToken fetches the first access token; the client refreshes it afterwards.
func (g *PayPalGateway) ensureToken(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client.Token != nil {
		return nil
	}
	_, err := g.client.GetAccessToken(ctx)
	return err
}

func classify(op string, err error) error {
	var perr *paypal.ErrorResponse
	if !errors.As(err, &perr) {
		return &domain.GatewayError{Op: op, Reason: "network", Retryable: true, Err: err}
	}
	gerr := &domain.GatewayError{Op: op, Reason: perr.Name, Retryable: true}
	if len(perr.Details) > 0 && perr.Details[0].Issue != "" {
		gerr.Reason = perr.Details[0].Issue
	}
	if gerr.Reason == "" {
		gerr.Reason = perr.Message
	}
	if perr.Response != nil {
		code := perr.Response.StatusCode
		gerr.Retryable = code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
		if gerr.Reason == "" {
			gerr.Reason = http.StatusText(code)
		}
	}
	return gerr
}

func hasIssue(err error, issue string) bool {
	var perr *paypal.ErrorResponse
	if !errors.As(err, &perr) {
		return false
	}
	for _, d := range perr.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}
