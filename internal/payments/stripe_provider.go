package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// Logger is the event logger shared by the gateway adapters.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Stripe keeps unpaid Checkout sessions open for 24h; the router only promises the buyer half an
// hour when Stripe does not say.
const stripeFallbackTTL = 30 * time.Minute

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type StripeProviderConfig struct {
	APIKey     string
	AccountID  string
	SuccessURL string
	CancelURL  string
	Backends   *stripe.Backends
	Logger     Logger
	Clock      func() time.Time
	Sessions   stripeSessionAPI
}

// StripeProvider is the cart-bank gateway: one Checkout session per order, one line per
// subscription.
type StripeProvider struct {
	cfg      StripeProviderConfig
	sessions stripeSessionAPI
}

var _ Provider = (*StripeProvider)(nil)

func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	sessions := cfg.Sessions
	if sessions == nil {
		if cfg.APIKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		sessions = client.New(cfg.APIKey, cfg.Backends).CheckoutSessions
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeProvider{cfg: cfg, sessions: sessions}, nil
}

func (p *StripeProvider) CreatePayment(ctx context.Context, req PaymentRequest) (PaymentSession, error) {
	if req.Amount <= 0 {
		return PaymentSession{}, errors.New("stripe: amount must be positive")
	}
	session, err := p.sessions.New(p.checkoutParams(ctx, req))
	if err != nil {
		return PaymentSession{}, fmt.Errorf("stripe: create checkout session for %s: %w", req.OrderID, err)
	}
	p.cfg.Logger(ctx, "payments.stripe.session_created", map[string]any{
		"sessionId": session.ID,
		"orderId":   req.OrderID,
	})

	expires := p.cfg.Clock().UTC().Add(stripeFallbackTTL)
	if session.ExpiresAt > 0 {
		expires = time.Unix(session.ExpiresAt, 0).UTC()
	}
	return PaymentSession{Reference: session.ID, RedirectURL: session.URL, ExpiresAt: expires}, nil
}

func (p *StripeProvider) checkoutParams(ctx context.Context, req PaymentRequest) *stripe.CheckoutSessionParams {
	metadata := map[string]string{"order_id": req.OrderID}
	if req.OrderNumber != "" {
		metadata["order_number"] = req.OrderNumber
	}
	maps.Copy(metadata, req.Metadata)

	params := &stripe.CheckoutSessionParams{
		Params:            stripe.Params{Context: ctx},
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.OrderID),
		SuccessURL:        stripe.String(defaultString(req.SuccessURL, p.cfg.SuccessURL)),
		CancelURL:         stripe.String(defaultString(req.CancelURL, p.cfg.CancelURL)),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata},
	}
	params.Metadata = metadata
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	if account := strings.TrimSpace(p.cfg.AccountID); account != "" {
		params.SetStripeAccount(account)
	}
	if req.Customer.Email != "" {
		params.CustomerEmail = stripe.String(req.Customer.Email)
	}
	if req.Locale != "" {
		params.Locale = stripe.String(strings.ReplaceAll(strings.ToLower(req.Locale), "_", "-"))
	}

	currency := strings.ToLower(defaultString(req.Currency, "rub"))
	for _, item := range req.Items {
		if item.Amount > 0 {
			params.LineItems = append(params.LineItems, stripeLine(currency, defaultString(item.Name, "Course"), item.Amount, item.Reference))
		}
	}
	// Free items are dropped, so a request whose lines are all free still needs one line.
	if len(params.LineItems) == 0 {
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{
			stripeLine(currency, defaultString(req.OrderNumber, "Order"), req.Amount, ""),
		}
	}
	return params
}

func stripeLine(currency, name string, amount int64, subscriptionID string) *stripe.CheckoutSessionLineItemParams {
	product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String(name)}
	if subscriptionID != "" {
		product.Metadata = map[string]string{"subscription_id": subscriptionID}
	}
	return &stripe.CheckoutSessionLineItemParams{
		Quantity: stripe.Int64(1),
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:    stripe.String(currency),
			UnitAmount:  stripe.Int64(amount),
			ProductData: product,
		},
	}
}
