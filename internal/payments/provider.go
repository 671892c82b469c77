package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// ProviderCartBank is the card gateway used for single-item cart purchases.
	ProviderCartBank = "cart_bank"
	// ProviderDirectBank is the gateway used for direct bank purchases.
	ProviderDirectBank = "direct_bank"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// Customer carries the buyer contact details forwarded to gateways.
type Customer struct {
	ID    string
	Name  string
	Email string
	Phone string
}

// LineItem describes a single purchased subscription.
type LineItem struct {
	Reference string
	Name      string
	Amount    int64
}

// PaymentRequest captures what a gateway needs to open a payment for an order.
type PaymentRequest struct {
	OrderID        string
	OrderNumber    string
	Amount         int64
	Currency       string
	Locale         string
	Customer       Customer
	Items          []LineItem
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
	Metadata       map[string]string
}

// PaymentSession is the gateway answer: where to send the buyer and how to find the payment later.
type PaymentSession struct {
	Provider    string
	Reference   string
	RedirectURL string
	ExpiresAt   time.Time
}

// Provider defines the contract for gateway adapters: submit an order, get a redirect target.
type Provider interface {
	CreatePayment(ctx context.Context, req PaymentRequest) (PaymentSession, error)
}

// Manager resolves gateways by key.
type Manager struct {
	providers map[string]Provider
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := normaliseKey(k)
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	return &Manager{providers: copyMap}, nil
}

// Has reports whether a provider is registered under key.
func (m *Manager) Has(key string) bool {
	if m == nil {
		return false
	}
	_, ok := m.providers[normaliseKey(key)]
	return ok
}

// CreatePayment delegates to the provider registered under key. The call is made once; gateways
// are never retried automatically.
func (m *Manager) CreatePayment(ctx context.Context, key string, req PaymentRequest) (PaymentSession, error) {
	if m == nil {
		return PaymentSession{}, errors.New("payments: manager is nil")
	}
	name := normaliseKey(key)
	provider, ok := m.providers[name]
	if !ok {
		return PaymentSession{}, fmt.Errorf("%w: %s", ErrUnsupportedProvider, key)
	}
	session, err := provider.CreatePayment(ctx, req)
	if err != nil {
		return PaymentSession{}, err
	}
	session.Provider = name
	return session, nil
}

func normaliseKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
