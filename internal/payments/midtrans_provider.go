package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	midtrans "github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/snap"
)

type snapAPI interface {
	CreateTransaction(req *snap.Request) (*snap.Response, *midtrans.Error)
}

// MidtransProviderConfig configures the MidtransProvider.
type MidtransProviderConfig struct {
	ServerKey  string
	Production bool
	Logger     Logger
	Snap       snapAPI
}

// MidtransProvider opens Snap transactions for direct bank purchases.
type MidtransProvider struct {
	snap   snapAPI
	logger Logger
}

var _ Provider = (*MidtransProvider)(nil)

// NewMidtransProvider constructs the Snap-backed provider.
func NewMidtransProvider(cfg MidtransProviderConfig) (*MidtransProvider, error) {
	api := cfg.Snap
	if api == nil {
		key := strings.TrimSpace(cfg.ServerKey)
		if key == "" {
			return nil, errors.New("midtrans: server key is required")
		}
		env := midtrans.Sandbox
		if cfg.Production {
			env = midtrans.Production
		}
		client := &snap.Client{}
		client.New(key, env)
		api = client
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &MidtransProvider{snap: api, logger: logger}, nil
}

// CreatePayment registers the order with Snap and returns its hosted payment page.
func (p *MidtransProvider) CreatePayment(ctx context.Context, req PaymentRequest) (PaymentSession, error) {
	if p == nil {
		return PaymentSession{}, errors.New("midtrans: provider is nil")
	}
	if req.Amount <= 0 {
		return PaymentSession{}, errors.New("midtrans: amount must be positive")
	}
	orderRef := defaultString(req.OrderNumber, req.OrderID)
	if orderRef == "" {
		return PaymentSession{}, errors.New("midtrans: order id is required")
	}

	first, last := splitName(req.Customer.Name)
	snapReq := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  orderRef,
			GrossAmt: req.Amount,
		},
		CustomerDetail: &midtrans.CustomerDetails{
			FName: first,
			LName: last,
			Email: req.Customer.Email,
			Phone: req.Customer.Phone,
		},
		CustomField1: req.OrderID,
	}

	items := make([]midtrans.ItemDetails, 0, len(req.Items))
	var itemsTotal int64
	for _, item := range req.Items {
		if item.Amount <= 0 {
			continue
		}
		items = append(items, midtrans.ItemDetails{
			ID:    truncate(defaultString(item.Reference, orderRef), 50),
			Name:  truncate(defaultString(item.Name, "Course"), 50),
			Price: item.Amount,
			Qty:   1,
		})
		itemsTotal += item.Amount
	}
	// Snap rejects item lists that do not add up to the gross amount.
	if len(items) > 0 && itemsTotal == req.Amount {
		snapReq.Items = &items
	}

	resp, merr := p.snap.CreateTransaction(snapReq)
	if merr != nil {
		return PaymentSession{}, fmt.Errorf("midtrans: create transaction: %w", merr)
	}
	if resp == nil {
		return PaymentSession{}, errors.New("midtrans: empty response")
	}

	p.logger(ctx, "payments.midtrans.transaction.created", map[string]any{
		"orderId": req.OrderID,
		"token":   resp.Token != "",
	})

	return PaymentSession{
		Reference:   resp.Token,
		RedirectURL: resp.RedirectURL,
	}, nil
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
