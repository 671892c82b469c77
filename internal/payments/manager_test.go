package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	calls   int
	lastReq PaymentRequest
	session PaymentSession
	err     error
}

func (f *fakeProvider) CreatePayment(_ context.Context, req PaymentRequest) (PaymentSession, error) {
	f.calls++
	f.lastReq = req
	return f.session, f.err
}

func TestManagerCreatePaymentUsesRegisteredProvider(t *testing.T) {
	stripe := &fakeProvider{session: PaymentSession{Reference: "cs_1", RedirectURL: "https://pay.example/cs_1"}}
	snap := &fakeProvider{session: PaymentSession{Reference: "snap_1"}}

	mgr, err := NewManager(map[string]Provider{
		ProviderCartBank:   stripe,
		ProviderDirectBank: snap,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	session, err := mgr.CreatePayment(context.Background(), "Direct_Bank ", PaymentRequest{OrderID: "ord_1", Amount: 1500})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if session.Provider != ProviderDirectBank || session.Reference != "snap_1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if snap.calls != 1 || stripe.calls != 0 {
		t.Fatalf("expected only the direct bank provider to run, got stripe=%d snap=%d", stripe.calls, snap.calls)
	}
	if snap.lastReq.OrderID != "ord_1" {
		t.Fatalf("request not forwarded: %+v", snap.lastReq)
	}
}

func TestManagerPropagatesProviderError(t *testing.T) {
	boom := errors.New("gateway down")
	mgr, err := NewManager(map[string]Provider{ProviderCartBank: &fakeProvider{err: boom}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.CreatePayment(context.Background(), ProviderCartBank, PaymentRequest{}); !errors.Is(err, boom) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestManagerUnsupportedProvider(t *testing.T) {
	mgr, err := NewManager(map[string]Provider{ProviderCartBank: &fakeProvider{}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if mgr.Has(ProviderDirectBank) {
		t.Fatalf("direct bank must not be registered")
	}
	_, err = mgr.CreatePayment(context.Background(), ProviderDirectBank, PaymentRequest{})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager(map[string]Provider{"bad": nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
}
