package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/payments"
)

type stubTKBRegistrar struct {
	requests []payments.TKBRegisterRequest
	formURL  string
	err      error
}

func (s *stubTKBRegistrar) RegisterOrder(_ context.Context, req payments.TKBRegisterRequest) (string, error) {
	s.requests = append(s.requests, req)
	return s.formURL, s.err
}

type stubOrderLookup struct {
	order Order
}

func (s stubOrderLookup) CreateOrder(context.Context, CreateOrderCommand) (OrderCreation, error) {
	return OrderCreation{}, errors.New("not used")
}

func (s stubOrderLookup) ConfirmPayment(context.Context, ConfirmPaymentCommand) (Order, error) {
	return Order{}, errors.New("not used")
}

func (s stubOrderLookup) GetOrder(_ context.Context, orderID, userID string) (Order, error) {
	if orderID != s.order.ID || userID != s.order.UserID {
		return Order{}, ErrOrderNotFound
	}
	return s.order, nil
}

func (s stubOrderLookup) GetReceipt(context.Context, string, string) (PaymentReceipt, error) {
	return PaymentReceipt{}, errors.New("not used")
}

func newTestTKBService(t *testing.T, client *stubTKBRegistrar) (TKBPaymentService, *memStore) {
	t.Helper()
	store := newMemStore()
	store.users["stu-1"] = domain.User{ID: "stu-1", FullName: "Anna Petrova"}
	svc, err := NewTKBPaymentService(TKBPaymentServiceDeps{
		Orders:         stubOrderLookup{order: Order{ID: "ord_1", UserID: "stu-1", Channel: domain.PaymentChannelBankTKB}},
		Users:          memUsers{store},
		Client:         client,
		PublicBaseURL:  "https://shop.example.com",
		CourseListPath: "/account/courses",
	})
	if err != nil {
		t.Fatalf("new tkb service: %v", err)
	}
	return svc, store
}

func TestTKBInitiateReturnsFormURL(t *testing.T) {
	client := &stubTKBRegistrar{formURL: "https://pay.tkbbank.ru/form/abc"}
	svc, _ := newTestTKBService(t, client)

	location, err := svc.Initiate(context.Background(), "ord_1", "stu-1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if location != "https://pay.tkbbank.ru/form/abc" {
		t.Fatalf("unexpected location %q", location)
	}
	req := client.requests[0]
	if req.Amount != 100 || req.OrderID != "ord_1" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.ClientInfo.FIO != "Anna Petrova" || req.ClientInfo.PhoneNumber != "" || req.ClientInfo.Email != "" {
		t.Fatalf("expected missing contacts to default to empty, got %+v", req.ClientInfo)
	}
	if req.ReturnURL != "https://shop.example.com/api/v1/orders/ord_1/tkb-result" {
		t.Fatalf("unexpected return url %q", req.ReturnURL)
	}
}

func TestTKBInitiateRejectionFallsBackToCourseList(t *testing.T) {
	client := &stubTKBRegistrar{err: payments.ErrTKBRejected}
	svc, _ := newTestTKBService(t, client)

	location, err := svc.Initiate(context.Background(), "ord_1", "stu-1")
	if err != nil {
		t.Fatalf("gateway rejection must not raise: %v", err)
	}
	if location != "/account/courses" {
		t.Fatalf("unexpected fallback %q", location)
	}
}

func TestTKBInitiateForeignOrder(t *testing.T) {
	client := &stubTKBRegistrar{}
	svc, _ := newTestTKBService(t, client)

	if _, err := svc.Initiate(context.Background(), "ord_1", "intruder"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(client.requests) != 0 {
		t.Fatalf("gateway must not be called for foreign orders")
	}
}
