package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	domain "github.com/courseshop/api/internal/domain"
)

type fakeNumbers struct {
	mu         sync.Mutex
	orders     int
	receipts   int
	orderErr   error
	receiptErr error
}

func (c *fakeNumbers) Advance(context.Context, SequenceCommand) (int64, error) {
	return 0, errors.New("not used")
}

func (c *fakeNumbers) NextOrderNumber(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.orderErr != nil {
		return "", c.orderErr
	}
	c.orders++
	return fmt.Sprintf("CS-2026-%06d", c.orders), nil
}

func (c *fakeNumbers) NextReceiptNumber(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receiptErr != nil {
		return "", c.receiptErr
	}
	c.receipts++
	return fmt.Sprintf("RC-202603-%06d", c.receipts), nil
}

type recordingCascade struct {
	mu     sync.Mutex
	single []string
	bulk   [][]string
	err    error
}

func (c *recordingCascade) Regenerate(_ context.Context, id string) (CascadeReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.single = append(c.single, id)
	return CascadeReport{SubscriptionID: id}, c.err
}

func (c *recordingCascade) RegenerateAll(_ context.Context, ids []string) ([]CascadeReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bulk = append(c.bulk, slices.Clone(ids))
	return nil, c.err
}

type recordingReceiptPublisher struct {
	published []PaymentReceipt
	err       error
}

func (p *recordingReceiptPublisher) PublishReceipt(_ context.Context, _ Order, receipt PaymentReceipt) (PaymentReceipt, error) {
	if p.err != nil {
		return PaymentReceipt{}, p.err
	}
	receipt.ObjectPath = "orders/" + receipt.OrderID + "/receipts/" + receipt.ID + ".html"
	p.published = append(p.published, receipt)
	return receipt, nil
}

type orderFixture struct {
	*subscriptionFixture
	numbers    *fakeNumbers
	cascade    *recordingCascade
	receiptPub *recordingReceiptPublisher
	orders     OrderService
	events     []string
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	f := &orderFixture{
		subscriptionFixture: newSubscriptionFixture(t, nil),
		numbers:             &fakeNumbers{},
		cascade:             &recordingCascade{},
		receiptPub:          &recordingReceiptPublisher{},
	}
	f.store.users["stu-1"] = domain.User{ID: "stu-1", FullName: "Anna Petrova", BonusBalance: 300}

	svc, err := NewOrderService(OrderServiceDeps{
		Orders:           memOrders{f.store},
		Subscriptions:    f.svc,
		SubscriptionRepo: memSubscriptions{f.store},
		Groups:           memGroups{f.store},
		Users:            memUsers{f.store},
		Receipts:         memReceipts{f.store},
		Sequences:        f.numbers,
		Documents:        f.cascade,
		ReceiptPublisher: f.receiptPub,
		Notifications:    f.dispatcher,
		UnitOfWork:       f.store,
		Clock:            fixedClock(engineNow),
		IDGenerator:      sequentialIDs("o"),
		Logger: func(_ context.Context, event string, _ map[string]any) {
			f.events = append(f.events, event)
		},
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	f.orders = svc
	return f
}

func (f *orderFixture) priceGroup(id string, price, discount int64) {
	group := f.store.groups[id]
	group.Price = price
	group.Discount = discount
	f.store.groups[id] = group
}

func TestCreateOrderZeroPriceIsPaidInsideTransaction(t *testing.T) {
	f := newOrderFixture(t)

	result, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:  "stu-1",
		Channel: domain.PaymentChannelCartBank,
		Items:   []OrderItemInput{{GroupID: "g1"}, {GroupID: "g2"}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	order := result.Order
	if order.Status != domain.OrderStatusPaid || order.PaidAt == nil || !order.PaidAt.Equal(engineNow) {
		t.Fatalf("expected paid order, got %+v", order)
	}
	if order.Number != "CS-2026-000001" || order.ID != "ord_o001" {
		t.Fatalf("unexpected identifiers %s %s", order.ID, order.Number)
	}
	if stored := f.store.orders[order.ID]; stored.Status != domain.OrderStatusPaid {
		t.Fatalf("expected stored order paid, got %+v", stored)
	}
	if f.store.txCount != 1 {
		t.Fatalf("expected a single transaction, got %d", f.store.txCount)
	}
	for _, sub := range order.Subscriptions {
		if sub.PendingPaymentAt != nil {
			t.Fatalf("zero price order must not stamp pending payment")
		}
		if sub.OrderID == nil || *sub.OrderID != order.ID || sub.CourseID != "c-beauty" {
			t.Fatalf("unexpected subscription %+v", sub)
		}
	}
	if len(f.cascade.bulk) != 1 || len(f.cascade.bulk[0]) != 2 || len(f.cascade.single) != 0 {
		t.Fatalf("expected bulk regeneration for two subscriptions, got single=%v bulk=%v", f.cascade.single, f.cascade.bulk)
	}
	if !slices.Equal(f.dispatcher.kinds(), []string{string(domain.NotificationPaymentConfirmation)}) {
		t.Fatalf("unexpected notifications %v", f.dispatcher.kinds())
	}
	if f.store.groups["g1"].StudentsCount != 1 || f.store.groups["g2"].StudentsCount != 1 {
		t.Fatalf("expected counters from the transition engine")
	}
}

func TestCreateOrderDirectBankStampsPendingPayment(t *testing.T) {
	f := newOrderFixture(t)
	f.priceGroup("g1", 49000, 4000)

	result, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:  "stu-1",
		Channel: domain.PaymentChannelDirectBank,
		Items:   []OrderItemInput{{GroupID: "g1"}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if result.Order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending order, got %s", result.Order.Status)
	}
	sub := result.Order.Subscriptions[0]
	if sub.PriceWithDiscount != 45000 || sub.PendingPaymentAt == nil {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	if stored := f.store.subscription(sub.ID); stored.PendingPaymentAt == nil || !stored.PendingPaymentAt.Equal(engineNow) {
		t.Fatalf("expected stored pending payment stamp, got %+v", stored)
	}
	if !slices.Equal(f.cascade.single, []string{sub.ID}) || len(f.cascade.bulk) != 0 {
		t.Fatalf("expected direct regeneration, got single=%v bulk=%v", f.cascade.single, f.cascade.bulk)
	}
}

func TestCreateOrderCartSpreadsBonus(t *testing.T) {
	f := newOrderFixture(t)
	f.priceGroup("g1", 600, 0)
	f.priceGroup("g2", 400, 0)

	result, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:      "stu-1",
		Channel:     domain.PaymentChannelReceipt,
		Cart:        true,
		BonusAmount: 500,
		Items: []OrderItemInput{
			{GroupID: "g1"},
			{GroupID: "g2"},
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	order := result.Order
	if order.EnteredBonusValue != 300 {
		t.Fatalf("expected bonus clamped to balance, got %d", order.EnteredBonusValue)
	}
	got := []int64{order.Subscriptions[0].PriceWithDiscount, order.Subscriptions[1].PriceWithDiscount}
	if !slices.Equal(got, []int64{420, 280}) || order.TotalPrice() != 700 {
		t.Fatalf("unexpected prices %v", got)
	}
}

func TestCreateOrderReceiptChannel(t *testing.T) {
	f := newOrderFixture(t)
	f.priceGroup("g1", 1200, 0)

	result, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:  "stu-1",
		Channel: domain.PaymentChannelReceipt,
		Items:   []OrderItemInput{{GroupID: "g1"}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	receipt := result.Receipt
	if receipt == nil || receipt.Number != "RC-202603-000001" || receipt.Amount != 1200 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if receipt.ObjectPath == "" {
		t.Fatalf("expected published receipt path")
	}
	if result.Order.ReceiptID == nil || *result.Order.ReceiptID != receipt.ID {
		t.Fatalf("expected receipt linked to order")
	}
	if stored := f.store.orders[result.Order.ID]; stored.ReceiptID == nil || *stored.ReceiptID != receipt.ID {
		t.Fatalf("expected stored receipt link, got %+v", stored)
	}
	if f.store.called("subscriptions.stamp_pending_payment") != 0 {
		t.Fatalf("receipt orders must not stamp pending payment")
	}
}

func TestCreateOrderAbortRollsBackEverything(t *testing.T) {
	f := newOrderFixture(t)
	f.priceGroup("g1", 1200, 0)
	f.priceGroup("g2", 800, 0)
	f.store.failOn("receipts.insert", errInjected)

	_, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:  "stu-1",
		Channel: domain.PaymentChannelReceipt,
		Items:   []OrderItemInput{{GroupID: "g1"}, {GroupID: "g2"}},
	})
	if !errors.Is(err, ErrOrderTransactionAborted) || !errors.Is(err, errInjected) {
		t.Fatalf("expected aborted transaction, got %v", err)
	}
	if len(f.store.orders) != 0 || len(f.store.subs) != 0 || len(f.store.changes) != 0 {
		t.Fatalf("expected rollback, orders=%d subs=%d changes=%d", len(f.store.orders), len(f.store.subs), len(f.store.changes))
	}
	if f.store.groups["g1"].StudentsCount != 0 {
		t.Fatalf("expected counters rolled back")
	}
	if len(f.dispatcher.kinds()) != 0 || len(f.cascade.single)+len(f.cascade.bulk) != 0 {
		t.Fatalf("aborted orders must not run post-commit steps")
	}
}

func TestCreateOrderUsesGroupPrices(t *testing.T) {
	f := newOrderFixture(t)
	f.priceGroup("g1", 1500, 500)
	f.priceGroup("g2", 2000, 0)

	result, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:  "stu-1",
		Channel: domain.PaymentChannelReceipt,
		Items:   []OrderItemInput{{GroupID: "g2"}, {GroupID: "g1"}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	subs := result.Order.Subscriptions
	if subs[0].GroupID != "g2" || subs[1].GroupID != "g1" {
		t.Fatalf("expected request order kept, got %s %s", subs[0].GroupID, subs[1].GroupID)
	}
	if subs[0].PriceWithDiscount != 2000 || subs[1].Price != 1500 || subs[1].PriceWithDiscount != 1000 {
		t.Fatalf("expected group list prices, got %+v %+v", subs[0], subs[1])
	}
	if result.Receipt == nil || result.Receipt.Amount != 3000 {
		t.Fatalf("unexpected receipt %+v", result.Receipt)
	}
	if got := f.store.recalculated(); !slices.Equal(got, []string{"g1", "g2"}) {
		t.Fatalf("expected groups saved in id order, got %v", got)
	}
}

func TestCreateOrderInternalMayEnrolAnotherStudent(t *testing.T) {
	f := newOrderFixture(t)

	result, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:   "stu-1",
		Channel:  domain.PaymentChannelNone,
		Internal: true,
		Items:    []OrderItemInput{{GroupID: "g1", StudentID: "stu-2", CRMID: strPtr(" lead-9 ")}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	sub := result.Order.Subscriptions[0]
	if sub.StudentID != "stu-2" || sub.CRMID == nil || *sub.CRMID != "lead-9" {
		t.Fatalf("unexpected subscription %+v", sub)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	cases := []struct {
		name string
		cmd  CreateOrderCommand
	}{
		{
			name: "missing user",
			cmd:  CreateOrderCommand{Channel: domain.PaymentChannelNone, Items: []OrderItemInput{{GroupID: "g1"}}},
		},
		{
			name: "unknown channel",
			cmd:  CreateOrderCommand{UserID: "stu-1", Channel: "cash", Items: []OrderItemInput{{GroupID: "g1"}}},
		},
		{
			name: "no items",
			cmd:  CreateOrderCommand{UserID: "stu-1", Channel: domain.PaymentChannelNone},
		},
		{
			name: "unknown group",
			cmd:  CreateOrderCommand{UserID: "stu-1", Channel: domain.PaymentChannelNone, Items: []OrderItemInput{{GroupID: "nope"}}},
		},
		{
			name: "vacation without dates",
			cmd: CreateOrderCommand{UserID: "stu-1", Channel: domain.PaymentChannelNone, Items: []OrderItemInput{
				{GroupID: "g1", AcademicVacation: true},
			}},
		},
		{
			name: "duplicate crm ids",
			cmd: CreateOrderCommand{UserID: "stu-1", Channel: domain.PaymentChannelNone, Internal: true, Items: []OrderItemInput{
				{GroupID: "g1", CRMID: strPtr("lead-1")},
				{GroupID: "g2", CRMID: strPtr(" lead-1")},
			}},
		},
		{
			name: "another student",
			cmd: CreateOrderCommand{UserID: "stu-1", Channel: domain.PaymentChannelNone, Items: []OrderItemInput{
				{GroupID: "g1", StudentID: "stu-2"},
			}},
		},
		{
			name: "crm id from a buyer",
			cmd: CreateOrderCommand{UserID: "stu-1", Channel: domain.PaymentChannelNone, Items: []OrderItemInput{
				{GroupID: "g1", CRMID: strPtr("lead-1")},
			}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newOrderFixture(t)
			_, err := f.orders.CreateOrder(context.Background(), tc.cmd)
			if !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
			if f.numbers.orders != 0 || f.store.txCount != 0 {
				t.Fatalf("validation must fail before numbering and writes")
			}
		})
	}
}

func TestCreateOrderCRMIDTakenByExistingSubscription(t *testing.T) {
	f := newOrderFixture(t)
	f.priceGroup("g2", 100, 0)
	f.seed(domain.GroupSubscription{ID: "existing", GroupID: "g1", CourseID: "c-beauty", CRMID: strPtr("lead-7")})

	_, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:   "stu-1",
		Channel:  domain.PaymentChannelNone,
		Internal: true,
		Items:    []OrderItemInput{{GroupID: "g2", CRMID: strPtr("lead-7")}},
	})
	if !errors.Is(err, ErrOrderInvalidInput) || !errors.Is(err, ErrSubscriptionInvalidInput) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if len(f.store.orders) != 0 || f.store.rollbacks != 1 {
		t.Fatalf("expected the order insert rolled back")
	}
}

func TestCreateOrderPostCommitFailuresAreLogged(t *testing.T) {
	f := newOrderFixture(t)
	f.priceGroup("g1", 100, 0)
	f.cascade.err = errors.New("renderer down")
	f.receiptPub.err = errors.New("bucket down")

	result, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:  "stu-1",
		Channel: domain.PaymentChannelReceipt,
		Items:   []OrderItemInput{{GroupID: "g1"}},
	})
	if err != nil {
		t.Fatalf("post-commit failures must not fail the order: %v", err)
	}
	if result.Order.Status != domain.OrderStatusPending || result.Receipt == nil {
		t.Fatalf("unexpected result %+v", result)
	}
	for _, event := range []string{"order.documents.failed", "order.receipt.publish_failed", orderEventCreated} {
		if !slices.Contains(f.events, event) {
			t.Fatalf("expected %s to be logged, got %v", event, f.events)
		}
	}
	if !slices.Contains(f.dispatcher.kinds(), string(domain.NotificationPaymentConfirmation)) {
		t.Fatalf("payment confirmation must still be sent")
	}
}

func TestCreateOrderNumberFailure(t *testing.T) {
	f := newOrderFixture(t)
	f.priceGroup("g1", 100, 0)
	f.numbers.orderErr = errInjected

	_, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:  "stu-1",
		Channel: domain.PaymentChannelNone,
		Items:   []OrderItemInput{{GroupID: "g1"}},
	})
	if !errors.Is(err, errInjected) || f.store.txCount != 0 {
		t.Fatalf("expected counter failure before the transaction, got %v", err)
	}
}

func TestConfirmPayment(t *testing.T) {
	f := newOrderFixture(t)
	f.priceGroup("g1", 900, 0)
	created, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:  "stu-1",
		Channel: domain.PaymentChannelDirectBank,
		Items:   []OrderItemInput{{GroupID: "g1"}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	orderID := created.Order.ID
	sentBefore := len(f.dispatcher.kinds())

	paid, err := f.orders.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		Provider:  "midtrans",
		OrderID:   orderID,
		Status:    domain.OrderStatusPaid,
		Reference: "trx-1",
	})
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if paid.Status != domain.OrderStatusPaid || paid.PaidAt == nil || paid.ProviderReference != "trx-1" {
		t.Fatalf("unexpected order %+v", paid)
	}
	if sub := f.store.subscription(created.Order.Subscriptions[0].ID); sub.PendingPaymentAt != nil {
		t.Fatalf("expected pending payment cleared")
	}
	if got := len(f.dispatcher.kinds()); got != sentBefore+1 {
		t.Fatalf("expected one confirmation, got %d new", got-sentBefore)
	}

	if _, err := f.orders.ConfirmPayment(context.Background(), ConfirmPaymentCommand{OrderID: orderID, Status: domain.OrderStatusPaid}); err != nil {
		t.Fatalf("repeat confirmation must be idempotent: %v", err)
	}
	if got := len(f.dispatcher.kinds()); got != sentBefore+1 {
		t.Fatalf("repeat confirmation must not notify again")
	}
	if f.store.called("orders.update_status") != 1 {
		t.Fatalf("expected a single status write")
	}

	_, err = f.orders.ConfirmPayment(context.Background(), ConfirmPaymentCommand{OrderID: orderID, Status: domain.OrderStatusFailed})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	_, err = f.orders.ConfirmPayment(context.Background(), ConfirmPaymentCommand{OrderID: "ord_missing", Status: domain.OrderStatusPaid})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = f.orders.ConfirmPayment(context.Background(), ConfirmPaymentCommand{OrderID: orderID, Status: domain.OrderStatusPending})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for pending status, got %v", err)
	}
}

func TestGetOrderChecksOwner(t *testing.T) {
	f := newOrderFixture(t)
	f.priceGroup("g1", 100, 0)
	created, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:  "stu-1",
		Channel: domain.PaymentChannelNone,
		Items:   []OrderItemInput{{GroupID: "g1"}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	order, err := f.orders.GetOrder(context.Background(), created.Order.ID, "stu-1")
	if err != nil || len(order.Subscriptions) != 1 {
		t.Fatalf("unexpected order %+v %v", order, err)
	}
	if _, err := f.orders.GetOrder(context.Background(), created.Order.ID, "someone-else"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}
}

func TestGetReceiptRequiresRenderedObject(t *testing.T) {
	f := newOrderFixture(t)
	f.priceGroup("g1", 700, 0)
	ctx := context.Background()
	created, err := f.orders.CreateOrder(ctx, CreateOrderCommand{
		UserID:  "stu-1",
		Channel: domain.PaymentChannelReceipt,
		Items:   []OrderItemInput{{GroupID: "g1"}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if _, err := f.orders.GetReceipt(ctx, created.Order.ID, "stu-1"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found before the receipt is stored, got %v", err)
	}
	if err := (memReceipts{f.store}).SetObjectPath(ctx, created.Receipt.ID, "orders/x/receipts/r.html"); err != nil {
		t.Fatalf("set object path: %v", err)
	}
	receipt, err := f.orders.GetReceipt(ctx, created.Order.ID, "stu-1")
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if receipt.ObjectPath != "orders/x/receipts/r.html" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if _, err := f.orders.GetReceipt(ctx, created.Order.ID, "someone-else"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}
}

func TestNewOrderServiceRequiresDependencies(t *testing.T) {
	if _, err := NewOrderService(OrderServiceDeps{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}
