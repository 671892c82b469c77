package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"

	orderIDPrefix   = "ord_"
	receiptIDPrefix = "rct_"

	maxOrderItems = 20
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates a duplicate order or concurrent write.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderTransactionAborted reports a persistence failure that rolled back the whole order.
	ErrOrderTransactionAborted = errors.New("order: transaction aborted")
)

// ReceiptPublisher renders the receipt document of a committed order and stores it.
type ReceiptPublisher interface {
	PublishReceipt(ctx context.Context, order Order, receipt PaymentReceipt) (PaymentReceipt, error)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders           repositories.OrderRepository
	Subscriptions    SubscriptionService
	SubscriptionRepo repositories.SubscriptionRepository
	Groups           repositories.GroupRepository
	Users            repositories.UserRepository
	Receipts         repositories.ReceiptRepository
	Sequences        SequenceService
	Calculator       *PaymentsCalculator
	Documents        DocumentCascade
	ReceiptPublisher ReceiptPublisher
	Notifications    NotificationDispatcher
	UnitOfWork       repositories.UnitOfWork
	Clock            func() time.Time
	IDGenerator      func() string
	Logger           func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	subscriptions SubscriptionService
	subsRepo      repositories.SubscriptionRepository
	groups        repositories.GroupRepository
	users         repositories.UserRepository
	receipts      repositories.ReceiptRepository
	sequences     SequenceService
	calculator    *PaymentsCalculator
	documents     DocumentCascade
	receiptPub    ReceiptPublisher
	notifications NotificationDispatcher
	unitOfWork    repositories.UnitOfWork
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("order service: order repository is required")
	case deps.Subscriptions == nil:
		return nil, errors.New("order service: subscription service is required")
	case deps.SubscriptionRepo == nil:
		return nil, errors.New("order service: subscription repository is required")
	case deps.Groups == nil:
		return nil, errors.New("order service: group repository is required")
	case deps.Users == nil:
		return nil, errors.New("order service: user repository is required")
	case deps.Receipts == nil:
		return nil, errors.New("order service: receipt repository is required")
	case deps.Sequences == nil:
		return nil, errors.New("order service: sequence service is required")
	}

	calculator := deps.Calculator
	if calculator == nil {
		calculator = NewPaymentsCalculator()
	}
	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	dispatcher := deps.Notifications
	if dispatcher == nil {
		dispatcher = noopNotificationDispatcher{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:        deps.Orders,
		subscriptions: deps.Subscriptions,
		subsRepo:      deps.SubscriptionRepo,
		groups:        deps.Groups,
		users:         deps.Users,
		receipts:      deps.Receipts,
		sequences:     deps.Sequences,
		calculator:    calculator,
		documents:     deps.Documents,
		receiptPub:    deps.ReceiptPublisher,
		notifications: dispatcher,
		unitOfWork:    unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// CreateOrder persists the order, its subscriptions and its receipt atomically, then runs the
// best-effort document and notification steps.
func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (OrderCreation, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return OrderCreation{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if !cmd.Channel.Valid() {
		return OrderCreation{}, fmt.Errorf("%w: unsupported payment channel %q", ErrOrderInvalidInput, cmd.Channel)
	}
	if len(cmd.Items) == 0 {
		return OrderCreation{}, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) > maxOrderItems {
		return OrderCreation{}, fmt.Errorf("%w: at most %d items are allowed", ErrOrderInvalidInput, maxOrderItems)
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return OrderCreation{}, fmt.Errorf("%w: user %s not found", ErrOrderInvalidInput, userID)
		}
		return OrderCreation{}, s.mapRepositoryError(err)
	}

	now := s.clock()
	order := Order{
		ID:          orderIDPrefix + s.newID(),
		UserID:      userID,
		Channel:     cmd.Channel,
		Cart:        cmd.Cart,
		BonusAmount: cmd.BonusAmount,
		Status:      domain.OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	order.EnteredBonusValue = enteredBonus(cmd.BonusAmount, user.BonusBalance)

	subs, err := s.buildSubscriptions(ctx, order, cmd.Items, cmd.Internal)
	if err != nil {
		return OrderCreation{}, err
	}
	order.Subscriptions = subs

	if order.Cart {
		if _, err := s.calculator.Recalculate(&order); err != nil {
			return OrderCreation{}, fmt.Errorf("%w: %w", ErrOrderInvalidInput, err)
		}
	} else {
		applyListPrices(&order)
	}
	if err := validateOrderSubscriptions(order.Subscriptions); err != nil {
		return OrderCreation{}, err
	}

	number, err := s.sequences.NextOrderNumber(ctx)
	if err != nil {
		return OrderCreation{}, fmt.Errorf("order: allocate number: %w", err)
	}
	order.Number = number

	var (
		receipt  *PaymentReceipt
		deferred []Notification
	)
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		deferred = deferred[:0]
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		// Group rows are locked while counters are recalculated, so saves follow group id order.
		for _, i := range saveOrder(order.Subscriptions) {
			stored, outcome, err := s.subscriptions.SaveInTx(txCtx, order.Subscriptions[i])
			if err != nil {
				return fmt.Errorf("subscription %d: %w", i, err)
			}
			order.Subscriptions[i] = stored
			deferred = append(deferred, outcome.Notifications...)
		}

		if order.ZeroPrice() {
			paidAt := now
			if err := s.orders.UpdateStatus(txCtx, order.ID, domain.OrderStatusPaid, &paidAt, ""); err != nil {
				return s.mapRepositoryError(err)
			}
			order.Status = domain.OrderStatusPaid
			order.PaidAt = &paidAt
			return nil
		}

		if order.BankChannel() {
			if err := s.subsRepo.StampPendingPayment(txCtx, order.ID, now); err != nil {
				return s.mapRepositoryError(err)
			}
			for i := range order.Subscriptions {
				stamp := now
				order.Subscriptions[i].PendingPaymentAt = &stamp
			}
		}

		if order.Channel == domain.PaymentChannelReceipt {
			created, err := s.createReceipt(txCtx, order, now)
			if err != nil {
				return err
			}
			receipt = &created
			order.ReceiptID = &created.ID
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSubscriptionInvalidInput) {
			return OrderCreation{}, fmt.Errorf("%w: %w", ErrOrderInvalidInput, err)
		}
		return OrderCreation{}, fmt.Errorf("%w: %w", ErrOrderTransactionAborted, err)
	}

	s.afterCommit(ctx, order, receipt, deferred)
	return OrderCreation{Order: order, Receipt: receipt}, nil
}

func (s *orderService) buildSubscriptions(ctx context.Context, order Order, items []OrderItemInput, internal bool) ([]GroupSubscription, error) {
	subs := make([]GroupSubscription, 0, len(items))
	groups := make(map[string]domain.Group, len(items))
	for i, item := range items {
		groupID := strings.TrimSpace(item.GroupID)
		if groupID == "" {
			return nil, fmt.Errorf("%w: items[%d].group_id is required", ErrOrderInvalidInput, i)
		}
		group, ok := groups[groupID]
		if !ok {
			found, err := s.groups.FindByID(ctx, groupID)
			if err != nil {
				if isRepoNotFound(err) {
					return nil, fmt.Errorf("%w: items[%d].group_id %s not found", ErrOrderInvalidInput, i, groupID)
				}
				return nil, s.mapRepositoryError(err)
			}
			group = found
			groups[groupID] = group
		}

		studentID := strings.TrimSpace(item.StudentID)
		if studentID == "" {
			studentID = order.UserID
		}
		crmID := trimmedOptional(item.CRMID)
		if !internal {
			if studentID != order.UserID {
				return nil, fmt.Errorf("%w: items[%d].student_id must be the buyer", ErrOrderInvalidInput, i)
			}
			if crmID != nil {
				return nil, fmt.Errorf("%w: items[%d].crm_id is not accepted", ErrOrderInvalidInput, i)
			}
		}
		orderID := order.ID
		subs = append(subs, GroupSubscription{
			OrderID:          &orderID,
			StudentID:        studentID,
			GroupID:          groupID,
			CourseID:         group.CourseID,
			Price:            group.Price,
			Discount:         group.Discount,
			Status:           domain.SubscriptionStatusInProgress,
			AcademicVacation: item.AcademicVacation,
			VacationBeginOn:  cloneTime(item.VacationBeginOn),
			VacationEndOn:    cloneTime(item.VacationEndOn),
			CRMID:            crmID,
			EducationBeginOn: cloneTime(item.EducationBeginOn),
			EducationEndOn:   cloneTime(item.EducationEndOn),
			BeginOn:          cloneTime(item.BeginOn),
			EndOn:            cloneTime(item.EndOn),
		})
	}
	return subs, nil
}

func saveOrder(subs []GroupSubscription) []int {
	idx := make([]int, len(subs))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return strings.Compare(subs[a].GroupID, subs[b].GroupID)
	})
	return idx
}

// validateOrderSubscriptions checks every line and the CRM id uniqueness inside the order. Storage
// level uniqueness is enforced again when each subscription is saved.
func validateOrderSubscriptions(subs []GroupSubscription) error {
	seen := make(map[string]int, len(subs))
	for i, sub := range subs {
		if err := domain.ValidateSubscription(sub); err != nil {
			return fmt.Errorf("%w: items[%d]: %w", ErrOrderInvalidInput, i, err)
		}
		if sub.CRMID == nil {
			continue
		}
		if first, ok := seen[*sub.CRMID]; ok {
			return fmt.Errorf("%w: items[%d].crm_id duplicates items[%d]", ErrOrderInvalidInput, i, first)
		}
		seen[*sub.CRMID] = i
	}
	return nil
}

func (s *orderService) createReceipt(ctx context.Context, order Order, now time.Time) (PaymentReceipt, error) {
	number, err := s.sequences.NextReceiptNumber(ctx)
	if err != nil {
		return PaymentReceipt{}, fmt.Errorf("allocate receipt number: %w", err)
	}
	receipt := PaymentReceipt{
		ID:        receiptIDPrefix + s.newID(),
		OrderID:   order.ID,
		Number:    number,
		Amount:    order.TotalPrice(),
		CreatedAt: now,
	}
	if err := s.receipts.Insert(ctx, receipt); err != nil {
		return PaymentReceipt{}, s.mapRepositoryError(err)
	}
	if err := s.orders.SetReceipt(ctx, order.ID, receipt.ID); err != nil {
		return PaymentReceipt{}, s.mapRepositoryError(err)
	}
	return receipt, nil
}

// afterCommit never fails the order; every error is logged and dropped.
func (s *orderService) afterCommit(ctx context.Context, order Order, receipt *PaymentReceipt, deferred []Notification) {
	if s.documents != nil {
		ids := make([]string, 0, len(order.Subscriptions))
		for _, sub := range order.Subscriptions {
			ids = append(ids, sub.ID)
		}
		var err error
		switch len(ids) {
		case 0:
		case 1:
			_, err = s.documents.Regenerate(ctx, ids[0])
		default:
			_, err = s.documents.RegenerateAll(ctx, ids)
		}
		if err != nil {
			s.logger(ctx, "order.documents.failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
	}

	if receipt != nil && s.receiptPub != nil {
		published, err := s.receiptPub.PublishReceipt(ctx, order, *receipt)
		if err != nil {
			s.logger(ctx, "order.receipt.publish_failed", map[string]any{
				"orderId":   order.ID,
				"receiptId": receipt.ID,
				"error":     err.Error(),
			})
		} else {
			*receipt = published
		}
	}

	s.notifications.Dispatch(ctx, deferred...)
	s.notifications.Dispatch(ctx, paymentConfirmation(order))

	s.logger(ctx, orderEventCreated, map[string]any{
		"orderId":       order.ID,
		"orderNumber":   order.Number,
		"channel":       string(order.Channel),
		"status":        string(order.Status),
		"total":         order.TotalPrice(),
		"subscriptions": len(order.Subscriptions),
	})
}

// ConfirmPayment settles a pending order from a provider callback. Repeating the current status is
// a no-op.
func (s *orderService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.Status != domain.OrderStatusPaid && cmd.Status != domain.OrderStatusFailed {
		return Order{}, fmt.Errorf("%w: unsupported payment status %q", ErrOrderInvalidInput, cmd.Status)
	}

	var (
		updated  Order
		previous OrderStatus
		changed  bool
	)
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindForUpdate(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		previous = order.Status
		if order.Status == cmd.Status {
			updated = order
			return nil
		}
		if order.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, order.Status, cmd.Status)
		}

		now := s.clock()
		var paidAt *time.Time
		if cmd.Status == domain.OrderStatusPaid {
			paidAt = &now
		}
		reference := strings.TrimSpace(cmd.Reference)
		if err := s.orders.UpdateStatus(txCtx, orderID, cmd.Status, paidAt, reference); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.subsRepo.ClearPendingPayment(txCtx, orderID); err != nil {
			return s.mapRepositoryError(err)
		}

		order.Status = cmd.Status
		order.PaidAt = paidAt
		order.UpdatedAt = now
		if reference != "" {
			order.ProviderReference = reference
		}
		for i := range order.Subscriptions {
			order.Subscriptions[i].PendingPaymentAt = nil
		}
		updated = order
		changed = true
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	if changed {
		s.logger(ctx, orderEventStatusChanged, map[string]any{
			"orderId":        updated.ID,
			"provider":       cmd.Provider,
			"previousStatus": string(previous),
			"currentStatus":  string(updated.Status),
		})
		if updated.Status == domain.OrderStatusPaid {
			s.notifications.Dispatch(ctx, paymentConfirmation(updated))
		}
	}
	return updated, nil
}

// GetOrder returns the order when it belongs to userID. Orders of other users are reported as not
// found.
func (s *orderService) GetOrder(ctx context.Context, orderID, userID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if order.UserID != strings.TrimSpace(userID) {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

// GetReceipt returns the rendered receipt of an order owned by userID.
func (s *orderService) GetReceipt(ctx context.Context, orderID, userID string) (PaymentReceipt, error) {
	order, err := s.GetOrder(ctx, orderID, userID)
	if err != nil {
		return PaymentReceipt{}, err
	}
	receipt, err := s.receipts.FindByOrder(ctx, order.ID)
	if err != nil {
		return PaymentReceipt{}, s.mapRepositoryError(err)
	}
	if strings.TrimSpace(receipt.ObjectPath) == "" {
		return PaymentReceipt{}, fmt.Errorf("%w: receipt %s not rendered", ErrOrderNotFound, receipt.ID)
	}
	return receipt, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}
	return err
}

func paymentConfirmation(order Order) Notification {
	return Notification{
		Kind:    domain.NotificationPaymentConfirmation,
		UserID:  order.UserID,
		OrderID: order.ID,
		Data: map[string]string{
			"orderNumber": order.Number,
			"channel":     string(order.Channel),
			"status":      string(order.Status),
			"total":       strconv.FormatInt(order.TotalPrice(), 10),
		},
	}
}

// enteredBonus clamps the requested bonus to the user's balance.
func enteredBonus(requested, balance int64) int64 {
	if requested <= 0 || balance <= 0 {
		return 0
	}
	return min(requested, balance)
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func trimmedOptional(v *string) *string {
	if v == nil {
		return nil
	}
	return optionalString(strings.TrimSpace(*v))
}
