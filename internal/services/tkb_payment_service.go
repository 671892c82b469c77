package services

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/courseshop/api/internal/payments"
	"github.com/courseshop/api/internal/repositories"
)

const defaultTKBProbeAmount = 100

// TKBRegistrar registers an order with the TKB gateway and returns its payment form URL.
// *payments.TKBClient satisfies it.
type TKBRegistrar interface {
	RegisterOrder(ctx context.Context, req payments.TKBRegisterRequest) (string, error)
}

// TKBPaymentServiceDeps bundles collaborators of the TKB initiation flow.
type TKBPaymentServiceDeps struct {
	Orders         OrderService
	Users          repositories.UserRepository
	Client         TKBRegistrar
	PublicBaseURL  string
	CourseListPath string
	ProbeAmount    int64
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type tkbPaymentService struct {
	orders     OrderService
	users      repositories.UserRepository
	client     TKBRegistrar
	baseURL    string
	courseList string
	probe      int64
	logger     func(context.Context, string, map[string]any)
}

var _ TKBPaymentService = (*tkbPaymentService)(nil)

// NewTKBPaymentService constructs the TKB initiation service.
func NewTKBPaymentService(deps TKBPaymentServiceDeps) (TKBPaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("tkb payment service: order service is required")
	}
	if deps.Users == nil {
		return nil, errors.New("tkb payment service: user repository is required")
	}
	if deps.Client == nil {
		return nil, errors.New("tkb payment service: client is required")
	}
	courseList := strings.TrimSpace(deps.CourseListPath)
	if courseList == "" {
		courseList = DefaultCourseListPath
	}
	probe := deps.ProbeAmount
	if probe <= 0 {
		probe = defaultTKBProbeAmount
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &tkbPaymentService{
		orders:     deps.Orders,
		users:      deps.Users,
		client:     deps.Client,
		baseURL:    strings.TrimRight(strings.TrimSpace(deps.PublicBaseURL), "/"),
		courseList: courseList,
		probe:      probe,
		logger:     logger,
	}, nil
}

// Initiate returns the gateway form URL. Gateway failures degrade to the course list so the buyer
// can re-enter the flow; only a missing or foreign order is an error.
func (s *tkbPaymentService) Initiate(ctx context.Context, orderID, userID string) (string, error) {
	order, err := s.orders.GetOrder(ctx, orderID, userID)
	if err != nil {
		return "", err
	}

	var info payments.TKBClientInfo
	user, err := s.users.FindByID(ctx, order.UserID)
	if err != nil {
		s.logger(ctx, "payment.tkb.user_lookup_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	} else {
		info = payments.TKBClientInfo{
			PhoneNumber: strings.TrimSpace(user.Phone),
			FIO:         strings.TrimSpace(user.FullName),
			Email:       strings.TrimSpace(user.Email),
		}
	}

	formURL, err := s.client.RegisterOrder(ctx, payments.TKBRegisterRequest{
		OrderID:    order.ID,
		Amount:     s.probe,
		ClientInfo: info,
		ReturnURL:  s.baseURL + "/api/v1/orders/" + url.PathEscape(order.ID) + "/tkb-result",
	})
	if err != nil {
		s.logger(ctx, "payment.tkb.registration_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return s.courseList, nil
	}
	return formURL, nil
}
