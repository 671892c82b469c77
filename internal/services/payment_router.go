package services

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/payments"
	"github.com/courseshop/api/internal/repositories"
)

// DefaultCourseListPath is the account page buyers return to when no payment step follows.
const DefaultCourseListPath = "/account/courses"

const (
	basketPopupName   = "#popup-basket-after-payment-overview"
	purchaseEvent     = "purchase"
	fbPurchaseEvent   = "fbPurchase"
	receiptQueryParam = "download_document_id"

	defaultCurrency = "RUB"
	defaultLocale   = "ru"

	msgPopupTitle = "payment.popup.title"
	msgPopupText  = "payment.popup.text"
	msgOrderPrice = "payment.popup.price"
)

func init() {
	entries := []struct {
		tag language.Tag
		key string
		msg string
	}{
		{language.English, msgPopupTitle, "Thank you for your order!"},
		{language.English, msgPopupText, "Order %s has been placed. Our manager will contact you shortly."},
		{language.English, msgOrderPrice, "%d %s"},
		{language.Russian, msgPopupTitle, "Спасибо за заказ!"},
		{language.Russian, msgPopupText, "Заказ %s оформлен. Менеджер свяжется с вами в ближайшее время."},
		{language.Russian, msgOrderPrice, "%d %s"},
	}
	for _, e := range entries {
		_ = message.SetString(e.tag, e.key, e.msg)
	}
}

// PaymentGateway opens a payment with the provider registered under key. *payments.Manager
// satisfies it.
type PaymentGateway interface {
	CreatePayment(ctx context.Context, key string, req payments.PaymentRequest) (payments.PaymentSession, error)
}

// PaymentRouterDeps configures the routing table.
type PaymentRouterDeps struct {
	Gateway PaymentGateway
	Courses repositories.CourseRepository

	PublicBaseURL  string
	CourseListPath string
	LandingURL     string
	Currency       string
	Locale         string
	Barbershop     bool

	Logger func(ctx context.Context, event string, fields map[string]any)
}

type paymentRouter struct {
	gateway    PaymentGateway
	courses    repositories.CourseRepository
	baseURL    string
	courseList string
	landing    string
	currency   string
	locale     string
	printer    *message.Printer
	barbershop bool
	logger     func(context.Context, string, map[string]any)
}

var _ PaymentRouter = (*paymentRouter)(nil)

// NewPaymentRouter validates configuration and returns the router.
func NewPaymentRouter(deps PaymentRouterDeps) (PaymentRouter, error) {
	if deps.Gateway == nil {
		return nil, errors.New("payment router: gateway is required")
	}
	courseList := strings.TrimSpace(deps.CourseListPath)
	if courseList == "" {
		courseList = DefaultCourseListPath
	}
	landing := strings.TrimSpace(deps.LandingURL)
	if landing == "" {
		landing = courseList
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	locale := strings.TrimSpace(deps.Locale)
	if locale == "" {
		locale = defaultLocale
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return nil, errors.New("payment router: invalid locale " + locale)
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentRouter{
		gateway:    deps.Gateway,
		courses:    deps.Courses,
		baseURL:    strings.TrimRight(strings.TrimSpace(deps.PublicBaseURL), "/"),
		courseList: courseList,
		landing:    landing,
		currency:   currency,
		locale:     locale,
		printer:    message.NewPrinter(tag),
		barbershop: deps.Barbershop,
		logger:     logger,
	}, nil
}

// Route evaluates the decision table top to bottom; the first matching row wins. Provider failures
// never surface: they resolve to the landing page.
func (r *paymentRouter) Route(ctx context.Context, req RouteRequest) (RouteResult, error) {
	order := req.Order
	if strings.TrimSpace(order.ID) == "" {
		return RouteResult{}, errors.New("payment router: order id is required")
	}

	var result RouteResult
	if r.barbershop {
		result.FBEvent = fbPurchaseEvent
	}

	switch {
	case order.ZeroPrice():
		result.Location = r.courseList
	case order.Channel == domain.PaymentChannelCartBank && len(order.Subscriptions) == 1:
		result.Location = r.viaProvider(ctx, payments.ProviderCartBank, req)
	case order.Channel == domain.PaymentChannelDirectBank:
		result.Location = r.viaProvider(ctx, payments.ProviderDirectBank, req)
	case order.Channel == domain.PaymentChannelBankTKB:
		result.Location = r.baseURL + "/api/v1/orders/" + url.PathEscape(order.ID) + "/pay-tkb"
	default:
		result.Location = r.courseListWithReceipt(order)
	}

	if order.Cart && order.Channel != domain.PaymentChannelDirectBank && !order.ZeroPrice() {
		items := r.dataLayerItems(ctx, order)
		result.Popup = &PaymentPopup{
			Title:      r.printer.Sprintf(msgPopupTitle),
			Text:       r.printer.Sprintf(msgPopupText, order.Number),
			Name:       basketPopupName,
			Link:       result.Location,
			OrderID:    order.ID,
			OrderPrice: r.printer.Sprintf(msgOrderPrice, order.TotalPrice(), r.currency),
			UserName:   req.User.FullName,
			UserEmail:  req.User.Email,
			UserPhone:  req.User.Phone,
		}
		result.DataLayer = &DataLayer{
			Event: purchaseEvent,
			Ecommerce: DataLayerEcommerce{
				TransactionID: order.ID,
				Value:         order.TotalPrice(),
				Currency:      r.currency,
				Items:         items,
			},
		}
	}
	return result, nil
}

func (r *paymentRouter) viaProvider(ctx context.Context, key string, req RouteRequest) string {
	order := req.Order
	items := make([]payments.LineItem, 0, len(order.Subscriptions))
	for _, item := range r.dataLayerItems(ctx, order) {
		items = append(items, payments.LineItem{Reference: item.ItemID, Name: item.ItemName, Amount: item.Price})
	}
	session, err := r.gateway.CreatePayment(ctx, key, payments.PaymentRequest{
		OrderID:     order.ID,
		OrderNumber: order.Number,
		Amount:      order.TotalPrice(),
		Currency:    r.currency,
		Locale:      r.locale,
		Customer: payments.Customer{
			ID:    req.User.ID,
			Name:  req.User.FullName,
			Email: req.User.Email,
			Phone: req.User.Phone,
		},
		Items:          items,
		IdempotencyKey: order.ID + ":" + key,
		Metadata: map[string]string{
			"orderId":     order.ID,
			"orderNumber": order.Number,
		},
	})
	if err != nil {
		r.logger(ctx, "payment.provider.failed", map[string]any{
			"orderId":  order.ID,
			"provider": key,
			"error":    err.Error(),
		})
		return r.landing
	}
	if strings.TrimSpace(session.RedirectURL) == "" {
		r.logger(ctx, "payment.provider.empty_redirect", map[string]any{
			"orderId":  order.ID,
			"provider": key,
		})
		return r.landing
	}
	return session.RedirectURL
}

func (r *paymentRouter) courseListWithReceipt(order Order) string {
	if order.ReceiptID == nil || strings.TrimSpace(*order.ReceiptID) == "" {
		return r.courseList
	}
	sep := "?"
	if strings.Contains(r.courseList, "?") {
		sep = "&"
	}
	return r.courseList + sep + receiptQueryParam + "=" + url.QueryEscape(*order.ReceiptID)
}

func (r *paymentRouter) dataLayerItems(ctx context.Context, order Order) []DataLayerItem {
	items := make([]DataLayerItem, 0, len(order.Subscriptions))
	titles := make(map[string]string)
	for _, sub := range order.Subscriptions {
		title, ok := titles[sub.CourseID]
		if !ok {
			title = r.courseTitle(ctx, sub.CourseID)
			titles[sub.CourseID] = title
		}
		items = append(items, DataLayerItem{
			ItemID:   sub.GroupID,
			ItemName: title,
			Price:    sub.PriceWithDiscount,
			Quantity: 1,
		})
	}
	return items
}

func (r *paymentRouter) courseTitle(ctx context.Context, courseID string) string {
	if r.courses == nil || strings.TrimSpace(courseID) == "" {
		return courseID
	}
	course, err := r.courses.FindByID(ctx, courseID)
	if err != nil || strings.TrimSpace(course.Title) == "" {
		return courseID
	}
	return course.Title
}
