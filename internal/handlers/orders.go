package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/platform/auth"
	"github.com/courseshop/api/internal/platform/httpx"
	"github.com/courseshop/api/internal/platform/requestctx"
	"github.com/courseshop/api/internal/platform/storage"
	"github.com/courseshop/api/internal/repositories"
	"github.com/courseshop/api/internal/services"
)

const (
	maxOrderBodySize       = 32 * 1024
	receiptDownloadExpiry  = 5 * time.Minute
	receiptContentType     = "text/html"
	receiptDispositionTmpl = `attachment; filename="%s.html"`
)

// BuyerDirectory resolves the storefront user behind a Firebase identity.
type BuyerDirectory interface {
	FindByFirebaseUID(ctx context.Context, uid string) (domain.User, error)
}

// DownloadSigner issues short-lived download links for stored artifacts.
type DownloadSigner interface {
	SignedDownloadURL(ctx context.Context, bucket, object string, opts storage.DownloadOptions) (storage.SignedURLResult, error)
}

// OrderHandlers exposes order creation and payment entry points for authenticated buyers.
type OrderHandlers struct {
	authn          *auth.Authenticator
	orders         services.OrderService
	router         services.PaymentRouter
	tkb            services.TKBPaymentService
	buyers         BuyerDirectory
	signer         DownloadSigner
	bucket         string
	courseListPath string
	tkbThrottle    buyerThrottle
	createGuards   []func(http.Handler) http.Handler
}

// OrderOption customises OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithOrderPaymentRouter sets the router deciding where a buyer goes after checkout.
func WithOrderPaymentRouter(router services.PaymentRouter) OrderOption {
	return func(h *OrderHandlers) {
		h.router = router
	}
}

// WithOrderTKBPayments enables the TKB card registration redirect.
func WithOrderTKBPayments(svc services.TKBPaymentService) OrderOption {
	return func(h *OrderHandlers) {
		h.tkb = svc
	}
}

// WithOrderTKBRateLimit caps TKB initiations per buyer within window.
func WithOrderTKBRateLimit(limit int, window time.Duration, clock func() time.Time) OrderOption {
	return func(h *OrderHandlers) {
		h.tkbThrottle = newFixedWindowThrottle(limit, window, clock)
	}
}

// WithOrderBuyerDirectory sets the lookup from Firebase UID to buyer.
func WithOrderBuyerDirectory(dir BuyerDirectory) OrderOption {
	return func(h *OrderHandlers) {
		h.buyers = dir
	}
}

// WithOrderReceiptDownloads enables signed receipt downloads from bucket.
func WithOrderReceiptDownloads(signer DownloadSigner, bucket string) OrderOption {
	return func(h *OrderHandlers) {
		h.signer = signer
		h.bucket = strings.TrimSpace(bucket)
	}
}

// WithOrderCreateMiddlewares wraps POST /orders after authentication, so guards such as
// idempotency see the buyer identity.
func WithOrderCreateMiddlewares(mw ...func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) {
		h.createGuards = append(h.createGuards, mw...)
	}
}

// WithOrderCourseListPath overrides the page buyers land on after payment.
func WithOrderCourseListPath(path string) OrderOption {
	return func(h *OrderHandlers) {
		if trimmed := strings.TrimSpace(path); trimmed != "" {
			h.courseListPath = trimmed
		}
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:          authn,
		orders:         orders,
		courseListPath: services.DefaultCourseListPath,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	// The bank sends the buyer back without credentials.
	r.Get("/{orderID}/tkb-result", h.tkbResult)

	r.Group(func(r chi.Router) {
		if h.authn != nil {
			r.Use(h.authn.RequireBuyer())
		}
		r.With(h.createGuards...).Post("/", h.createOrder)
		r.Get("/{orderID}", h.getOrder)
		r.Get("/{orderID}/pay-tkb", h.payTKB)
		r.Get("/{orderID}/receipt", h.downloadReceipt)
	})
}

type createOrderRequest struct {
	Channel     string             `json:"channel" validate:"required,oneof=cart_bank direct_bank bank_tkb receipt none"`
	Cart        bool               `json:"cart"`
	BonusAmount int64              `json:"bonusAmount" validate:"gte=0"`
	Items       []orderItemRequest `json:"items" validate:"required,min=1,dive"`
}

type orderItemRequest struct {
	GroupID          string `json:"groupId" validate:"required"`
	AcademicVacation bool   `json:"academicVacation"`
	VacationBeginOn  string `json:"vacationBeginOn"`
	VacationEndOn    string `json:"vacationEndOn"`
	EducationBeginOn string `json:"educationBeginOn"`
	EducationEndOn   string `json:"educationEndOn"`
	BeginOn          string `json:"beginOn"`
	EndOn            string `json:"endOn"`
}

type createOrderResponse struct {
	Order     orderPayload      `json:"order"`
	Location  string            `json:"location,omitempty"`
	Popup     *popupPayload     `json:"popup,omitempty"`
	DataLayer *dataLayerPayload `json:"dataLayer,omitempty"`
	FBEvent   string            `json:"fbEvent,omitempty"`
}

type popupPayload struct {
	Title      string `json:"title"`
	Text       string `json:"text"`
	Name       string `json:"name"`
	Link       string `json:"link"`
	OrderID    string `json:"order_id"`
	OrderPrice string `json:"order_price"`
	UserName   string `json:"user_name"`
	UserEmail  string `json:"user_email"`
	UserPhone  string `json:"user_phone"`
}

type dataLayerPayload struct {
	Event     string                `json:"event"`
	Ecommerce dataLayerEcommerceDTO `json:"ecommerce"`
}

type dataLayerEcommerceDTO struct {
	TransactionID string             `json:"transaction_id"`
	Value         int64              `json:"value"`
	Currency      string             `json:"currency"`
	Items         []dataLayerItemDTO `json:"items"`
}

type dataLayerItemDTO struct {
	ItemID   string `json:"item_id"`
	ItemName string `json:"item_name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                string                `json:"id"`
	Number            string                `json:"number"`
	UserID            string                `json:"userId"`
	Channel           string                `json:"channel"`
	Cart              bool                  `json:"cart"`
	Status            string                `json:"status"`
	BonusAmount       int64                 `json:"bonusAmount"`
	EnteredBonusValue int64                 `json:"enteredBonusValue"`
	TotalPrice        int64                 `json:"totalPrice"`
	ReceiptID         string                `json:"receiptId,omitempty"`
	ProviderReference string                `json:"providerReference,omitempty"`
	Subscriptions     []subscriptionPayload `json:"subscriptions"`
	CreatedAt         string                `json:"createdAt,omitempty"`
	UpdatedAt         string                `json:"updatedAt,omitempty"`
	PaidAt            string                `json:"paidAt,omitempty"`
}

type subscriptionPayload struct {
	ID                string `json:"id"`
	OrderID           string `json:"orderId,omitempty"`
	StudentID         string `json:"studentId"`
	GroupID           string `json:"groupId"`
	CourseID          string `json:"courseId,omitempty"`
	Status            string `json:"status"`
	Price             int64  `json:"price"`
	Discount          int64  `json:"discount"`
	BonusApplied      int64  `json:"bonusApplied"`
	PriceWithDiscount int64  `json:"priceWithDiscount"`
	AcademicVacation  bool   `json:"academicVacation"`
	VacationBeginOn   string `json:"vacationBeginOn,omitempty"`
	VacationEndOn     string `json:"vacationEndOn,omitempty"`
	Expelled          bool   `json:"expelled"`
	Itec              bool   `json:"itec"`
	OneTimePayment    bool   `json:"oneTimePayment"`
	CRMID             string `json:"crmId,omitempty"`
	EducationBeginOn  string `json:"educationBeginOn,omitempty"`
	EducationEndOn    string `json:"educationEndOn,omitempty"`
	BeginOn           string `json:"beginOn,omitempty"`
	EndOn             string `json:"endOn,omitempty"`
	PendingPaymentAt  string `json:"pendingPaymentAt,omitempty"`
	SaleSuccessOn     string `json:"saleSuccessOn,omitempty"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	buyer, ok := h.resolveBuyer(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}
	cmd, err := buildCreateOrderCommand(buyer.ID, req)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	created, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	resp := createOrderResponse{Order: buildOrderPayload(created.Order)}
	route := services.RouteResult{Location: h.courseListPath}
	if h.router != nil {
		routed, err := h.router.Route(ctx, services.RouteRequest{Order: created.Order, User: buyer})
		if err != nil {
			requestctx.Logger(ctx).Warn("orders: payment routing failed",
				zap.String("orderId", created.Order.ID),
				zap.Error(err),
			)
		} else {
			route = routed
		}
	}
	applyRoute(&resp, route)
	writeJSONResponse(w, http.StatusCreated, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	buyer, ok := h.resolveBuyer(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID, buyer.ID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) payTKB(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.tkb == nil {
		httpx.WriteError(ctx, w, httpx.NewError("tkb_unavailable", "TKB payments are not configured", http.StatusServiceUnavailable))
		return
	}
	buyer, ok := h.resolveBuyer(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	if h.tkbThrottle != nil {
		if allowed, wait := h.tkbThrottle.Allow(buyer.ID); !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many payment attempts", http.StatusTooManyRequests))
			return
		}
	}

	location, err := h.tkb.Initiate(ctx, orderID, buyer.ID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

func (h *OrderHandlers) tkbResult(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.courseListPath, http.StatusFound)
}

func (h *OrderHandlers) downloadReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil || h.signer == nil || h.bucket == "" {
		httpx.WriteError(ctx, w, httpx.NewError("receipt_unavailable", "receipt downloads are not configured", http.StatusServiceUnavailable))
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)
	buyer, ok := h.resolveBuyer(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	receipt, err := h.orders.GetReceipt(ctx, orderID, buyer.ID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	link, err := h.signer.SignedDownloadURL(ctx, h.bucket, receipt.ObjectPath, storage.DownloadOptions{
		TTL:         receiptDownloadExpiry,
		Disposition: fmt.Sprintf(receiptDispositionTmpl, receipt.Number),
		ContentType: receiptContentType,
		OwnerID:     identity.UID,
		Identity:    identity,
	})
	if err != nil {
		if errors.Is(err, storage.ErrPermissionDenied) {
			httpx.WriteError(ctx, w, httpx.NewError("forbidden", "receipt access denied", http.StatusForbidden))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("receipt_error", "failed to sign receipt link", http.StatusInternalServerError))
		return
	}
	http.Redirect(w, r, link.URL, http.StatusFound)
}

// resolveBuyer maps the authenticated Firebase identity to the storefront user.
func (h *OrderHandlers) resolveBuyer(w http.ResponseWriter, r *http.Request) (domain.User, bool) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return domain.User{}, false
	}
	if h.buyers == nil {
		httpx.WriteError(ctx, w, httpx.NewError("buyer_directory_unavailable", "user directory unavailable", http.StatusServiceUnavailable))
		return domain.User{}, false
	}
	user, err := h.buyers.FindByFirebaseUID(ctx, strings.TrimSpace(identity.UID))
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			httpx.WriteError(ctx, w, httpx.NewError("user_not_registered", "user is not registered", http.StatusForbidden))
			return domain.User{}, false
		}
		httpx.WriteError(ctx, w, httpx.NewError("user_lookup_failed", "failed to resolve user", http.StatusServiceUnavailable))
		return domain.User{}, false
	}
	return user, true
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

func buildCreateOrderCommand(buyerID string, req createOrderRequest) (services.CreateOrderCommand, error) {
	cmd := services.CreateOrderCommand{
		UserID:      buyerID,
		Channel:     domain.PaymentChannel(req.Channel),
		Cart:        req.Cart,
		BonusAmount: req.BonusAmount,
		Items:       make([]services.OrderItemInput, 0, len(req.Items)),
	}
	for i, item := range req.Items {
		// Buyers enrol themselves at the group's list price.
		input := services.OrderItemInput{
			GroupID:          strings.TrimSpace(item.GroupID),
			StudentID:        buyerID,
			AcademicVacation: item.AcademicVacation,
		}
		dates := []struct {
			name string
			raw  string
			dst  **time.Time
		}{
			{"vacationBeginOn", item.VacationBeginOn, &input.VacationBeginOn},
			{"vacationEndOn", item.VacationEndOn, &input.VacationEndOn},
			{"educationBeginOn", item.EducationBeginOn, &input.EducationBeginOn},
			{"educationEndOn", item.EducationEndOn, &input.EducationEndOn},
			{"beginOn", item.BeginOn, &input.BeginOn},
			{"endOn", item.EndOn, &input.EndOn},
		}
		for _, d := range dates {
			parsed, err := parseDateParam(d.raw)
			if err != nil {
				return services.CreateOrderCommand{}, fmt.Errorf("items[%d].%s must be a date", i, d.name)
			}
			*d.dst = parsed
		}
		cmd.Items = append(cmd.Items, input)
	}
	return cmd, nil
}

func applyRoute(resp *createOrderResponse, route services.RouteResult) {
	resp.FBEvent = route.FBEvent
	if route.Popup == nil {
		resp.Location = route.Location
		return
	}
	resp.Popup = &popupPayload{
		Title:      route.Popup.Title,
		Text:       route.Popup.Text,
		Name:       route.Popup.Name,
		Link:       route.Popup.Link,
		OrderID:    route.Popup.OrderID,
		OrderPrice: route.Popup.OrderPrice,
		UserName:   route.Popup.UserName,
		UserEmail:  route.Popup.UserEmail,
		UserPhone:  route.Popup.UserPhone,
	}
	if dl := route.DataLayer; dl != nil {
		items := make([]dataLayerItemDTO, 0, len(dl.Ecommerce.Items))
		for _, item := range dl.Ecommerce.Items {
			items = append(items, dataLayerItemDTO{
				ItemID:   item.ItemID,
				ItemName: item.ItemName,
				Price:    item.Price,
				Quantity: item.Quantity,
			})
		}
		resp.DataLayer = &dataLayerPayload{
			Event: dl.Event,
			Ecommerce: dataLayerEcommerceDTO{
				TransactionID: dl.Ecommerce.TransactionID,
				Value:         dl.Ecommerce.Value,
				Currency:      dl.Ecommerce.Currency,
				Items:         items,
			},
		}
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:                order.ID,
		Number:            order.Number,
		UserID:            order.UserID,
		Channel:           string(order.Channel),
		Cart:              order.Cart,
		Status:            string(order.Status),
		BonusAmount:       order.BonusAmount,
		EnteredBonusValue: order.EnteredBonusValue,
		TotalPrice:        order.TotalPrice(),
		ProviderReference: order.ProviderReference,
		Subscriptions:     make([]subscriptionPayload, 0, len(order.Subscriptions)),
		CreatedAt:         formatTime(order.CreatedAt),
		UpdatedAt:         formatTime(order.UpdatedAt),
		PaidAt:            formatOptionalTime(order.PaidAt),
	}
	if order.ReceiptID != nil {
		payload.ReceiptID = *order.ReceiptID
	}
	for _, sub := range order.Subscriptions {
		payload.Subscriptions = append(payload.Subscriptions, buildSubscriptionPayload(sub))
	}
	return payload
}

func buildSubscriptionPayload(sub services.GroupSubscription) subscriptionPayload {
	payload := subscriptionPayload{
		ID:                sub.ID,
		StudentID:         sub.StudentID,
		GroupID:           sub.GroupID,
		CourseID:          sub.CourseID,
		Status:            string(sub.Status),
		Price:             sub.Price,
		Discount:          sub.Discount,
		BonusApplied:      sub.BonusApplied,
		PriceWithDiscount: sub.PriceWithDiscount,
		AcademicVacation:  sub.AcademicVacation,
		VacationBeginOn:   formatDate(sub.VacationBeginOn),
		VacationEndOn:     formatDate(sub.VacationEndOn),
		Expelled:          sub.Expelled,
		Itec:              sub.Itec,
		OneTimePayment:    sub.OneTimePayment,
		EducationBeginOn:  formatDate(sub.EducationBeginOn),
		EducationEndOn:    formatDate(sub.EducationEndOn),
		BeginOn:           formatDate(sub.BeginOn),
		EndOn:             formatDate(sub.EndOn),
		PendingPaymentAt:  formatOptionalTime(sub.PendingPaymentAt),
		SaleSuccessOn:     formatDate(sub.SaleSuccessOn),
	}
	if sub.OrderID != nil {
		payload.OrderID = *sub.OrderID
	}
	if sub.CRMID != nil {
		payload.CRMID = *sub.CRMID
	}
	return payload
}

func formatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.DateOnly)
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderTransactionAborted):
		httpx.WriteError(ctx, w, httpx.NewError("order_aborted", "order could not be stored", http.StatusInternalServerError))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
