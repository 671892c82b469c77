package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/platform/auth"
	"github.com/courseshop/api/internal/platform/httpx"
	"github.com/courseshop/api/internal/services"
)

const maxWebhookBodySize = 16 * 1024

// Providers that may confirm payments through the webhook.
const (
	WebhookProviderStripe   = "stripe"
	WebhookProviderMidtrans = "midtrans"
	WebhookProviderTKB      = "tkb"
)

// PaymentWebhookHandlers accepts settlement callbacks from payment providers. Signatures are
// verified by the HMAC middleware mounted on the /webhooks group.
type PaymentWebhookHandlers struct {
	orders    services.OrderService
	providers map[string]struct{}
}

// NewPaymentWebhookHandlers constructs the webhook handlers. With no providers given every known
// provider is accepted.
func NewPaymentWebhookHandlers(orders services.OrderService, providers ...string) *PaymentWebhookHandlers {
	if len(providers) == 0 {
		providers = []string{WebhookProviderStripe, WebhookProviderMidtrans, WebhookProviderTKB}
	}
	set := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		if name := strings.ToLower(strings.TrimSpace(p)); name != "" {
			set[name] = struct{}{}
		}
	}
	return &PaymentWebhookHandlers{orders: orders, providers: set}
}

// Routes registers the /webhooks endpoints.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.confirmPayment)
}

type paymentWebhookRequest struct {
	OrderID   string `json:"orderId" validate:"required"`
	Status    string `json:"status" validate:"required,oneof=paid failed"`
	Reference string `json:"reference" validate:"max=255"`
}

type paymentWebhookResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	PaidAt  string `json:"paidAt,omitempty"`
}

func (h *PaymentWebhookHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	if _, ok := h.providers[provider]; !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unknown_provider", "payment provider not supported", http.StatusNotFound))
		return
	}
	if meta, ok := auth.WebhookSignatureFromContext(ctx); ok && !secretCoversProvider(meta.SecretName, provider) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "signature does not match provider", http.StatusForbidden))
		return
	}

	var req paymentWebhookRequest
	if !decodeJSONBody(ctx, w, r, maxWebhookBodySize, &req) {
		return
	}

	order, err := h.orders.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		Provider:  provider,
		OrderID:   strings.TrimSpace(req.OrderID),
		Status:    domain.OrderStatus(req.Status),
		Reference: strings.TrimSpace(req.Reference),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentWebhookResponse{
		OrderID: order.ID,
		Status:  string(order.Status),
		PaidAt:  formatOptionalTime(order.PaidAt),
	})
}

// secretCoversProvider rejects a callback signed with another provider's secret.
func secretCoversProvider(secretName, provider string) bool {
	switch strings.ToLower(secretName) {
	case "payments/" + provider, "payments", "default":
		return true
	}
	return false
}
