package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/platform/httpx"
	"github.com/courseshop/api/internal/repositories"
	"github.com/courseshop/api/internal/services"
)

const (
	maxSubscriptionPatchBodySize = 16 * 1024
	defaultExpiredPageSize       = 100
	maxExpiredPageSize           = 500
)

// InternalHandlers serves the OIDC-protected endpoints called by the CRM bridge and schedulers.
type InternalHandlers struct {
	subscriptions services.SubscriptionService
	documents     services.DocumentCascade
	mailing       services.MissingDocsMailingService
	sequences     services.SequenceService
	now           func() time.Time
}

// InternalOption customises InternalHandlers.
type InternalOption func(*InternalHandlers)

// WithInternalSubscriptions sets the subscription service behind the CRM update endpoints.
func WithInternalSubscriptions(svc services.SubscriptionService) InternalOption {
	return func(h *InternalHandlers) {
		h.subscriptions = svc
	}
}

// WithInternalDocuments sets the document cascade used for on-demand regeneration.
func WithInternalDocuments(cascade services.DocumentCascade) InternalOption {
	return func(h *InternalHandlers) {
		h.documents = cascade
	}
}

// WithInternalMailing sets the missing documents mailing job.
func WithInternalMailing(job services.MissingDocsMailingService) InternalOption {
	return func(h *InternalHandlers) {
		h.mailing = job
	}
}

// WithInternalSequences exposes named sequences for back-office reconciliation.
func WithInternalSequences(svc services.SequenceService) InternalOption {
	return func(h *InternalHandlers) {
		h.sequences = svc
	}
}

// WithInternalClock injects a clock for tests.
func WithInternalClock(clock func() time.Time) InternalOption {
	return func(h *InternalHandlers) {
		if clock != nil {
			h.now = clock
		}
	}
}

// NewInternalHandlers constructs the internal handlers.
func NewInternalHandlers(opts ...InternalOption) *InternalHandlers {
	h := &InternalHandlers{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/subscriptions:expired", h.listExpired)
	r.Patch("/subscriptions/{subscriptionID}", h.updateSubscription)
	r.Delete("/subscriptions/{subscriptionID}", h.destroySubscription)
	r.Post("/subscriptions/{subscriptionID}/documents:regenerate", h.regenerateDocuments)
	r.Post("/jobs/missing-docs-mailing", h.runMissingDocsMailing)
	r.Post("/sequences/{scope}/{name}:advance", h.advanceSequence)
}

type subscriptionPatchRequest struct {
	Status            *string `json:"status" validate:"omitempty,oneof=in_progress meeting success expelled"`
	AcademicVacation  *bool   `json:"academicVacation"`
	VacationBeginOn   *string `json:"vacationBeginOn"`
	VacationEndOn     *string `json:"vacationEndOn"`
	Expelled          *bool   `json:"expelled"`
	CRMID             *string `json:"crmId"`
	CRMModuleID       *string `json:"crmModuleId"`
	EducationBeginOn  *string `json:"educationBeginOn"`
	EducationEndOn    *string `json:"educationEndOn"`
	BeginOn           *string `json:"beginOn"`
	EndOn             *string `json:"endOn"`
	Itec              *bool   `json:"itec"`
	TransferToGroupID *string `json:"transferToGroupId"`
	Price             *int64  `json:"price" validate:"omitempty,gte=0"`
	PriceWithDiscount *int64  `json:"priceWithDiscount" validate:"omitempty,gte=0"`
}

type subscriptionUpdateResponse struct {
	Subscription subscriptionPayload `json:"subscription"`
	FiredRules   []string            `json:"firedRules"`
}

type cascadeOutcomePayload struct {
	Kind       string `json:"kind"`
	DocumentID string `json:"documentId,omitempty"`
	Action     string `json:"action"`
}

type cascadeReportResponse struct {
	SubscriptionID string                  `json:"subscriptionId"`
	Outcomes       []cascadeOutcomePayload `json:"outcomes"`
}

type mailingReportResponse struct {
	Scanned  int `json:"scanned"`
	Notified int `json:"notified"`
	Skipped  int `json:"skipped"`
}

type sequenceAdvanceRequest struct {
	Step int64 `json:"step" validate:"gte=0"`
}

type sequenceAdvanceResponse struct {
	Sequence string `json:"sequence"`
	Value    int64  `json:"value"`
}

type expiredSubscriptionsResponse struct {
	AsOf  string                `json:"asOf"`
	Items []subscriptionPayload `json:"items"`
}

func (h *InternalHandlers) updateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.subscriptions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("subscription_service_unavailable", "subscription service unavailable", http.StatusServiceUnavailable))
		return
	}
	id, ok := subscriptionIDParam(w, r)
	if !ok {
		return
	}

	var req subscriptionPatchRequest
	if !decodeJSONBody(ctx, w, r, maxSubscriptionPatchBodySize, &req) {
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.subscriptions.Save(ctx, services.SaveSubscriptionCommand{SubscriptionID: id, Patch: patch})
	if err != nil {
		writeSubscriptionError(ctx, w, err)
		return
	}
	fired := result.FiredRules
	if fired == nil {
		fired = []string{}
	}
	writeJSONResponse(w, http.StatusOK, subscriptionUpdateResponse{
		Subscription: buildSubscriptionPayload(result.Subscription),
		FiredRules:   fired,
	})
}

func (h *InternalHandlers) destroySubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.subscriptions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("subscription_service_unavailable", "subscription service unavailable", http.StatusServiceUnavailable))
		return
	}
	id, ok := subscriptionIDParam(w, r)
	if !ok {
		return
	}
	if err := h.subscriptions.Destroy(ctx, id); err != nil {
		writeSubscriptionError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *InternalHandlers) regenerateDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.documents == nil {
		httpx.WriteError(ctx, w, httpx.NewError("documents_unavailable", "document generation unavailable", http.StatusServiceUnavailable))
		return
	}
	id, ok := subscriptionIDParam(w, r)
	if !ok {
		return
	}

	report, err := h.documents.Regenerate(ctx, id)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			httpx.WriteError(ctx, w, httpx.NewError("subscription_not_found", "subscription not found", http.StatusNotFound))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("documents_failed", err.Error(), http.StatusInternalServerError))
		return
	}

	resp := cascadeReportResponse{
		SubscriptionID: report.SubscriptionID,
		Outcomes:       make([]cascadeOutcomePayload, 0, len(report.Outcomes)),
	}
	for _, outcome := range report.Outcomes {
		resp.Outcomes = append(resp.Outcomes, cascadeOutcomePayload{
			Kind:       string(outcome.Kind),
			DocumentID: outcome.DocumentID,
			Action:     string(outcome.Action),
		})
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *InternalHandlers) runMissingDocsMailing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.mailing == nil {
		httpx.WriteError(ctx, w, httpx.NewError("mailing_unavailable", "mailing job unavailable", http.StatusServiceUnavailable))
		return
	}
	report, err := h.mailing.Run(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("mailing_failed", err.Error(), http.StatusInternalServerError))
		return
	}
	writeJSONResponse(w, http.StatusOK, mailingReportResponse{
		Scanned:  report.Scanned,
		Notified: report.Notified,
		Skipped:  report.Skipped,
	})
}

func (h *InternalHandlers) advanceSequence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sequences == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sequences_unavailable", "sequence service unavailable", http.StatusServiceUnavailable))
		return
	}
	cmd := services.SequenceCommand{
		Scope: strings.TrimSpace(chi.URLParam(r, "scope")),
		Name:  strings.TrimSpace(chi.URLParam(r, "name")),
	}
	if r.ContentLength != 0 {
		var req sequenceAdvanceRequest
		if !decodeJSONBody(ctx, w, r, defaultMaxBodySize, &req) {
			return
		}
		cmd.Step = req.Step
	}

	value, err := h.sequences.Advance(ctx, cmd)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrSequenceInvalid):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		case errors.Is(err, repositories.ErrSequenceExhausted):
			httpx.WriteError(ctx, w, httpx.NewError("sequence_exhausted", err.Error(), http.StatusConflict))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("sequence_error", "failed to advance sequence", http.StatusInternalServerError))
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, sequenceAdvanceResponse{Sequence: cmd.Scope + ":" + cmd.Name, Value: value})
}

func (h *InternalHandlers) listExpired(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.subscriptions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("subscription_service_unavailable", "subscription service unavailable", http.StatusServiceUnavailable))
		return
	}
	query := r.URL.Query()

	asOf := h.now().UTC()
	if raw := strings.TrimSpace(query.Get("as_of")); raw != "" {
		parsed, err := parseDateParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "as_of must be a date or RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		asOf = *parsed
	}

	limit := defaultExpiredPageSize
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			limit = defaultExpiredPageSize
		case size > maxExpiredPageSize:
			limit = maxExpiredPageSize
		default:
			limit = size
		}
	}

	subs, err := h.subscriptions.ListExpired(ctx, asOf, limit)
	if err != nil {
		writeSubscriptionError(ctx, w, err)
		return
	}
	resp := expiredSubscriptionsResponse{
		AsOf:  asOf.Format(time.DateOnly),
		Items: make([]subscriptionPayload, 0, len(subs)),
	}
	for _, sub := range subs {
		resp.Items = append(resp.Items, buildSubscriptionPayload(sub))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (req subscriptionPatchRequest) toPatch() (services.SubscriptionPatch, error) {
	patch := services.SubscriptionPatch{
		AcademicVacation:  req.AcademicVacation,
		Expelled:          req.Expelled,
		CRMID:             req.CRMID,
		CRMModuleID:       req.CRMModuleID,
		Itec:              req.Itec,
		TransferToGroupID: req.TransferToGroupID,
		Price:             req.Price,
		PriceWithDiscount: req.PriceWithDiscount,
	}
	if req.Status != nil {
		status := domain.SubscriptionStatus(*req.Status)
		patch.Status = &status
	}
	dates := []struct {
		name string
		raw  *string
		dst  **time.Time
	}{
		{"vacationBeginOn", req.VacationBeginOn, &patch.VacationBeginOn},
		{"vacationEndOn", req.VacationEndOn, &patch.VacationEndOn},
		{"educationBeginOn", req.EducationBeginOn, &patch.EducationBeginOn},
		{"educationEndOn", req.EducationEndOn, &patch.EducationEndOn},
		{"beginOn", req.BeginOn, &patch.BeginOn},
		{"endOn", req.EndOn, &patch.EndOn},
	}
	for _, d := range dates {
		if d.raw == nil {
			continue
		}
		parsed, err := parseDateParam(*d.raw)
		if err != nil || parsed == nil {
			return services.SubscriptionPatch{}, errors.New(d.name + " must be a date")
		}
		*d.dst = parsed
	}
	return patch, nil
}

func subscriptionIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "subscriptionID"))
	if id == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "subscription id is required", http.StatusBadRequest))
		return "", false
	}
	return id, true
}

func writeSubscriptionError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrSubscriptionInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrSubscriptionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("subscription_not_found", "subscription not found", http.StatusNotFound))
	case errors.Is(err, services.ErrSubscriptionHasDocuments):
		httpx.WriteError(ctx, w, httpx.NewError("subscription_has_documents", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrSubscriptionConflict):
		httpx.WriteError(ctx, w, httpx.NewError("subscription_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("subscription_error", "failed to process subscription request", http.StatusInternalServerError))
	}
}
