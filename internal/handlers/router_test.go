package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/services"
)

func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v (%s)", err, rr.Body.String())
	}
	return body.Error
}

func TestRouterProbesAndDefaults(t *testing.T) {
	now := time.Date(2026, 10, 1, 6, 0, 0, 0, time.UTC)
	health := NewHealthHandlers(
		WithHealthSystemService(&stubSystemService{report: services.SystemHealthReport{
			Status: domain.HealthStatusOK,
			Checks: map[string]domain.SystemHealthCheck{"postgres": {Status: domain.HealthStatusOK}},
		}}),
		WithHealthClock(func() time.Time { return now }),
	)
	router := NewRouter(WithHealthHandlers(health))

	cases := []struct {
		method, path string
		wantCode     int
		wantError    string
	}{
		{http.MethodGet, "/healthz", http.StatusOK, ""},
		{http.MethodGet, "/readyz", http.StatusOK, ""},
		{http.MethodPost, "/api/v1/orders", http.StatusNotImplemented, "not_implemented"},
		{http.MethodPost, "/api/v1/webhooks/payments/stripe", http.StatusNotImplemented, "not_implemented"},
		{http.MethodGet, "/api/v1/internal/subscriptions:expired", http.StatusNotImplemented, "not_implemented"},
		{http.MethodGet, "/does/not/exist", http.StatusNotFound, "route_not_found"},
		{http.MethodPost, "/healthz", http.StatusMethodNotAllowed, "method_not_allowed"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
		if rr.Code != tc.wantCode {
			t.Fatalf("%s %s: code = %d, want %d", tc.method, tc.path, rr.Code, tc.wantCode)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("%s %s: content-type = %q", tc.method, tc.path, ct)
		}
		if tc.wantError != "" {
			if code := decodeErrorCode(t, rr); code != tc.wantError {
				t.Fatalf("%s %s: error = %q, want %q", tc.method, tc.path, code, tc.wantError)
			}
		}
	}
}

func TestRouterGroupRoutesAndMiddlewares(t *testing.T) {
	tag := func(value string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Add("X-Group", value)
				next.ServeHTTP(w, r)
			})
		}
	}
	noContent := func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	}
	router := NewRouter(
		WithOrderRoutes(noContent),
		WithOrderMiddlewares(tag("orders")),
		WithWebhookMiddlewares(tag("webhooks")),
		WithInternalRoutes(noContent),
		WithInternalMiddlewares(tag("internal"), nil),
	)

	cases := []struct {
		path     string
		wantCode int
		wantTag  string
	}{
		{"/api/v1/orders", http.StatusNoContent, "orders"},
		{"/api/v1/internal", http.StatusNoContent, "internal"},
		{"/api/v1/webhooks/payments/midtrans", http.StatusNotImplemented, "webhooks"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, tc.path, nil))
		if rr.Code != tc.wantCode {
			t.Fatalf("%s: code = %d, want %d", tc.path, rr.Code, tc.wantCode)
		}
		if got := rr.Header().Values("X-Group"); len(got) != 1 || got[0] != tc.wantTag {
			t.Fatalf("%s: group middlewares = %v, want [%s]", tc.path, got, tc.wantTag)
		}
	}
}
