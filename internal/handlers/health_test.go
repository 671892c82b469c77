package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/services"
)

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

var _ services.SystemService = (*stubSystemService)(nil)

func TestHealthz(t *testing.T) {
	start := time.Date(2026, 10, 1, 6, 0, 0, 0, time.UTC)
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "2026.10.1", CommitSHA: "9f1c2ab", Environment: "prod", StartedAt: start}),
		WithHealthClock(func() time.Time { return start.Add(75 * time.Second) }),
	)
	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "2026.10.1" || body["uptime"] != "1m15s" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestReadyz(t *testing.T) {
	now := time.Date(2026, 10, 1, 6, 1, 0, 0, time.UTC)
	cases := []struct {
		name        string
		svc         services.SystemService
		wantCode    int
		wantStatus  string
		wantFailing []string
	}{
		{
			name:       "no service configured",
			wantCode:   http.StatusOK,
			wantStatus: domain.HealthStatusOK,
		},
		{
			name: "all ok",
			svc: &stubSystemService{report: services.SystemHealthReport{
				Status: domain.HealthStatusOK,
				Checks: map[string]domain.SystemHealthCheck{
					"postgres": {Status: domain.HealthStatusOK, Latency: 4 * time.Millisecond, CheckedAt: now},
				},
			}},
			wantCode:   http.StatusOK,
			wantStatus: domain.HealthStatusOK,
		},
		{
			name: "degraded stays in rotation",
			svc: &stubSystemService{report: services.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.SystemHealthCheck{
					"postgres":        {Status: domain.HealthStatusOK},
					"pubsub:crm-sync": {Status: domain.HealthStatusDegraded, Detail: "topic lookup slow"},
				},
			}},
			wantCode:    http.StatusOK,
			wantStatus:  domain.HealthStatusDegraded,
			wantFailing: []string{"pubsub:crm-sync: topic lookup slow"},
		},
		{
			name: "error fails readiness",
			svc: &stubSystemService{report: services.SystemHealthReport{
				Status: domain.HealthStatusError,
				Checks: map[string]domain.SystemHealthCheck{
					"postgres":  {Status: domain.HealthStatusError, Error: "connection refused"},
					"firestore": {Status: domain.HealthStatusError, Error: "deadline exceeded"},
				},
			}},
			wantCode:    http.StatusServiceUnavailable,
			wantStatus:  domain.HealthStatusError,
			wantFailing: []string{"firestore: deadline exceeded", "postgres: connection refused"},
		},
		{
			name:        "report failure",
			svc:         &stubSystemService{err: errors.New("probe runner failed")},
			wantCode:    http.StatusServiceUnavailable,
			wantStatus:  domain.HealthStatusError,
			wantFailing: []string{"probe runner failed"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := []HealthOption{WithHealthClock(func() time.Time { return now })}
			if tc.svc != nil {
				opts = append(opts, WithHealthSystemService(tc.svc))
			}
			rr := httptest.NewRecorder()
			NewHealthHandlers(opts...).Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rr.Code != tc.wantCode {
				t.Fatalf("code = %d, want %d", rr.Code, tc.wantCode)
			}
			var body struct {
				Status  string                  `json:"status"`
				Checks  map[string]probePayload `json:"checks"`
				Failing []string                `json:"failing"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tc.wantStatus {
				t.Fatalf("status = %s, want %s", body.Status, tc.wantStatus)
			}
			if body.Checks == nil {
				t.Fatal("checks should always be an object")
			}
			if len(body.Failing) != len(tc.wantFailing) {
				t.Fatalf("failing = %v, want %v", body.Failing, tc.wantFailing)
			}
			for i := range tc.wantFailing {
				if body.Failing[i] != tc.wantFailing[i] {
					t.Fatalf("failing = %v, want %v", body.Failing, tc.wantFailing)
				}
			}
		})
	}
}
