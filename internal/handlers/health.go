package handlers

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/services"
)

const readinessTimeout = 3 * time.Second

// HealthHandlers serves /healthz (process liveness) and /readyz (dependency probes).
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	now    func() time.Time
}

type HealthOption func(*HealthHandlers)

func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) { h.system = svc }
}

func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = info }
}

func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.now = clock
		}
	}
}

func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.now()
	}
	return h
}

type buildPayload struct {
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commitSha,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime,omitempty"`
}

type healthzResponse struct {
	Status string `json:"status"`
	buildPayload
	Timestamp string `json:"timestamp"`
}

type probePayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

type readyzResponse struct {
	Status string `json:"status"`
	buildPayload
	GeneratedAt string                  `json:"generatedAt"`
	Checks      map[string]probePayload `json:"checks"`
	Failing     []string                `json:"failing,omitempty"`
}

func uptime(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.Truncate(time.Second).String()
}

func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	writeJSONResponse(w, http.StatusOK, healthzResponse{
		Status: domain.HealthStatusOK,
		buildPayload: buildPayload{
			Version:     h.build.Version,
			CommitSHA:   h.build.CommitSHA,
			Environment: h.build.Environment,
			Uptime:      uptime(now.Sub(h.build.StartedAt)),
		},
		Timestamp: now.Format(time.RFC3339),
	})
}

// Readyz answers 503 only when a probe reports error. Degraded dependencies such as a slow
// CRM topic keep the instance in rotation and are listed under failing.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	resp := readyzResponse{
		Status:      domain.HealthStatusOK,
		GeneratedAt: h.now().UTC().Format(time.RFC3339),
		Checks:      map[string]probePayload{},
	}
	if h.system == nil {
		writeJSONResponse(w, http.StatusOK, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	report, err := h.system.HealthReport(ctx)
	if err != nil {
		resp.Status = domain.HealthStatusError
		resp.Failing = []string{err.Error()}
		writeJSONResponse(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Status = report.Status
	resp.buildPayload = buildPayload{
		Version:     report.Version,
		CommitSHA:   report.CommitSHA,
		Environment: report.Environment,
		Uptime:      uptime(report.Uptime),
	}
	if generated := formatTime(report.GeneratedAt); generated != "" {
		resp.GeneratedAt = generated
	}
	for name, check := range report.Checks {
		resp.Checks[name] = probePayload{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
			CheckedAt: formatTime(check.CheckedAt),
		}
		if check.Status == domain.HealthStatusOK {
			continue
		}
		reason := strings.TrimSpace(check.Error)
		if reason == "" {
			reason = check.Detail
		}
		resp.Failing = append(resp.Failing, name+": "+reason)
	}
	sort.Strings(resp.Failing)

	code := http.StatusOK
	if report.Status == domain.HealthStatusError {
		code = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, code, resp)
}
