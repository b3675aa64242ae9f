package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/oakline-commerce/checkout-api/internal/domain"
	"github.com/oakline-commerce/checkout-api/internal/services"
)

// HealthHandlers serves the liveness and readiness endpoints.
type HealthHandlers struct {
	build   services.BuildInfo
	system  services.SystemService
	clock   func() time.Time
	started time.Time
}

// HealthOption customises HealthHandlers construction.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo attaches build metadata to health payloads.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthSystemService wires the readiness probe service.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

// WithHealthClock overrides the time source, primarily for testing.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthStartTime records when the process started for uptime reporting.
func WithHealthStartTime(start time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if !start.IsZero() {
			h.started = start
		}
	}
}

// NewHealthHandlers constructs the health endpoint handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.started.IsZero() {
		h.started = h.clock().UTC()
	}
	return h
}

// Healthz reports process liveness. It never consults dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	payload := map[string]any{
		"status":    domain.HealthStatusOK,
		"uptime":    now.Sub(h.started).String(),
		"timestamp": now.Format(time.RFC3339),
	}
	if h.build.Version != "" {
		payload["version"] = h.build.Version
	}
	if h.build.Commit != "" {
		payload["commit"] = h.build.Commit
	}
	if h.build.BuildTime != "" {
		payload["buildTime"] = h.build.BuildTime
	}
	writeHealthJSON(w, http.StatusOK, payload)
}

// Readyz probes dependencies through the system service and returns 503 when
// any of them is degraded.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()

	if h.system == nil {
		writeHealthJSON(w, http.StatusOK, map[string]any{
			"status":    domain.HealthStatusOK,
			"timestamp": now.Format(time.RFC3339),
		})
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		writeHealthJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    domain.HealthStatusDegraded,
			"timestamp": now.Format(time.RFC3339),
			"details":   []string{err.Error()},
		})
		return
	}

	checks := make(map[string]healthCheckPayload, len(report.Checks))
	details := make([]string, 0)
	for _, check := range report.Checks {
		checks[check.Name] = healthCheckPayload{
			Status:    check.Status,
			Latency:   check.Latency.String(),
			CheckedAt: check.CheckedAt,
		}
		if check.Status != domain.HealthStatusOK {
			details = append(details, fmt.Sprintf("%s: %s", check.Name, check.Error))
		}
	}
	sort.Strings(details)

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}

	writeHealthJSON(w, status, map[string]any{
		"status":    report.Status,
		"timestamp": report.CheckedAt.UTC().Format(time.RFC3339),
		"checks":    checks,
		"details":   details,
	})
}

type healthCheckPayload struct {
	Status    string    `json:"status"`
	Latency   string    `json:"latency"`
	CheckedAt time.Time `json:"checkedAt"`
}

func writeHealthJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
