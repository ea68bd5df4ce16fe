package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/firelinehq/fireline/internal/device"
	"github.com/firelinehq/fireline/internal/engine"
	"github.com/firelinehq/fireline/internal/model"
	"github.com/firelinehq/fireline/internal/runner"
	"github.com/firelinehq/fireline/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	orchestrator *runner.Orchestrator
	eng          *engine.Engine
	driver       device.Driver
	idem         storage.IdempotencyStore
	clock        storage.Clock
	logger       *slog.Logger
	startedAt    time.Time
	version      string
	driverName   string
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Orchestrator *runner.Orchestrator
	Engine       *engine.Engine
	Driver       device.Driver
	Idempotency  storage.IdempotencyStore
	Clock        storage.Clock
	Logger       *slog.Logger
	Version      string
	DriverName   string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	clock := d.Clock
	if clock == nil {
		clock = storage.WallClock
	}
	return &Handlers{
		orchestrator: d.Orchestrator,
		eng:          d.Engine,
		driver:       d.Driver,
		idem:         d.Idempotency,
		clock:        clock,
		logger:       d.Logger,
		startedAt:    time.Now(),
		version:      d.Version,
		driverName:   d.DriverName,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		Driver:        h.driverName,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandlePolicies handles GET /v1/policies. The catalog is static; levels
// and action lists come straight from the policy table.
func (h *Handlers) HandlePolicies(w http.ResponseWriter, r *http.Request) {
	policies := model.Policies()
	catalog := make([]model.PolicyInfo, 0, len(policies))
	for _, p := range policies {
		catalog = append(catalog, model.PolicyInfo{
			Policy:  p,
			Level:   p.Level(),
			Summary: p.Summary(),
			Actions: p.Actions(),
		})
	}
	writeJSON(w, r, http.StatusOK, catalog)
}

// HandleEvaluate handles GET /v1/evaluate. Pure planning preview with no
// side effects; nothing is persisted and no device is touched.
func (h *Handlers) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	installationID := r.URL.Query().Get("installation_id")
	if installationID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "installation_id is required")
		return
	}
	policy := model.ParsePolicy(r.URL.Query().Get("policy"))
	dryRun := false
	if raw := r.URL.Query().Get("dry_run"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "dry_run must be a boolean")
			return
		}
		dryRun = parsed
	}
	writeJSON(w, r, http.StatusOK, h.eng.Evaluate(installationID, policy, dryRun))
}

// HandleInstallationStatus handles GET /v1/installations/{installation_id}/status.
func (h *Handlers) HandleInstallationStatus(w http.ResponseWriter, r *http.Request) {
	installationID := r.PathValue("installation_id")
	status, err := h.driver.Status(r.Context(), installationID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}
