package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/firelinehq/fireline/internal/model"
	"github.com/firelinehq/fireline/internal/storage"
)

func idempotencyKey(r *http.Request) (key string, present bool) {
	raw, present := r.Header[http.CanonicalHeaderKey("Idempotency-Key")]
	if !present {
		return "", false
	}
	return strings.TrimSpace(raw[0]), true
}

func runLocation(runID string) string {
	return "/v1/runs/" + runID
}

// HandleStartRun handles POST /v1/installations/{installation_id}/runs.
// With an Idempotency-Key header the create is exactly-once per
// (installation, key): an identical retry replays the cached response and a
// key reuse with a different body is rejected before any side effect.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	installationID := r.PathValue("installation_id")

	var req model.StartRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	key, present := idempotencyKey(r)
	if !present {
		h.createRun(w, r, installationID, req)
		return
	}
	if key == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "empty Idempotency-Key")
		return
	}

	fp, err := storage.Fingerprint(req)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to fingerprint request")
		return
	}

	scoped := storage.ScopeKey(installationID, key)
	rec, err := h.idem.GetIdempotency(r.Context(), scoped)
	switch {
	case err == nil:
		if rec.Fingerprint != fp {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "Idempotency-Key reuse with different body")
			return
		}
		var replay any
		if uErr := json.Unmarshal(rec.Response, &replay); uErr != nil {
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to decode cached response")
			return
		}
		w.Header().Set("Location", runLocation(rec.RunID))
		w.Header().Set("Idempotency-Replayed", "true")
		writeJSON(w, r, http.StatusOK, replay)
	case errors.Is(err, storage.ErrNotFound):
		h.createRunIdempotent(w, r, installationID, req, scoped, fp)
	default:
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "idempotency lookup failed")
	}
}

func (h *Handlers) createRun(w http.ResponseWriter, r *http.Request, installationID string, req model.StartRunRequest) {
	resp, status := h.startRun(w, r, installationID, req)
	if status == 0 {
		return
	}
	w.Header().Set("Location", runLocation(resp.RunID))
	writeJSON(w, r, status, resp)
}

func (h *Handlers) createRunIdempotent(w http.ResponseWriter, r *http.Request, installationID string, req model.StartRunRequest, scoped string, fp uint64) {
	resp, status := h.startRun(w, r, installationID, req)
	if status == 0 {
		return
	}

	cached, err := json.Marshal(resp)
	if err == nil {
		err = h.idem.PutIdempotency(r.Context(), scoped, storage.IdemRecord{
			RunID:       resp.RunID,
			Fingerprint: fp,
			Response:    cached,
			CreatedAtMS: h.clock(),
		})
	}
	if err != nil {
		// The run is already launched; losing the cache entry only costs
		// replay, so log and answer normally.
		h.logger.Warn("idempotency record not cached", "scope_key", scoped, "error", err)
	}

	w.Header().Set("Location", runLocation(resp.RunID))
	writeJSON(w, r, status, resp)
}

// startRun performs the uncached create. A zero status means the error
// response has already been written.
func (h *Handlers) startRun(w http.ResponseWriter, r *http.Request, installationID string, req model.StartRunRequest) (model.StartRunResponse, int) {
	rec, err := h.orchestrator.StartRun(r.Context(), installationID, req.Policy, req.DryRun)
	if err != nil {
		h.logger.Error("run create failed", "installation_id", installationID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create run")
		return model.StartRunResponse{}, 0
	}
	return model.StartRunResponse{
		RunID:          rec.RunID,
		InstallationID: rec.InstallationID,
		Status:         rec.Status,
		Policy:         rec.Policy,
		Level:          rec.Level,
		Summary:        rec.Policy.Summary(),
		Actions:        rec.Actions,
	}, http.StatusCreated
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := h.orchestrator.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run")
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel. Cancellation is
// accepted, not instantaneous: the run observes it at its next step
// boundary.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	_, err := h.orchestrator.Cancel(r.Context(), runID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
	case errors.Is(err, storage.ErrRunFinished):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run already finished")
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to cancel run")
	default:
		writeJSON(w, r, http.StatusAccepted, model.CancelRunResponse{
			RunID:  runID,
			Status: model.RunStatusCanceling,
		})
	}
}
