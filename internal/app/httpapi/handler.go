// Package httpapi exposes the engine's REST API.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	app "github.com/Beacon-Analytics/experiment_layer/internal/app"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/domain/experiment"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/domain/featureflag"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/errs"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/metrics"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/services/experiments"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/services/flags"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/storage"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the core REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.health)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/experiments", h.experiments)
	mux.HandleFunc("/experiments/", h.experimentResources)
	mux.HandleFunc("/flags", h.flags)
	mux.HandleFunc("/flags/", h.flagResources)
	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "experiment-engine",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// --- experiments -------------------------------------------------------------

func (h *handler) experiments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload experiments.CreateRequest
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		exp, err := h.app.Experiments.Create(r.Context(), payload)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, exp)

	case http.MethodGet:
		exps, err := h.app.Experiments.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, exps)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) experimentResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/experiments"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	experimentID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			exp, err := h.app.Experiments.Get(r.Context(), experimentID)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, exp)
		case http.MethodPatch, http.MethodPut:
			var patch experiments.UpdatePatch
			if err := decodeJSON(r.Body, &patch); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			exp, err := h.app.Experiments.Update(r.Context(), experimentID, patch)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, exp)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if len(parts) == 2 && parts[1] == "assignments" {
		h.assignVariant(w, r, experimentID)
		return
	}

	w.WriteHeader(http.StatusNotFound)
}

// assignRequest is a user context plus the client's existing compact
// assignment token, if it carries one.
type assignRequest struct {
	experiment.UserContext
	Assignments string `json:"assignments,omitempty"`
}

func (h *handler) assignVariant(w http.ResponseWriter, r *http.Request, experimentID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req assignRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	assignment, err := h.app.Experiments.AssignVariant(r.Context(), experimentID, req.UserContext)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// Fold the fresh assignment into the client token; the new pair wins
	// over a stale entry for the same experiment.
	var fresh []experiment.CompactAssignment
	if assignment != nil {
		fresh = append(fresh, experiment.CompactAssignment{
			ExperimentID: assignment.ExperimentID,
			VariantID:    assignment.VariantID,
		})
	}
	merged := experiment.ParseCompactAssignments(fresh, req.Assignments)

	resp := map[string]interface{}{"assigned": assignment != nil}
	if assignment != nil {
		resp["assignment"] = assignment
	}
	if len(merged) > 0 {
		resp["assignments"] = experiment.CompactAssignments(merged)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- flags -------------------------------------------------------------------

func (h *handler) flags(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload flags.CreateRequest
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f, err := h.app.Flags.Create(r.Context(), payload)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, f)

	case http.MethodGet:
		list, err := h.app.Flags.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) flagResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/flags"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if parts[0] == "evaluate" && len(parts) == 1 {
		h.evaluateBulk(w, r)
		return
	}

	flagKey := parts[0]
	if len(parts) == 2 && parts[1] == "evaluate" {
		h.evaluateFlag(w, r, flagKey)
		return
	}
	if len(parts) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		f, err := h.app.Flags.Get(r.Context(), flagKey)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	case http.MethodPut, http.MethodPatch:
		var patch flags.UpdatePatch
		if err := decodeJSON(r.Body, &patch); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f, err := h.app.Flags.Update(r.Context(), flagKey, patch)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	case http.MethodDelete:
		if err := h.app.Flags.Delete(r.Context(), flagKey); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) evaluateFlag(w http.ResponseWriter, r *http.Request, flagKey string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req featureflag.EvaluationRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.FlagKey = flagKey

	resp, err := h.app.Flags.Evaluate(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) evaluateBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req featureflag.BulkEvaluationRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := h.app.Flags.EvaluateAll(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- helpers -----------------------------------------------------------------

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errs.IsValidation(err):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
