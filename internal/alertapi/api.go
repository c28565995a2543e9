// Package alertapi exposes the HTTP surface for submitting alerts and
// inspecting their triage workflows. It is a thin consumer of the
// orchestrator; all triage semantics live in internal/workflow.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// Orchestrator defines the workflow operations the API needs.
type Orchestrator interface {
	Start(ctx context.Context, al *alert.Alert) (string, error)
	Get(ctx context.Context, id string) (*workflow.Instance, bool, error)
	Recent(ctx context.Context, limit int) ([]*workflow.Instance, error)
	Cancel(ctx context.Context, id, reason string) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	orch   Orchestrator
}

// New creates a new API handler.
func New(logger log.Logger, orch Orchestrator) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if orch == nil {
		panic(xerrors.New("orchestrator is required"))
	}
	return &API{
		logger: logger,
		orch:   orch,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleSubmitAlert)
		r.Get("/workflows", a.handleListWorkflows)
		r.Get("/workflows/{id}", a.handleGetWorkflow)
		r.Post("/workflows/{id}/cancel", a.handleCancelWorkflow)
	})
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// workflowSummary is the list-view projection of an instance.
type workflowSummary struct {
	WorkflowID string `json:"workflow_id"`
	AlertID    string `json:"alert_id,omitempty"`
	State      string `json:"state"`
	CreatedAt  string `json:"created_at"`
}

func (a *API) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 500")
			return
		}
		limit = n
	}

	insts, err := a.orch.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list workflows")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	summaries := make([]workflowSummary, 0, len(insts))
	for _, inst := range insts {
		s := workflowSummary{
			WorkflowID: inst.ID,
			State:      string(inst.State),
			CreatedAt:  inst.CreatedAt.UTC().Format(time.RFC3339),
		}
		if inst.Alert != nil {
			s.AlertID = inst.Alert.ID
		}
		summaries = append(summaries, s)
	}

	writeJSON(w, http.StatusOK, map[string]any{"workflows": summaries})
}

func (a *API) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.workflow.id", id))

	inst, ok, err := a.orch.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get workflow", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("warden.workflow.state", string(inst.State)))

	writeJSON(w, http.StatusOK, inst)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req cancelRequest
	if r.Body != nil {
		// reason is optional; an empty or absent body cancels with a default
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	err := a.orch.Cancel(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, workflow.ErrNotActive):
		writeError(w, http.StatusConflict, "workflow is not active")
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to cancel workflow", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.logger.Info(r.Context(), "workflow canceled via api", "id", id, "reason", req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"workflow_id": id, "state": string(workflow.StateFailed)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
