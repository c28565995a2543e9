package alertapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/workflow"
)

func (a *API) handleSubmitAlert(w http.ResponseWriter, r *http.Request) {
	var al alert.Alert
	if err := json.NewDecoder(r.Body).Decode(&al); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("warden.alert.id", al.ID),
		attribute.String("warden.alert.type", string(al.Type)),
	)

	id, err := a.orch.Start(r.Context(), &al)

	var verr *alert.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, alert.ErrNilAlert):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, workflow.ErrTooManyWorkflows):
		writeError(w, http.StatusTooManyRequests, "too many concurrent workflows")
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to start workflow", "alert_id", al.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.logger.Info(r.Context(), "alert accepted",
		"alert_id", al.ID,
		"alert_type", string(al.Type),
		"workflow_id", id,
	)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": id,
		"state":       string(workflow.StateInitiated),
	})
}
