package agents

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/bus"
	"github.com/linnemanlabs/warden/internal/capability"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// Receiver is the first stage: it admits the alert into the pipeline,
// confirming shape and extracting the indicators later stages key off.
// It never calls the LLM.
type Receiver struct {
	logger log.Logger
}

// NewReceiver creates the alert receiver agent.
func NewReceiver(logger log.Logger) *Receiver {
	if logger == nil {
		logger = log.Nop()
	}
	return &Receiver{logger: logger}
}

// ReceiverOutput is the normalize stage's structured result.
type ReceiverOutput struct {
	AlertID    string   `json:"alert_id"`
	AlertType  string   `json:"alert_type"`
	Indicators []string `json:"indicators,omitempty"`
	AgeSeconds float64  `json:"age_seconds"`
}

func (a *Receiver) Capability() capability.Capability {
	return capability.Capability{
		Name:        workflow.CapNormalize,
		AgentID:     "alert-receiver",
		Description: "Admit and normalize an incoming alert",
		InputSchema: json.RawMessage(`{"type":"object","required":["alert"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{
			"alert_id":{"type":"string"},
			"alert_type":{"type":"string"},
			"indicators":{"type":"array"}}}`),
	}
}

func (a *Receiver) Handle(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	req, err := parseRequest(msg)
	if err != nil {
		return nil, err
	}
	al := req.Alert

	if err := al.Validate(); err != nil {
		return replyError(msg, workflow.CapNormalize, req, workflow.ErrKindValidation, err)
	}

	out := ReceiverOutput{
		AlertID:    al.ID,
		AlertType:  string(al.Type),
		Indicators: indicators(al.SourceIP, al.DestinationIP, al.UserID, al.Hostname),
		AgeSeconds: time.Since(al.Timestamp).Seconds(),
	}

	a.logger.Info(ctx, "alert admitted",
		"workflow_id", req.WorkflowID,
		"alert_id", al.ID,
		"alert_type", string(al.Type),
		"indicators", len(out.Indicators),
	)
	return reply(msg, workflow.CapNormalize, req, out)
}

// indicators collects the non-empty observables from the alert.
func indicators(values ...string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
