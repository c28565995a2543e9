package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/bus"
	"github.com/linnemanlabs/warden/internal/capability"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// ResponseCoordinator is the final stage: it turns the accumulated analysis
// into recommended response actions and an escalation tier.
type ResponseCoordinator struct {
	llm    Completer
	logger log.Logger
}

// NewResponseCoordinator creates the response coordinator. llm may be nil
// for heuristic-only operation.
func NewResponseCoordinator(llm Completer, logger log.Logger) *ResponseCoordinator {
	if logger == nil {
		logger = log.Nop()
	}
	return &ResponseCoordinator{llm: llm, logger: logger}
}

func (a *ResponseCoordinator) Capability() capability.Capability {
	return capability.Capability{
		Name:        workflow.CapResponse,
		AgentID:     "response-coordinator",
		Description: "Coordinate recommended response actions for a triaged alert",
	}
}

func (a *ResponseCoordinator) Handle(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	req, err := parseRequest(msg)
	if err != nil {
		return nil, err
	}

	severity := priorSeverity(req)

	var out workflow.ResponseOutput
	if a.llm != nil {
		if err := completeStructured(ctx, a.llm, responseSystemPrompt, responsePrompt(req, severity), &out); err != nil {
			return nil, fmt.Errorf("response coordination: %w", err)
		}
	} else {
		out = heuristicResponse(req.Alert, severity)
	}

	if len(out.RecommendedActions) == 0 {
		out.RecommendedActions = []string{"review alert manually"}
	}

	a.logger.Info(ctx, "response coordinated",
		"workflow_id", req.WorkflowID,
		"alert_id", req.Alert.ID,
		"severity", string(severity),
		"actions", len(out.RecommendedActions),
	)
	return reply(msg, workflow.CapResponse, req, out)
}

// priorSeverity reads the severity stage's output from the accumulated
// results, defaulting to medium when absent or unparseable.
func priorSeverity(req *workflow.StageRequest) alert.Severity {
	raw, ok := req.Results["severity_analysis"]
	if !ok {
		return alert.SeverityMedium
	}
	var sev workflow.SeverityOutput
	if err := json.Unmarshal(raw, &sev); err != nil || !validSeverity(sev.Severity) {
		return alert.SeverityMedium
	}
	return sev.Severity
}

const responseSystemPrompt = `You are an incident response coordinator producing an action plan for a triaged alert.
Actions must be concrete and executable by a SOC analyst.
Answer only with the requested JSON.`

func responsePrompt(req *workflow.StageRequest, severity alert.Severity) string {
	al := req.Alert
	contextJSON, _ := json.Marshal(req.Results["context_gathering"])

	return fmt.Sprintf(`Produce a response plan for this triaged alert.

Type: %s
Severity: %s
User: %s
Host: %s
Description: %s
Gathered context: %s

Respond with JSON:
{
  "recommended_actions": ["ordered, concrete actions"],
  "escalation_tier": "tier_1" | "tier_2" | "tier_3" | "incident_commander",
  "summary": "one sentence for the notification channel"
}`,
		al.Type, severity, al.UserID, al.Hostname, al.Description, contextJSON)
}

// heuristicResponse is the rule-based fallback plan per severity.
func heuristicResponse(al *alert.Alert, severity alert.Severity) workflow.ResponseOutput {
	switch severity {
	case alert.SeverityCritical:
		return workflow.ResponseOutput{
			RecommendedActions: []string{
				"isolate affected host " + orUnknown(al.Hostname),
				"disable account " + orUnknown(al.UserID),
				"page the incident commander",
			},
			EscalationTier: "incident_commander",
			Summary:        fmt.Sprintf("critical %s alert, containment started", al.Type),
		}
	case alert.SeverityHigh:
		return workflow.ResponseOutput{
			RecommendedActions: []string{
				"block source IP " + orUnknown(al.SourceIP),
				"force credential reset for " + orUnknown(al.UserID),
				"open a tier 2 investigation",
			},
			EscalationTier: "tier_2",
			Summary:        fmt.Sprintf("high severity %s alert, escalated to tier 2", al.Type),
		}
	default:
		return workflow.ResponseOutput{
			RecommendedActions: []string{"queue for tier 1 review"},
			EscalationTier:     "tier_1",
			Summary:            fmt.Sprintf("%s severity %s alert queued for review", severity, al.Type),
		}
	}
}

func orUnknown(v string) string {
	if v == "" {
		return "(unknown)"
	}
	return v
}
