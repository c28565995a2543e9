package agents

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/bus"
	"github.com/linnemanlabs/warden/internal/capability"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// SeverityAnalyzer assigns a severity to an alert that survived the
// false-positive screen.
type SeverityAnalyzer struct {
	llm    Completer
	logger log.Logger
}

// NewSeverityAnalyzer creates the severity analyzer. llm may be nil for
// heuristic-only operation.
func NewSeverityAnalyzer(llm Completer, logger log.Logger) *SeverityAnalyzer {
	if logger == nil {
		logger = log.Nop()
	}
	return &SeverityAnalyzer{llm: llm, logger: logger}
}

func (a *SeverityAnalyzer) Capability() capability.Capability {
	return capability.Capability{
		Name:        workflow.CapSeverity,
		AgentID:     "severity-analyzer",
		Description: "Assign severity and priority to a confirmed alert",
	}
}

func (a *SeverityAnalyzer) Handle(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	req, err := parseRequest(msg)
	if err != nil {
		return nil, err
	}

	var out workflow.SeverityOutput
	if a.llm != nil {
		if err := completeStructured(ctx, a.llm, severitySystemPrompt, severityPrompt(req.Alert), &out); err != nil {
			return nil, fmt.Errorf("severity analysis: %w", err)
		}
	} else {
		out = heuristicSeverity(req.Alert)
	}

	if !validSeverity(out.Severity) {
		return replyError(msg, workflow.CapSeverity, req, workflow.ErrKindProvider,
			fmt.Errorf("model returned unknown severity %q", out.Severity))
	}

	a.logger.Info(ctx, "severity assessed",
		"workflow_id", req.WorkflowID,
		"alert_id", req.Alert.ID,
		"severity", string(out.Severity),
	)
	return reply(msg, workflow.CapSeverity, req, out)
}

const severitySystemPrompt = `You are a senior SOC analyst assigning incident severity.
Weigh blast radius, asset criticality, and attack progression.
Answer only with the requested JSON.`

func severityPrompt(al *alert.Alert) string {
	return fmt.Sprintf(`Assign a severity to this confirmed alert.

Type: %s
Source IP: %s
Destination IP: %s
User: %s
Host: %s
Description: %s

Respond with JSON:
{
  "severity": "low" | "medium" | "high" | "critical",
  "confidence": number between 0.0 and 1.0,
  "rationale": "one short sentence"
}`,
		al.Type, al.SourceIP, al.DestinationIP, al.UserID, al.Hostname, al.Description)
}

func validSeverity(s alert.Severity) bool {
	switch s {
	case alert.SeverityLow, alert.SeverityMedium, alert.SeverityHigh, alert.SeverityCritical:
		return true
	default:
		return false
	}
}

// heuristicSeverity maps alert categories to a baseline severity.
func heuristicSeverity(al *alert.Alert) workflow.SeverityOutput {
	var sev alert.Severity
	switch al.Type {
	case alert.TypeMalware, alert.TypeDataExfiltration, alert.TypeCommandAndControl:
		sev = alert.SeverityCritical
	case alert.TypeBruteForce, alert.TypePrivilegeEscal, alert.TypeLateralMovement, alert.TypeInsiderThreat:
		sev = alert.SeverityHigh
	case alert.TypePhishing, alert.TypeSuspiciousLogin:
		sev = alert.SeverityMedium
	default:
		sev = alert.SeverityLow
	}
	return workflow.SeverityOutput{
		Severity:   sev,
		Confidence: 0.6,
		Rationale:  fmt.Sprintf("baseline severity for %s alerts", al.Type),
	}
}
