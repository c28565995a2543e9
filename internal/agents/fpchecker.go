package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/bus"
	"github.com/linnemanlabs/warden/internal/capability"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// FPChecker judges whether an alert is a false positive and reports the
// probability the orchestrator's short-circuit decision is based on.
type FPChecker struct {
	llm    Completer
	logger log.Logger
}

// NewFPChecker creates the false-positive checker. llm may be nil for
// heuristic-only operation.
func NewFPChecker(llm Completer, logger log.Logger) *FPChecker {
	if logger == nil {
		logger = log.Nop()
	}
	return &FPChecker{llm: llm, logger: logger}
}

func (a *FPChecker) Capability() capability.Capability {
	return capability.Capability{
		Name:        workflow.CapFalsePositive,
		AgentID:     "false-positive-checker",
		Description: "Estimate the probability that an alert is a false positive",
	}
}

func (a *FPChecker) Handle(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	req, err := parseRequest(msg)
	if err != nil {
		return nil, err
	}

	var out workflow.FPOutput
	if a.llm != nil {
		if err := completeStructured(ctx, a.llm, fpSystemPrompt, fpPrompt(req.Alert), &out); err != nil {
			return nil, fmt.Errorf("false positive check: %w", err)
		}
	} else {
		out = heuristicFP(req.Alert)
	}

	// clamp to [0, 1]
	if out.Probability < 0 {
		out.Probability = 0
	}
	if out.Probability > 1 {
		out.Probability = 1
	}

	a.logger.Info(ctx, "false positive check",
		"workflow_id", req.WorkflowID,
		"alert_id", req.Alert.ID,
		"probability", out.Probability,
	)
	return reply(msg, workflow.CapFalsePositive, req, out)
}

const fpSystemPrompt = `You are a senior SOC analyst screening security alerts for false positives.
You know the common benign causes behind each alert category: scheduled scans,
automated test traffic, misconfigured monitoring, and routine administrative activity.
Answer only with the requested JSON.`

func fpPrompt(al *alert.Alert) string {
	return fmt.Sprintf(`Assess whether the following alert is a false positive.

Alert ID: %s
Type: %s
Source system: %s
Source IP: %s
User: %s
Host: %s
Description: %s

Respond with JSON:
{
  "is_false_positive": boolean,
  "probability": number between 0.0 and 1.0,
  "reasoning": "one short sentence"
}`,
		al.ID, al.Type, al.SourceSystem, al.SourceIP, al.UserID, al.Hostname, al.Description)
}

// heuristicFP is the rule-based fallback when no provider is configured.
func heuristicFP(al *alert.Alert) workflow.FPOutput {
	desc := strings.ToLower(al.Description)

	switch {
	case strings.Contains(desc, "scheduled scan") || strings.Contains(desc, "vulnerability scan"):
		return workflow.FPOutput{IsFalsePositive: true, Probability: 0.95, Reasoning: "matches scheduled scanning activity"}
	case strings.Contains(desc, "test") || strings.Contains(desc, "simulation"):
		return workflow.FPOutput{IsFalsePositive: true, Probability: 0.85, Reasoning: "matches test or simulation traffic"}
	case al.Type == alert.TypeNetworkAnomaly || al.Type == alert.TypeUnknown:
		return workflow.FPOutput{Probability: 0.4, Reasoning: "ambiguous alert category"}
	default:
		return workflow.FPOutput{Probability: 0.1, Reasoning: "no benign pattern matched"}
	}
}
