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

// ContextGatherer enriches a confirmed alert with surrounding context before
// a response is coordinated.
type ContextGatherer struct {
	llm    Completer
	logger log.Logger
}

// NewContextGatherer creates the context gatherer. llm may be nil for
// heuristic-only operation.
func NewContextGatherer(llm Completer, logger log.Logger) *ContextGatherer {
	if logger == nil {
		logger = log.Nop()
	}
	return &ContextGatherer{llm: llm, logger: logger}
}

func (a *ContextGatherer) Capability() capability.Capability {
	return capability.Capability{
		Name:        workflow.CapContext,
		AgentID:     "context-gatherer",
		Description: "Collect indicators and situational context for a confirmed alert",
	}
}

func (a *ContextGatherer) Handle(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	req, err := parseRequest(msg)
	if err != nil {
		return nil, err
	}
	al := req.Alert

	out := workflow.ContextOutput{
		RelatedIndicators: indicators(al.SourceIP, al.DestinationIP, al.UserID, al.Hostname),
		Enrichment: map[string]any{
			"source_system": al.SourceSystem,
			"alert_type":    string(al.Type),
			"observed_at":   al.Timestamp,
		},
	}

	if a.llm != nil {
		var llmOut workflow.ContextOutput
		if err := completeStructured(ctx, a.llm, contextSystemPrompt, contextPrompt(al), &llmOut); err != nil {
			return nil, fmt.Errorf("context gathering: %w", err)
		}
		out.Summary = llmOut.Summary
		out.RelatedIndicators = append(out.RelatedIndicators, llmOut.RelatedIndicators...)
	} else {
		out.Summary = fmt.Sprintf("%s alert from %s involving %d observable(s)",
			al.Type, al.SourceSystem, len(out.RelatedIndicators))
	}

	a.logger.Info(ctx, "context gathered",
		"workflow_id", req.WorkflowID,
		"alert_id", al.ID,
		"indicators", len(out.RelatedIndicators),
	)
	return reply(msg, workflow.CapContext, req, out)
}

const contextSystemPrompt = `You are a threat intelligence analyst building context around a security alert.
Identify the indicators worth pivoting on and summarize the likely scenario.
Answer only with the requested JSON.`

func contextPrompt(al *alert.Alert) string {
	return fmt.Sprintf(`Build investigation context for this alert.

Type: %s
Source IP: %s
Destination IP: %s
User: %s
Host: %s
Description: %s

Respond with JSON:
{
  "related_indicators": ["indicator values worth investigating"],
  "summary": "two sentences describing the likely scenario"
}`,
		al.Type, al.SourceIP, al.DestinationIP, al.UserID, al.Hostname, al.Description)
}
