// Package slack posts workflow verdicts to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/workflow"
)

const (
	maxSummaryLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier sends terminal workflow instances to a Slack webhook. It satisfies
// workflow.Notifier; delivery failures are logged, never retried, and never
// affect the workflow outcome.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Notify posts the terminal instance to the configured webhook.
func (n *Notifier) Notify(ctx context.Context, inst *workflow.Instance) {
	if err := n.send(ctx, inst); err != nil {
		n.logger.Error(ctx, err, "slack notification failed",
			"workflow_id", inst.ID,
			"state", string(inst.State),
		)
	}
}

func (n *Notifier) send(ctx context.Context, inst *workflow.Instance) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(inst)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(inst *workflow.Instance) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(inst),
			{"type": "divider"},
			fieldsBlock(inst),
			{"type": "divider"},
			summaryBlock(inst),
			{"type": "divider"},
			contextBlock(inst),
		},
	}
}

func headerBlock(inst *workflow.Instance) map[string]any {
	title := "Triage Complete"
	switch {
	case inst.State == workflow.StateFailed:
		title = "Triage Failed"
	case inst.Verdict != nil && inst.Verdict.Outcome == workflow.OutcomeDiscarded:
		title = "Alert Discarded"
	}

	name := "unknown alert"
	if inst.Alert != nil {
		name = fmt.Sprintf("%s (%s)", inst.Alert.ID, inst.Alert.Type)
	}
	text := fmt.Sprintf("%s %s: %s", stateEmoji(inst), title, name)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(inst *workflow.Instance) map[string]any {
	outcome, severity, fpProb, tier := "-", "-", "-", "-"
	if v := inst.Verdict; v != nil {
		outcome = string(v.Outcome)
		if v.Severity != "" {
			severity = string(v.Severity)
		}
		fpProb = fmt.Sprintf("%.2f", v.FalsePositiveProb)
		if len(v.RecommendedActions) > 0 {
			tier = fmt.Sprintf("%d action(s)", len(v.RecommendedActions))
		}
	}
	if inst.Error != nil {
		outcome = fmt.Sprintf("failed (%s)", inst.Error.Kind)
	}

	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*State:* %s", inst.State)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Outcome:* %s", outcome)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*FP probability:* %s", fpProb)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Duration:* %.1fs", duration(inst))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Response:* %s", tier)},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func summaryBlock(inst *workflow.Instance) map[string]any {
	var b strings.Builder
	if v := inst.Verdict; v != nil {
		if v.Summary != "" {
			b.WriteString(v.Summary)
		}
		for _, action := range v.RecommendedActions {
			b.WriteString("\n• ")
			b.WriteString(action)
		}
	}
	if inst.Error != nil {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Stage %s: %s", inst.Error.Stage, inst.Error.Message)
	}

	text := truncate(b.String(), maxSummaryLen)
	if text == "" {
		text = "_No verdict available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Verdict*\n\n%s", text),
		},
	}
}

func contextBlock(inst *workflow.Instance) map[string]any {
	ts := inst.CompletedAt
	if ts.IsZero() {
		ts = inst.CreatedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("warden • workflow %s • %s", inst.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func stateEmoji(inst *workflow.Instance) string {
	if inst.State == workflow.StateFailed {
		return "\U0001f534" // red circle
	}
	if inst.Verdict != nil && inst.Verdict.Outcome == workflow.OutcomeDiscarded {
		return "\u26aa" // white circle
	}
	var sev alert.Severity
	if inst.Verdict != nil {
		sev = inst.Verdict.Severity
	}
	switch sev {
	case alert.SeverityCritical:
		return "\U0001f534" // red circle
	case alert.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case alert.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func duration(inst *workflow.Instance) float64 {
	if inst.CompletedAt.IsZero() || inst.CreatedAt.IsZero() {
		return 0
	}
	return inst.CompletedAt.Sub(inst.CreatedAt).Seconds()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
