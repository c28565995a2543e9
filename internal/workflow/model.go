package workflow

import (
	"encoding/json"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
)

// State tracks where a workflow is in its lifecycle. Transitions are strictly
// forward; FAILED is absorbing and reachable from any non-terminal state.
type State string

const (
	StateInitiated           State = "INITIATED"
	StateNormalized          State = "NORMALIZED"
	StateFPChecked           State = "FP_CHECKED"
	StateSeverityAssessed    State = "SEVERITY_ASSESSED"
	StateContextGathered     State = "CONTEXT_GATHERED"
	StateResponseCoordinated State = "RESPONSE_COORDINATED"
	StateCompleted           State = "COMPLETED"
	StateFailed              State = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// stateRank orders states for the forward-only transition check.
var stateRank = map[State]int{
	StateInitiated:           0,
	StateNormalized:          1,
	StateFPChecked:           2,
	StateSeverityAssessed:    3,
	StateContextGathered:     4,
	StateResponseCoordinated: 5,
	StateCompleted:           6,
	StateFailed:              6,
}

// Capability names for message routing. Agents subscribe under these; the
// orchestrator receives results under CapOrchestrate.
const (
	CapOrchestrate   = "orchestrate_triage"
	CapNormalize     = "process_alert"
	CapFalsePositive = "check_false_positive"
	CapSeverity      = "analyze_severity"
	CapContext       = "gather_context"
	CapResponse      = "coordinate_response"
)

// ErrorKind classifies why a workflow failed. Every FAILED workflow carries a
// non-empty kind and message.
type ErrorKind string

const (
	ErrKindValidation   ErrorKind = "validation"
	ErrKindRateLimited  ErrorKind = "rate_limited"
	ErrKindProvider     ErrorKind = "provider"
	ErrKindStageTimeout ErrorKind = "stage_timeout"
	ErrKindStageFailed  ErrorKind = "stage_failed"
	ErrKindCanceled     ErrorKind = "canceled"
)

// Failure records the originating error of a FAILED workflow.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Stage   string    `json:"stage,omitempty"`
	Message string    `json:"message"`
}

// StageStatus is the outcome of one stage in the trace.
type StageStatus string

const (
	StageCompleted StageStatus = "completed"
	StageSkipped   StageStatus = "skipped"
	StageFailed    StageStatus = "failed"
	StageTimedOut  StageStatus = "timed_out"
)

// StageTrace is one entry of a workflow's ordered stage history. Stages cut
// off by the false-positive short-circuit appear with status "skipped" rather
// than being absent, so every trace has the same shape.
type StageTrace struct {
	Stage     string          `json:"stage"`
	Status    StageStatus     `json:"status"`
	StartedAt time.Time       `json:"started_at,omitempty"`
	EndedAt   time.Time       `json:"ended_at,omitempty"`
	Duration  float64         `json:"duration_seconds,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// VerdictOutcome is the final disposition of an alert.
type VerdictOutcome string

const (
	OutcomeDiscarded VerdictOutcome = "discarded_false_positive"
	OutcomeResolved  VerdictOutcome = "resolved"
)

// Verdict is the final triage result handed to persistence and notification.
type Verdict struct {
	Outcome            VerdictOutcome `json:"outcome"`
	Severity           alert.Severity `json:"severity,omitempty"`
	FalsePositiveProb  float64        `json:"false_positive_probability"`
	RecommendedActions []string       `json:"recommended_actions,omitempty"`
	Summary            string         `json:"summary,omitempty"`
}

// Instance is one end-to-end triage run for one alert. Owned exclusively by
// the orchestrator; agents submit results via messages and never mutate it.
type Instance struct {
	ID          string       `json:"workflow_id"`
	Alert       *alert.Alert `json:"alert"`
	State       State        `json:"state"`
	Trace       []StageTrace `json:"trace"`
	Verdict     *Verdict     `json:"verdict,omitempty"`
	Error       *Failure     `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
}

// StageRequest is the payload the orchestrator sends to an agent capability.
// Results carries the outputs of every stage already completed, keyed by
// stage name, so later agents can build on earlier analysis.
type StageRequest struct {
	WorkflowID string                     `json:"workflow_id"`
	Stage      string                     `json:"stage"`
	Alert      *alert.Alert               `json:"alert"`
	Results    map[string]json.RawMessage `json:"results,omitempty"`
}

// StageResult is the payload an agent sends back. A non-empty Error fails
// the workflow with the given kind; ErrorKind defaults to stage_failed.
type StageResult struct {
	WorkflowID string          `json:"workflow_id"`
	Stage      string          `json:"stage"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  ErrorKind       `json:"error_kind,omitempty"`
}

// FPOutput is the structured output of the false-positive stage. The
// orchestrator reads Probability for the short-circuit decision.
type FPOutput struct {
	IsFalsePositive bool    `json:"is_false_positive"`
	Probability     float64 `json:"probability"`
	Reasoning       string  `json:"reasoning,omitempty"`
}

// SeverityOutput is the structured output of the severity stage.
type SeverityOutput struct {
	Severity   alert.Severity `json:"severity"`
	Confidence float64        `json:"confidence,omitempty"`
	Rationale  string         `json:"rationale,omitempty"`
}

// ContextOutput is the structured output of the context-gathering stage.
type ContextOutput struct {
	RelatedIndicators []string       `json:"related_indicators,omitempty"`
	Enrichment        map[string]any `json:"enrichment,omitempty"`
	Summary           string         `json:"summary,omitempty"`
}

// ResponseOutput is the structured output of the response-coordination stage.
type ResponseOutput struct {
	RecommendedActions []string `json:"recommended_actions"`
	EscalationTier     string   `json:"escalation_tier,omitempty"`
	Summary            string   `json:"summary,omitempty"`
}

// stageDef binds one stage to the capability that owns it and the state the
// workflow enters when the stage completes.
type stageDef struct {
	Name       string
	Capability string
	Next       State
}

// stages is the fixed forward sequence of the triage pipeline.
var stages = []stageDef{
	{Name: "normalize", Capability: CapNormalize, Next: StateNormalized},
	{Name: "false_positive_check", Capability: CapFalsePositive, Next: StateFPChecked},
	{Name: "severity_analysis", Capability: CapSeverity, Next: StateSeverityAssessed},
	{Name: "context_gathering", Capability: CapContext, Next: StateContextGathered},
	{Name: "response_coordination", Capability: CapResponse, Next: StateResponseCoordinated},
}

// StageNames returns the pipeline stage names in execution order.
func StageNames() []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return names
}
