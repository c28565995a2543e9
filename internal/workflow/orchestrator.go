// Package workflow owns the state machine for one alert-processing run: it
// creates workflow instances, sequences agent invocations over the bus,
// aggregates stage results, detects timeout and failure, and emits the final
// verdict.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/bus"
	"github.com/linnemanlabs/warden/internal/capability"
	"github.com/linnemanlabs/warden/internal/llm"
)

// Config bounds orchestrator behavior.
type Config struct {
	// FPThreshold short-circuits the workflow when the false-positive stage
	// reports a probability strictly above it.
	FPThreshold float64
	// StageTimeout is the maximum wait for any single stage result.
	StageTimeout time.Duration
	// MaxActive caps concurrently running workflows; Start fails beyond it.
	MaxActive int
}

// Hooks receive orchestrator events for metrics. Nil funcs are skipped.
type Hooks struct {
	OnStart         func()
	OnStageComplete func(stage string, seconds float64)
	OnTerminal      func(state State, seconds float64)
	OnTimeout       func(stage string)
	OnShortCircuit  func()
	OnDropped       func(reason string)
}

// Notifier receives every terminal workflow. Notify runs on its own goroutine
// after the terminal state is persisted; a slow notifier delays only its own
// workflow's notification.
type Notifier interface {
	Notify(ctx context.Context, inst *Instance)
}

// ErrTooManyWorkflows is returned by Start when MaxActive is reached.
var ErrTooManyWorkflows = errors.New("maximum concurrent workflows reached")

// ErrNotActive is returned by Cancel for unknown or already-terminal workflows.
var ErrNotActive = errors.New("workflow is not active")

// run is the in-flight bookkeeping for one workflow. Fields above ioMu are
// guarded by the orchestrator mutex.
type run struct {
	inst       *Instance
	stageIdx   int
	stageStart time.Time
	timer      *time.Timer
	epoch      int // increments per stage so a stale timer fire is ignored
	snapVer    int // increments per persisted snapshot
	results    map[string]json.RawMessage

	fpProb   float64
	severity alert.Severity
	actions  []string
	summary  string

	// ioMu serializes store writes for this run off the orchestrator mutex.
	ioMu         sync.Mutex
	persistedVer int
}

// Orchestrator drives alert workflows over the message bus.
type Orchestrator struct {
	registry *capability.Registry
	bus      *bus.Bus
	store    Store
	notifier Notifier
	cfg      Config
	hooks    Hooks
	logger   log.Logger

	mu     sync.Mutex
	active map[string]*run
}

// New wires the orchestrator into the registry and bus: it registers its own
// capability, subscribes for stage results, and installs itself as the bus
// failure sink. notifier may be nil.
func New(registry *capability.Registry, b *bus.Bus, store Store, notifier Notifier, cfg Config, hooks Hooks, logger log.Logger) (*Orchestrator, error) {
	if cfg.FPThreshold <= 0 {
		cfg.FPThreshold = 0.9
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 60 * time.Second
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 100
	}
	if logger == nil {
		logger = log.Nop()
	}

	o := &Orchestrator{
		registry: registry,
		bus:      b,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		hooks:    hooks,
		logger:   logger,
		active:   make(map[string]*run),
	}

	err := registry.Register(capability.Capability{
		Name:        CapOrchestrate,
		AgentID:     "orchestrator",
		Description: "Sequence triage stages and aggregate results for one alert workflow",
	})
	if err != nil {
		return nil, err
	}

	b.Subscribe(CapOrchestrate, o.handleResult)
	b.OnFailure(o.onBusFailure)
	return o, nil
}

// Start admits an alert and begins its workflow. The returned ID can be used
// with Get and Cancel. Validation failures mean the workflow never starts.
func (o *Orchestrator) Start(ctx context.Context, al *alert.Alert) (string, error) {
	if err := al.Validate(); err != nil {
		return "", err
	}
	al.Normalize()

	// every stage capability must be bound before dispatching anything
	for _, s := range stages {
		if _, err := o.registry.Lookup(s.Capability); err != nil {
			return "", fmt.Errorf("stage %s: %w", s.Name, err)
		}
	}

	id := ulid.Make().String()
	inst := &Instance{
		ID:        id,
		Alert:     al,
		State:     StateInitiated,
		CreatedAt: time.Now(),
	}

	o.mu.Lock()
	if len(o.active) >= o.cfg.MaxActive {
		o.mu.Unlock()
		return "", ErrTooManyWorkflows
	}
	r := &run{
		inst:    inst,
		results: make(map[string]json.RawMessage),
	}
	o.active[id] = r
	o.mu.Unlock()

	if err := o.store.Put(ctx, inst); err != nil {
		o.mu.Lock()
		delete(o.active, id)
		o.mu.Unlock()
		return "", fmt.Errorf("persist workflow: %w", err)
	}

	if o.hooks.OnStart != nil {
		o.hooks.OnStart()
	}
	o.logger.Info(ctx, "workflow started",
		"workflow_id", id,
		"alert_id", al.ID,
		"alert_type", string(al.Type),
	)

	o.mu.Lock()
	err := o.dispatchStage(ctx, r)
	o.mu.Unlock()
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get retrieves a workflow instance by ID.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Instance, bool, error) {
	return o.store.Get(ctx, id)
}

// Recent returns up to limit workflow instances, most recently created first.
func (o *Orchestrator) Recent(ctx context.Context, limit int) ([]*Instance, error) {
	return o.store.List(ctx, limit)
}

// Cancel terminates an active workflow. Any message arriving afterwards for
// its thread is dropped.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.active[id]
	if !ok {
		return ErrNotActive
	}
	if reason == "" {
		reason = "canceled by operator"
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.epoch++
	o.recordStage(r, StageFailed, nil)
	o.fail(ctx, r, ErrKindCanceled, reason)
	return nil
}

// ActiveCount reports the number of non-terminal workflows.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// dispatchStage sends the current stage's request and arms its timeout.
// Caller holds o.mu.
func (o *Orchestrator) dispatchStage(ctx context.Context, r *run) error {
	stage := stages[r.stageIdx]
	req := StageRequest{
		WorkflowID: r.inst.ID,
		Stage:      stage.Name,
		Alert:      r.inst.Alert,
		Results:    r.results,
	}

	msg, err := bus.New(r.inst.ID, CapOrchestrate, stage.Capability, req)
	if err != nil {
		o.fail(ctx, r, ErrKindValidation, fmt.Sprintf("build stage request: %v", err))
		return err
	}

	r.stageStart = time.Now()
	epoch := r.epoch
	r.timer = time.AfterFunc(o.cfg.StageTimeout, func() {
		o.timeoutStage(r.inst.ID, epoch)
	})

	if err := o.bus.Publish(msg); err != nil {
		r.timer.Stop()
		o.fail(ctx, r, ErrKindStageFailed, fmt.Sprintf("dispatch %s: %v", stage.Name, err))
		return err
	}

	o.logger.Info(ctx, "stage dispatched",
		"workflow_id", r.inst.ID,
		"stage", stage.Name,
		"capability", stage.Capability,
	)
	return nil
}

// handleResult is the bus handler for messages addressed to the orchestrator.
// Guards: the thread must reference an active workflow, and the result must
// belong to the current stage; anything else is logged and dropped.
func (o *Orchestrator) handleResult(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	var result StageResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		return nil, fmt.Errorf("malformed stage result: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.active[msg.ThreadID]
	if !ok {
		o.drop(ctx, "terminal_thread", msg.ThreadID, result.Stage)
		// the late publish recreated the thread's dispatcher; release it again
		o.bus.ReleaseThread(msg.ThreadID)
		return nil, nil
	}

	stage := stages[r.stageIdx]
	if result.Stage != stage.Name {
		// duplicate or stale result for a stage already passed
		o.drop(ctx, "stale_stage", msg.ThreadID, result.Stage)
		return nil, nil
	}

	r.timer.Stop()
	r.epoch++

	if result.Error != "" {
		kind := result.ErrorKind
		if kind == "" {
			kind = ErrKindStageFailed
		}
		o.recordStage(r, StageFailed, nil)
		o.fail(ctx, r, kind, result.Error)
		return nil, nil
	}

	elapsed := time.Since(r.stageStart)
	o.recordStage(r, StageCompleted, result.Output)
	r.results[stage.Name] = result.Output
	o.absorbOutput(ctx, r, stage.Name, result.Output)

	if o.hooks.OnStageComplete != nil {
		o.hooks.OnStageComplete(stage.Name, elapsed.Seconds())
	}

	r.inst.State = stage.Next
	o.persistAsync(ctx, r)

	// deliberate early exit, not a failure
	if stage.Name == "false_positive_check" && r.fpProb > o.cfg.FPThreshold {
		if o.hooks.OnShortCircuit != nil {
			o.hooks.OnShortCircuit()
		}
		o.logger.Info(ctx, "workflow short-circuited as false positive",
			"workflow_id", r.inst.ID,
			"probability", r.fpProb,
			"threshold", o.cfg.FPThreshold,
		)
		o.skipRemaining(r)
		o.complete(ctx, r, OutcomeDiscarded)
		return nil, nil
	}

	r.stageIdx++
	if r.stageIdx >= len(stages) {
		o.complete(ctx, r, OutcomeResolved)
		return nil, nil
	}

	// a dispatch error has already moved the workflow to FAILED
	_ = o.dispatchStage(ctx, r)
	return nil, nil
}

// onBusFailure converts a handler failure for an active thread into a FAILED
// workflow, preserving the originating error kind.
func (o *Orchestrator) onBusFailure(ctx context.Context, msg *bus.Message, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.active[msg.ThreadID]
	if !ok {
		o.drop(ctx, "failure_for_terminal_thread", msg.ThreadID, "")
		o.bus.ReleaseThread(msg.ThreadID)
		return
	}

	r.timer.Stop()
	r.epoch++
	o.recordStage(r, StageFailed, nil)
	o.fail(ctx, r, classifyErr(err), err.Error())
}

// timeoutStage fires when a stage produced no result within budget. The epoch
// check makes a fire that raced the result a no-op.
func (o *Orchestrator) timeoutStage(id string, epoch int) {
	ctx := context.Background()

	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.active[id]
	if !ok || r.epoch != epoch {
		return
	}
	r.epoch++

	stage := stages[r.stageIdx]
	if o.hooks.OnTimeout != nil {
		o.hooks.OnTimeout(stage.Name)
	}
	o.recordStage(r, StageTimedOut, nil)
	o.fail(ctx, r, ErrKindStageTimeout,
		fmt.Sprintf("stage %s produced no result within %s", stage.Name, o.cfg.StageTimeout))
}

// recordStage appends the current stage to the trace. Caller holds o.mu.
func (o *Orchestrator) recordStage(r *run, status StageStatus, output json.RawMessage) {
	stage := stages[r.stageIdx]
	now := time.Now()
	r.inst.Trace = append(r.inst.Trace, StageTrace{
		Stage:     stage.Name,
		Status:    status,
		StartedAt: r.stageStart,
		EndedAt:   now,
		Duration:  now.Sub(r.stageStart).Seconds(),
		Output:    output,
	})
}

// skipRemaining marks every stage after the current one as skipped so the
// trace keeps a uniform shape. Caller holds o.mu.
func (o *Orchestrator) skipRemaining(r *run) {
	for i := r.stageIdx + 1; i < len(stages); i++ {
		r.inst.Trace = append(r.inst.Trace, StageTrace{
			Stage:  stages[i].Name,
			Status: StageSkipped,
		})
	}
}

// absorbOutput parses the structured payloads the verdict is built from.
// Unparseable output is logged and tolerated; the raw bytes stay in the trace.
func (o *Orchestrator) absorbOutput(ctx context.Context, r *run, stage string, output json.RawMessage) {
	if len(output) == 0 {
		return
	}
	var err error
	switch stage {
	case "false_positive_check":
		var out FPOutput
		if err = json.Unmarshal(output, &out); err == nil {
			r.fpProb = out.Probability
		}
	case "severity_analysis":
		var out SeverityOutput
		if err = json.Unmarshal(output, &out); err == nil {
			r.severity = out.Severity
		}
	case "response_coordination":
		var out ResponseOutput
		if err = json.Unmarshal(output, &out); err == nil {
			r.actions = out.RecommendedActions
			r.summary = out.Summary
		}
	}
	if err != nil {
		o.logger.Warn(ctx, "unparseable stage output",
			"workflow_id", r.inst.ID,
			"stage", stage,
			"error", err,
		)
	}
}

// complete finalizes a successful workflow. Caller holds o.mu.
func (o *Orchestrator) complete(ctx context.Context, r *run, outcome VerdictOutcome) {
	r.inst.State = StateCompleted
	r.inst.Verdict = &Verdict{
		Outcome:            outcome,
		Severity:           r.severity,
		FalsePositiveProb:  r.fpProb,
		RecommendedActions: r.actions,
		Summary:            r.summary,
	}
	o.finalize(ctx, r)
}

// fail finalizes a workflow in the FAILED state. Caller holds o.mu.
func (o *Orchestrator) fail(ctx context.Context, r *run, kind ErrorKind, message string) {
	stage := ""
	if r.stageIdx < len(stages) {
		stage = stages[r.stageIdx].Name
	}
	r.inst.State = StateFailed
	r.inst.Error = &Failure{Kind: kind, Stage: stage, Message: message}
	o.finalize(ctx, r)
}

// finalize drops the workflow from the active set and hands the terminal
// write and notification to their own goroutine, so store or webhook latency
// never holds the orchestrator mutex. Caller holds o.mu.
func (o *Orchestrator) finalize(ctx context.Context, r *run) {
	r.inst.CompletedAt = time.Now()
	delete(o.active, r.inst.ID)
	o.bus.ReleaseThread(r.inst.ID)

	duration := r.inst.CompletedAt.Sub(r.inst.CreatedAt).Seconds()
	if o.hooks.OnTerminal != nil {
		o.hooks.OnTerminal(r.inst.State, duration)
	}

	kv := []any{
		"workflow_id", r.inst.ID,
		"state", string(r.inst.State),
		"duration", duration,
	}
	if r.inst.Error != nil {
		kv = append(kv, "error_kind", string(r.inst.Error.Kind), "error", r.inst.Error.Message)
	}
	o.logger.Info(ctx, "workflow finished", kv...)

	r.snapVer++
	ver := r.snapVer
	inst := cloneInstance(r.inst)
	go func() {
		o.persistSnapshot(ctx, r, inst, ver)
		if o.notifier != nil {
			o.notifier.Notify(ctx, inst)
		}
	}()
}

// persistAsync snapshots the instance and writes it off the orchestrator
// mutex. Caller holds o.mu.
func (o *Orchestrator) persistAsync(ctx context.Context, r *run) {
	r.snapVer++
	ver := r.snapVer
	inst := cloneInstance(r.inst)
	go o.persistSnapshot(ctx, r, inst, ver)
}

// persistSnapshot writes one versioned snapshot. A write that lost the race
// to a newer snapshot is skipped, so a slow store round trip can never
// clobber a later state.
func (o *Orchestrator) persistSnapshot(ctx context.Context, r *run, inst *Instance, ver int) {
	r.ioMu.Lock()
	defer r.ioMu.Unlock()
	if ver <= r.persistedVer {
		return
	}
	r.persistedVer = ver
	if err := o.store.Put(ctx, inst); err != nil {
		o.logger.Error(ctx, err, "persist workflow state",
			"workflow_id", inst.ID,
			"state", string(inst.State),
		)
	}
}

// cloneInstance copies an instance deeply enough that a snapshot handed to
// the store or notifier is immune to later trace appends.
func cloneInstance(inst *Instance) *Instance {
	cp := *inst
	if inst.Trace != nil {
		cp.Trace = append([]StageTrace(nil), inst.Trace...)
	}
	if inst.Verdict != nil {
		v := *inst.Verdict
		cp.Verdict = &v
	}
	if inst.Error != nil {
		e := *inst.Error
		cp.Error = &e
	}
	return &cp
}

func (o *Orchestrator) drop(ctx context.Context, reason, threadID, stage string) {
	if o.hooks.OnDropped != nil {
		o.hooks.OnDropped(reason)
	}
	o.logger.Warn(ctx, "dropped message",
		"reason", reason,
		"thread_id", threadID,
		"stage", stage,
	)
}

// classifyErr maps a bubbled-up handler error onto a workflow error kind.
func classifyErr(err error) ErrorKind {
	switch {
	case errors.Is(err, llm.ErrRateLimited):
		return ErrKindRateLimited
	case errors.Is(err, llm.ErrPromptTooLarge):
		return ErrKindValidation
	case llm.IsTransient(err):
		// transient failures only reach here after the access layer
		// exhausted its retry budget
		return ErrKindProvider
	default:
		var perr *llm.ProviderError
		if errors.As(err, &perr) {
			return ErrKindProvider
		}
		return ErrKindStageFailed
	}
}
