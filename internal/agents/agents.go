// Package agents implements the five triage agents: receiver, false-positive
// checker, severity analyzer, context gatherer, and response coordinator.
// Each agent owns one capability, processes stage requests from the
// orchestrator, and may call the shared LLM access layer.
package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/warden/internal/bus"
	"github.com/linnemanlabs/warden/internal/capability"
	"github.com/linnemanlabs/warden/internal/llm"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// ResponseTokens bounds the size of any single agent completion.
const ResponseTokens = 1024

// Completer is the slice of the LLM access layer agents depend on. A nil
// Completer puts an agent in heuristic mode, which every agent supports so
// the pipeline degrades instead of stalling when no provider is configured.
type Completer interface {
	Complete(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// Agent is one triage stage owner.
type Agent interface {
	Capability() capability.Capability
	Handle(ctx context.Context, msg *bus.Message) (*bus.Message, error)
}

// Register binds every agent's capability in the registry and subscribes its
// handler on the bus. Fails fast on capability conflicts.
func Register(reg *capability.Registry, b *bus.Bus, agents ...Agent) error {
	for _, a := range agents {
		c := a.Capability()
		if err := reg.Register(c); err != nil {
			return err
		}
		b.Subscribe(c.Name, a.Handle)
	}
	return nil
}

// parseRequest decodes the stage request carried by a bus message.
func parseRequest(msg *bus.Message) (*workflow.StageRequest, error) {
	var req workflow.StageRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, fmt.Errorf("malformed stage request: %w", err)
	}
	if req.Alert == nil {
		return nil, fmt.Errorf("stage request %s carries no alert", req.Stage)
	}
	return &req, nil
}

// reply wraps output into a StageResult addressed back to the orchestrator.
func reply(msg *bus.Message, capName string, req *workflow.StageRequest, output any) (*bus.Message, error) {
	data, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("marshal stage output: %w", err)
	}
	return msg.Reply(capName, workflow.StageResult{
		WorkflowID: req.WorkflowID,
		Stage:      req.Stage,
		Output:     data,
	})
}

// replyError reports a stage failure with its error kind preserved.
func replyError(msg *bus.Message, capName string, req *workflow.StageRequest, kind workflow.ErrorKind, cause error) (*bus.Message, error) {
	return msg.Reply(capName, workflow.StageResult{
		WorkflowID: req.WorkflowID,
		Stage:      req.Stage,
		Error:      cause.Error(),
		ErrorKind:  kind,
	})
}

// completeStructured runs one completion and parses the JSON the prompt asked
// for. The provider call error is returned as-is so the caller (and above it
// the orchestrator) can classify it; a parse failure is a provider error.
func completeStructured(ctx context.Context, c Completer, system, prompt string, out any) error {
	resp, err := c.Complete(ctx, &llm.Request{
		System:    system,
		Prompt:    prompt,
		MaxTokens: ResponseTokens,
	})
	if err != nil {
		return err
	}
	if err := llm.ParseStructured(resp.Content, out); err != nil {
		return &llm.ProviderError{
			Transient: false,
			Message:   fmt.Sprintf("malformed model output: %v", err),
			Err:       err,
		}
	}
	return nil
}
