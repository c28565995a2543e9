// Package capability provides the registry mapping agent capabilities to the
// agents that own them, used for message routing and discovery.
package capability

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Capability describes a named operation an agent can perform.
type Capability struct {
	Name         string          `json:"name"`
	AgentID      string          `json:"agent_id"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`  // JSON Schema
	OutputSchema json.RawMessage `json:"output_schema,omitempty"` // JSON Schema
}

// DuplicateError is returned when a capability name is already bound to a
// different agent. Registry misconfiguration is fatal at startup.
type DuplicateError struct {
	Name     string
	OwnerID  string
	AgentID  string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("capability %q already registered by agent %q (attempted by %q)",
		e.Name, e.OwnerID, e.AgentID)
}

// UnknownError is returned when looking up a capability nobody registered.
type UnknownError struct {
	Name string
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.Name)
}

// Registry holds registered capabilities. Writes happen during agent startup;
// after initialization the registry is read-mostly and safe for concurrent
// lookups. Entries are never removed for the process lifetime.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register binds a capability name to its declaring agent. Re-registering the
// same name by the same agent is a no-op; a different agent gets DuplicateError.
func (r *Registry) Register(c Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.caps[c.Name]; ok {
		if existing.AgentID == c.AgentID {
			return nil
		}
		return &DuplicateError{Name: c.Name, OwnerID: existing.AgentID, AgentID: c.AgentID}
	}
	r.caps[c.Name] = c
	return nil
}

// Lookup returns the capability descriptor bound to name.
func (r *Registry) Lookup(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caps[name]
	if !ok {
		return Capability{}, &UnknownError{Name: name}
	}
	return c, nil
}

// ByAgent returns all capabilities declared by the given agent.
func (r *Registry) ByAgent(agentID string) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Capability
	for _, c := range r.caps {
		if c.AgentID == agentID {
			out = append(out, c)
		}
	}
	return out
}

// Len reports how many capabilities are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}
