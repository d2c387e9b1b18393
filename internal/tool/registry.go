// Package tool defines the capability interface reasoning backends can
// invoke and a registry that controls which capabilities a turn may use.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Tool is a capability the reasoning loop can invoke during a turn.
type Tool interface {
	// Name returns the tool's identifier.
	Name() string

	// Description returns a human-readable description for the model.
	Description() string

	// InputSchema returns the JSON Schema for the tool's input.
	InputSchema() json.RawMessage

	// Execute runs the tool with the given JSON input and returns a
	// textual result for the model.
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// Definition is a serializable tool definition for passing to a backend.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// FuncTool adapts a plain function to the Tool interface.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	Schema          json.RawMessage
	Fn              func(ctx context.Context, input json.RawMessage) (string, error)
}

func (t FuncTool) Name() string                 { return t.ToolName }
func (t FuncTool) Description() string          { return t.ToolDescription }
func (t FuncTool) InputSchema() json.RawMessage { return t.Schema }

func (t FuncTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	return t.Fn(ctx, input)
}

type entry struct {
	tool    Tool
	enabled bool
}

// Registry holds the tools available to the reasoning loop. All methods are
// safe for concurrent use; turns snapshot definitions at their start, so a
// toggle mid-turn affects the next turn, not the running one.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool, enabled. Registering a name twice replaces the
// earlier tool and resets it to enabled.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool: cannot register a tool without a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t.Name()] = &entry{tool: t, enabled: true}
	return nil
}

// Unregister removes a tool. Returns false for unknown names.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	return ok
}

// Enable marks a tool usable again. Returns false for unknown names.
func (r *Registry) Enable(name string) bool {
	return r.setEnabled(name, true)
}

// Disable hides a tool from definition snapshots without removing it.
// Returns false for unknown names.
func (r *Registry) Disable(name string) bool {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	e.enabled = enabled
	return true
}

// Get returns an enabled tool by name. Disabled tools are invisible here so
// the loop cannot execute a call the model was never offered.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || !e.enabled {
		return nil, false
	}
	return e.tool, true
}

// Len reports the number of registered tools, disabled included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Definitions returns backend-ready definitions of the enabled tools, sorted
// by name so prompts stay stable across runs.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.enabled {
			continue
		}
		defs = append(defs, Definition{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			InputSchema: e.tool.InputSchema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Status describes one registered tool for admin surfaces.
type Status struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// List reports every registered tool with its enabled state, sorted by name.
func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Status{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Enabled:     e.enabled,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names lists all registered tool names, disabled included, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes every tool.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*entry)
}
