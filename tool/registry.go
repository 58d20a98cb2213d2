package tool

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages the set of tools available to an agent.
type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewRegistry creates a new tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}

	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	// Validate schema
	schema := tool.InputSchema()
	if schema.Type != "object" {
		return fmt.Errorf("tool %s: schema type must be 'object', got %s", name, schema.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}

	r.tools[name] = tool
	return nil
}

// RegisterAll adds multiple tools to the registry
func (r *Registry) RegisterAll(tools []Tool) error {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, exists := r.tools[name]
	return tool, exists
}

// Has checks if a tool is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tools[name]
	return exists
}

// List returns all registered tool names in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered tools keyed by name
func (r *Registry) All() map[string]Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Tool, len(r.tools))
	for name, t := range r.tools {
		out[name] = t
	}
	return out
}

// RequiresApproval reports whether the named tool is approval gated.
// Unknown tools are not gated; the executor rejects them with
// ErrToolNotFound before the gate is consulted.
func (r *Registry) RequiresApproval(name string) bool {
	t, ok := r.Get(name)
	return ok && t.Safety() == SafetyRequiresApproval
}
