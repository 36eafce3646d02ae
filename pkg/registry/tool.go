package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrToolNotFound is returned by ToolRegistry.Get for unknown names.
var ErrToolNotFound = errors.New("registry: tool not found")

// Tool is a callable unit of work. Call may suspend; implementations must
// honor ctx cancellation.
type Tool interface {
	Name() string
	Call(ctx context.Context, input map[string]any) (any, error)
}

// ToolFunc adapts a named function to the Tool interface.
type ToolFunc struct {
	ToolName string
	Fn       func(ctx context.Context, input map[string]any) (any, error)
}

// Name implements Tool.
func (t ToolFunc) Name() string { return t.ToolName }

// Call implements Tool.
func (t ToolFunc) Call(ctx context.Context, input map[string]any) (any, error) {
	return t.Fn(ctx, input)
}

// ToolRegistry is a thread-safe tool table.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register installs a tool under its own name.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil || tool.Name() == "" {
		return errors.New("registry: tool has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("registry: tool %q already registered", tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Get returns the tool registered under name.
func (r *ToolRegistry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	return tool, nil
}

// List returns all registered tool names, sorted.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
