// Package registry holds the capability and tool tables for a run. Both are
// populated before execution starts and are effectively immutable afterwards;
// the executor never registers anything mid-run.
//
// Capability input/output schemas are JSON Schema documents compiled at
// registration time, so a malformed schema fails fast instead of at first
// dispatch. The capability map carries a semantic version that plans pin via
// capabilityMapVersion.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/acm-runtime/acm/pkg/contracts"
	"github.com/acm-runtime/acm/pkg/llm"
)

// ErrCapabilityNotFound is returned by Resolve for unknown names.
var ErrCapabilityNotFound = errors.New("registry: capability not found")

// Capability is the metadata for a named, executable task implementation.
type Capability struct {
	Name         string         `json:"name"`
	SideEffects  bool           `json:"side_effects"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// RunContext is the read-only view handed to task implementations. Tasks see
// the durable context and prior outputs but cannot mutate either; reasoning
// goes through the task's bound nucleus via Reason.
type RunContext interface {
	GoalID() string
	PlanID() string
	TaskID() string
	Context() *contracts.ContextPacket
	// Output returns a prior task's output, if that task succeeded.
	Output(taskID string) (map[string]any, bool)
	// Reason runs one bounded nucleus invocation. Context-retrieval
	// directives emitted by the model are fulfilled between rounds; the
	// returned response is the model's final answer plus any user tool
	// calls it wants forwarded.
	Reason(ctx context.Context, prompt string, tools []llm.ToolDefinition) (*llm.Response, error)
}

// Task is an executable capability implementation.
type Task interface {
	Execute(ctx context.Context, run RunContext, input map[string]any) (map[string]any, error)
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context, run RunContext, input map[string]any) (map[string]any, error)

// Execute implements Task.
func (f TaskFunc) Execute(ctx context.Context, run RunContext, input map[string]any) (map[string]any, error) {
	return f(ctx, run, input)
}

type capabilityEntry struct {
	capability   Capability
	task         Task
	inputSchema  *jsonschema.Schema
	outputSchema *jsonschema.Schema
}

// CapabilityRegistry is the source of truth for installed capabilities.
type CapabilityRegistry struct {
	mu      sync.RWMutex
	version *semver.Version
	entries map[string]*capabilityEntry
}

// NewCapabilityRegistry creates a registry at the given capability-map
// version (semver).
func NewCapabilityRegistry(version string) (*CapabilityRegistry, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("registry: capability map version %q: %w", version, err)
	}
	return &CapabilityRegistry{
		version: v,
		entries: make(map[string]*capabilityEntry),
	}, nil
}

// Version returns the capability-map version string.
func (r *CapabilityRegistry) Version() string { return r.version.String() }

// CheckPlanVersion verifies a plan's pinned capabilityMapVersion against the
// registry: same major version and not newer than the installed map. An empty
// pin is accepted.
func (r *CapabilityRegistry) CheckPlanVersion(pinned string) error {
	if pinned == "" {
		return nil
	}
	v, err := semver.NewVersion(pinned)
	if err != nil {
		return fmt.Errorf("registry: plan capability map version %q: %w", pinned, err)
	}
	if v.Major() != r.version.Major() {
		return fmt.Errorf("registry: plan pins capability map %s, installed major is %d", pinned, r.version.Major())
	}
	if v.GreaterThan(r.version) {
		return fmt.Errorf("registry: plan pins capability map %s, newer than installed %s", pinned, r.version)
	}
	return nil
}

// Register installs a capability and its implementation. Schemas, when
// present, are compiled immediately.
func (r *CapabilityRegistry) Register(capability Capability, task Task) error {
	if capability.Name == "" {
		return errors.New("registry: capability has no name")
	}
	if task == nil {
		return fmt.Errorf("registry: capability %q has no task", capability.Name)
	}

	entry := &capabilityEntry{capability: capability, task: task}
	var err error
	if capability.InputSchema != nil {
		if entry.inputSchema, err = compileSchema(capability.Name+"/input", capability.InputSchema); err != nil {
			return err
		}
	}
	if capability.OutputSchema != nil {
		if entry.outputSchema, err = compileSchema(capability.Name+"/output", capability.OutputSchema); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[capability.Name]; exists {
		return fmt.Errorf("registry: capability %q already registered", capability.Name)
	}
	r.entries[capability.Name] = entry
	return nil
}

// Resolve returns the task implementation for name.
func (r *CapabilityRegistry) Resolve(name string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCapabilityNotFound, name)
	}
	return entry.task, nil
}

// Get returns the capability metadata for name.
func (r *CapabilityRegistry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return Capability{}, false
	}
	return entry.capability, true
}

// List returns all capabilities sorted by name.
func (r *CapabilityRegistry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.capability)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InputSchema returns the raw input schema document for name, or nil.
func (r *CapabilityRegistry) InputSchema(name string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.entries[name]; ok {
		return entry.capability.InputSchema
	}
	return nil
}

// OutputSchema returns the raw output schema document for name, or nil.
func (r *CapabilityRegistry) OutputSchema(name string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.entries[name]; ok {
		return entry.capability.OutputSchema
	}
	return nil
}

// ValidateInput checks a task input against the capability's input schema.
// Capabilities without a schema accept anything.
func (r *CapabilityRegistry) ValidateInput(name string, input map[string]any) error {
	return r.validate(name, input, true)
}

// ValidateOutput checks a task output against the capability's output schema.
func (r *CapabilityRegistry) ValidateOutput(name string, output map[string]any) error {
	return r.validate(name, output, false)
}

func (r *CapabilityRegistry) validate(name string, doc map[string]any, input bool) error {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrCapabilityNotFound, name)
	}
	schema := entry.outputSchema
	kind := "output"
	if input {
		schema = entry.inputSchema
		kind = "input"
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(normalizeJSON(doc)); err != nil {
		return fmt.Errorf("registry: capability %q %s: %w", name, kind, err)
	}
	return nil
}

func compileSchema(url string, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("registry: schema %s: %w", url, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("registry: schema %s: %w", url, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("registry: schema %s: %w", url, err)
	}
	return schema, nil
}

// normalizeJSON round-trips a value through encoding/json so Go ints become
// the float64 representation the validator expects.
func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
