package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/butler/pkg/models"
)

// ToolFunc executes a tool with its decoded JSON arguments.
//
// The returned value becomes the tool result: strings are used as is, other
// values are JSON encoded. Errors are reported to the model as text.
type ToolFunc func(ctx context.Context, args json.RawMessage) (any, error)

// RenderSpec marks a tool as rendered by the caller's UI. ReportName, when
// set, names the channel the UI reports the user's outcome on.
type RenderSpec struct {
	ReportName       string `json:"reportName,omitempty"`
	ReportResultName string `json:"reportResultName,omitempty"`
}

// ToolDefinition describes a tool the model may call.
//
// A definition with Execute runs on the server. A definition without Execute
// is deferred: its result must be reported by the caller through
// Task.ResolveToolCall.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Execute     ToolFunc        `json:"-"`
	Render      *RenderSpec     `json:"render,omitempty"`
}

// Deferred reports whether the tool's result comes from the caller.
func (d ToolDefinition) Deferred() bool {
	return d.Execute == nil || d.Render != nil
}

// Spec returns the provider-facing description of the tool.
func (d ToolDefinition) Spec() ToolSpec {
	return ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
}

// ToolFilter narrows the candidate tools for a caller. The context carries
// the caller's identity.
type ToolFilter func(ctx context.Context, tools []ToolDefinition) ([]ToolDefinition, error)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool arguments JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ToolRegistry manages available tools with thread-safe registration and lookup.
// Tools keep their registration order, which is the order they are offered
// to the model.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]ToolDefinition
	order   []string
	filters []ToolFilter
	schemas sync.Map
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]ToolDefinition),
	}
}

// Register adds a tool. Names are unique; a second registration of the same
// name fails with ErrDuplicateTool.
func (r *ToolRegistry) Register(def ToolDefinition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidTool, MaxToolNameLength)
	}
	if len(def.Parameters) > 0 {
		if _, err := r.compileSchema(def.Parameters); err != nil {
			return fmt.Errorf("%w: %s: compile parameters: %v", ErrInvalidTool, name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	def.Name = name
	r.tools[name] = def
	r.order = append(r.order, name)
	return nil
}

// CheckParameters reports whether raw can describe tool arguments: a JSON
// object that compiles as a schema. Empty parameters take no arguments.
func CheckParameters(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return fmt.Errorf("%w: parameters must be a JSON object", ErrInvalidTool)
	}
	if _, err := jsonschema.CompileString("tool.schema.json", string(raw)); err != nil {
		return fmt.Errorf("%w: compile parameters: %v", ErrInvalidTool, err)
	}
	return nil
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Tools returns all registered tools in registration order.
func (r *ToolRegistry) Tools() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// AddFilter appends a filter to the applicability chain.
func (r *ToolRegistry) AddFilter(f ToolFilter) {
	if f == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = append(r.filters, f)
}

// ApplicableTools runs the filter chain over the registered tools and then
// keeps only the names in pick, when pick is non-nil. The chain stops as
// soon as no candidates remain.
func (r *ToolRegistry) ApplicableTools(ctx context.Context, pick []string) ([]ToolDefinition, error) {
	candidates := r.Tools()
	r.mu.RLock()
	filters := append([]ToolFilter(nil), r.filters...)
	r.mu.RUnlock()

	for _, filter := range filters {
		if len(candidates) == 0 {
			break
		}
		narrowed, err := filter(ctx, candidates)
		if err != nil {
			return nil, fmt.Errorf("tool filter: %w", err)
		}
		candidates = narrowed
	}

	if pick == nil {
		return candidates, nil
	}
	allowed := make(map[string]struct{}, len(pick))
	for _, name := range pick {
		allowed[name] = struct{}{}
	}
	picked := make([]ToolDefinition, 0, len(candidates))
	for _, def := range candidates {
		if _, ok := allowed[def.Name]; ok {
			picked = append(picked, def)
		}
	}
	return picked, nil
}

// Execute runs a function call and returns its result.
//
// It never returns a Go error: unknown tools, schema violations and executor
// failures all come back as result values the model can read.
func (r *ToolRegistry) Execute(ctx context.Context, call models.ToolCall) any {
	result, _ := r.execute(ctx, call)
	return result
}

// Tool execution outcomes, used as metric labels.
const (
	toolStatusSuccess  = "success"
	toolStatusError    = "error"
	toolStatusInvalid  = "invalid"
	toolStatusNotFound = "not_found"
	toolStatusDeferred = "deferred"
	toolStatusSkipped  = "skipped"
)

func (r *ToolRegistry) execute(ctx context.Context, call models.ToolCall) (any, string) {
	if len(call.Arguments) > MaxToolParamsSize {
		return fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolParamsSize), toolStatusInvalid
	}

	def, ok := r.Get(call.Name)
	if !ok || def.Execute == nil {
		return fmt.Sprintf("Tool %s not found", call.Name), toolStatusNotFound
	}

	args := json.RawMessage(call.Arguments)
	if strings.TrimSpace(call.Arguments) == "" {
		args = json.RawMessage("{}")
	}

	if failure := r.validate(def, args); failure != nil {
		return *failure, toolStatusInvalid
	}

	result, err := def.Execute(ctx, args)
	if err != nil {
		return fmt.Sprintf("Error executing tool %s: %s", def.Name, err.Error()), toolStatusError
	}
	return result, toolStatusSuccess
}

func (r *ToolRegistry) validate(def ToolDefinition, args json.RawMessage) *ValidationFailure {
	if len(def.Parameters) == 0 {
		return nil
	}
	schema, err := r.compileSchema(def.Parameters)
	if err != nil {
		return &ValidationFailure{Error: "tool schema is invalid", Tool: def.Name, Details: []string{err.Error()}}
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return &ValidationFailure{Error: "arguments are not valid JSON", Tool: def.Name, Details: []string{err.Error()}}
	}
	if err := schema.Validate(decoded); err != nil {
		return &ValidationFailure{Error: "arguments do not match the tool parameters", Tool: def.Name, Details: validationDetails(err)}
	}
	return nil
}

func (r *ToolRegistry) compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := r.schemas.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	r.schemas.Store(key, compiled)
	return compiled, nil
}

func validationDetails(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var details []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			details = append(details, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(details)
	return details
}

// DecodeArguments decodes tool arguments into out, matching fields by their
// json tags. Numbers and strings are converted where the types allow it.
func DecodeArguments(args json.RawMessage, out any) error {
	var raw map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &raw); err != nil {
			return fmt.Errorf("decode arguments: %w", err)
		}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
