package toolrt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/codectxd/codectxd/internal/errtax"
)

// Runtime holds the registered tool set, filtered by declared
// dependencies against what's actually available in this process.
type Runtime struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	available map[string]bool
}

// New builds a Runtime. available maps a dependency name ("ast",
// "vecdb", ...) to whether it is wired in this process.
func New(available map[string]bool) *Runtime {
	if available == nil {
		available = map[string]bool{}
	}
	return &Runtime{tools: make(map[string]Tool), available: available}
}

// Register adds a tool, skipping it if any of its declared dependencies
// is unavailable ("the runtime filters out tools whose dependencies are
// not available" per spec.md §4.7). Returns whether it was registered.
func (r *Runtime) Register(t Tool) bool {
	spec := t.Spec()
	for _, dep := range spec.DependsOn {
		if !r.available[dep] {
			return false
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = t
	return true
}

// Names lists every registered tool name, sorted.
func (r *Runtime) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Specs returns every registered tool's declared contract, for
// surfacing to a chat backend's tool-choice enumeration.
func (r *Runtime) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Dispatch validates argumentsJSON against name's declared schema, then
// executes the tool. Per spec.md §4.7: unexpected argument names are an
// error, as are missing required parameters.
func (r *Runtime) Dispatch(ctx context.Context, callID, name, argumentsJSON string) (*MutatedState, []ContextItem, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, errtax.New(errtax.KindNotFound, fmt.Sprintf("unknown tool %q", name), nil)
	}

	var args map[string]any
	if argumentsJSON == "" {
		args = map[string]any{}
	} else if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return nil, nil, errtax.New(errtax.KindParseFailure, "tool arguments are not valid JSON", err)
	}

	spec := tool.Spec()
	if err := validateArgs(spec, args); err != nil {
		return nil, nil, err
	}

	return tool.Execute(ctx, callID, args)
}

// validateArgs builds a draft-4 JSON schema from spec and validates args
// against it via gojsonschema, rejecting unexpected argument names.
func validateArgs(spec ToolSpec, args map[string]any) error {
	properties := make(map[string]any, len(spec.Params))
	var required []string
	for _, p := range spec.Params {
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if p.Type == "array" && p.Items != "" {
			prop["items"] = map[string]any{"type": p.Items}
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}

	loader := gojsonschema.NewGoLoader(schema)
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return errtax.New(errtax.KindFatal, "invalid tool parameter schema", err)
	}

	result, err := compiled.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return errtax.New(errtax.KindParseFailure, "failed to validate tool arguments", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errtax.New(errtax.KindParseFailure, fmt.Sprintf("invalid arguments for tool %q: %v", spec.Name, msgs), nil)
	}
	return nil
}
