// Package toolrt is the Tool Runtime of spec.md §4.7: a registry of
// named tools, each with a JSON-schema parameter spec, a required-
// parameters list, an "agentic" flag, and optional dependencies (ast,
// vecdb). Dispatch validates arguments against the declared schema,
// invokes the tool, and returns context items the caller feeds back
// into a chat transcript.
package toolrt

import "context"

// ParamSpec describes one named tool parameter.
type ParamSpec struct {
	Name        string
	Type        string // JSON schema primitive: "string", "integer", "boolean", "array", "object"
	Description string
	Required    bool
	Items       string // element type when Type == "array"
}

// ToolSpec is a tool's declared contract.
type ToolSpec struct {
	Name        string
	Description string
	Params      []ParamSpec
	Agentic     bool     // true if the tool mutates state or makes sub-calls
	DependsOn   []string // e.g. "ast", "vecdb"
}

// ContextFile is one retrieved file window, per spec.md §4.6's model.
// Owned here (leaves-first dependency order puts Tool Runtime before the
// Retrieval Postprocessor) and consumed/augmented downstream.
type ContextFile struct {
	FileName   string
	Content    string
	FirstLine  int
	LastLine   int
	Usefulness float64
}

// ContextItem is one piece of tool output fed back to the chat
// transcript: a message and optional file attachments.
type ContextItem struct {
	Role    string
	Content string
	Files   []ContextFile
}

// MutatedState is returned by agentic tools to describe what they
// changed, so callers can surface confirmation UI. Non-agentic tools
// return nil.
type MutatedState struct {
	Description  string
	FilesTouched []string
}

// Tool is one named, schema-validated, dependency-gated capability.
type Tool interface {
	Spec() ToolSpec
	Execute(ctx context.Context, callID string, args map[string]any) (*MutatedState, []ContextItem, error)
}
