package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ContextFileOutput is one retrieved file window, mirroring
// toolrt.ContextFile for the MCP wire format.
type ContextFileOutput struct {
	FileName   string  `json:"file_name" jsonschema:"cpath of the file this window came from"`
	Content    string  `json:"content" jsonschema:"the window's text"`
	FirstLine  int     `json:"first_line,omitempty" jsonschema:"1-indexed first line of the window"`
	LastLine   int     `json:"last_line,omitempty" jsonschema:"1-indexed last line of the window"`
	Usefulness float64 `json:"usefulness,omitempty" jsonschema:"relative ranking score, higher is more relevant"`
}

// ContextToolOutput is the common result shape for every context-core
// tool: a short summary plus the file windows it retrieved.
type ContextToolOutput struct {
	Summary string              `json:"summary" jsonschema:"human-readable summary of what the tool found"`
	Files   []ContextFileOutput `json:"files,omitempty" jsonschema:"retrieved file windows"`
}

// CtxSearchInput is the input for ctx_search (toolrt's `search`, kept
// distinct from the hybrid "search" tool above to avoid name collision).
type CtxSearchInput struct {
	Query string   `json:"query" jsonschema:"natural-language or code search query"`
	Scope []string `json:"scope,omitempty" jsonschema:"optional path prefixes to restrict the search to"`
}

// TreeInput is the input for ctx_tree.
type TreeInput struct {
	Path   string `json:"path,omitempty" jsonschema:"restrict the listing to this path prefix"`
	UseAST bool   `json:"use_ast,omitempty" jsonschema:"annotate each file with its top-level declared symbols"`
}

// CatInput is the input for ctx_cat.
type CatInput struct {
	Paths    []string `json:"paths" jsonschema:"cpaths to read"`
	Symbols  []string `json:"symbols,omitempty" jsonschema:"restrict output to these symbol names"`
	Skeleton bool     `json:"skeleton,omitempty" jsonschema:"return only declaration signatures, not full bodies"`
}

// DefinitionInput is the input for ctx_definition.
type DefinitionInput struct {
	Symbol   string `json:"symbol" jsonschema:"symbol name to look up"`
	Skeleton bool   `json:"skeleton,omitempty" jsonschema:"return only the signature, not the full body"`
}

// ReferencesInput is the input for ctx_references.
type ReferencesInput struct {
	Symbol   string `json:"symbol" jsonschema:"symbol name to find usages of"`
	Skeleton bool   `json:"skeleton,omitempty" jsonschema:"return only the enclosing signature, not the full body"`
}

// KnowledgeInput is the input for ctx_knowledge.
type KnowledgeInput struct {
	ImGoingToDo string `json:"im_going_to_do" jsonschema:"short description of the task about to be attempted"`
}

// LocateInput is the input for locate.
type LocateInput struct {
	ProblemStatement string `json:"problem_statement" jsonschema:"the task or bug to find relevant files for"`
}

// registerContextTools registers every Tool Runtime entry that survived
// dependency-gated Register() calls in contextcore.Build, each under a
// ctx_-prefixed name (locate is already unique).
func (s *Server) registerContextTools() {
	names := make(map[string]bool)
	for _, n := range s.core.Runtime.Names() {
		names[n] = true
	}

	if names["search"] {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "ctx_search",
			Description: "Semantic vector search over the indexed codebase via the context-core Vector Index. Returns ranked file windows.",
		}, s.mcpCtxSearchHandler)
	}
	if names["tree"] {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "ctx_tree",
			Description: "List the indexed project tree, optionally annotated with declared symbols.",
		}, s.mcpTreeHandler)
	}
	if names["cat"] {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "ctx_cat",
			Description: "Read one or more files, optionally narrowed to named symbols.",
		}, s.mcpCatHandler)
	}
	if names["definition"] {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "ctx_definition",
			Description: "Find the declaration(s) of a symbol by name via the AST Index.",
		}, s.mcpDefinitionHandler)
	}
	if names["references"] {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "ctx_references",
			Description: "Find usages of a symbol across the indexed codebase via the AST Index.",
		}, s.mcpReferencesHandler)
	}
	if names["knowledge"] {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "ctx_knowledge",
			Description: "Recall prior memories relevant to an upcoming task.",
		}, s.mcpKnowledgeHandler)
	}
	if names["locate"] {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "locate",
			Description: "Multi-expert search for the files most relevant to a problem statement (spec.md §4.8's Sub-chat Orchestrator).",
		}, s.mcpLocateHandler)
	}
	s.logger.Info("context-core tools registered", slog.Int("count", len(names)))
}

// dispatchContextTool marshals input to JSON, dispatches it through the
// Tool Runtime, and converts the resulting ContextItems into a
// ContextToolOutput.
func dispatchContextTool(ctx context.Context, s *Server, name string, input any) (ContextToolOutput, error) {
	argsJSON, err := json.Marshal(input)
	if err != nil {
		return ContextToolOutput{}, err
	}
	_, items, err := s.core.Runtime.Dispatch(ctx, generateRequestID(), name, string(argsJSON))
	if err != nil {
		return ContextToolOutput{}, err
	}

	out := ContextToolOutput{}
	for _, item := range items {
		if out.Summary == "" {
			out.Summary = item.Content
		}
		for _, f := range item.Files {
			out.Files = append(out.Files, ContextFileOutput{
				FileName:   f.FileName,
				Content:    f.Content,
				FirstLine:  f.FirstLine,
				LastLine:   f.LastLine,
				Usefulness: f.Usefulness,
			})
		}
	}
	return out, nil
}

func (s *Server) mcpCtxSearchHandler(ctx context.Context, _ *mcp.CallToolRequest, input CtxSearchInput) (*mcp.CallToolResult, ContextToolOutput, error) {
	if input.Query == "" {
		return nil, ContextToolOutput{}, NewInvalidParamsError("query parameter is required")
	}
	out, err := dispatchContextTool(ctx, s, "search", map[string]any{"query": input.Query, "scope": input.Scope})
	return nil, out, err
}

func (s *Server) mcpTreeHandler(ctx context.Context, _ *mcp.CallToolRequest, input TreeInput) (*mcp.CallToolResult, ContextToolOutput, error) {
	out, err := dispatchContextTool(ctx, s, "tree", map[string]any{"path": input.Path, "use_ast": input.UseAST})
	return nil, out, err
}

func (s *Server) mcpCatHandler(ctx context.Context, _ *mcp.CallToolRequest, input CatInput) (*mcp.CallToolResult, ContextToolOutput, error) {
	if len(input.Paths) == 0 {
		return nil, ContextToolOutput{}, NewInvalidParamsError("paths parameter is required")
	}
	out, err := dispatchContextTool(ctx, s, "cat", map[string]any{"paths": input.Paths, "symbols": input.Symbols, "skeleton": input.Skeleton})
	return nil, out, err
}

func (s *Server) mcpDefinitionHandler(ctx context.Context, _ *mcp.CallToolRequest, input DefinitionInput) (*mcp.CallToolResult, ContextToolOutput, error) {
	if input.Symbol == "" {
		return nil, ContextToolOutput{}, NewInvalidParamsError("symbol parameter is required")
	}
	out, err := dispatchContextTool(ctx, s, "definition", map[string]any{"symbol": input.Symbol, "skeleton": input.Skeleton})
	return nil, out, err
}

func (s *Server) mcpReferencesHandler(ctx context.Context, _ *mcp.CallToolRequest, input ReferencesInput) (*mcp.CallToolResult, ContextToolOutput, error) {
	if input.Symbol == "" {
		return nil, ContextToolOutput{}, NewInvalidParamsError("symbol parameter is required")
	}
	out, err := dispatchContextTool(ctx, s, "references", map[string]any{"symbol": input.Symbol, "skeleton": input.Skeleton})
	return nil, out, err
}

func (s *Server) mcpKnowledgeHandler(ctx context.Context, _ *mcp.CallToolRequest, input KnowledgeInput) (*mcp.CallToolResult, ContextToolOutput, error) {
	out, err := dispatchContextTool(ctx, s, "knowledge", map[string]any{"im_going_to_do": input.ImGoingToDo})
	return nil, out, err
}

func (s *Server) mcpLocateHandler(ctx context.Context, _ *mcp.CallToolRequest, input LocateInput) (*mcp.CallToolResult, ContextToolOutput, error) {
	if input.ProblemStatement == "" {
		return nil, ContextToolOutput{}, NewInvalidParamsError("problem_statement parameter is required")
	}
	out, err := dispatchContextTool(ctx, s, "locate", map[string]any{"problem_statement": input.ProblemStatement})
	return nil, out, err
}
