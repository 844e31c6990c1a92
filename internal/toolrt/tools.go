package toolrt

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/codectxd/codectxd/internal/astindex"
	"github.com/codectxd/codectxd/internal/registry"
	"github.com/codectxd/codectxd/internal/vectorindex"
)

// SearchTool implements spec.md §4.7's `search(query, scope)`: vector
// search returning a ContextFile list.
type SearchTool struct {
	vindex *vectorindex.Index
	reg    *registry.Registry
}

func NewSearchTool(vindex *vectorindex.Index, reg *registry.Registry) *SearchTool {
	return &SearchTool{vindex: vindex, reg: reg}
}

func (t *SearchTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        "search",
		Description: "Semantic vector search over the indexed codebase. Returns ranked file windows.",
		Params: []ParamSpec{
			{Name: "query", Type: "string", Description: "natural-language or code search query", Required: true},
			{Name: "scope", Type: "array", Items: "string", Description: "optional path prefixes to restrict the search to"},
		},
		DependsOn: []string{"vecdb"},
	}
}

func (t *SearchTool) Execute(ctx context.Context, callID string, args map[string]any) (*MutatedState, []ContextItem, error) {
	query, _ := args["query"].(string)
	scopePrefixes := stringSlice(args["scope"])

	var scope func(cpath string) bool
	if len(scopePrefixes) > 0 {
		scope = func(cpath string) bool {
			for _, p := range scopePrefixes {
				if strings.HasPrefix(cpath, p) {
					return true
				}
			}
			return false
		}
	}

	records, err := t.vindex.Search(ctx, query, 10, scope)
	if err != nil {
		return nil, nil, err
	}

	files := make([]ContextFile, 0, len(records))
	for _, r := range records {
		content := t.windowText(r.Key)
		files = append(files, ContextFile{
			FileName:   r.Key.Cpath,
			Content:    content,
			FirstLine:  r.Key.StartLine,
			LastLine:   r.Key.EndLine,
			Usefulness: 100.0 / float64(1+r.Distance),
		})
	}
	return nil, []ContextItem{{Role: "tool", Content: fmt.Sprintf("%d results for %q", len(files), query), Files: files}}, nil
}

func (t *SearchTool) windowText(k vectorindex.Key) string {
	rope, err := t.reg.Text(k.Cpath)
	if err != nil {
		return ""
	}
	return strings.Join(rope.Lines(k.StartLine, k.EndLine), "\n")
}

// DefinitionTool implements `definition(symbol, skeleton?)`: AST
// search_by_name over declarations.
type DefinitionTool struct {
	aindex *astindex.Index
}

func NewDefinitionTool(aindex *astindex.Index) *DefinitionTool {
	return &DefinitionTool{aindex: aindex}
}

func (t *DefinitionTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        "definition",
		Description: "Find the declaration(s) of a symbol by name.",
		Params: []ParamSpec{
			{Name: "symbol", Type: "string", Description: "symbol name to look up", Required: true},
			{Name: "skeleton", Type: "boolean", Description: "return only the signature, not the full body"},
		},
		DependsOn: []string{"ast"},
	}
}

func (t *DefinitionTool) Execute(ctx context.Context, callID string, args map[string]any) (*MutatedState, []ContextItem, error) {
	symbol, _ := args["symbol"].(string)
	skeleton, _ := args["skeleton"].(bool)

	matches, err := t.aindex.SearchByName(ctx, symbol, nil, true, 10)
	if err != nil {
		return nil, nil, err
	}

	files := make([]ContextFile, 0, len(matches))
	for _, m := range matches {
		content := m.Symbol.SourceText
		if skeleton {
			content = m.Symbol.Signature + "\n\t// ...\n}"
		}
		files = append(files, ContextFile{
			FileName:   m.Symbol.FileCpath,
			Content:    content,
			FirstLine:  m.Symbol.FullRange.StartLine,
			LastLine:   m.Symbol.FullRange.EndLine,
			Usefulness: m.Score,
		})
	}
	return nil, []ContextItem{{Role: "tool", Content: fmt.Sprintf("%d declaration(s) of %q", len(files), symbol), Files: files}}, nil
}

// ReferencesTool implements `references(symbol, skeleton?)`: AST usages
// of the named declaration(s).
type ReferencesTool struct {
	aindex *astindex.Index
}

func NewReferencesTool(aindex *astindex.Index) *ReferencesTool {
	return &ReferencesTool{aindex: aindex}
}

func (t *ReferencesTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        "references",
		Description: "Find usages of a symbol across the indexed codebase.",
		Params: []ParamSpec{
			{Name: "symbol", Type: "string", Description: "symbol name to find usages of", Required: true},
			{Name: "skeleton", Type: "boolean", Description: "return only the enclosing signature, not the full body"},
		},
		DependsOn: []string{"ast"},
	}
}

func (t *ReferencesTool) Execute(ctx context.Context, callID string, args map[string]any) (*MutatedState, []ContextItem, error) {
	symbol, _ := args["symbol"].(string)
	skeleton, _ := args["skeleton"].(bool)

	decls, err := t.aindex.SearchByName(ctx, symbol, nil, false, 10)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[uuid.UUID]bool)
	var files []ContextFile
	for _, d := range decls {
		usages, err := t.aindex.SearchUsagesByDeclaration(ctx, d.Symbol.Guid)
		if err != nil {
			continue
		}
		for _, u := range usages {
			if seen[u.Guid] {
				continue
			}
			seen[u.Guid] = true
			content := u.SourceText
			if skeleton {
				content = u.Signature + "\n\t// ...\n}"
			}
			files = append(files, ContextFile{
				FileName:  u.FileCpath,
				Content:   content,
				FirstLine: u.FullRange.StartLine,
				LastLine:  u.FullRange.EndLine,
			})
		}
	}
	return nil, []ContextItem{{Role: "tool", Content: fmt.Sprintf("%d usage site(s) of %q", len(files), symbol), Files: files}}, nil
}

// TreeTool implements `tree(path?, use_ast?)`: the project tree,
// optionally annotated with symbol names per file.
type TreeTool struct {
	reg    *registry.Registry
	aindex *astindex.Index // optional; nil disables use_ast annotation
}

func NewTreeTool(reg *registry.Registry, aindex *astindex.Index) *TreeTool {
	return &TreeTool{reg: reg, aindex: aindex}
}

func (t *TreeTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        "tree",
		Description: "List the indexed project tree, optionally annotated with declared symbols.",
		Params: []ParamSpec{
			{Name: "path", Type: "string", Description: "restrict the listing to this path prefix"},
			{Name: "use_ast", Type: "boolean", Description: "annotate each file with its top-level declared symbols"},
		},
	}
}

func (t *TreeTool) Execute(ctx context.Context, callID string, args map[string]any) (*MutatedState, []ContextItem, error) {
	prefix, _ := args["path"].(string)
	useAST, _ := args["use_ast"].(bool)

	cpaths := t.reg.AllCpaths()
	sort.Strings(cpaths)

	var b strings.Builder
	count := 0
	for _, cp := range cpaths {
		if prefix != "" && !strings.HasPrefix(cp, prefix) {
			continue
		}
		count++
		fmt.Fprintln(&b, cp)
		if useAST && t.aindex != nil {
			symbols, err := t.aindex.FileMarkup(ctx, cp)
			if err == nil {
				for _, s := range symbols {
					fmt.Fprintf(&b, "  %s %s\n", s.Kind, s.Path())
				}
			}
		}
	}
	return nil, []ContextItem{{Role: "tool", Content: b.String(), Files: []ContextFile{{FileName: "tree", Content: b.String(), Usefulness: float64(count)}}}}, nil
}

// CatTool implements `cat(paths, symbols?, skeleton?)`: read files or
// named symbols within them, optionally skeletonized.
type CatTool struct {
	reg    *registry.Registry
	aindex *astindex.Index
}

func NewCatTool(reg *registry.Registry, aindex *astindex.Index) *CatTool {
	return &CatTool{reg: reg, aindex: aindex}
}

func (t *CatTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        "cat",
		Description: "Read one or more files, optionally narrowed to named symbols.",
		Params: []ParamSpec{
			{Name: "paths", Type: "array", Items: "string", Description: "cpaths to read", Required: true},
			{Name: "symbols", Type: "array", Items: "string", Description: "restrict output to these symbol names"},
			{Name: "skeleton", Type: "boolean", Description: "return only declaration signatures, not full bodies"},
		},
	}
}

func (t *CatTool) Execute(ctx context.Context, callID string, args map[string]any) (*MutatedState, []ContextItem, error) {
	paths := stringSlice(args["paths"])
	symbolNames := stringSlice(args["symbols"])
	skeleton, _ := args["skeleton"].(bool)

	var files []ContextFile
	for _, cpath := range paths {
		rope, err := t.reg.Text(cpath)
		if err != nil {
			continue
		}

		if len(symbolNames) == 0 {
			content := rope.Text()
			files = append(files, ContextFile{FileName: cpath, Content: content, FirstLine: 1, LastLine: rope.LineCount()})
			continue
		}

		if t.aindex == nil {
			continue
		}
		markup, err := t.aindex.FileMarkup(ctx, cpath)
		if err != nil {
			continue
		}
		wanted := make(map[string]bool, len(symbolNames))
		for _, n := range symbolNames {
			wanted[n] = true
		}
		for _, s := range markup {
			if !wanted[s.Name] {
				continue
			}
			content := s.SourceText
			if skeleton {
				content = s.Signature + "\n\t// ...\n}"
			}
			files = append(files, ContextFile{FileName: cpath, Content: content, FirstLine: s.FullRange.StartLine, LastLine: s.FullRange.EndLine})
		}
	}
	return nil, []ContextItem{{Role: "tool", Content: fmt.Sprintf("read %d window(s)", len(files)), Files: files}}, nil
}

// KnowledgeSource recalls prior memories for `knowledge(im_going_to_do)`.
// The memory store itself is out of scope per spec.md §1 ("chat history
// storage"); this is consulted as a predicate, matching the privacy
// checker's pattern.
type KnowledgeSource interface {
	Recall(ctx context.Context, imGoingToDo string) (string, error)
}

// NoKnowledge is the zero-value KnowledgeSource: no prior memories.
type NoKnowledge struct{}

func (NoKnowledge) Recall(ctx context.Context, imGoingToDo string) (string, error) {
	return "", nil
}

// KnowledgeTool implements `knowledge(im_going_to_do)`.
type KnowledgeTool struct {
	source KnowledgeSource
}

func NewKnowledgeTool(source KnowledgeSource) *KnowledgeTool {
	if source == nil {
		source = NoKnowledge{}
	}
	return &KnowledgeTool{source: source}
}

func (t *KnowledgeTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        "knowledge",
		Description: "Recall prior memories relevant to an upcoming task.",
		Params: []ParamSpec{
			{Name: "im_going_to_do", Type: "string", Description: "short description of the task about to be attempted", Required: true},
		},
	}
}

func (t *KnowledgeTool) Execute(ctx context.Context, callID string, args map[string]any) (*MutatedState, []ContextItem, error) {
	imGoingToDo, _ := args["im_going_to_do"].(string)
	memory, err := t.source.Recall(ctx, imGoingToDo)
	if err != nil {
		return nil, nil, err
	}
	return nil, []ContextItem{{Role: "tool", Content: memory}}, nil
}

// LocateFunc runs the multi-expert relevant-files search described in
// spec.md §4.8 and returns its final reduced answer. Supplied by
// internal/subchat at wiring time to avoid a toolrt -> subchat import
// cycle (subchat depends on toolrt, not the reverse).
type LocateFunc func(ctx context.Context, problemStatement string) (string, error)

// LocateTool implements `locate(problem_statement)`.
type LocateTool struct {
	locate LocateFunc
}

func NewLocateTool(locate LocateFunc) *LocateTool {
	return &LocateTool{locate: locate}
}

func (t *LocateTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        "locate",
		Description: "Multi-expert search for the files most relevant to a problem statement.",
		Params: []ParamSpec{
			{Name: "problem_statement", Type: "string", Description: "the task or bug to find relevant files for", Required: true},
		},
		Agentic:   true,
		DependsOn: []string{"subchat"},
	}
}

func (t *LocateTool) Execute(ctx context.Context, callID string, args map[string]any) (*MutatedState, []ContextItem, error) {
	if t.locate == nil {
		return nil, nil, fmt.Errorf("locate tool registered without a LocateFunc")
	}
	problem, _ := args["problem_statement"].(string)
	answer, err := t.locate(ctx, problem)
	if err != nil {
		return nil, nil, err
	}
	return &MutatedState{Description: "ran multi-expert locate"}, []ContextItem{{Role: "tool", Content: answer}}, nil
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
