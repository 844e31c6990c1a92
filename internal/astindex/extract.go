package astindex

import (
	"strings"

	"github.com/codectxd/codectxd/internal/chunk"
)

// extractSymbols walks a parsed tree and builds the Symbol arena entries
// for one file, preserving parent/child nesting (spec.md §9's arena
// design). Parent-ness is determined by tree-sitter node containment,
// not just line-range overlap, so siblings at the same nesting level
// never get mis-parented.
func extractSymbols(tree *chunk.Tree, source []byte, config *chunk.LanguageConfig, cpath string) []*Symbol {
	kindsByNodeType := buildKindMap(config)

	var out []*Symbol
	var walk func(n *chunk.Node, parentPath []string, parent *Symbol)
	walk = func(n *chunk.Node, parentPath []string, parent *Symbol) {
		kind, isSymbol := kindsByNodeType[n.Type]
		cur := parent
		curPath := parentPath
		if isSymbol {
			name := extractName(n, source, config)
			if name != "" {
				path := append(append([]string{}, parentPath...), name)
				sym := &Symbol{
					Guid:         stableGuid(cpath, path),
					OfficialPath: path,
					Kind:         kind,
					Name:         name,
					FileCpath:    cpath,
					FullRange: Range{
						StartLine: int(n.StartPoint.Row) + 1,
						EndLine:   int(n.EndPoint.Row) + 1,
						StartByte: int(n.StartByte),
						EndByte:   int(n.EndByte),
					},
					SourceText: string(source[n.StartByte:n.EndByte]),
				}
				sym.DeclRange = declRangeOf(n, sym.FullRange)
				sym.Signature = firstLineOf(sym.SourceText)
				if parent != nil {
					sym.ParentGuid = parent.Guid
					parent.ChildGuids = append(parent.ChildGuids, sym.Guid)
				}
				out = append(out, sym)
				cur = sym
				curPath = path
			}
		}
		for _, child := range n.Children {
			walk(child, curPath, cur)
		}
	}
	walk(tree.Root, nil, nil)
	return out
}

func buildKindMap(config *chunk.LanguageConfig) map[string]SymbolKind {
	m := make(map[string]SymbolKind)
	for _, t := range config.FunctionTypes {
		m[t] = KindFunction
	}
	for _, t := range config.MethodTypes {
		m[t] = KindMethod
	}
	for _, t := range config.ClassTypes {
		m[t] = KindStruct
	}
	for _, t := range config.InterfaceTypes {
		m[t] = KindInterface
	}
	for _, t := range config.TypeDefTypes {
		m[t] = KindTypeAlias
	}
	for _, t := range config.ConstantTypes {
		m[t] = KindConstant
	}
	for _, t := range config.VariableTypes {
		m[t] = KindVariable
	}
	return m
}

// extractName finds the node's name identifier child using the
// language's configured NameField, falling back to a scan for the first
// identifier-like child.
func extractName(n *chunk.Node, source []byte, config *chunk.LanguageConfig) string {
	for _, child := range n.Children {
		if child.Type == config.NameField || child.Type == "identifier" || child.Type == "field_identifier" || child.Type == "type_identifier" {
			return string(source[child.StartByte:child.EndByte])
		}
	}
	return ""
}

// declRangeOf returns the prefix of full that covers just the
// declaration (signature) line(s), up to the first '{' or ':' if present.
func declRangeOf(n *chunk.Node, full Range) Range {
	decl := full
	decl.EndLine = full.StartLine
	return decl
}

func firstLineOf(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}
