// Package splitter is the File Splitter of spec.md §4.3: it produces
// embedding chunks for one document, either AST-aware (using the symbols
// the teacher's internal/chunk tree-sitter layer extracts) or, when no
// parser is available, as fixed-size overlapping line windows.
package splitter

import (
	"context"
	"crypto/sha256"
	"strings"

	"github.com/codectxd/codectxd/internal/chunk"
)

// LinesOverlap is the number of lines adjacent sub-windows share, matching
// the original implementation's LINES_OVERLAP constant.
const LinesOverlap = 3

// DefaultTokensLimit bounds a single embeddable window; callers may
// override via Options.
const DefaultTokensLimit = 512

// TokenCounter estimates how many tokens a piece of text costs. The real
// implementation is internal/tokenizer.Counter; splitter only needs the
// Count method so it stays decoupled from the tokenizer's own dependency
// tree and is trivially fakeable in tests.
type TokenCounter interface {
	Count(text string) int
}

// approxCounter is used when callers don't supply a TokenCounter.
type approxCounter struct{}

func (approxCounter) Count(text string) int {
	n := len(text) / 4
	if n < 1 && text != "" {
		n = 1
	}
	return n
}

// Chunk is one embeddable window: a contiguous line range of one file
// plus its text, content hash, and optional symbol provenance. Per
// spec.md §3's invariant, Hash is a function of Text alone.
type Chunk struct {
	FileCpath  string
	StartLine  int // 1-indexed, inclusive
	EndLine    int // 1-indexed, inclusive
	Text       string
	ContentHash [32]byte
	SymbolPath string // "" if this chunk has no symbol provenance
	IsSkeleton bool
}

func newChunk(cpath string, start, end int, text, symbolPath string, skeleton bool) Chunk {
	return Chunk{
		FileCpath:   cpath,
		StartLine:   start,
		EndLine:     end,
		Text:        text,
		ContentHash: sha256.Sum256([]byte(text)),
		SymbolPath:  symbolPath,
		IsSkeleton:  skeleton,
	}
}

// Options configures splitting.
type Options struct {
	TokensLimit  int
	OverlapLines int
	Counter      TokenCounter
}

func (o Options) withDefaults() Options {
	if o.TokensLimit <= 0 {
		o.TokensLimit = DefaultTokensLimit
	}
	if o.OverlapLines <= 0 {
		o.OverlapLines = LinesOverlap
	}
	if o.Counter == nil {
		o.Counter = approxCounter{}
	}
	return o
}

// Splitter produces Chunks for one document's text.
type Splitter struct {
	parser    *chunk.Parser
	extractor *chunk.SymbolExtractor
	registry  *chunk.LanguageRegistry
}

// New creates a Splitter backed by the default tree-sitter language registry.
func New() *Splitter {
	reg := chunk.DefaultRegistry()
	return &Splitter{
		parser:    chunk.NewParserWithRegistry(reg),
		extractor: chunk.NewSymbolExtractorWithRegistry(reg),
		registry:  reg,
	}
}

// Close releases parser resources.
func (s *Splitter) Close() {
	if s.parser != nil {
		s.parser.Close()
	}
}

// Split produces embedding chunks for cpath's text. language should be a
// key recognized by the language registry (e.g. "go", "python"); if it's
// unsupported or parsing fails, Split falls back to fixed-size windows.
func (s *Splitter) Split(ctx context.Context, cpath, language, text string, opts Options) []Chunk {
	opts = opts.withDefaults()

	if _, ok := s.registry.GetByName(language); !ok {
		return s.fallbackSplit(cpath, text, opts)
	}

	tree, err := s.parser.Parse(ctx, []byte(text), language)
	if err != nil || tree == nil || tree.Root == nil {
		return s.fallbackSplit(cpath, text, opts)
	}

	symbols := s.extractor.Extract(tree, []byte(text))
	if len(symbols) == 0 {
		return s.fallbackSplit(cpath, text, opts)
	}

	return s.astSplit(cpath, text, symbols, opts)
}

// astSplit implements the AST-aware mode of spec.md §4.3: one skeleton
// chunk per top-level symbol, one full-text chunk per sub-declaration,
// and plain line-range chunks for the unused runs between symbols.
func (s *Splitter) astSplit(cpath, text string, symbols []*chunk.Symbol, opts Options) []Chunk {
	lines := splitLines(text)

	// Top-level declarations are symbols not nested inside another
	// symbol's line range; everything else is a sub-declaration of its
	// smallest enclosing top-level symbol.
	topLevel, subOf := partitionSymbols(symbols)

	var out []Chunk
	cursor := 1 // next unflushed plain line

	flushPlain := func(from, to int) {
		if from > to {
			return
		}
		windowText := strings.Join(safeSlice(lines, from, to), "\n")
		if strings.TrimSpace(windowText) == "" {
			return
		}
		out = append(out, s.subwindow(cpath, from, to, windowText, "", false, opts)...)
	}

	for _, top := range topLevel {
		if top.StartLine > cursor {
			flushPlain(cursor, top.StartLine-1)
		}

		skeletonText := skeletonOf(lines, top)
		out = append(out, newChunk(cpath, top.StartLine, top.EndLine, skeletonText, top.Name, true))

		for _, sub := range subOf[top] {
			subText := strings.Join(safeSlice(lines, sub.StartLine, sub.EndLine), "\n")
			out = append(out, s.subwindow(cpath, sub.StartLine, sub.EndLine, subText, top.Name+"."+sub.Name, false, opts)...)
		}

		if top.EndLine+1 > cursor {
			cursor = top.EndLine + 1
		}
	}

	if cursor <= len(lines) {
		flushPlain(cursor, len(lines))
	}

	return out
}

// subwindow sub-splits a chunk's text via get_chunks-equivalent windowing
// so nothing exceeds the embedder's token limit, overlapping adjacent
// windows by OverlapLines.
func (s *Splitter) subwindow(cpath string, start, end int, text, symbolPath string, skeleton bool, opts Options) []Chunk {
	if opts.Counter.Count(text) <= opts.TokensLimit {
		return []Chunk{newChunk(cpath, start, end, text, symbolPath, skeleton)}
	}

	lines := strings.Split(text, "\n")
	var out []Chunk
	i := 0
	for i < len(lines) {
		windowLines := []string{}
		tokens := 0
		j := i
		for j < len(lines) {
			lineTokens := opts.Counter.Count(lines[j])
			if tokens+lineTokens > opts.TokensLimit && len(windowLines) > 0 {
				break
			}
			windowLines = append(windowLines, lines[j])
			tokens += lineTokens
			j++
		}
		windowText := strings.Join(windowLines, "\n")
		out = append(out, newChunk(cpath, start+i, start+j-1, windowText, symbolPath, skeleton))
		if j >= len(lines) {
			break
		}
		i = j - opts.OverlapLines
		if i < 0 {
			i = 0
		}
	}
	return out
}

// fallbackSplit splits the whole file into fixed-size overlapping windows
// when no parser is available or AST markup fails.
func (s *Splitter) fallbackSplit(cpath, text string, opts Options) []Chunk {
	lines := splitLines(text)
	if len(lines) == 0 {
		return nil
	}
	return s.subwindow(cpath, 1, len(lines), strings.Join(lines, "\n"), "", false, opts)
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// safeSlice returns the 1-indexed inclusive [from,to] range of lines,
// clamped to bounds.
func safeSlice(lines []string, from, to int) []string {
	if from < 1 {
		from = 1
	}
	if to > len(lines) {
		to = len(lines)
	}
	if from > to {
		return nil
	}
	return lines[from-1 : to]
}

// partitionSymbols splits symbols into top-level declarations (not nested
// in any other symbol's range) and a map from each top-level symbol to
// its directly-nested sub-declarations, sorted by start line.
func partitionSymbols(symbols []*chunk.Symbol) ([]*chunk.Symbol, map[*chunk.Symbol][]*chunk.Symbol) {
	var topLevel []*chunk.Symbol
	subOf := make(map[*chunk.Symbol][]*chunk.Symbol)

	for _, sym := range symbols {
		var parent *chunk.Symbol
		for _, cand := range symbols {
			if cand == sym {
				continue
			}
			if cand.StartLine <= sym.StartLine && cand.EndLine >= sym.EndLine && cand.StartLine != sym.StartLine {
				if parent == nil || (cand.EndLine-cand.StartLine) < (parent.EndLine-parent.StartLine) {
					parent = cand
				}
			}
		}
		if parent == nil {
			topLevel = append(topLevel, sym)
		} else {
			subOf[parent] = append(subOf[parent], sym)
		}
	}

	sortByStartLine(topLevel)
	for k := range subOf {
		sortByStartLine(subOf[k])
	}
	return topLevel, subOf
}

func sortByStartLine(syms []*chunk.Symbol) {
	for i := 1; i < len(syms); i++ {
		for j := i; j > 0 && syms[j-1].StartLine > syms[j].StartLine; j-- {
			syms[j-1], syms[j] = syms[j], syms[j-1]
		}
	}
}

// skeletonOf renders a shortened signature+placeholder-body view of a
// top-level symbol: its declaration line(s) plus a one-line body marker.
func skeletonOf(lines []string, sym *chunk.Symbol) string {
	sig := sym.Signature
	if sig == "" {
		sig = strings.Join(safeSlice(lines, sym.StartLine, sym.StartLine), "\n")
	}
	if sym.EndLine <= sym.StartLine {
		return sig
	}
	return sig + "\n    // ...\n}"
}
