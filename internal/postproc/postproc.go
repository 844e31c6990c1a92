// Package postproc is the Retrieval Postprocessor of spec.md §4.6: it
// fuses ranked tool outputs (toolrt.ContextFile records) into a single,
// deterministic, token-budgeted view by painting a per-file line array
// with background AST coloring, overlaying search-hit usefulness, and
// packing the highest-usefulness lines into the budget.
package postproc

import (
	"context"
	"fmt"
	"sort"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/codectxd/codectxd/internal/astindex"
	"github.com/codectxd/codectxd/internal/toolrt"
)

const (
	backgroundSymbolUsefulness = 10.0
	backgroundFileUsefulness   = 5.0
	bodyDowngradeFactor        = 0.8
	disabledUsefulness         = -1.0
)

// TextSource loads a file's lines, 1-indexed (line 1 is index 0).
type TextSource interface {
	Lines(cpath string) ([]string, error)
}

// SymbolProvider supplies AST markup for background painting. Left nil
// to process without AST annotation (spec.md step 1's "if AST is
// available" fallback).
type SymbolProvider interface {
	FileMarkup(ctx context.Context, cpath string) ([]*astindex.Symbol, error)
}

// TokenCounter matches the tokenizer contract used across the repo.
type TokenCounter interface {
	Count(text string) int
}

// FileLine is one colored, scored line of a file under consideration.
type FileLine struct {
	LineNo     int
	Content    string
	Usefulness float64
	Color      string
	Take       bool
}

type fileState struct {
	cpath string
	lines []FileLine // 1-indexed: lines[0] is line 1
}

// Processor runs the five-stage line-coloring algorithm and the
// token-budget packing pass.
type Processor struct {
	text    TextSource
	symbols SymbolProvider
	counter TokenCounter
}

func New(text TextSource, symbols SymbolProvider, counter TokenCounter) *Processor {
	return &Processor{text: text, symbols: symbols, counter: counter}
}

// Process fuses messages into a budget-fitting, deterministic list of
// ContextFile records.
func (p *Processor) Process(ctx context.Context, messages []toolrt.ContextFile, tokensBudget int) ([]toolrt.ContextFile, error) {
	files := orderedmap.New[string, *fileState]()

	// Stage 1 + 2: load files and paint AST background.
	for _, msg := range messages {
		for _, f := range append([]toolrt.ContextFile{msg}, msg.Files...) {
			if f.FileName == "" {
				continue
			}
			if _, ok := files.Get(f.FileName); ok {
				continue
			}
			state, err := p.loadFile(ctx, f.FileName)
			if err != nil {
				continue
			}
			files.Set(f.FileName, state)
		}
	}

	// Stage 3: apply search hits.
	for _, msg := range messages {
		hits := msg.Files
		if len(hits) == 0 && msg.FileName != "" {
			hits = []toolrt.ContextFile{{FileName: msg.FileName, FirstLine: msg.FirstLine, LastLine: msg.LastLine, Usefulness: msg.Usefulness}}
		}
		for _, hit := range hits {
			state, ok := files.Get(hit.FileName)
			if !ok {
				continue
			}
			first, last := hit.FirstLine, hit.LastLine
			if first == 0 {
				first = 1
			}
			if last == 0 || last > len(state.lines) {
				last = len(state.lines)
			}
			color := fmt.Sprintf("hit:%d-%d", first, last)
			for ln := first; ln <= last && ln >= 1 && ln <= len(state.lines); ln++ {
				paintLine(state, ln, hit.Usefulness, color)
			}
		}
	}

	// Stage 4: downgrade sub-symbol bodies.
	for pair := files.Oldest(); pair != nil; pair = pair.Next() {
		p.downgradeBodies(ctx, pair.Value)
	}

	// Stage 5: close small holes.
	for pair := files.Oldest(); pair != nil; pair = pair.Next() {
		closeSmallHoles(pair.Value)
	}

	packed := p.pack(files, tokensBudget)
	return emit(files, packed), nil
}

func (p *Processor) loadFile(ctx context.Context, cpath string) (*fileState, error) {
	rawLines, err := p.text.Lines(cpath)
	if err != nil {
		return nil, err
	}
	state := &fileState{cpath: cpath, lines: make([]FileLine, len(rawLines))}
	for i, content := range rawLines {
		state.lines[i] = FileLine{LineNo: i + 1, Content: content, Usefulness: backgroundFileUsefulness, Color: cpath}
	}

	if p.symbols == nil {
		return state, nil
	}
	symbols, err := p.symbols.FileMarkup(ctx, cpath)
	if err != nil || len(symbols) == 0 {
		return state, nil
	}
	// Ascending path-length paint order: deepest (longest official path)
	// symbols paint last and therefore win ties, per this repo's
	// resolution of the spec's unspecified nesting precedence.
	sort.SliceStable(symbols, func(i, j int) bool {
		return len(symbols[i].OfficialPath) < len(symbols[j].OfficialPath)
	})
	for _, s := range symbols {
		for ln := s.FullRange.StartLine; ln <= s.FullRange.EndLine && ln >= 1 && ln <= len(state.lines); ln++ {
			idx := ln - 1
			if state.lines[idx].Usefulness <= backgroundSymbolUsefulness {
				state.lines[idx].Usefulness = backgroundSymbolUsefulness
			}
			state.lines[idx].Color = s.Path()
		}
	}
	return state, nil
}

func paintLine(state *fileState, lineNo int, usefulness float64, color string) {
	idx := lineNo - 1
	if idx < 0 || idx >= len(state.lines) {
		return
	}
	if usefulness < 0 {
		state.lines[idx].Usefulness = disabledUsefulness
		state.lines[idx].Color = "disabled"
		return
	}
	if usefulness > state.lines[idx].Usefulness {
		state.lines[idx].Usefulness = usefulness
		state.lines[idx].Color = color
	}
}

func (p *Processor) downgradeBodies(ctx context.Context, state *fileState) {
	if p.symbols == nil {
		return
	}
	symbols, err := p.symbols.FileMarkup(ctx, state.cpath)
	if err != nil {
		return
	}
	for _, s := range symbols {
		bodyStart := s.DeclRange.EndLine + 1
		bodyEnd := s.FullRange.EndLine
		if bodyStart > bodyEnd {
			continue
		}
		for ln := bodyStart; ln <= bodyEnd; ln++ {
			idx := ln - 1
			if idx < 0 || idx >= len(state.lines) {
				continue
			}
			if isLoneBoundaryPunctuation(state.lines[idx].Content) && (ln == bodyStart || ln == bodyEnd) {
				continue
			}
			if state.lines[idx].Usefulness <= 0 {
				continue
			}
			state.lines[idx].Usefulness *= bodyDowngradeFactor
			state.lines[idx].Color = s.Path() + "::body"
		}
	}
}

func isLoneBoundaryPunctuation(line string) bool {
	trimmed := strings.TrimSpace(line)
	return len(trimmed) == 1 && strings.ContainsAny(trimmed, "{}()[]")
}

func closeSmallHoles(state *fileState) {
	if len(state.lines) < 3 {
		return
	}
	for i := 1; i < len(state.lines)-1; i++ {
		left := state.lines[i-1].Usefulness
		right := state.lines[i+1].Usefulness
		candidate := left
		if right < candidate {
			candidate = right
		}
		if candidate > state.lines[i].Usefulness {
			state.lines[i].Usefulness = candidate
		}
	}
}

// rankedLine is one candidate for the global packing pass, carrying its
// insertion order so ties break deterministically.
type rankedLine struct {
	cpath       string
	line        *FileLine
	insertOrder int
}

func (p *Processor) pack(files *orderedmap.OrderedMap[string, *fileState], tokensBudget int) map[string]map[int]bool {
	var ranked []rankedLine
	order := 0
	for pair := files.Oldest(); pair != nil; pair = pair.Next() {
		state := pair.Value
		for i := range state.lines {
			ranked = append(ranked, rankedLine{cpath: state.cpath, line: &state.lines[i], insertOrder: order})
			order++
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].line.Usefulness > ranked[j].line.Usefulness
	})

	taken := make(map[string]map[int]bool)
	used := 0
	for _, r := range ranked {
		if r.line.Usefulness < 0 {
			continue
		}
		cost := p.counter.Count(r.line.Content)
		if used+cost > tokensBudget {
			continue
		}
		used += cost
		r.line.Take = true
		if taken[r.cpath] == nil {
			taken[r.cpath] = make(map[int]bool)
		}
		taken[r.cpath][r.line.LineNo] = true
	}
	return taken
}

// emit reconstructs one ContextFile per file that contributed a taken
// line, walking top-to-bottom and collapsing runs of skipped lines into
// a "...N lines" marker.
func emit(files *orderedmap.OrderedMap[string, *fileState], taken map[string]map[int]bool) []toolrt.ContextFile {
	var out []toolrt.ContextFile
	for pair := files.Oldest(); pair != nil; pair = pair.Next() {
		state := pair.Value
		takenLines := taken[state.cpath]
		if len(takenLines) == 0 {
			continue
		}

		var b strings.Builder
		firstLine, lastLine := 0, 0
		skipped := 0
		for _, l := range state.lines {
			if !takenLines[l.LineNo] {
				skipped++
				continue
			}
			if skipped > 0 && firstLine != 0 {
				fmt.Fprintf(&b, "...%d lines\n", skipped)
			}
			skipped = 0
			if firstLine == 0 {
				firstLine = l.LineNo
			}
			lastLine = l.LineNo
			b.WriteString(l.Content)
			b.WriteByte('\n')
		}

		out = append(out, toolrt.ContextFile{
			FileName:   state.cpath,
			Content:    b.String(),
			FirstLine:  firstLine,
			LastLine:   lastLine,
			Usefulness: 0,
		})
	}
	return out
}
