package astindex

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codectxd/codectxd/internal/chunk"
	"github.com/codectxd/codectxd/internal/errtax"
)

// DefaultReadDeadline is the typical deadline for request-path reads per
// spec.md §4.2: exceeding it returns a distinct "ast timeout" error so
// callers degrade gracefully instead of stalling.
const DefaultReadDeadline = 25 * time.Millisecond

// Match is one ranked symbol search hit.
type Match struct {
	Symbol *Symbol
	Score  float64
}

// Buckets is the five-group result of SymbolsNearCursorToBuckets.
type Buckets struct {
	CursorUsages   []*Symbol
	Declarations   []*Symbol
	UsagesOfSame   []*Symbol
	HighOverlap    []*Symbol
	Imports        []*Symbol
	Usefulness     map[uuid.UUID]float64
}

// Index is the AST Index Service of spec.md §4.2.
type Index struct {
	mu sync.RWMutex

	arena     map[uuid.UUID]*Symbol
	byFile    map[string][]uuid.UUID
	fileText  map[string]string // last-indexed source, for search_by_content / usage scans

	parser    *chunk.Parser
	registry  *chunk.LanguageRegistry
	mtimes    map[string]int64 // cpath -> last-indexed mtime/version, for force-bypass checks
}

// New creates an empty AST Index.
func New() *Index {
	reg := chunk.DefaultRegistry()
	return &Index{
		arena:    make(map[uuid.UUID]*Symbol),
		byFile:   make(map[string][]uuid.UUID),
		fileText: make(map[string]string),
		parser:   chunk.NewParserWithRegistry(reg),
		registry: reg,
		mtimes:   make(map[string]int64),
	}
}

// Close releases parser resources.
func (idx *Index) Close() {
	if idx.parser != nil {
		idx.parser.Close()
	}
}

// FileInput is one file to (re-)index.
type FileInput struct {
	Cpath    string
	Language string
	Text     string
	Version  int64 // monotonically increasing; used with force=false to skip unchanged files
}

// Enqueue parses and inserts the given files, replacing any prior symbols
// for each cpath (delete-then-insert, per spec.md §4.2/§5 ordering
// guarantees). force bypasses the Version short-circuit.
func (idx *Index) Enqueue(ctx context.Context, files []FileInput, force bool) error {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return errtax.New(errtax.KindTimeout, "ast enqueue cancelled", err)
		}
		idx.indexOne(ctx, f, force)
	}
	return nil
}

func (idx *Index) indexOne(ctx context.Context, f FileInput, force bool) {
	idx.mu.Lock()
	if !force {
		if last, ok := idx.mtimes[f.Cpath]; ok && last == f.Version && f.Version != 0 {
			idx.mu.Unlock()
			return
		}
	}
	idx.mu.Unlock()

	config, ok := idx.registry.GetByName(f.Language)
	if !ok {
		return
	}
	tree, err := idx.parser.Parse(ctx, []byte(f.Text), f.Language)
	if err != nil || tree == nil || tree.Root == nil {
		return
	}
	symbols := extractSymbols(tree, []byte(f.Text), config, f.Cpath)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(f.Cpath)
	guids := make([]uuid.UUID, 0, len(symbols))
	for _, s := range symbols {
		idx.arena[s.Guid] = s
		guids = append(guids, s.Guid)
	}
	idx.byFile[f.Cpath] = guids
	idx.fileText[f.Cpath] = f.Text
	idx.mtimes[f.Cpath] = f.Version
}

// Remove drops every symbol for cpath.
func (idx *Index) Remove(cpath string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(cpath)
	delete(idx.fileText, cpath)
	delete(idx.mtimes, cpath)
}

func (idx *Index) removeLocked(cpath string) {
	for _, g := range idx.byFile[cpath] {
		delete(idx.arena, g)
	}
	delete(idx.byFile, cpath)
}

// Reset clears the entire index.
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.arena = make(map[uuid.UUID]*Symbol)
	idx.byFile = make(map[string][]uuid.UUID)
	idx.fileText = make(map[string]string)
	idx.mtimes = make(map[string]int64)
}

// withReadDeadline runs fn under a read lock, but bails out with a
// Timeout error if ctx's deadline (defaulting to DefaultReadDeadline if
// ctx has none) has already elapsed before the lock is acquired.
func (idx *Index) withReadDeadline(ctx context.Context, fn func()) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultReadDeadline)
		defer cancel()
		deadline, _ = ctx.Deadline()
	}
	if time.Now().After(deadline) {
		return errtax.New(errtax.KindTimeout, "ast index read deadline exceeded", nil)
	}

	done := make(chan struct{})
	go func() {
		idx.mu.RLock()
		defer idx.mu.RUnlock()
		fn()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errtax.New(errtax.KindTimeout, "ast timeout", ctx.Err())
	}
}

// SearchByName ranks symbols by Jaro-Winkler similarity of query against
// their Name, restricted to kindFilter if non-empty. If no exact
// substring match exists and fuzzyFallback is true, the fuzzy ranking is
// used regardless.
func (idx *Index) SearchByName(ctx context.Context, query string, kindFilter []SymbolKind, fuzzyFallback bool, topN int) ([]Match, error) {
	var out []Match
	err := idx.withReadDeadline(ctx, func() {
		kindSet := kindSetOf(kindFilter)
		var exact []Match
		var fuzzy []Match
		lowerQuery := strings.ToLower(query)
		for _, s := range idx.arena {
			if len(kindSet) > 0 && !kindSet[s.Kind] {
				continue
			}
			if strings.Contains(strings.ToLower(s.Name), lowerQuery) {
				exact = append(exact, Match{Symbol: s, Score: 1})
				continue
			}
			if fuzzyFallback {
				score := jaroWinkler(lowerQuery, strings.ToLower(s.Name))
				fuzzy = append(fuzzy, Match{Symbol: s, Score: score})
			}
		}
		if len(exact) > 0 {
			out = sortedTop(exact, topN)
			return
		}
		out = sortedTop(fuzzy, topN)
	})
	return out, err
}

// SearchByContent finds symbols whose source text contains query.
func (idx *Index) SearchByContent(ctx context.Context, query string, kindFilter []SymbolKind, topN int) ([]Match, error) {
	var out []Match
	err := idx.withReadDeadline(ctx, func() {
		kindSet := kindSetOf(kindFilter)
		var matches []Match
		for _, s := range idx.arena {
			if len(kindSet) > 0 && !kindSet[s.Kind] {
				continue
			}
			if strings.Contains(s.SourceText, query) {
				matches = append(matches, Match{Symbol: s, Score: 1})
			}
		}
		out = sortedTop(matches, topN)
	})
	return out, err
}

// SearchRelatedDeclarations returns the parent and sibling declarations
// of guid (its containing symbol and that symbol's other children).
func (idx *Index) SearchRelatedDeclarations(ctx context.Context, guid uuid.UUID) ([]*Symbol, error) {
	var out []*Symbol
	err := idx.withReadDeadline(ctx, func() {
		s, ok := idx.arena[guid]
		if !ok {
			return
		}
		if s.HasParent() {
			if parent, ok := idx.arena[s.ParentGuid]; ok {
				out = append(out, parent)
				for _, cg := range parent.ChildGuids {
					if cg != guid {
						if sib, ok := idx.arena[cg]; ok {
							out = append(out, sib)
						}
					}
				}
			}
		}
	})
	return out, err
}

// SearchUsagesByDeclaration scans every indexed file's text for textual
// occurrences of the declaration's name outside its own declaration
// range, returning the enclosing symbol (if any) for each usage site.
func (idx *Index) SearchUsagesByDeclaration(ctx context.Context, guid uuid.UUID) ([]*Symbol, error) {
	var out []*Symbol
	err := idx.withReadDeadline(ctx, func() {
		decl, ok := idx.arena[guid]
		if !ok {
			return
		}
		for cpath, text := range idx.fileText {
			for _, s := range idx.symbolsInFileLocked(cpath) {
				if s.Guid == guid {
					continue
				}
				if strings.Contains(s.SourceText, decl.Name) {
					out = append(out, s)
				}
			}
			_ = text
		}
	})
	return out, err
}

func (idx *Index) symbolsInFileLocked(cpath string) []*Symbol {
	guids := idx.byFile[cpath]
	out := make([]*Symbol, 0, len(guids))
	for _, g := range guids {
		if s, ok := idx.arena[g]; ok {
			out = append(out, s)
		}
	}
	return out
}

// FileMarkup returns every symbol in cpath, sorted by path length
// ascending so parents precede children (spec.md §4.2).
func (idx *Index) FileMarkup(ctx context.Context, cpath string) ([]*Symbol, error) {
	var out []*Symbol
	err := idx.withReadDeadline(ctx, func() {
		out = idx.symbolsInFileLocked(cpath)
		sort.Slice(out, func(i, j int) bool {
			if len(out[i].OfficialPath) != len(out[j].OfficialPath) {
				return len(out[i].OfficialPath) < len(out[j].OfficialPath)
			}
			return out[i].Path() < out[j].Path()
		})
	})
	return out, err
}

func kindSetOf(kinds []SymbolKind) map[SymbolKind]bool {
	if len(kinds) == 0 {
		return nil
	}
	m := make(map[SymbolKind]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return m
}

func sortedTop(matches []Match, topN int) []Match {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Symbol.Path() < matches[j].Symbol.Path()
	})
	if topN > 0 && topN < len(matches) {
		matches = matches[:topN]
	}
	return matches
}
