// Package contextcore wires the Document Registry, AST Index, File
// Splitter, Vector Index, Embedding Cache, and Tokenizer together into
// one Tool Runtime + Retrieval Postprocessor pair, the way
// internal/index.Runner wires the indexing stack for `codectxd index`.
// It is the construction point for spec.md §4's "hard part": the seven
// context-core modules, otherwise only exercised in their own package
// tests.
package contextcore

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/codectxd/codectxd/internal/astindex"
	"github.com/codectxd/codectxd/internal/config"
	"github.com/codectxd/codectxd/internal/embed"
	"github.com/codectxd/codectxd/internal/embedcache"
	"github.com/codectxd/codectxd/internal/postproc"
	"github.com/codectxd/codectxd/internal/registry"
	"github.com/codectxd/codectxd/internal/scanner"
	"github.com/codectxd/codectxd/internal/splitter"
	"github.com/codectxd/codectxd/internal/store"
	"github.com/codectxd/codectxd/internal/subchat"
	"github.com/codectxd/codectxd/internal/tokenizer"
	"github.com/codectxd/codectxd/internal/toolrt"
	"github.com/codectxd/codectxd/internal/vectorindex"
)

// Dependencies are the inputs a running `codectxd serve` already has by
// the time it wants to build the context-core stack.
type Dependencies struct {
	RootDir  string
	DataDir  string
	Config   *config.Config
	Embedder embed.Embedder
	Vector   store.VectorStore
	Logger   *slog.Logger

	// ChatBackend, when non-nil, enables the agentic `locate` tool
	// (internal/subchat). Nil leaves `locate` unregistered, same as any
	// other dependency-gated tool per spec.md §4.7.
	ChatBackend subchat.ChatBackend
}

// Core holds the constructed context-core stack and the Tool Runtime /
// Retrieval Postprocessor built on top of it.
type Core struct {
	Registry     *registry.Registry
	ASTIndex     *astindex.Index
	Splitter     *splitter.Splitter
	VectorIndex  *vectorindex.Index
	EmbedCache   *embedcache.Cache
	Tokenizer    *tokenizer.Counter
	Runtime      *toolrt.Runtime
	Postproc     *postproc.Processor
}

// registryListener forwards Document Registry mutations to the AST and
// Vector indexers, per spec.md §4.1: "enqueue the cpath to both
// indexers" on every change.
type registryListener struct {
	reg   *registry.Registry
	ast   *astindex.Index
	vec   *vectorindex.Index
	ctx   context.Context
}

func (l registryListener) OnDocumentChanged(cpath string) {
	text, err := l.reg.Text(cpath)
	if err != nil {
		return
	}
	lang := scanner.DetectLanguage(cpath)
	_ = l.ast.Enqueue(l.ctx, []astindex.FileInput{{
		Cpath: cpath, Language: lang, Text: text.Text(), Version: l.reg.DirtyAt().UnixNano(),
	}}, false)
	l.vec.VectorizerEnqueueFiles([]vectorindex.Doc{{Cpath: cpath}}, false)
}

func (l registryListener) OnDocumentRemoved(cpath string) {
	l.ast.Remove(cpath)
}

// registryTextReader adapts Registry.Text to vectorindex.TextReader and
// postproc.TextSource; registry.Rope doesn't directly satisfy either
// method signature those packages declare.
type registryTextReader struct {
	reg *registry.Registry
}

func (r registryTextReader) ReadText(cpath string) (string, error) {
	rope, err := r.reg.Text(cpath)
	if err != nil {
		return "", err
	}
	return rope.Text(), nil
}

func (r registryTextReader) Lines(cpath string) ([]string, error) {
	rope, err := r.reg.Text(cpath)
	if err != nil {
		return nil, err
	}
	return rope.Lines(1, rope.LineCount()), nil
}

// languageDetector adapts internal/scanner.DetectLanguage to
// vectorindex.LanguageDetector.
type languageDetector struct{}

func (languageDetector) Language(cpath string) string { return scanner.DetectLanguage(cpath) }

// Build constructs the full context-core stack, populates the Document
// Registry from deps.RootDir, and registers every dependency-satisfied
// tool (spec.md §4.7's availability-gated registration). Callers close
// the returned Core's EmbedCache and ASTIndex on shutdown.
func Build(ctx context.Context, deps Dependencies) (*Core, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config == nil {
		deps.Config = config.NewConfig()
	}

	reg := registry.New(nil)
	aidx := astindex.New()
	split := splitter.New()

	cachePath := filepath.Join(deps.DataDir, "embedcache.db")
	cache, err := embedcache.Open(cachePath, 10000)
	if err != nil {
		aidx.Close()
		return nil, err
	}

	reader := registryTextReader{reg: reg}
	lang := languageDetector{}

	vidx := vectorindex.New(deps.Embedder, cache, split, deps.Vector, reader, lang, vectorindex.Config{}, deps.Logger)

	reg.AddListener(registryListener{reg: reg, ast: aidx, vec: vidx, ctx: ctx})

	// The vectorizer's cooldown/immediate queues only drain on a ticker;
	// without this the Vector Index never leaves StateParsing.
	go func() {
		if err := vidx.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			deps.Logger.Warn("contextcore: vectorizer loop stopped", slog.String("error", err.Error()))
		}
	}()

	if err := populate(ctx, reg, aidx, vidx, deps.RootDir, deps.Config); err != nil {
		deps.Logger.Warn("contextcore: initial scan incomplete", slog.String("error", err.Error()))
	}

	counter := tokenizer.NewApproximate()

	available := map[string]bool{
		"ast":     true,
		"vecdb":   deps.Embedder != nil,
		"subchat": deps.ChatBackend != nil,
	}
	rt := toolrt.New(available)
	rt.Register(toolrt.NewSearchTool(vidx, reg))
	rt.Register(toolrt.NewDefinitionTool(aidx))
	rt.Register(toolrt.NewReferencesTool(aidx))
	rt.Register(toolrt.NewTreeTool(reg, aidx))
	rt.Register(toolrt.NewCatTool(reg, aidx))
	rt.Register(toolrt.NewKnowledgeTool(nil))
	if deps.ChatBackend != nil {
		rt.Register(toolrt.NewLocateTool(subchat.NewLocateFunc(deps.ChatBackend, rt)))
	}

	pp := postproc.New(reader, aidx, counter)

	return &Core{
		Registry:    reg,
		ASTIndex:    aidx,
		Splitter:    split,
		VectorIndex: vidx,
		EmbedCache:  cache,
		Tokenizer:   counter,
		Runtime:     rt,
		Postproc:    pp,
	}, nil
}

// Close releases resources owned by the context core.
func (c *Core) Close() {
	if c.ASTIndex != nil {
		c.ASTIndex.Close()
	}
	if c.Splitter != nil {
		c.Splitter.Close()
	}
	if c.EmbedCache != nil {
		_ = c.EmbedCache.Close()
	}
}

// populate walks rootDir once, registers the discovered files with the
// Document Registry, and seeds the AST and Vector indexes from that
// initial file set.
func populate(ctx context.Context, reg *registry.Registry, aidx *astindex.Index, vidx *vectorindex.Index, rootDir string, cfg *config.Config) error {
	sc, err := scanner.New()
	if err != nil {
		return err
	}

	walk := func(ctx context.Context, root string) ([]string, error) {
		results, err := sc.Scan(ctx, &scanner.ScanOptions{
			RootDir:          root,
			ExcludePatterns:  cfg.Paths.Exclude,
			IncludePatterns:  cfg.Paths.Include,
			RespectGitignore: true,
		})
		if err != nil {
			return nil, err
		}
		var paths []string
		for r := range results {
			if r.Error != nil || r.File == nil {
				continue
			}
			paths = append(paths, filepath.Join(root, r.File.Path))
		}
		return paths, nil
	}

	if err := reg.AddWorkspaceFolder(ctx, rootDir, walk, nil); err != nil {
		return err
	}

	cpaths := reg.AllCpaths()
	inputs := make([]astindex.FileInput, 0, len(cpaths))
	docs := make([]vectorindex.Doc, 0, len(cpaths))
	for _, cp := range cpaths {
		rope, err := reg.Text(cp)
		if err != nil {
			continue
		}
		lang := scanner.DetectLanguage(cp)
		if lang != "" {
			inputs = append(inputs, astindex.FileInput{Cpath: cp, Language: lang, Text: rope.Text(), Version: 1})
		}
		docs = append(docs, vectorindex.Doc{Cpath: cp})
	}
	if err := aidx.Enqueue(ctx, inputs, false); err != nil {
		return err
	}
	// force=true: this is the one-time initial backfill, not a live edit,
	// so it should not sit in the cooldown queue waiting to be coalesced
	// with edits that will never come (spec.md §8 scenario 1 vs scenario 2).
	vidx.VectorizerEnqueueFiles(docs, true)
	return nil
}
