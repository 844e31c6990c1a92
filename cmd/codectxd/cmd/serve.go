package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/codectxd/codectxd/internal/config"
	"github.com/codectxd/codectxd/internal/contextcore"
	"github.com/codectxd/codectxd/internal/embed"
	"github.com/codectxd/codectxd/internal/logging"
	"github.com/codectxd/codectxd/internal/mcp"
	"github.com/codectxd/codectxd/internal/search"
	"github.com/codectxd/codectxd/internal/store"
	"github.com/codectxd/codectxd/internal/subchat"
	"github.com/codectxd/codectxd/internal/watcher"
)

const defaultWatcherStartupTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var debug bool
	var transport string
	var port int
	var session string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the MCP server for the current project.

Serves search, search_code, search_docs, index_status, and the
context-core tools (ctx_tree, ctx_cat, ctx_definition, ctx_references,
ctx_knowledge, ctx_search, locate) over the given transport. Requires
an existing index - run 'codectxd index' first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				cleanup, err := logging.SetupMCPModeWithLevel("debug")
				if err != nil {
					return fmt.Errorf("failed to setup MCP logging: %w", err)
				}
				defer cleanup()
			}

			if session != "" {
				root, err := config.FindProjectRoot(".")
				if err != nil {
					root, _ = os.Getwd()
				}
				return runServeWithSession(cmd.Context(), session, root, transport, port)
			}
			return runServe(cmd.Context(), transport, port)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug-level MCP logging")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport type (stdio|sse)")
	cmd.Flags().IntVar(&port, "port", 8765, "Port for SSE transport")
	cmd.Flags().StringVar(&session, "session", "", "Named session to serve under (see 'codectxd sessions')")

	return cmd
}

// runServe starts the MCP server for the project rooted at the current
// working directory.
func runServe(ctx context.Context, transport string, port int) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}
	return serveProject(ctx, root, transport, port)
}

// runServeWithSession starts the MCP server for a resumed session's
// project path.
func runServeWithSession(ctx context.Context, sessionName, projectPath, transport string, port int) error {
	cleanup, err := logging.SetupMCPMode()
	if err != nil {
		return fmt.Errorf("failed to setup MCP logging: %w", err)
	}
	defer cleanup()
	slog.Info("serving resumed session", slog.String("session", sessionName), slog.String("project", projectPath))
	return serveProject(ctx, projectPath, transport, port)
}

// serveProject wires up the search engine and the context-core stack and
// blocks serving the MCP protocol over transport until ctx is canceled.
//
// BUG-035: the MCP handshake must complete well under a second, so every
// step here that can be slow (file watcher startup) runs in a background
// goroutine instead of gating Serve.
func serveProject(ctx context.Context, root, transport string, port int) error {
	if transport == "stdio" {
		if err := verifyStdinForMCP(); err != nil {
			slog.Warn("stdin check failed, continuing anyway", slog.String("error", err.Error()))
		}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve project root: %w", err)
	}
	dataDir := filepath.Join(absRoot, ".codectxd")

	metadataPath := filepath.Join(dataDir, "metadata.db")
	if !fileExists(metadataPath) {
		return fmt.Errorf("no index found in %s\nRun 'codectxd index' to create one", absRoot)
	}

	cfg, err := config.Load(absRoot)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		return fmt.Errorf("failed to open BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	defer func() { _ = embedder.Close() }()

	vectorConfig := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorConfig)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if _, err := os.Stat(vectorPath); err == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Debug("vector_load_failed", slog.String("error", loadErr.Error()))
		}
	}

	engineConfig := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineConfig.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineConfig.DefaultWeights = search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		}
	}
	engine := search.New(bm25, vector, embedder, metadata, engineConfig,
		search.WithMultiQuerySearch(search.NewPatternDecomposer()))

	mcpServer, err := mcp.NewServer(engine, metadata, embedder, cfg, absRoot)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	defer func() { _ = mcpServer.Close() }()

	var chatBackend subchat.ChatBackend
	if cfg.Contextual.Model != "" {
		ob := subchat.NewOllamaChatBackend(subchat.OllamaChatConfig{Model: cfg.Contextual.Model})
		defer ob.Close()
		chatBackend = ob
	}

	core, err := contextcore.Build(ctx, contextcore.Dependencies{
		RootDir:     absRoot,
		DataDir:     dataDir,
		Config:      cfg,
		Embedder:    embedder,
		Vector:      vector,
		Logger:      slog.Default(),
		ChatBackend: chatBackend,
	})
	if err != nil {
		slog.Warn("context-core stack unavailable, serving base tools only", slog.String("error", err.Error()))
	} else {
		defer core.Close()
		mcpServer.SetContextCore(core)
	}

	startFileWatcher(ctx, absRoot)

	return mcpServer.Serve(ctx, transport, fmt.Sprintf(":%d", port))
}

// startFileWatcher starts the hybrid file watcher in the background. Its
// startup (which can take seconds on slow filesystems) must never block
// the MCP handshake above, so it runs in its own goroutine gated only by
// CODECTXD_WATCHER_STARTUP_TIMEOUT, not by serveProject's return path.
func startFileWatcher(ctx context.Context, root string) {
	timeout := defaultWatcherStartupTimeout
	if v := os.Getenv("CODECTXD_WATCHER_STARTUP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			timeout = d
		}
	}

	go func() {
		startCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		w, err := watcher.NewHybridWatcher(watcher.DefaultOptions())
		if err != nil {
			slog.Warn("file watcher unavailable", slog.String("error", err.Error()))
			return
		}
		if err := w.Start(startCtx, root); err != nil {
			slog.Warn("file watcher failed to start", slog.String("error", err.Error()))
			return
		}
		slog.Info("file watcher started", slog.String("root", root))

		for {
			select {
			case <-ctx.Done():
				_ = w.Stop()
				return
			case err, ok := <-w.Errors():
				if !ok {
					return
				}
				slog.Warn("file watcher error", slog.String("error", err.Error()))
			case _, ok := <-w.Events():
				if !ok {
					return
				}
				// Re-indexing on change is handled by `codectxd index --resume`;
				// the watcher's role here is liveness for future file-change
				// tooling, not a standing reindex loop.
			}
		}
	}()
}

// verifyStdinForMCP checks that stdin looks like a pipe, not an
// interactive terminal, since the stdio transport expects a JSON-RPC
// peer on the other end rather than a human.
func verifyStdinForMCP() error {
	info, err := os.Stdin.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat stdin: %w", err)
	}
	if (info.Mode() & os.ModeCharDevice) != 0 {
		return fmt.Errorf("stdin is a terminal, not a pipe: codectxd serve expects to be launched by an MCP client")
	}
	return nil
}
