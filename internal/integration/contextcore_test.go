package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codectxd/codectxd/internal/config"
	"github.com/codectxd/codectxd/internal/contextcore"
	"github.com/codectxd/codectxd/internal/vectorindex"
)

// TestContextCore_FreshWorkspace_VectorizesAndBecomesSearchable exercises
// spec.md §8 scenario 1: a fresh workspace with a single file, added via
// Build's initial scan, reaches VecDbStatus.state == "done" and becomes
// searchable through the Tool Runtime's `search` tool, all through the
// wiring contextcore.Build sets up for a real `codectxd serve` process.
func TestContextCore_FreshWorkspace_VectorizesAndSearches(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Given: a fresh workspace with one small Python file.
	root := t.TempDir()
	filePath := filepath.Join(root, "a.py")
	err := os.WriteFile(filePath, []byte(
		"def greet(name):\n    return \"hello \" + name\n\n\nprint(greet(\"world\"))\n"),
		0o644)
	require.NoError(t, err)

	dataDir := filepath.Join(root, ".codectxd")
	embedder := testEmbedder(t)
	vector := testVectorStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// When: the context-core stack is built over that workspace, exactly
	// the way serveProject (cmd/codectxd/cmd/serve.go) builds it.
	core, err := contextcore.Build(ctx, contextcore.Dependencies{
		RootDir:  root,
		DataDir:  dataDir,
		Config:   config.NewConfig(),
		Embedder: embedder,
		Vector:   vector,
	})
	require.NoError(t, err)
	defer core.Close()

	// Then: within 5s the Vector Index leaves StateParsing and reaches
	// StateDone, having discovered exactly the one file.
	deadline := time.Now().Add(5 * time.Second)
	var snap vectorindex.Snapshot
	for time.Now().Before(deadline) {
		snap = core.VectorIndex.Status()
		if snap.State == vectorindex.StateDone {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	assert.Equal(t, vectorindex.StateDone, snap.State, "vector index should finish the initial backfill within 5s")
	assert.Equal(t, 1, snap.FilesTotal)

	// And: `ctx_search`'s underlying `search` tool, dispatched through
	// the same Tool Runtime an MCP server would use, finds the file
	// (cpaths are absolute, so scope to the workspace root).
	argsJSON := `{"query":"greet","scope":["` + filepath.ToSlash(root) + `"]}`
	_, items, err := core.Runtime.Dispatch(ctx, "test-call", "search", argsJSON)
	require.NoError(t, err)
	require.NotEmpty(t, items)

	var found bool
	for _, item := range items {
		for _, f := range item.Files {
			if f.FileName == filePath {
				found = true
			}
		}
	}
	assert.True(t, found, "search should return a.py as a context file")
}
