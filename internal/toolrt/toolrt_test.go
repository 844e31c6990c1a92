package toolrt

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codectxd/codectxd/internal/astindex"
	"github.com/codectxd/codectxd/internal/registry"
)

type allowAll struct{}

func (allowAll) ShouldSkip(cpath string) bool { return false }

const sampleSrc = `package sample

func Foo() {
	println("foo")
}

func Bar() {
	Foo()
}
`

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(allowAll{})
	_, err := reg.OnDidOpen("/w/a.go", sampleSrc)
	require.NoError(t, err)
	return reg
}

func newTestAstIndex(t *testing.T) *astindex.Index {
	t.Helper()
	idx := astindex.New()
	t.Cleanup(idx.Close)
	require.NoError(t, idx.Enqueue(context.Background(), []astindex.FileInput{
		{Cpath: "/w/a.go", Language: "go", Text: sampleSrc, Version: 1},
	}, false))
	return idx
}

func TestRegisterSkipsToolWithMissingDependency(t *testing.T) {
	rt := New(map[string]bool{"ast": false})
	ok := rt.Register(NewDefinitionTool(newTestAstIndex(t)))
	assert.False(t, ok)
	assert.Empty(t, rt.Names())
}

func TestRegisterAcceptsToolWithSatisfiedDependency(t *testing.T) {
	rt := New(map[string]bool{"ast": true})
	ok := rt.Register(NewDefinitionTool(newTestAstIndex(t)))
	assert.True(t, ok)
	assert.Contains(t, rt.Names(), "definition")
}

func TestDispatchRejectsUnknownTool(t *testing.T) {
	rt := New(nil)
	_, _, err := rt.Dispatch(context.Background(), "call-1", "nope", "{}")
	assert.Error(t, err)
}

func TestDispatchRejectsMissingRequiredParam(t *testing.T) {
	rt := New(map[string]bool{"ast": true})
	rt.Register(NewDefinitionTool(newTestAstIndex(t)))

	_, _, err := rt.Dispatch(context.Background(), "call-1", "definition", "{}")
	assert.Error(t, err)
}

func TestDispatchRejectsUnexpectedArg(t *testing.T) {
	rt := New(map[string]bool{"ast": true})
	rt.Register(NewDefinitionTool(newTestAstIndex(t)))

	args, _ := json.Marshal(map[string]any{"symbol": "Foo", "bogus": 1})
	_, _, err := rt.Dispatch(context.Background(), "call-1", "definition", string(args))
	assert.Error(t, err)
}

func TestDefinitionToolFindsDeclaration(t *testing.T) {
	rt := New(map[string]bool{"ast": true})
	rt.Register(NewDefinitionTool(newTestAstIndex(t)))

	args, _ := json.Marshal(map[string]any{"symbol": "Foo"})
	_, items, err := rt.Dispatch(context.Background(), "call-1", "definition", string(args))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotEmpty(t, items[0].Files)
	assert.Equal(t, "/w/a.go", items[0].Files[0].FileName)
}

func TestReferencesToolFindsUsage(t *testing.T) {
	rt := New(map[string]bool{"ast": true})
	aidx := newTestAstIndex(t)
	rt.Register(NewReferencesTool(aidx))

	args, _ := json.Marshal(map[string]any{"symbol": "Foo"})
	_, items, err := rt.Dispatch(context.Background(), "call-1", "references", string(args))
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestTreeToolListsFiles(t *testing.T) {
	rt := New(nil)
	reg := newTestRegistry(t)
	rt.Register(NewTreeTool(reg, nil))

	args, _ := json.Marshal(map[string]any{})
	_, items, err := rt.Dispatch(context.Background(), "call-1", "tree", string(args))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Content, "/w/a.go")
}

func TestCatToolReadsWholeFile(t *testing.T) {
	rt := New(nil)
	reg := newTestRegistry(t)
	rt.Register(NewCatTool(reg, nil))

	args, _ := json.Marshal(map[string]any{"paths": []string{"/w/a.go"}})
	_, items, err := rt.Dispatch(context.Background(), "call-1", "cat", string(args))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Len(t, items[0].Files, 1)
	assert.Equal(t, sampleSrc, items[0].Files[0].Content)
}

func TestCatToolNarrowsToSymbolAndSkeletonizes(t *testing.T) {
	rt := New(nil)
	reg := newTestRegistry(t)
	aidx := newTestAstIndex(t)
	rt.Register(NewCatTool(reg, aidx))

	args, _ := json.Marshal(map[string]any{"paths": []string{"/w/a.go"}, "symbols": []string{"Foo"}, "skeleton": true})
	_, items, err := rt.Dispatch(context.Background(), "call-1", "cat", string(args))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Len(t, items[0].Files, 1)
	assert.Contains(t, items[0].Files[0].Content, "// ...")
}

func TestKnowledgeToolDefaultsToEmptyRecall(t *testing.T) {
	rt := New(nil)
	rt.Register(NewKnowledgeTool(nil))

	args, _ := json.Marshal(map[string]any{"im_going_to_do": "fix the bug"})
	_, items, err := rt.Dispatch(context.Background(), "call-1", "knowledge", string(args))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Empty(t, items[0].Content)
}

func TestLocateToolDelegatesToInjectedFunc(t *testing.T) {
	rt := New(map[string]bool{"subchat": true})
	rt.Register(NewLocateTool(func(ctx context.Context, problem string) (string, error) {
		return "found: " + problem, nil
	}))

	args, _ := json.Marshal(map[string]any{"problem_statement": "where is auth handled"})
	mutated, items, err := rt.Dispatch(context.Background(), "call-1", "locate", string(args))
	require.NoError(t, err)
	require.NotNil(t, mutated)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Content, "where is auth handled")
}
