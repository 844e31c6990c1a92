package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func walkAll(ctx context.Context, root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		out = append(out, path)
		return nil
	})
	return out, err
}

type recordingListener struct {
	changed []string
	removed []string
}

func (l *recordingListener) OnDocumentChanged(cpath string) { l.changed = append(l.changed, cpath) }
func (l *recordingListener) OnDocumentRemoved(cpath string) { l.removed = append(l.removed, cpath) }

func writeFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	p := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestAddWorkspaceFolderDiscoversFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.py", "print(1)\n")
	writeFile(t, dir, "src/b.py", "print(2)\n")

	reg := New(nil)
	err := reg.AddWorkspaceFolder(context.Background(), dir, walkAll, nil)
	require.NoError(t, err)

	assert.Len(t, reg.AllCpaths(), 2)
}

func TestPathResolutionExactSuffixMatch(t *testing.T) {
	dir := t.TempDir()
	p1 := writeFile(t, dir, "src/a/a.py", "x")
	p2 := writeFile(t, dir, "src/b/a.py", "y")

	reg := New(nil)
	require.NoError(t, reg.AddWorkspaceFolder(context.Background(), dir, walkAll, nil))

	c1, err := Normalize(p1)
	require.NoError(t, err)
	c2, err := Normalize(p2)
	require.NoError(t, err)

	// Known cpath equal to p resolves exactly to itself.
	got := reg.CorrectToNearestFilename(c1, false, 0)
	assert.Equal(t, []string{c1}, got)

	// Ambiguous bare filename returns both, exact match (no fuzzy needed).
	got = reg.CorrectToNearestFilename("a.py", false, 0)
	assert.ElementsMatch(t, []string{c1, c2}, got)
}

func TestPathResolutionFuzzyTopN(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/a/aardvark.py", "x")
	writeFile(t, dir, "src/b/banana.py", "y")

	reg := New(nil)
	require.NoError(t, reg.AddWorkspaceFolder(context.Background(), dir, walkAll, nil))

	got := reg.CorrectToNearestFilename("aardvark.py", true, 1)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "aardvark.py")
}

func TestPathResolutionZeroCandidatesIsNotError(t *testing.T) {
	reg := New(nil)
	got := reg.CorrectToNearestFilename("nonexistent.go", false, 0)
	assert.Empty(t, got)
}

func TestOnDidOpenChangeCloseLifecycle(t *testing.T) {
	reg := New(nil)
	l := &recordingListener{}
	reg.AddListener(l)

	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")

	cpath, err := reg.OnDidOpen(path, "package a\n")
	require.NoError(t, err)
	assert.Len(t, l.changed, 1)

	doc, ok := reg.Get(cpath)
	require.True(t, ok)
	assert.True(t, doc.InMemory)
	assert.Equal(t, 2, doc.Text.LineCount()) // "package a\n" -> line1 + trailing empty line

	_, err = reg.OnDidChange(path, "package a\n\nfunc F() {}\n")
	require.NoError(t, err)
	doc, _ = reg.Get(cpath)
	assert.Equal(t, 1, doc.Version)

	_, err = reg.OnDidClose(path)
	require.NoError(t, err)
	assert.Len(t, l.removed, 1) // not on disk, fully dropped
	_, ok = reg.Get(cpath)
	assert.False(t, ok)
}

func TestOnDidCloseKeepsOnDiskDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.go", "package a\n")

	reg := New(nil)
	require.NoError(t, reg.AddWorkspaceFolder(context.Background(), dir, walkAll, nil))

	cpath, err := reg.OnDidOpen(path, "package a\n")
	require.NoError(t, err)

	_, err = reg.OnDidClose(path)
	require.NoError(t, err)

	doc, ok := reg.Get(cpath)
	require.True(t, ok)
	assert.False(t, doc.InMemory)
	assert.Nil(t, doc.Text)
}

type alwaysBlockPrivacy struct{}

func (alwaysBlockPrivacy) ShouldSkip(cpath string) bool { return true }

func TestTextReturnsPrivacyBlockedError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "secret.go", "package a\n")

	reg := New(alwaysBlockPrivacy{})
	cpath, err := Normalize(path)
	require.NoError(t, err)

	_, err = reg.Text(cpath)
	require.Error(t, err)
}

func TestRopeLineIndexing(t *testing.T) {
	r := NewRope("line1\nline2\nline3")
	assert.Equal(t, 3, r.LineCount())
	l, ok := r.Line(2)
	require.True(t, ok)
	assert.Equal(t, "line2", l)

	lines := r.Lines(1, 2)
	assert.Equal(t, []string{"line1", "line2"}, lines)
}
