package registry

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/codectxd/codectxd/internal/errtax"
)

// PrivacyChecker is consulted (never implemented here) before reading a
// file's content from disk, per spec.md §1's explicit exclusion of the
// blacklist/privacy engine itself.
type PrivacyChecker interface {
	ShouldSkip(cpath string) bool
}

// ChangeListener is notified of registry mutations so the AST and Vector
// indexers can enqueue the affected cpath (spec.md §4.1's "enqueue the
// cpath to both indexers").
type ChangeListener interface {
	OnDocumentChanged(cpath string)
	OnDocumentRemoved(cpath string)
}

// Registry is the Document Registry & Path Resolver of spec.md §4.1: the
// authoritative set of known files plus fuzzy path correction.
type Registry struct {
	mu sync.RWMutex

	folders map[string]struct{}    // workspace roots (cpaths)
	files   map[string]*Document  // workspace files discovered under roots
	open    map[string]*Document  // in-memory documents (did-open, may be outside any root)

	privacy   PrivacyChecker
	listeners []ChangeListener

	dirtyAt time.Time // bumped on every mutation
	cache   *correctionCache
}

// New creates an empty Registry. privacy may be nil (no filtering).
func New(privacy PrivacyChecker) *Registry {
	return &Registry{
		folders: make(map[string]struct{}),
		files:   make(map[string]*Document),
		open:    make(map[string]*Document),
		privacy: privacy,
		dirtyAt: time.Now(),
	}
}

// AddListener registers a ChangeListener; typically the AST and Vector
// indexers call this once at startup.
func (r *Registry) AddListener(l ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) notifyChanged(cpath string) {
	for _, l := range r.listeners {
		l.OnDocumentChanged(cpath)
	}
}

func (r *Registry) notifyRemoved(cpath string) {
	for _, l := range r.listeners {
		l.OnDocumentRemoved(cpath)
	}
}

func (r *Registry) markDirty() {
	r.dirtyAt = time.Now()
}

// AddWorkspaceFolder recursively enumerates files under root honoring the
// supplied file-walk function (normally backed by internal/scanner, which
// itself prefers `git ls-files`/hg/svn when available and falls back to a
// plain directory walk). filter receives each discovered absolute path and
// reports whether it should be tracked (extension/blacklist filtering).
func (r *Registry) AddWorkspaceFolder(ctx context.Context, root string, walk func(ctx context.Context, root string) ([]string, error), filter func(cpath string) bool) error {
	cpath, err := Normalize(root)
	if err != nil {
		return errtax.New(errtax.KindNotFound, "resolve workspace folder", err)
	}
	if _, err := os.Stat(cpath); err != nil {
		return errtax.New(errtax.KindNotFound, "workspace folder does not exist", err)
	}

	paths, err := walk(ctx, cpath)
	if err != nil {
		return errtax.New(errtax.KindTransientIO, "enumerate workspace folder", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.folders[cpath] = struct{}{}
	for _, p := range paths {
		np, err := Normalize(p)
		if err != nil {
			continue
		}
		if filter != nil && !filter(np) {
			continue
		}
		if r.privacy != nil && r.privacy.ShouldSkip(np) {
			continue
		}
		if _, exists := r.files[np]; !exists {
			r.files[np] = &Document{Cpath: np, OnDisk: true}
		}
	}
	r.markDirty()
	return nil
}

// RemoveWorkspaceFolder drops root and every discovered file under it that
// isn't also open in memory or under another remaining root.
func (r *Registry) RemoveWorkspaceFolder(root string) error {
	cpath, err := Normalize(root)
	if err != nil {
		return errtax.New(errtax.KindNotFound, "resolve workspace folder", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.folders, cpath)

	prefix := cpath + string(filepath.Separator)
	for p, doc := range r.files {
		under := p == cpath || (len(p) > len(prefix) && p[:len(prefix)] == prefix)
		if !under || doc.InMemory {
			continue // outside this root, or still open; keep it live
		}
		delete(r.files, p)
		r.notifyRemoved(p)
	}
	r.markDirty()
	return nil
}

// OnDidOpen upserts an in-memory document and enqueues it for indexing.
func (r *Registry) OnDidOpen(path, text string) (string, error) {
	cpath, err := Normalize(path)
	if err != nil {
		return "", errtax.New(errtax.KindNotFound, "resolve opened document path", err)
	}
	r.mu.Lock()
	doc := &Document{Cpath: cpath, Text: NewRope(text), InMemory: true}
	if existing, ok := r.files[cpath]; ok {
		doc.OnDisk = existing.OnDisk
		doc.Version = existing.Version
	}
	r.open[cpath] = doc
	r.files[cpath] = doc
	r.markDirty()
	r.mu.Unlock()

	r.notifyChanged(cpath)
	return cpath, nil
}

// OnDidChange replaces an open document's text.
func (r *Registry) OnDidChange(path, text string) (string, error) {
	cpath, err := Normalize(path)
	if err != nil {
		return "", errtax.New(errtax.KindNotFound, "resolve changed document path", err)
	}
	r.mu.Lock()
	doc, ok := r.open[cpath]
	if !ok {
		doc = &Document{Cpath: cpath, InMemory: true}
		r.open[cpath] = doc
	}
	doc.Text = NewRope(text)
	doc.Version++
	r.files[cpath] = doc
	r.markDirty()
	r.mu.Unlock()

	r.notifyChanged(cpath)
	return cpath, nil
}

// OnDidClose drops the in-memory document. If it was also discovered
// under a workspace root it remains in the registry (text now loaded from
// disk on demand per spec.md §3's Document lifecycle).
func (r *Registry) OnDidClose(path string) (string, error) {
	cpath, err := Normalize(path)
	if err != nil {
		return "", errtax.New(errtax.KindNotFound, "resolve closed document path", err)
	}
	r.mu.Lock()
	delete(r.open, cpath)
	if doc, ok := r.files[cpath]; ok {
		if !doc.OnDisk {
			delete(r.files, cpath)
			r.markDirty()
			r.mu.Unlock()
			r.notifyRemoved(cpath)
			return cpath, nil
		}
		doc.InMemory = false
		doc.Text = nil
	}
	r.markDirty()
	r.mu.Unlock()
	return cpath, nil
}

// Get returns the Document for cpath, if known.
func (r *Registry) Get(cpath string) (*Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.files[cpath]
	return doc, ok
}

// Text returns a document's text, reading from disk when no in-memory
// copy exists. Returns a PrivacyBlocked error if the privacy checker
// forbids the read.
func (r *Registry) Text(cpath string) (*Rope, error) {
	r.mu.RLock()
	doc, ok := r.files[cpath]
	r.mu.RUnlock()
	if ok && doc.Text != nil {
		return doc.Text, nil
	}

	if r.privacy != nil && r.privacy.ShouldSkip(cpath) {
		return nil, errtax.New(errtax.KindPrivacyBlocked, "file blocked by privacy policy", nil)
	}

	b, err := os.ReadFile(cpath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errtax.New(errtax.KindNotFound, "file not found on disk", err)
		}
		return nil, errtax.New(errtax.KindTransientIO, "read file from disk", err)
	}
	return NewRope(string(b)), nil
}

// AllCpaths returns every known cpath (workspace files plus in-memory
// documents not under any root), sorted for determinism.
func (r *Registry) AllCpaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.files))
	for p := range r.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// DirtyAt reports the timestamp of the most recent mutation; indexers
// compare this against the timestamp they last rebuilt from.
func (r *Registry) DirtyAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirtyAt
}
