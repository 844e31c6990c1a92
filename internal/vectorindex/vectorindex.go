package vectorindex

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codectxd/codectxd/internal/embed"
	"github.com/codectxd/codectxd/internal/embedcache"
	"github.com/codectxd/codectxd/internal/errtax"
	"github.com/codectxd/codectxd/internal/splitter"
	"github.com/codectxd/codectxd/internal/store"
)

// Defaults per spec.md §4.4.
const (
	DefaultCooldown       = 3 * time.Second
	DefaultEmbeddingBatch = 64
	DefaultMaxInFlight    = 2
	DefaultFileCap        = 15000
	DefaultMaxRetries     = 5

	// Text-quality heuristic thresholds ("does_text_look_good").
	maxAvgLineLength  = 150
	minWhitespaceFrac = 0.05
)

// TextReader loads a document's current text, e.g. from the Document
// Registry (in-memory first, disk fallback).
type TextReader interface {
	ReadText(cpath string) (string, error)
}

// LanguageDetector maps a cpath to a splitter/tree-sitter language key.
type LanguageDetector interface {
	Language(cpath string) string
}

// Doc is one file arriving on the ingest queue.
type Doc struct {
	Cpath string
}

// Config tunes the vectorizer.
type Config struct {
	Cooldown       time.Duration
	EmbeddingBatch int
	MaxInFlight    int
	FileCap        int
	SplitOptions   splitter.Options
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.EmbeddingBatch <= 0 {
		c.EmbeddingBatch = DefaultEmbeddingBatch
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.FileCap <= 0 {
		c.FileCap = DefaultFileCap
	}
	return c
}

type cooldownEntry struct {
	cpath     string
	touchedAt time.Time
}

// Index is the Vector Index Service of spec.md §4.4.
type Index struct {
	mu sync.Mutex

	cooldown  map[string]cooldownEntry
	immediate []string // cpaths ready for processing, FIFO

	byFile map[string][]Key // for delete-then-insert replacement

	embedder embed.Embedder
	cache    *embedcache.Cache
	split    *splitter.Splitter
	vstore   store.VectorStore
	text     TextReader
	lang     LanguageDetector
	status   *Status
	cfg      Config
	sem      chan struct{}

	log *slog.Logger
}

// New builds a Vector Index Service.
func New(embedder embed.Embedder, cache *embedcache.Cache, split *splitter.Splitter, vstore store.VectorStore, text TextReader, lang LanguageDetector, cfg Config, log *slog.Logger) *Index {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Index{
		cooldown: make(map[string]cooldownEntry),
		byFile:   make(map[string][]Key),
		embedder: embedder,
		cache:    cache,
		split:    split,
		vstore:   vstore,
		text:     text,
		lang:     lang,
		status:   NewStatus(),
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxInFlight),
		log:      log,
	}
}

// Status returns the current VecDbStatus snapshot.
func (idx *Index) Status() Snapshot {
	return idx.status.Snapshot()
}

// VectorizerEnqueueFiles arrives new files. force=true bypasses the
// cooldown queue entirely and promotes straight to the immediate queue,
// matching the AST index's `force` semantics applied to ingest.
func (idx *Index) VectorizerEnqueueFiles(docs []Doc, force bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.status.Snapshot().State == StateStarting {
		idx.status.SetState(StateParsing)
	}

	for _, d := range docs {
		total := len(idx.cooldown) + len(idx.immediate)
		if total >= idx.cfg.FileCap {
			idx.status.SetFileCapHit(true)
			continue
		}
		if force {
			idx.pushImmediateLocked(d.Cpath)
			continue
		}
		idx.cooldown[d.Cpath] = cooldownEntry{cpath: d.Cpath, touchedAt: time.Now()}
	}
	total := len(idx.cooldown) + len(idx.immediate)
	idx.status.SetTotals(total, total)
}

func (idx *Index) pushImmediateLocked(cpath string) {
	delete(idx.cooldown, cpath)
	for _, existing := range idx.immediate {
		if existing == cpath {
			return
		}
	}
	idx.immediate = append(idx.immediate, cpath)
}

// PromoteReady moves every cooldown entry whose last touch is at least
// Cooldown old into the immediate queue. Called on a ticker by Run; tests
// call it directly with a synthetic `now`.
func (idx *Index) PromoteReady(now time.Time) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	promoted := 0
	for cpath, e := range idx.cooldown {
		if now.Sub(e.touchedAt) >= idx.cfg.Cooldown {
			idx.pushImmediateLocked(cpath)
			promoted++
		}
	}
	return promoted
}

// Run drains the immediate queue and promotes cooldown entries until ctx
// is cancelled. Per spec.md §5's invariant, it keeps the loop alive while
// "queue non-empty OR state == done" never both go false at once.
func (idx *Index) Run(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			idx.PromoteReady(time.Now())
			if err := idx.DrainImmediate(ctx); err != nil {
				idx.log.Error("vectorizer drain failed", "error", err)
			}
			idx.mu.Lock()
			idle := len(idx.cooldown) == 0 && len(idx.immediate) == 0
			idx.mu.Unlock()
			if idle {
				idx.status.SetState(StateDone)
			}
		}
	}
}

// DrainImmediate processes every cpath currently in the immediate queue,
// one file at a time (spec.md §4.4's vectorizer loop steps 1-4).
func (idx *Index) DrainImmediate(ctx context.Context) error {
	for {
		idx.mu.Lock()
		if len(idx.immediate) == 0 {
			idx.mu.Unlock()
			return nil
		}
		cpath := idx.immediate[0]
		idx.immediate = idx.immediate[1:]
		idx.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
		idx.processFile(ctx, cpath)
		idx.status.DecrementUnprocessed()
	}
}

func (idx *Index) processFile(ctx context.Context, cpath string) {
	text, err := idx.text.ReadText(cpath)
	if err != nil {
		idx.log.Warn("vectorizer: failed to read file, dropping", "file", cpath, "error", err)
		return
	}
	if !looksGood(text) {
		idx.log.Info("vectorizer: file failed text-quality heuristic, dropping", "file", cpath)
		return
	}

	language := ""
	if idx.lang != nil {
		language = idx.lang.Language(cpath)
	}
	chunks := idx.split.Split(ctx, cpath, language, text, idx.cfg.SplitOptions)
	if len(chunks) == 0 {
		return
	}

	records, err := idx.embedChunks(ctx, chunks)
	if err != nil {
		idx.log.Warn("vectorizer: embedding batch failed, will retry on next touch", "file", cpath, "error", err)
		return
	}

	idx.replaceFileRecords(ctx, cpath, records)
}

// embedChunks probes the cache for each chunk, then embeds the misses in
// batches of at most EmbeddingBatch, honoring the in-flight semaphore.
func (idx *Index) embedChunks(ctx context.Context, chunks []splitter.Chunk) ([]Record, error) {
	hashes := make([][32]byte, len(chunks))
	for i, c := range chunks {
		hashes[i] = c.ContentHash
	}
	cached, err := idx.cache.Fetch(ctx, hashes)
	if err != nil {
		return nil, err
	}

	records := make([]Record, len(chunks))
	var missIdx []int
	for i, e := range cached {
		if e != nil {
			records[i] = Record{Key: keyOf(chunks[i]), Vector: e.Vector}
			continue
		}
		missIdx = append(missIdx, i)
	}

	for start := 0; start < len(missIdx); start += idx.cfg.EmbeddingBatch {
		end := start + idx.cfg.EmbeddingBatch
		if end > len(missIdx) {
			end = len(missIdx)
		}
		batchIdx := missIdx[start:end]
		texts := make([]string, len(batchIdx))
		for i, ci := range batchIdx {
			texts[i] = chunks[ci].Text
		}

		vectors, err := idx.embedBatchWithBackoff(ctx, texts)
		if err != nil {
			return nil, err
		}

		entries := make([]embedcache.Entry, len(batchIdx))
		for i, ci := range batchIdx {
			records[ci] = Record{Key: keyOf(chunks[ci]), Vector: vectors[i]}
			entries[i] = embedcache.Entry{Hash: chunks[ci].ContentHash, WindowText: texts[i], Vector: vectors[i]}
		}
		if err := idx.cache.Add(ctx, entries); err != nil {
			return nil, err
		}
	}

	return records, nil
}

// embedBatchWithBackoff calls the embedder under the in-flight semaphore,
// retrying transient failures with exponential backoff up to
// DefaultMaxRetries before giving up (spec.md §4.4's back-pressure rule).
func (idx *Index) embedBatchWithBackoff(ctx context.Context, texts []string) ([][]float32, error) {
	select {
	case idx.sem <- struct{}{}:
		defer func() { <-idx.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	idx.status.AddRequests(1)
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < DefaultMaxRetries; attempt++ {
		vectors, err := idx.embedder.EmbedBatch(ctx, texts)
		if err == nil {
			idx.status.AddVectors(len(vectors))
			return vectors, nil
		}
		lastErr = err
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, errtax.New(errtax.KindTransientIO, "embedder batch failed after retries", lastErr)
}

// replaceFileRecords deletes every prior record for cpath then inserts
// the new set, all within one critical section, per spec.md §4.4 point 4
// and §5's "delete-then-insert inside the same critical section".
func (idx *Index) replaceFileRecords(ctx context.Context, cpath string, records []Record) {
	idx.mu.Lock()
	prevKeys := idx.byFile[cpath]
	idx.mu.Unlock()

	if len(prevKeys) > 0 {
		ids := make([]string, len(prevKeys))
		for i, k := range prevKeys {
			ids[i] = k.String()
		}
		_ = idx.vstore.Delete(ctx, ids)
	}

	ids := make([]string, len(records))
	vecs := make([][]float32, len(records))
	newKeys := make([]Key, len(records))
	for i, r := range records {
		ids[i] = r.Key.String()
		vecs[i] = r.Vector
		newKeys[i] = r.Key
	}
	if len(ids) > 0 {
		if err := idx.vstore.Add(ctx, ids, vecs); err != nil {
			idx.log.Warn("vectorizer: failed to write vector records", "file", cpath, "error", err)
			return
		}
	}

	idx.mu.Lock()
	idx.byFile[cpath] = newKeys
	idx.mu.Unlock()
}

func keyOf(c splitter.Chunk) Key {
	return Key{Cpath: c.FileCpath, StartLine: c.StartLine, EndLine: c.EndLine}
}

// looksGood implements the "does_text_look_good" heuristic of spec.md
// §4.4 step 1(b): average line length <= 150 and at least 5% whitespace.
func looksGood(text string) bool {
	if text == "" {
		return true
	}
	lines := strings.Split(text, "\n")
	totalLen := 0
	whitespace := 0
	for _, l := range lines {
		totalLen += len(l)
		for _, r := range l {
			if r == ' ' || r == '\t' {
				whitespace++
			}
		}
	}
	if len(lines) == 0 {
		return true
	}
	avgLen := float64(totalLen) / float64(len(lines))
	if avgLen > maxAvgLineLength {
		return false
	}
	if totalLen == 0 {
		return true
	}
	whitespaceFrac := float64(whitespace) / float64(totalLen)
	return whitespaceFrac >= minWhitespaceFrac
}

// CountPending returns how many files remain unprocessed across both
// queues, mainly for tests and diagnostics.
func (idx *Index) CountPending() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.cooldown) + len(idx.immediate)
}

// Search embeds query once and returns the nearest vector records,
// restricted to cpaths for which scope reports true (spec.md §4.4's
// scope_filter: workspace/directory-prefix/single-file).
func (idx *Index) Search(ctx context.Context, query string, topN int, scope func(cpath string) bool) ([]Record, error) {
	vectors, err := idx.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, errtax.New(errtax.KindTransientIO, "embed query", err)
	}
	if len(vectors) == 0 {
		return nil, errtax.New(errtax.KindTransientIO, "embedder returned no vector for query", nil)
	}

	// Over-fetch to compensate for post-hoc scope filtering, then trim.
	k := topN
	if scope != nil {
		k = topN * 4
		if k < topN {
			k = topN
		}
	}
	results, err := idx.vstore.Search(ctx, vectors[0], k)
	if err != nil {
		return nil, errtax.New(errtax.KindTransientIO, "vector store search", err)
	}

	out := make([]Record, 0, len(results))
	for _, r := range results {
		key, ok := parseKey(r.ID)
		if !ok {
			continue
		}
		if scope != nil && !scope(key.Cpath) {
			continue
		}
		out = append(out, Record{Key: key, Distance: r.Distance})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if topN > 0 && topN < len(out) {
		out = out[:topN]
	}
	return out, nil
}

func parseKey(id string) (Key, bool) {
	parts := strings.Split(id, "\x1f")
	if len(parts) != 3 {
		return Key{}, false
	}
	var start, end int
	if _, err := parseIntStrict(parts[1], &start); err != nil {
		return Key{}, false
	}
	if _, err := parseIntStrict(parts[2], &end); err != nil {
		return Key{}, false
	}
	return Key{Cpath: parts[0], StartLine: start, EndLine: end}, true
}

func parseIntStrict(s string, out *int) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errtax.New(errtax.KindParseFailure, "invalid vector key component", nil)
		}
		n = n*10 + int(r-'0')
	}
	*out = n
	return n, nil
}
