package registry

import (
	"path/filepath"
	"sort"
	"time"
)

// correctionCache holds the two derived caches described in spec.md §4.1:
// a map from every path suffix to the set of full cpaths that end with
// it, and a shortened-paths list giving the shortest unambiguous suffix
// for each known file.
type correctionCache struct {
	builtAt  time.Time
	bySuffix map[string][]string // suffix -> cpaths ending with it, sorted
	shortest map[string]string   // cpath -> its shortest unambiguous suffix
}

// ensureFresh rebuilds the correction cache if the registry has mutated
// since the last build. The dirty-flag timestamp is only consumed here,
// matching spec.md's "a rebuild consumes the flag only when an indexer
// actually started using fresh data".
func (r *Registry) ensureFresh() *correctionCache {
	r.mu.Lock()
	dirty := r.dirtyAt
	needsRebuild := r.cache == nil || r.cache.builtAt.Before(dirty)
	var cpaths []string
	if needsRebuild {
		cpaths = make([]string, 0, len(r.files))
		for p := range r.files {
			cpaths = append(cpaths, p)
		}
	}
	r.mu.Unlock()

	if !needsRebuild {
		return r.cache
	}

	sort.Strings(cpaths)
	bySuffix := make(map[string][]string)
	for _, cpath := range cpaths {
		for _, suf := range splitSuffixes(cpath) {
			bySuffix[suf] = append(bySuffix[suf], cpath)
		}
	}

	shortest := make(map[string]string, len(cpaths))
	for _, cpath := range cpaths {
		suffixes := splitSuffixes(cpath)
		chosen := suffixes[len(suffixes)-1] // default: full path
		for _, suf := range suffixes {
			if len(bySuffix[suf]) == 1 {
				chosen = suf
				break
			}
		}
		shortest[cpath] = chosen
	}

	built := &correctionCache{builtAt: time.Now(), bySuffix: bySuffix, shortest: shortest}

	r.mu.Lock()
	r.cache = built
	r.mu.Unlock()
	return built
}

// CorrectToNearestFilename resolves candidate (a bare filename or a
// partial/relative path fragment) to known cpaths. An exact suffix match
// via the correction map is tried first; if none is found and fuzzy is
// true, a weighted edit distance over the shortened-paths list is used,
// returning up to topN candidates ordered by increasing distance.
//
// A path resolving to zero candidates is not an error: the caller (a tool)
// decides what to report to the model, per spec.md §4.1.
func (r *Registry) CorrectToNearestFilename(candidate string, fuzzy bool, topN int) []string {
	cache := r.ensureFresh()

	suf := filepath.ToSlash(filepath.Clean(candidate))
	if exact, ok := cache.bySuffix[suf]; ok && len(exact) > 0 {
		out := make([]string, len(exact))
		copy(out, exact)
		return out
	}

	if !fuzzy {
		return nil
	}

	queryFilename := filepath.Base(candidate)
	type scored struct {
		cpath string
		dist  float64
	}
	var candidates []scored
	for cpath, shortSuffix := range cache.shortest {
		candidateFilename := filepath.Base(shortSuffix)
		d := weightedPathDistance(queryFilename, suf, candidateFilename, shortSuffix)
		candidates = append(candidates, scored{cpath: cpath, dist: d})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].cpath < candidates[j].cpath
	})

	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}
	out := make([]string, 0, topN)
	for i := 0; i < topN; i++ {
		out = append(out, candidates[i].cpath)
	}
	return out
}

// ShortenedPath returns the shortest unambiguous suffix known for cpath,
// or the full cpath if it was never indexed.
func (r *Registry) ShortenedPath(cpath string) string {
	cache := r.ensureFresh()
	if s, ok := cache.shortest[cpath]; ok {
		return s
	}
	return cpath
}
