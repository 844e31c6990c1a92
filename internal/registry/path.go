package registry

import (
	"path/filepath"
	"runtime"
	"strings"
)

// caseInsensitiveFS mirrors the host's path-comparison semantics; Linux
// build hosts are case-sensitive, so normalization only folds case on
// Windows/macOS-style filesystems. codectxd's primary deployment target
// (per the teacher) is Linux/macOS dev boxes, but we fold case on darwin
// too since HFS+/APFS default to case-insensitive.
var foldCase = runtime.GOOS == "windows" || runtime.GOOS == "darwin"

// Normalize returns the canonical path (cpath) used as a Document's
// identity: an absolute, cleaned path, case-folded on case-insensitive
// filesystems per spec.md §3.
func Normalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)
	if foldCase {
		abs = strings.ToLower(abs)
	}
	return abs, nil
}

// splitSuffixes returns every path suffix of cpath that starts at a path
// separator, shortest first (the filename alone) to longest (the full
// path). Used to populate the correction map.
func splitSuffixes(cpath string) []string {
	parts := strings.Split(filepath.ToSlash(cpath), "/")
	suffixes := make([]string, 0, len(parts))
	for i := len(parts) - 1; i >= 0; i-- {
		suffixes = append(suffixes, strings.Join(parts[i:], "/"))
	}
	return suffixes
}
