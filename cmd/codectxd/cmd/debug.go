package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/codectxd/codectxd/internal/config"
	"github.com/codectxd/codectxd/internal/store"
)

// DebugInfo is the machine-readable form of 'codectxd debug'.
type DebugInfo struct {
	ProjectRoot      string             `json:"project_root"`
	IndexPath        string             `json:"index_path"`
	FileCount        int                `json:"file_count"`
	ChunkCount       int                `json:"chunk_count"`
	LastIndexed      time.Time          `json:"last_indexed"`
	Languages        map[string]float64 `json:"languages"`
	EmbedderProvider string             `json:"embedder_provider"`
	EmbedderModel    string             `json:"embedder_model"`
	BM25Size         int64              `json:"bm25_size_bytes"`
	VectorSize       int64              `json:"vector_size_bytes"`
	MetadataSize     int64              `json:"metadata_size_bytes"`
}

func newDebugCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Print detailed diagnostic info about the current index",
		Long: `Print a detailed diagnostic report of the index in the current
project: file and chunk counts, language breakdown, embedder
configuration, and on-disk storage sizes for each index component.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := config.FindProjectRoot(".")
			if err != nil {
				root = "."
			}
			absRoot, err := filepath.Abs(root)
			if err != nil {
				return fmt.Errorf("failed to resolve project root: %w", err)
			}
			dataDir := filepath.Join(absRoot, ".codectxd")

			if !fileExists(filepath.Join(dataDir, "metadata.db")) {
				return fmt.Errorf("no index found in %s\nRun 'codectxd index' to create one", absRoot)
			}

			info, err := collectDebugInfo(cmd.Context(), absRoot, dataDir)
			if err != nil {
				return fmt.Errorf("failed to collect debug info: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			return renderDebugInfo(cmd, info)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func collectDebugInfo(ctx context.Context, root, dataDir string) (DebugInfo, error) {
	info := DebugInfo{ProjectRoot: root, IndexPath: dataDir}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return info, fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	projectID := hashString(root)
	if project, err := metadata.GetProject(ctx, projectID); err == nil && project != nil {
		info.FileCount = project.FileCount
		info.ChunkCount = project.ChunkCount
		info.LastIndexed = project.IndexedAt
	}

	if files, err := metadata.GetChangedFiles(ctx, projectID, time.Time{}); err == nil {
		info.Languages = languageBreakdown(files)
	} else {
		info.Languages = map[string]float64{}
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}
	info.EmbedderProvider = cfg.Embeddings.Provider
	if info.EmbedderProvider == "" {
		info.EmbedderProvider = "hugot"
	}
	info.EmbedderModel = cfg.Embeddings.Model
	if info.EmbedderModel == "" {
		info.EmbedderModel = "embeddinggemma"
	}

	info.MetadataSize = getFileSize(metadataPath)
	bm25SQLitePath := filepath.Join(dataDir, "bm25.db")
	bm25BlevePath := filepath.Join(dataDir, "bm25.bleve")
	if size := getFileSize(bm25SQLitePath); size > 0 {
		info.BM25Size = size
	} else {
		info.BM25Size = getDirSize(bm25BlevePath)
	}
	info.VectorSize = getFileSize(filepath.Join(dataDir, "vectors.hnsw"))

	return info, nil
}

// languageBreakdown computes each language's share of the normalized
// extension buckets among files, e.g. {"go": 0.8, "md": 0.2}.
func languageBreakdown(files []*store.File) map[string]float64 {
	counts := make(map[string]int)
	for _, f := range files {
		counts[normalizeExtension(f.Language)]++
	}
	total := len(files)
	out := make(map[string]float64, len(counts))
	if total == 0 {
		return out
	}
	for lang, n := range counts {
		out[lang] = float64(n) / float64(total)
	}
	return out
}

func renderDebugInfo(cmd *cobra.Command, info DebugInfo) error {
	w := cmd.OutOrStdout()

	fmt.Fprintln(w, "CodeCtxd Debug Info")
	fmt.Fprintln(w, "====================")
	fmt.Fprintf(w, "Project root: %s\n", info.ProjectRoot)
	fmt.Fprintf(w, "Index path:   %s\n", info.IndexPath)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "FILES & CHUNKS")
	fmt.Fprintf(w, "  Files:        %s\n", formatNumber(info.FileCount))
	fmt.Fprintf(w, "  Chunks:       %s\n", formatNumber(info.ChunkCount))
	fmt.Fprintf(w, "  Last indexed: %s\n", formatAge(info.LastIndexed))
	fmt.Fprintf(w, "  Languages:    %s\n", formatLanguages(info.Languages))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "EMBEDDER")
	fmt.Fprintf(w, "  Provider: %s\n", info.EmbedderProvider)
	fmt.Fprintf(w, "  Model:    %s\n", info.EmbedderModel)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "BM25 INDEX")
	fmt.Fprintf(w, "  Size: %s\n", formatBytes(info.BM25Size))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "VECTOR STORE")
	fmt.Fprintf(w, "  Size: %s\n", formatBytes(info.VectorSize))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "STORAGE")
	fmt.Fprintf(w, "  Metadata: %s\n", formatBytes(info.MetadataSize))
	fmt.Fprintf(w, "  Total:    %s\n", formatBytes(info.MetadataSize+info.BM25Size+info.VectorSize))

	return nil
}

// formatAge renders a timestamp as a short relative-age string.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		n := int(d / time.Minute)
		return pluralize(n, "minute") + " ago"
	case d < 24*time.Hour:
		n := int(d / time.Hour)
		return pluralize(n, "hour") + " ago"
	default:
		n := int(d / (24 * time.Hour))
		return pluralize(n, "day") + " ago"
	}
}

func pluralize(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// formatNumber renders n with thousands separators, e.g. 1234567 -> "1,234,567".
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	return string(out)
}

// formatLanguages renders a language-share map sorted by descending
// share, e.g. "go (50%), ts (30%), md (20%)".
func formatLanguages(langs map[string]float64) string {
	if len(langs) == 0 {
		return "none"
	}
	names := make([]string, 0, len(langs))
	for n := range langs {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if langs[names[i]] != langs[names[j]] {
			return langs[names[i]] > langs[names[j]]
		}
		return names[i] < names[j]
	})

	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s (%d%%)", n, int(langs[n]*100+0.5)))
	}

	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

// normalizeExtension folds language aliases into one canonical bucket,
// e.g. "tsx" and "ts" both report as "ts".
func normalizeExtension(ext string) string {
	switch ext {
	case "tsx":
		return "ts"
	case "jsx", "mjs":
		return "js"
	case "yml":
		return "yaml"
	case "htm":
		return "html"
	default:
		return ext
	}
}

// formatBytes renders a byte count in human-readable units.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
