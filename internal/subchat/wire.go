package subchat

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/codectxd/codectxd/internal/toolrt"
)

// NewLocateFunc adapts FindRelevantFiles to toolrt.LocateFunc, the
// injection point toolrt.NewLocateTool expects (toolrt avoids importing
// subchat directly to keep the dependency order of spec.md §2: Tool
// Runtime before Sub-chat Orchestrator).
func NewLocateFunc(backend ChatBackend, rt *toolrt.Runtime) toolrt.LocateFunc {
	return func(ctx context.Context, problemStatement string) (string, error) {
		out, err := FindRelevantFiles(ctx, backend, rt, problemStatement)
		if err != nil {
			return "", err
		}
		return formatReduceOutput(out), nil
	}
}

// formatReduceOutput renders a ReduceOutput as the human/model-readable
// tool message locate() returns, sorted by path for determinism.
func formatReduceOutput(out ReduceOutput) string {
	paths := make([]string, 0, len(out.Files))
	for p := range out.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d relevant files:\n", len(paths))
	for _, p := range paths {
		f := out.Files[p]
		fmt.Fprintf(&sb, "- %s (relevancy %d): %s", p, f.Relevancy, f.Why)
		if len(f.Symbols) > 0 {
			fmt.Fprintf(&sb, " [%s]", strings.Join(f.Symbols, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
