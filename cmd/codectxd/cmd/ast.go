package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/codectxd/codectxd/internal/astindex"
	"github.com/codectxd/codectxd/internal/config"
	"github.com/codectxd/codectxd/internal/scanner"
)

func newASTCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ast",
		Short: "Inspect the AST Index directly",
		Long: `Parse the current project with the AST Index Service and query its
symbol table without building a full search index.

This exercises the same internal/astindex used by the MCP server's
ctx_definition and ctx_references tools, as a standalone CLI for
scripting and debugging.`,
	}
	cmd.AddCommand(newASTSymbolsCmd())
	cmd.AddCommand(newASTFindCmd())
	return cmd
}

func newASTSymbolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "symbols <file>",
		Short: "List the symbols declared in a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runASTSymbols(cmd, args[0])
		},
	}
}

func newASTFindCmd() *cobra.Command {
	var kind string
	var limit int

	cmd := &cobra.Command{
		Use:   "find <name>",
		Short: "Find declarations matching a symbol name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runASTFind(cmd, args[0], kind, limit)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Restrict to one symbol kind (function, method, struct, interface, type-alias, field, constant, variable)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum matches to show")
	return cmd
}

// buildASTIndex scans root and parses every recognized source file into a
// fresh, in-memory AST Index. It mirrors internal/contextcore.populate's
// scan-then-enqueue shape, minus the Document Registry and Vector Index,
// since `codectxd ast` only needs symbol data.
func buildASTIndex(ctx context.Context, root string) (*astindex.Index, error) {
	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	sc, err := scanner.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner: %w", err)
	}

	results, err := sc.Scan(ctx, &scanner.ScanOptions{
		RootDir:          root,
		IncludePatterns:  cfg.Paths.Include,
		ExcludePatterns:  cfg.Paths.Exclude,
		RespectGitignore: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}

	var inputs []astindex.FileInput
	for r := range results {
		if r.Error != nil || r.File == nil {
			continue
		}
		lang := scanner.DetectLanguage(r.File.Path)
		if lang == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, r.File.Path))
		if err != nil {
			continue
		}
		inputs = append(inputs, astindex.FileInput{
			Cpath:    filepath.ToSlash(r.File.Path),
			Language: lang,
			Text:     string(data),
			Version:  1,
		})
	}

	idx := astindex.New()
	if err := idx.Enqueue(ctx, inputs, true); err != nil {
		idx.Close()
		return nil, fmt.Errorf("failed to parse project: %w", err)
	}
	return idx, nil
}

func runASTSymbols(cmd *cobra.Command, path string) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}

	idx, err := buildASTIndex(cmd.Context(), root)
	if err != nil {
		return err
	}
	defer idx.Close()

	cpath, err := relCpath(root, path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s relative to project root: %w", path, err)
	}

	symbols, err := idx.FileMarkup(cmd.Context(), cpath)
	if err != nil {
		return fmt.Errorf("failed to read symbols for %s: %w", cpath, err)
	}
	if len(symbols) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no symbols found in %s\n", cpath)
		return nil
	}

	sort.Slice(symbols, func(i, j int) bool {
		return symbols[i].FullRange.StartLine < symbols[j].FullRange.StartLine
	})
	for _, s := range symbols {
		fmt.Fprintf(cmd.OutOrStdout(), "%5d  %-12s %s\n", s.FullRange.StartLine, s.Kind, s.Path())
	}
	return nil
}

func runASTFind(cmd *cobra.Command, name, kind string, limit int) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}

	idx, err := buildASTIndex(cmd.Context(), root)
	if err != nil {
		return err
	}
	defer idx.Close()

	var kinds []astindex.SymbolKind
	if kind != "" {
		kinds = []astindex.SymbolKind{astindex.SymbolKind(kind)}
	}

	matches, err := idx.SearchByName(cmd.Context(), name, kinds, true, limit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if len(matches) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no symbols match %q\n", name)
		return nil
	}
	for _, m := range matches {
		fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-40s %s:%d\n",
			m.Symbol.Kind, m.Symbol.Path(), m.Symbol.FileCpath, m.Symbol.FullRange.StartLine)
	}
	return nil
}

// relCpath renders path relative to root, in the slash-separated form
// internal/astindex uses as a cpath.
func relCpath(root, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
