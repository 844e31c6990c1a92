package subchat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/codectxd/codectxd/internal/errtax"
	"github.com/codectxd/codectxd/internal/toolrt"
)

// Expert strategy names, per spec.md §4.8 and
// original_source/src/at_tools/att_relevant_files.rs's strategy list
// (CATFILES/GOTODEF/GOTOREF/VECDBSEARCH/CUSTOM, narrowed to the three
// spec.md names explicitly: TREEGUESS, GOTODEF, VECDBSEARCH).
const (
	ExpertTreeGuess   = "TREEGUESS"
	ExpertGotoDef     = "GOTODEF"
	ExpertVecdbSearch = "VECDBSEARCH"
)

// ExpertStrategy pairs a named strategy with the system prompt and tool
// subset it is allowed to use.
type ExpertStrategy struct {
	Name         string
	SystemPrompt string
	ToolsTurnOn  []string
}

// DefaultExperts is the strategy set spec.md §4.8 names explicitly.
var DefaultExperts = []ExpertStrategy{
	{
		Name:         ExpertTreeGuess,
		SystemPrompt: "You are an expert in finding relevant files by scanning the project tree and guessing from file names. Call tree() first, then cat() on up to 6 suspicious files.",
		ToolsTurnOn:  []string{"knowledge", "tree", "cat"},
	},
	{
		Name:         ExpertGotoDef,
		SystemPrompt: "You are an expert in finding relevant files via symbol definitions and references. Call definition() and references() for symbols mentioned in the task.",
		ToolsTurnOn:  []string{"knowledge", "definition", "references", "cat"},
	},
	{
		Name:         ExpertVecdbSearch,
		SystemPrompt: "You are an expert in finding relevant files via semantic search. Call search() with focused queries derived from the task description.",
		ToolsTurnOn:  []string{"knowledge", "search", "cat"},
	},
}

const reduceWrapUpDepth = 5
const reduceWrapUpTokensCnt = 8000

// reducerSystemPrompt asks the model to fold N experts' transcripts into
// one strict JSON block, per spec.md §4.8: "a reducer turn that asks the
// model to emit a strict JSON block REDUCE_OUTPUT { … }".
const reducerSystemPrompt = `You are folding together the results of several independent experts who each tried to find the files relevant to a task. Read their findings and produce one consolidated answer.

Reply with EXACTLY one fenced block of this shape, and nothing else after it:

REDUCE_OUTPUT {
  "files": {
    "path/to/file.ext": {
      "symbols": ["Sym1", "Sym2"],
      "why": "short reason this file matters",
      "relevancy": 1-5
    }
  }
}`

// RelevantFile is one entry of a reduced locate() answer.
type RelevantFile struct {
	Symbols   []string `json:"symbols"`
	Why       string   `json:"why"`
	Relevancy int      `json:"relevancy"`
}

// ReduceOutput is the parsed REDUCE_OUTPUT JSON block.
type ReduceOutput struct {
	Files map[string]RelevantFile `json:"files"`
}

// FindRelevantFiles implements the `locate` tool's multi-expert search
// (spec.md §4.8): run DefaultExperts in parallel from the same problem
// statement, then fold their final answers through a reducer turn. On a
// parse failure of the REDUCE_OUTPUT block, retries the reducer turn
// exactly once with the parse error appended to the conversation.
func FindRelevantFiles(ctx context.Context, backend ChatBackend, rt *toolrt.Runtime, problemStatement string) (ReduceOutput, error) {
	transcripts, err := runExperts(ctx, backend, rt, problemStatement)
	if err != nil {
		return ReduceOutput{}, err
	}
	return reduce(ctx, backend, rt, problemStatement, transcripts)
}

// expertTranscript is one strategy's final report, keyed by name for
// deterministic ordering in the reducer prompt.
type expertTranscript struct {
	name   string
	report string
}

func runExperts(ctx context.Context, backend ChatBackend, rt *toolrt.Runtime, problemStatement string) ([]expertTranscript, error) {
	results := make([]expertTranscript, len(DefaultExperts))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for i, expert := range DefaultExperts {
		i, expert := i, expert
		g.Go(func() error {
			messages := []ChatMessage{
				{Role: "system", Content: expert.SystemPrompt},
				{Role: "user", Content: problemStatement},
			}
			final, err := ExecuteSubchat(gctx, backend, rt, messages, expert.ToolsTurnOn, reduceWrapUpDepth, reduceWrapUpTokensCnt, "")
			if err != nil {
				return errtax.New(errtax.KindTransientIO, fmt.Sprintf("locate: expert %s failed", expert.Name), err)
			}
			report := lastAssistantContent(final)

			mu.Lock()
			results[i] = expertTranscript{name: expert.Name, report: report}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func lastAssistantContent(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return messages[i].Content
		}
	}
	return ""
}

func reduce(ctx context.Context, backend ChatBackend, rt *toolrt.Runtime, problemStatement string, transcripts []expertTranscript) (ReduceOutput, error) {
	sorted := append([]expertTranscript(nil), transcripts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })

	var sb strings.Builder
	sb.WriteString("Task:\n")
	sb.WriteString(problemStatement)
	sb.WriteString("\n\n")
	for _, t := range sorted {
		sb.WriteString(fmt.Sprintf("=== %s ===\n%s\n\n", t.name, t.report))
	}

	conversation := []ChatMessage{
		{Role: "system", Content: reducerSystemPrompt},
		{Role: "user", Content: sb.String()},
	}

	out, err := ExecuteSubchatSingleIteration(ctx, backend, rt, conversation, nil, ToolChoiceNone, false)
	if err != nil {
		return ReduceOutput{}, err
	}
	content := lastAssistantContent(out)

	parsed, parseErr := parseReduceOutput(content)
	if parseErr == nil {
		return parsed, nil
	}

	// Retry exactly once with the parse error appended, per spec.md §4.8.
	out = append(out, ChatMessage{
		Role:    "user",
		Content: fmt.Sprintf("locate: cannot parse REDUCE_OUTPUT: %v. Reply again with exactly one valid REDUCE_OUTPUT block.", parseErr),
	})
	retried, err := ExecuteSubchatSingleIteration(ctx, backend, rt, out, nil, ToolChoiceNone, false)
	if err != nil {
		return ReduceOutput{}, err
	}
	content = lastAssistantContent(retried)
	parsed, parseErr = parseReduceOutput(content)
	if parseErr != nil {
		return ReduceOutput{}, errtax.New(errtax.KindParseFailure, "locate: REDUCE_OUTPUT still unparsable after retry", parseErr)
	}
	return parsed, nil
}

// parseReduceOutput extracts the JSON object following the
// "REDUCE_OUTPUT" marker (brace-depth matched, so nested objects don't
// confuse the extraction) and decodes it.
func parseReduceOutput(text string) (ReduceOutput, error) {
	const marker = "REDUCE_OUTPUT"
	idx := strings.Index(text, marker)
	if idx < 0 {
		return ReduceOutput{}, fmt.Errorf("no %s marker found", marker)
	}
	rest := text[idx+len(marker):]
	start := strings.Index(rest, "{")
	if start < 0 {
		return ReduceOutput{}, fmt.Errorf("no JSON object after %s marker", marker)
	}

	depth := 0
	end := -1
	for i, r := range rest[start:] {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = start + i + 1
			}
		}
		if end != -1 {
			break
		}
	}
	if end == -1 {
		return ReduceOutput{}, fmt.Errorf("unbalanced braces in %s block", marker)
	}

	var out ReduceOutput
	if err := json.Unmarshal([]byte(rest[start:end]), &out); err != nil {
		return ReduceOutput{}, err
	}
	return out, nil
}
