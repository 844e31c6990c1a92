package subchat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codectxd/codectxd/internal/toolrt"
)

// echoTool is a minimal toolrt.Tool double used to exercise dispatch
// without pulling in astindex/vectorindex.
type echoTool struct{ name string }

func (t echoTool) Spec() toolrt.ToolSpec {
	return toolrt.ToolSpec{Name: t.name, Params: []toolrt.ParamSpec{{Name: "q", Type: "string"}}}
}

func (t echoTool) Execute(_ context.Context, callID string, args map[string]any) (*toolrt.MutatedState, []toolrt.ContextItem, error) {
	q, _ := args["q"].(string)
	return nil, []toolrt.ContextItem{{Role: "tool", Content: "echo:" + q}}, nil
}

func newTestRuntime(names ...string) *toolrt.Runtime {
	rt := toolrt.New(nil)
	for _, n := range names {
		rt.Register(echoTool{name: n})
	}
	return rt
}

// scriptedBackend replays a fixed sequence of ChatResponse values, one
// per call to Chat, so orchestrator tests are deterministic.
type scriptedBackend struct {
	responses []ChatResponse
	calls     int
}

func (b *scriptedBackend) Chat(_ context.Context, _ []ChatMessage, _ []toolrt.ToolSpec, _ string, _ Params) (ChatResponse, error) {
	if b.calls >= len(b.responses) {
		return ChatResponse{}, assertNeverReached{}
	}
	resp := b.responses[b.calls]
	b.calls++
	return resp, nil
}

type assertNeverReached struct{}

func (assertNeverReached) Error() string { return "scriptedBackend: ran out of scripted responses" }

func TestExecuteSubchatSingleIterationDispatchesToolCalls(t *testing.T) {
	rt := newTestRuntime("search")
	backend := &scriptedBackend{responses: []ChatResponse{
		{Message: ChatMessage{
			Role:      "assistant",
			Content:   "calling search",
			ToolCalls: []ToolCall{{ID: "call-1", Name: "search", ArgumentsJSON: `{"q":"foo"}`}},
		}},
	}}

	messages := []ChatMessage{{Role: "user", Content: "find foo"}}
	result, err := ExecuteSubchatSingleIteration(context.Background(), backend, rt, messages, []string{"search"}, ToolChoiceAuto, false)
	require.NoError(t, err)

	require.Len(t, result, 3)
	assert.Equal(t, "assistant", result[1].Role)
	assert.Equal(t, "tool", result[2].Role)
	assert.Equal(t, "call-1", result[2].ToolCallID)
	assert.Equal(t, "echo:foo", result[2].Content)
}

func TestExecuteSubchatSingleIterationSkipsToolsWhenOnlyDeterministic(t *testing.T) {
	rt := newTestRuntime("search")
	backend := &scriptedBackend{responses: []ChatResponse{
		{Message: ChatMessage{
			Role:      "assistant",
			Content:   "calling search",
			ToolCalls: []ToolCall{{ID: "call-1", Name: "search", ArgumentsJSON: `{}`}},
		}},
	}}

	messages := []ChatMessage{{Role: "user", Content: "x"}}
	result, err := ExecuteSubchatSingleIteration(context.Background(), backend, rt, messages, []string{"search"}, ToolChoiceAuto, true)
	require.NoError(t, err)
	require.Len(t, result, 2)
}

func TestExecuteSubchatStopsWhenAssistantHasNoToolCalls(t *testing.T) {
	rt := newTestRuntime()
	backend := &scriptedBackend{responses: []ChatResponse{
		{Message: ChatMessage{Role: "assistant", Content: "done, no tools needed"}},
	}}

	messages := []ChatMessage{{Role: "user", Content: "trivial task"}}
	result, err := ExecuteSubchat(context.Background(), backend, rt, messages, nil, 5, 8000, "")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.calls)
	assert.Equal(t, "done, no tools needed", result[len(result)-1].Content)
}

func TestExecuteSubchatStopsAtWrapUpDepth(t *testing.T) {
	rt := newTestRuntime("search")
	loopingResponse := ChatResponse{Message: ChatMessage{
		Role:      "assistant",
		Content:   "still working",
		ToolCalls: []ToolCall{{ID: "call-x", Name: "search", ArgumentsJSON: `{}`}},
	}}
	backend := &scriptedBackend{responses: []ChatResponse{loopingResponse, loopingResponse, loopingResponse}}

	messages := []ChatMessage{{Role: "user", Content: "keep going forever"}}
	_, err := ExecuteSubchat(context.Background(), backend, rt, messages, []string{"search"}, 2, 1_000_000, "")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls, "must stop after at most wrapUpDepth model calls when the first message isn't an assistant turn")
}

func TestExecuteSubchatStopsOnTokenBudget(t *testing.T) {
	rt := newTestRuntime("search")
	backend := &scriptedBackend{responses: []ChatResponse{
		{Message: ChatMessage{
			Role:      "assistant",
			Content:   "over budget",
			ToolCalls: []ToolCall{{ID: "call-x", Name: "search", ArgumentsJSON: `{}`}},
			Usage:     &ChatUsage{PromptTokens: 9000, CompletionTokens: 2000},
		}},
	}}

	messages := []ChatMessage{{Role: "user", Content: "x"}}
	_, err := ExecuteSubchat(context.Background(), backend, rt, messages, []string{"search"}, 10, 8000, "")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.calls)
}

func TestExecuteSubchatRunsWrapUpTurnWithToolsDisabled(t *testing.T) {
	rt := newTestRuntime("search")
	backend := &scriptedBackend{responses: []ChatResponse{
		{Message: ChatMessage{
			Role:      "assistant",
			Content:   "still working",
			ToolCalls: []ToolCall{{ID: "call-x", Name: "search", ArgumentsJSON: `{}`}},
		}},
		{Message: ChatMessage{Role: "assistant", Content: "summary: did X and Y"}},
	}}

	messages := []ChatMessage{{Role: "user", Content: "x"}}
	result, err := ExecuteSubchat(context.Background(), backend, rt, messages, []string{"search"}, 1, 1_000_000, "wrap it up")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls)
	assert.Equal(t, "summary: did X and Y", result[len(result)-1].Content)

	var sawWrapUpUser bool
	for _, m := range result {
		if m.Role == "user" && m.Content == "wrap it up" {
			sawWrapUpUser = true
		}
	}
	assert.True(t, sawWrapUpUser)
}

func TestToolCallFailureBecomesToolMessageNotError(t *testing.T) {
	rt := toolrt.New(nil) // no tools registered
	backend := &scriptedBackend{responses: []ChatResponse{
		{Message: ChatMessage{
			Role:      "assistant",
			Content:   "calling missing tool",
			ToolCalls: []ToolCall{{ID: "call-1", Name: "nonexistent", ArgumentsJSON: `{}`}},
		}},
	}}

	messages := []ChatMessage{{Role: "user", Content: "x"}}
	result, err := ExecuteSubchatSingleIteration(context.Background(), backend, rt, messages, nil, ToolChoiceAuto, false)
	require.NoError(t, err)
	last := result[len(result)-1]
	assert.Equal(t, "tool", last.Role)
	assert.NotEmpty(t, last.Content)
}
