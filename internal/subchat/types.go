// Package subchat implements the Sub-chat Orchestrator of spec.md §4.8:
// a bounded planning loop that chains Tool Runtime calls against a
// remote chat backend. It is grounded on
// original_source/src/at_tools/subchat.rs (execute_subchat /
// execute_subchat_single_iteration) and att_relevant_files.rs (the
// multi-expert locate strategy), generalized to the simpler
// REDUCE_OUTPUT fenced-JSON reducer protocol spec.md §4.8 describes.
package subchat

import (
	"context"

	"github.com/codectxd/codectxd/internal/toolrt"
)

// ChatUsage mirrors the inference contract's reported token accounting
// (spec.md §6): "a function chat(messages, tools, params) ->
// {choices:[...], usage}".
type ChatUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// ToolCall is one function-call the assistant turn asked for.
type ToolCall struct {
	ID            string
	Name          string
	ArgumentsJSON string
}

// ChatMessage is the orchestrator's transcript unit. It mirrors the
// shape consumed by the Tool Runtime's ContextItem (role/content) plus
// the tool-call bookkeeping a chat backend needs.
type ChatMessage struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string     // set on role=="tool" messages, matches the ToolCall.ID it answers
	Usage      *ChatUsage // set on the assistant message that finished a model turn
}

// ChatResponse is one model turn, per spec.md §6's inference contract.
// DeterministicMessages carries messages the backend computed without a
// model round-trip (e.g. scratchpad-injected context) that must be
// spliced into the transcript ahead of Message.
type ChatResponse struct {
	Message               ChatMessage
	DeterministicMessages []ChatMessage
}

// Params are the sampling parameters passed through to the backend.
type Params struct {
	Temperature  float32
	MaxNewTokens int
}

// ChatBackend is the inference contract of spec.md §6: "a function
// chat(messages, tools, params) -> {choices:[{message:{role, content,
// tool_calls?}}], usage}". tools is the set of tool contracts currently
// enabled for this turn; toolChoice is "auto" or "none".
type ChatBackend interface {
	Chat(ctx context.Context, messages []ChatMessage, tools []toolrt.ToolSpec, toolChoice string, params Params) (ChatResponse, error)
}
