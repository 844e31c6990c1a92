package subchat

import (
	"context"
	"log/slog"

	"github.com/codectxd/codectxd/internal/errtax"
	"github.com/codectxd/codectxd/internal/toolrt"
)

// DefaultTemperature and DefaultMaxNewTokens mirror subchat.rs's
// TEMPERATURE / MAX_NEW_TOKENS constants.
const (
	DefaultTemperature  = 0.2
	DefaultMaxNewTokens = 4096
)

// ToolChoiceAuto lets the model decide whether to call a tool.
// ToolChoiceNone disables tool use for the turn (used for wrap-up).
const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
)

// specsFor narrows rt's registered tool specs down to the subset named
// in toolsTurnOn, preserving rt.Specs' deterministic sort order.
func specsFor(rt *toolrt.Runtime, toolsTurnOn []string) []toolrt.ToolSpec {
	if toolsTurnOn == nil {
		return nil
	}
	on := make(map[string]bool, len(toolsTurnOn))
	for _, name := range toolsTurnOn {
		on[name] = true
	}
	var out []toolrt.ToolSpec
	for _, spec := range rt.Specs() {
		if on[spec.Name] {
			out = append(out, spec)
		}
	}
	return out
}

// ExecuteSubchatSingleIteration runs one round-trip per spec.md §4.8:
// compose a chat request with exactly tools_turn_on enabled, receive a
// single assistant turn, execute any deterministic pre-messages and any
// tool calls the turn requested (unless onlyDeterministic), and return
// the extended message list.
func ExecuteSubchatSingleIteration(
	ctx context.Context,
	backend ChatBackend,
	rt *toolrt.Runtime,
	messages []ChatMessage,
	toolsTurnOn []string,
	toolChoice string,
	onlyDeterministic bool,
) ([]ChatMessage, error) {
	tools := specsFor(rt, toolsTurnOn)

	resp, err := backend.Chat(ctx, messages, tools, toolChoice, Params{
		Temperature:  DefaultTemperature,
		MaxNewTokens: DefaultMaxNewTokens,
	})
	if err != nil {
		return nil, errtax.New(errtax.KindTransientIO, "chat backend request failed", err)
	}

	result := make([]ChatMessage, len(messages), len(messages)+len(resp.DeterministicMessages)+1+len(resp.Message.ToolCalls))
	copy(result, messages)
	result = append(result, resp.DeterministicMessages...)
	result = append(result, resp.Message)

	if onlyDeterministic || resp.Message.Role != "assistant" || len(resp.Message.ToolCalls) == 0 {
		return result, nil
	}

	for _, call := range resp.Message.ToolCalls {
		result = append(result, runToolCall(ctx, rt, call))
	}
	return result, nil
}

// runToolCall dispatches one tool call through the Tool Runtime and
// converts its outcome into a "tool" role message. Per spec.md §7,
// "tool outputs never raise": a dispatch error becomes the tool
// message's content rather than propagating.
func runToolCall(ctx context.Context, rt *toolrt.Runtime, call ToolCall) ChatMessage {
	_, items, err := rt.Dispatch(ctx, call.ID, call.Name, call.ArgumentsJSON)
	if err != nil {
		slog.Warn("subchat tool call failed", "tool", call.Name, "call_id", call.ID, "error", err)
		return ChatMessage{Role: "tool", Content: err.Error(), ToolCallID: call.ID}
	}
	var content string
	for _, item := range items {
		if content != "" {
			content += "\n"
		}
		content += item.Content
	}
	return ChatMessage{Role: "tool", Content: content, ToolCallID: call.ID}
}

// ExecuteSubchat runs the bounded planning loop of spec.md §4.8:
// repeat ExecuteSubchatSingleIteration until the last assistant message
// has no tool calls, step_n reaches wrapUpDepth, or the last assistant's
// reported usage reaches wrapUpTokensCnt — in that order. If
// wrapUpPrompt is non-empty, a final tools-disabled iteration appends it
// as a user turn and asks for a summary before returning.
func ExecuteSubchat(
	ctx context.Context,
	backend ChatBackend,
	rt *toolrt.Runtime,
	messages []ChatMessage,
	toolsTurnOn []string,
	wrapUpDepth int,
	wrapUpTokensCnt int,
	wrapUpPrompt string,
) ([]ChatMessage, error) {
	result := append([]ChatMessage(nil), messages...)
	stepN := 0

	for {
		if done, err := shouldStop(result, stepN, wrapUpDepth, wrapUpTokensCnt); err != nil {
			return nil, err
		} else if done {
			break
		}

		next, err := ExecuteSubchatSingleIteration(ctx, backend, rt, result, toolsTurnOn, ToolChoiceAuto, false)
		if err != nil {
			return nil, err
		}
		result = next
		stepN++
	}

	if wrapUpPrompt == "" {
		return result, nil
	}

	result = append(result, ChatMessage{Role: "user", Content: wrapUpPrompt})
	return ExecuteSubchatSingleIteration(ctx, backend, rt, result, nil, ToolChoiceNone, false)
}

// shouldStop evaluates the three exit conditions of spec.md §4.8 (a)-(c)
// against the last message of the transcript so far.
func shouldStop(messages []ChatMessage, stepN, wrapUpDepth, wrapUpTokensCnt int) (bool, error) {
	if len(messages) == 0 {
		return false, errtax.New(errtax.KindFatal, "subchat: empty transcript", nil)
	}
	last := messages[len(messages)-1]
	if last.Role != "assistant" {
		return false, nil
	}
	if len(last.ToolCalls) == 0 {
		return true, nil // (a) model considers itself done
	}
	if stepN >= wrapUpDepth {
		return true, nil // (b) depth budget exhausted
	}
	if last.Usage != nil && last.Usage.PromptTokens+last.Usage.CompletionTokens >= wrapUpTokensCnt {
		return true, nil // (c) token budget exhausted
	}
	return false, nil
}
