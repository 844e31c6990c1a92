package subchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codectxd/codectxd/internal/errtax"
	"github.com/codectxd/codectxd/internal/toolrt"
)

// OllamaChatConfig configures OllamaChatBackend. It mirrors
// internal/embed.OllamaConfig's shape (Host/Model/Timeout/MaxRetries),
// narrowed to what a chat completion round-trip needs.
type OllamaChatConfig struct {
	Host       string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	PoolSize   int
}

const (
	defaultOllamaChatTimeout    = 60 * time.Second
	defaultOllamaChatMaxRetries = 3
	defaultOllamaChatPoolSize   = 4
)

// OllamaChatBackend implements ChatBackend against Ollama's /api/chat
// endpoint. It follows internal/embed.OllamaEmbedder's HTTP idiom: a
// pooled transport, per-request context timeouts rather than a static
// client timeout, and exponential-backoff retry on transient failures.
type OllamaChatBackend struct {
	client    *http.Client
	transport *http.Transport
	cfg       OllamaChatConfig
}

// NewOllamaChatBackend builds a chat backend for the given config,
// applying the same defaults internal/embed.DefaultOllamaConfig uses.
func NewOllamaChatBackend(cfg OllamaChatConfig) *OllamaChatBackend {
	if cfg.Host == "" {
		cfg.Host = "http://localhost:11434"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultOllamaChatTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultOllamaChatMaxRetries
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultOllamaChatPoolSize
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     10 * time.Second,
	}

	return &OllamaChatBackend{
		// No client.Timeout: per-request context.WithTimeout below carries
		// the deadline, same reasoning as internal/embed.OllamaEmbedder.
		client:    &http.Client{Transport: transport},
		transport: transport,
		cfg:       cfg,
	}
}

// Close releases pooled connections.
func (b *OllamaChatBackend) Close() {
	b.transport.CloseIdleConnections()
}

type ollamaChatMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls []ollamaToolUse `json:"tool_calls,omitempty"`
}

type ollamaToolUse struct {
	Function ollamaToolCallFunc `json:"function"`
}

type ollamaToolCallFunc struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaChatTool struct {
	Type     string              `json:"type"`
	Function ollamaToolFunctionDef `json:"function"`
}

type ollamaToolFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []ollamaChatTool    `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  ollamaChatOptions   `json:"options"`
}

type ollamaChatOptions struct {
	Temperature float32 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaChatResponse struct {
	Message struct {
		Role      string          `json:"role"`
		Content   string          `json:"content"`
		ToolCalls []ollamaToolUse `json:"tool_calls"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// Chat implements ChatBackend by POSTing to {Host}/api/chat.
func (b *OllamaChatBackend) Chat(ctx context.Context, messages []ChatMessage, tools []toolrt.ToolSpec, toolChoice string, params Params) (ChatResponse, error) {
	req := ollamaChatRequest{
		Model:    b.cfg.Model,
		Messages: toOllamaMessages(messages),
		Stream:   false,
		Options: ollamaChatOptions{
			Temperature: params.Temperature,
			NumPredict:  params.MaxNewTokens,
		},
	}
	if toolChoice != ToolChoiceNone {
		req.Tools = toOllamaTools(tools)
	}

	body, err := b.doWithRetry(ctx, req)
	if err != nil {
		return ChatResponse{}, err
	}

	msg := ChatMessage{
		Role:    "assistant",
		Content: body.Message.Content,
		Usage: &ChatUsage{
			PromptTokens:     body.PromptEvalCount,
			CompletionTokens: body.EvalCount,
		},
	}
	for i, tc := range body.Message.ToolCalls {
		argsJSON, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			return ChatResponse{}, errtax.New(errtax.KindParseFailure, "ollama: cannot encode tool call arguments", err)
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:            fmt.Sprintf("ollama-call-%d", i),
			Name:          tc.Function.Name,
			ArgumentsJSON: string(argsJSON),
		})
	}
	return ChatResponse{Message: msg}, nil
}

func toOllamaMessages(messages []ChatMessage) []ollamaChatMessage {
	out := make([]ollamaChatMessage, len(messages))
	for i, m := range messages {
		role := m.Role
		if role == "tool" {
			// Ollama has no distinct "tool" role; fold the tool result back
			// in as a user turn so the model sees it on the next round-trip.
			role = "user"
		}
		out[i] = ollamaChatMessage{Role: role, Content: m.Content}
	}
	return out
}

func toOllamaTools(tools []toolrt.ToolSpec) []ollamaChatTool {
	out := make([]ollamaChatTool, len(tools))
	for i, t := range tools {
		out[i] = ollamaChatTool{
			Type: "function",
			Function: ollamaToolFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  paramSpecsToJSONSchema(t.Params),
			},
		}
	}
	return out
}

// paramSpecsToJSONSchema renders a tool's ParamSpec list as the JSON
// schema object Ollama's function-calling API expects for "parameters".
func paramSpecsToJSONSchema(params []toolrt.ParamSpec) map[string]any {
	props := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Type == "array" && p.Items != "" {
			prop["items"] = map[string]any{"type": p.Items}
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// doWithRetry mirrors internal/embed.OllamaEmbedder's
// doEmbedWithRetry: exponential backoff (100ms * 2^attempt) on
// transient HTTP/network failures, context-cancellable between
// attempts.
func (b *OllamaChatBackend) doWithRetry(ctx context.Context, req ollamaChatRequest) (*ollamaChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt < b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := 100 * time.Millisecond * (1 << uint(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := b.doOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, errtax.New(errtax.KindTransientIO, "ollama: chat request failed after retries", lastErr)
}

func (b *OllamaChatBackend) doOnce(ctx context.Context, req ollamaChatRequest) (*ollamaChatResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode ollama chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, b.cfg.Host+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build ollama chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama chat request: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ollama chat response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama chat request failed: status %d: %s", httpResp.StatusCode, string(data))
	}

	var out ollamaChatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode ollama chat response: %w", err)
	}
	return &out, nil
}
