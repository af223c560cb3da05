package graphflow

import (
	"context"
	"fmt"
	"sort"
)

// ChatMessage is a single turn of a chat conversation
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the input to a ChatModel
type ChatRequest struct {
	Model       string        `json:"model,omitempty"`
	System      string        `json:"system,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatResult is the response of a ChatModel
type ChatResult struct {
	Text         string `json:"text"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// ChatModel generates text. AI nodes call it; provider clients live
// outside this module.
type ChatModel interface {
	Generate(ctx context.Context, req ChatRequest) (*ChatResult, error)
}

// Embedder turns texts into vectors. EMBEDDING nodes call it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ToolInvoker runs a named tool. TOOL nodes call it.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, params map[string]any) (map[string]any, error)
}

// ToolFunc is a function-backed tool
type ToolFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// ToolSet is a ToolInvoker backed by a map of tool codes to functions
type ToolSet map[string]ToolFunc

// Invoke runs the named tool. An unknown tool code is a configuration
// error.
func (s ToolSet) Invoke(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
	fn, ok := s[tool]
	if !ok {
		return nil, NewConfigurationError("unknown tool %q", tool)
	}
	return fn(ctx, params)
}

// Names returns the sorted tool codes in the set
func (s ToolSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChatModelFunc adapts a function to the ChatModel interface
type ChatModelFunc func(ctx context.Context, req ChatRequest) (*ChatResult, error)

func (f ChatModelFunc) Generate(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	return f(ctx, req)
}

// EmbedderFunc adapts a function to the Embedder interface
type EmbedderFunc func(ctx context.Context, texts []string) ([][]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts to embed")
	}
	return f(ctx, texts)
}
