package nodes

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/graphflow"
	"github.com/deepnoodle-ai/graphflow/expression"
)

// AIConfig configures an AI node. Prompt and System are templates
// rendered against the node input.
type AIConfig struct {
	Model       string  `mapstructure:"model"`
	System      string  `mapstructure:"system"`
	Prompt      string  `mapstructure:"prompt"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"maxTokens"`
	OutputField string  `mapstructure:"outputField"`
}

// Confirm the interface is implemented correctly.
var _ graphflow.NodeExecutor = (*AIExecutor)(nil)

// AIExecutor runs AI nodes against a ChatModel
type AIExecutor struct {
	model    graphflow.ChatModel
	compiler expression.Compiler
}

// NewAIExecutor returns the AI executor. With a nil model every AI node
// fails with a configuration error.
func NewAIExecutor(model graphflow.ChatModel, compiler expression.Compiler) *AIExecutor {
	if compiler == nil {
		compiler = expression.NewCompiler()
	}
	return &AIExecutor{model: model, compiler: compiler}
}

func (e *AIExecutor) SupportedTypes() []graphflow.NodeType {
	return []graphflow.NodeType{graphflow.NodeAI}
}

func (e *AIExecutor) Execute(ctx context.Context, node graphflow.NodeInfo, input map[string]any, ec *graphflow.ExecutionContext) (map[string]any, error) {
	cfg := decode[AIConfig](ec, node)
	if cfg.Prompt == "" {
		return nil, required(node, "prompt")
	}
	if e.model == nil {
		return nil, invalid(node, fmt.Errorf("no chat model configured"))
	}
	prompt, err := e.render(ctx, cfg.Prompt, input)
	if err != nil {
		return nil, fmt.Errorf("failed to render prompt: %w", err)
	}
	system, err := e.render(ctx, cfg.System, input)
	if err != nil {
		return nil, fmt.Errorf("failed to render system prompt: %w", err)
	}
	result, err := e.model.Generate(ctx, graphflow.ChatRequest{
		Model:       cfg.Model,
		System:      system,
		Messages:    []graphflow.ChatMessage{{Role: "user", Content: prompt}},
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	model := result.Model
	if model == "" {
		model = cfg.Model
	}
	return map[string]any{
		withDefault(cfg.OutputField, "response"): result.Text,
		"_model":                                 model,
		"_input_tokens":                          result.InputTokens,
		"_output_tokens":                         result.OutputTokens,
	}, nil
}

func (e *AIExecutor) render(ctx context.Context, raw string, input map[string]any) (string, error) {
	if raw == "" {
		return "", nil
	}
	t, err := expression.NewTemplate(e.compiler, raw)
	if err != nil {
		return "", err
	}
	return t.Eval(ctx, input)
}

func (e *AIExecutor) ValidateConfig(config map[string]any) error {
	cfg, err := strict[AIConfig](config)
	if err != nil {
		return err
	}
	if cfg.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if cfg.MaxTokens < 0 {
		return fmt.Errorf("maxTokens must not be negative")
	}
	return compileTemplates(e.compiler, []any{cfg.Prompt, cfg.System})
}

// EmbeddingConfig configures an EMBEDDING node. The input field holds a
// string or a list of strings.
type EmbeddingConfig struct {
	InputField  string `mapstructure:"inputField"`
	OutputField string `mapstructure:"outputField"`
}

// Confirm the interface is implemented correctly.
var _ graphflow.NodeExecutor = (*EmbeddingExecutor)(nil)

// EmbeddingExecutor runs EMBEDDING nodes against an Embedder
type EmbeddingExecutor struct {
	embedder graphflow.Embedder
}

// NewEmbeddingExecutor returns the EMBEDDING executor
func NewEmbeddingExecutor(embedder graphflow.Embedder) *EmbeddingExecutor {
	return &EmbeddingExecutor{embedder: embedder}
}

func (e *EmbeddingExecutor) SupportedTypes() []graphflow.NodeType {
	return []graphflow.NodeType{graphflow.NodeEmbedding}
}

func (e *EmbeddingExecutor) Execute(ctx context.Context, node graphflow.NodeInfo, input map[string]any, ec *graphflow.ExecutionContext) (map[string]any, error) {
	cfg := decode[EmbeddingConfig](ec, node)
	if cfg.InputField == "" {
		return nil, required(node, "inputField")
	}
	if e.embedder == nil {
		return nil, invalid(node, fmt.Errorf("no embedder configured"))
	}
	value, _ := Lookup(input, cfg.InputField)
	var texts []string
	if s, ok := value.(string); ok {
		texts = []string{s}
	} else {
		items, err := list(value)
		if err != nil {
			return nil, fmt.Errorf("input field %q: %w", cfg.InputField, err)
		}
		for _, item := range items {
			texts = append(texts, expression.String(item))
		}
	}
	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	embeddings := make([]any, len(vectors))
	dimensions := 0
	for i, vector := range vectors {
		values := make([]any, len(vector))
		for j, f := range vector {
			values[j] = float64(f)
		}
		embeddings[i] = values
		dimensions = len(vector)
	}
	return map[string]any{
		withDefault(cfg.OutputField, "embeddings"): embeddings,
		"_count":                                   len(embeddings),
		"_dimensions":                              dimensions,
	}, nil
}

func (e *EmbeddingExecutor) ValidateConfig(config map[string]any) error {
	cfg, err := strict[EmbeddingConfig](config)
	if err != nil {
		return err
	}
	if cfg.InputField == "" {
		return fmt.Errorf("inputField is required")
	}
	return nil
}
