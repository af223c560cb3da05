package nodes

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/deepnoodle-ai/graphflow"
	"github.com/deepnoodle-ai/graphflow/expression"
)

// Split strategies
const (
	StrategyDelimiter = "delimiter"
	StrategyLength    = "length"
	StrategySentence  = "sentence"
	StrategyParagraph = "paragraph"
)

const (
	defaultDelimiter = "\n"
	defaultMaxLength = 1000
)

var (
	sentenceEnd    = regexp.MustCompile(`[^.!?]+[.!?]*`)
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
)

// SplitterConfig configures a SPLITTER node
type SplitterConfig struct {
	InputField  string `mapstructure:"inputField"`
	OutputField string `mapstructure:"outputField"`
	Strategy    string `mapstructure:"strategy"`
	Delimiter   string `mapstructure:"delimiter"`
	MaxLength   int    `mapstructure:"maxLength"`
	Overlap     int    `mapstructure:"overlap"`
	GroupSize   int    `mapstructure:"groupSize"`
}

// Split divides text into chunks using the configured strategy.
// Whitespace-only chunks are discarded.
func Split(text string, cfg SplitterConfig) ([]string, error) {
	var chunks []string
	switch withDefault(cfg.Strategy, StrategyDelimiter) {
	case StrategyDelimiter:
		chunks = SplitByDelimiter(text, withDefault(cfg.Delimiter, defaultDelimiter))
	case StrategyLength:
		maxLength := cfg.MaxLength
		if maxLength <= 0 {
			maxLength = defaultMaxLength
		}
		chunks = SplitByLength(text, maxLength, cfg.Overlap)
	case StrategySentence:
		chunks = SplitBySentence(text, cfg.GroupSize)
	case StrategyParagraph:
		chunks = SplitByParagraph(text, cfg.GroupSize)
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}
	kept := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if strings.TrimSpace(chunk) != "" {
			kept = append(kept, chunk)
		}
	}
	return kept, nil
}

// SplitByDelimiter splits on a delimiter and trims each piece
func SplitByDelimiter(text, delimiter string) []string {
	parts := strings.Split(text, delimiter)
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	return parts
}

// SplitByLength cuts text into windows of at most maxLength characters.
// Consecutive windows share overlap characters. The last window ends at
// the end of the text.
func SplitByLength(text string, maxLength, overlap int) []string {
	runes := []rune(text)
	if maxLength <= 0 || len(runes) == 0 {
		return nil
	}
	step := maxLength - overlap
	if overlap < 0 || step <= 0 {
		step = maxLength
	}
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := min(start+maxLength, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// SplitBySentence splits text at sentence terminators and joins every
// groupSize sentences into one chunk.
func SplitBySentence(text string, groupSize int) []string {
	var sentences []string
	for _, s := range sentenceEnd.FindAllString(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	return group(sentences, groupSize, " ")
}

// SplitByParagraph splits text at blank lines and joins every groupSize
// paragraphs into one chunk.
func SplitByParagraph(text string, groupSize int) []string {
	var paragraphs []string
	for _, p := range paragraphBreak.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return group(paragraphs, groupSize, "\n\n")
}

func group(parts []string, size int, sep string) []string {
	if size <= 1 {
		return parts
	}
	var chunks []string
	for start := 0; start < len(parts); start += size {
		end := min(start+size, len(parts))
		chunks = append(chunks, strings.Join(parts[start:end], sep))
	}
	return chunks
}

// Confirm the interface is implemented correctly.
var _ graphflow.NodeExecutor = (*SplitterExecutor)(nil)

// SplitterExecutor runs SPLITTER nodes
type SplitterExecutor struct{}

func (e *SplitterExecutor) SupportedTypes() []graphflow.NodeType {
	return []graphflow.NodeType{graphflow.NodeSplitter}
}

func (e *SplitterExecutor) Execute(ctx context.Context, node graphflow.NodeInfo, input map[string]any, ec *graphflow.ExecutionContext) (map[string]any, error) {
	cfg := decode[SplitterConfig](ec, node)
	if cfg.InputField == "" {
		return nil, required(node, "inputField")
	}
	value, _ := Lookup(input, cfg.InputField)
	chunks, err := Split(expression.String(value), cfg)
	if err != nil {
		return nil, invalid(node, err)
	}
	items := make([]any, len(chunks))
	total := 0
	for i, chunk := range chunks {
		items[i] = chunk
		total += len([]rune(chunk))
	}
	average := 0.0
	if len(chunks) > 0 {
		average = float64(total) / float64(len(chunks))
	}
	return map[string]any{
		withDefault(cfg.OutputField, "chunks"): items,
		"_chunk_count":                         len(chunks),
		"_average_chunk_length":                average,
	}, nil
}

func (e *SplitterExecutor) ValidateConfig(config map[string]any) error {
	cfg, err := strict[SplitterConfig](config)
	if err != nil {
		return err
	}
	if cfg.InputField == "" {
		return fmt.Errorf("inputField is required")
	}
	if err := oneOf("strategy", cfg.Strategy, StrategyDelimiter, StrategyLength, StrategySentence, StrategyParagraph); err != nil {
		return err
	}
	if cfg.MaxLength < 0 || cfg.Overlap < 0 || cfg.GroupSize < 0 {
		return fmt.Errorf("maxLength, overlap and groupSize must not be negative")
	}
	if cfg.MaxLength > 0 && cfg.Overlap >= cfg.MaxLength {
		return fmt.Errorf("overlap must be smaller than maxLength")
	}
	return nil
}
