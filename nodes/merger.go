package nodes

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/graphflow"
)

// Merge strategies
const (
	MergeShallow = "merge"
	MergeDeep    = "deep"
)

// Conflict resolutions
const (
	PreferFirst = "prefer_first"
	PreferLast  = "prefer_last"
	MergeArrays = "merge_arrays"
)

// MergerConfig configures a MERGER node. Inputs names the variables to
// combine, in order.
type MergerConfig struct {
	Inputs             []string `mapstructure:"inputs"`
	OutputField        string   `mapstructure:"outputField"`
	Strategy           string   `mapstructure:"strategy"`
	ConflictResolution string   `mapstructure:"conflictResolution"`
}

// Source is one named value taking part in a merge
type Source struct {
	Name  string
	Value any
}

// Merge combines sources in order. Map sources are merged key by key;
// any other source is copied under its own name. Keys present in more
// than one source are resolved by conflict, and with the deep strategy
// nested maps are merged recursively.
func Merge(sources []Source, strategy, conflict string) map[string]any {
	deep := strategy == MergeDeep
	conflict = withDefault(conflict, PreferLast)
	result := map[string]any{}
	for _, source := range sources {
		m, ok := source.Value.(map[string]any)
		if !ok {
			result[source.Name] = source.Value
			continue
		}
		mergeInto(result, m, deep, conflict)
	}
	return result
}

func mergeInto(dst, src map[string]any, deep bool, conflict string) {
	for key, value := range src {
		existing, ok := dst[key]
		if !ok {
			dst[key] = value
			continue
		}
		dst[key] = resolve(existing, value, deep, conflict)
	}
}

func resolve(existing, incoming any, deep bool, conflict string) any {
	if deep {
		a, aok := existing.(map[string]any)
		b, bok := incoming.(map[string]any)
		if aok && bok {
			merged := make(map[string]any, len(a))
			for k, v := range a {
				merged[k] = v
			}
			mergeInto(merged, b, deep, conflict)
			return merged
		}
	}
	switch conflict {
	case PreferFirst:
		return existing
	case MergeArrays:
		a, aok := existing.([]any)
		b, bok := incoming.([]any)
		if aok && bok {
			merged := make([]any, 0, len(a)+len(b))
			merged = append(merged, a...)
			return append(merged, b...)
		}
	}
	return incoming
}

// Confirm the interface is implemented correctly.
var _ graphflow.NodeExecutor = (*MergerExecutor)(nil)

// MergerExecutor runs MERGER nodes
type MergerExecutor struct{}

func (e *MergerExecutor) SupportedTypes() []graphflow.NodeType {
	return []graphflow.NodeType{graphflow.NodeMerger}
}

func (e *MergerExecutor) Execute(ctx context.Context, node graphflow.NodeInfo, input map[string]any, ec *graphflow.ExecutionContext) (map[string]any, error) {
	cfg := decode[MergerConfig](ec, node)
	if len(cfg.Inputs) == 0 {
		return nil, required(node, "inputs")
	}
	sources := make([]Source, 0, len(cfg.Inputs))
	for _, name := range cfg.Inputs {
		value, ok := Lookup(input, name)
		if !ok {
			ec.Logger().Debug("merge input not set", "node_key", node.Key, "input", name)
			continue
		}
		sources = append(sources, Source{Name: name, Value: value})
	}
	merged := Merge(sources, cfg.Strategy, cfg.ConflictResolution)
	return map[string]any{
		withDefault(cfg.OutputField, "merged"): merged,
		"_source_count":                        len(sources),
	}, nil
}

func (e *MergerExecutor) ValidateConfig(config map[string]any) error {
	cfg, err := strict[MergerConfig](config)
	if err != nil {
		return err
	}
	if len(cfg.Inputs) == 0 {
		return fmt.Errorf("inputs is required")
	}
	if err := oneOf("strategy", cfg.Strategy, MergeShallow, MergeDeep); err != nil {
		return err
	}
	return oneOf("conflictResolution", cfg.ConflictResolution, PreferFirst, PreferLast, MergeArrays)
}
