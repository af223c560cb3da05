package nodes

import (
	"context"
	"testing"

	"github.com/deepnoodle-ai/graphflow"
	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	tests := []struct {
		name     string
		sources  []Source
		strategy string
		conflict string
		want     map[string]any
	}{
		{
			"merge arrays",
			[]Source{{"a", map[string]any{"tags": []any{"a"}}}, {"b", map[string]any{"tags": []any{"b"}}}},
			MergeShallow, MergeArrays,
			map[string]any{"tags": []any{"a", "b"}},
		},
		{
			"prefer last by default",
			[]Source{{"a", map[string]any{"x": 1, "y": 1}}, {"b", map[string]any{"x": 2}}},
			"", "",
			map[string]any{"x": 2, "y": 1},
		},
		{
			"prefer first",
			[]Source{{"a", map[string]any{"x": 1}}, {"b", map[string]any{"x": 2, "z": 3}}},
			MergeShallow, PreferFirst,
			map[string]any{"x": 1, "z": 3},
		},
		{
			"shallow replaces nested maps",
			[]Source{{"a", map[string]any{"user": map[string]any{"name": "joe"}}}, {"b", map[string]any{"user": map[string]any{"age": 3}}}},
			MergeShallow, PreferLast,
			map[string]any{"user": map[string]any{"age": 3}},
		},
		{
			"deep merges nested maps",
			[]Source{{"a", map[string]any{"user": map[string]any{"name": "joe"}}}, {"b", map[string]any{"user": map[string]any{"age": 3}}}},
			MergeDeep, PreferLast,
			map[string]any{"user": map[string]any{"name": "joe", "age": 3}},
		},
		{
			"scalars keep their name",
			[]Source{{"count", 3}, {"b", map[string]any{"x": 1}}},
			MergeShallow, PreferLast,
			map[string]any{"count": 3, "x": 1},
		},
		{
			"merge arrays falls back to last for scalars",
			[]Source{{"a", map[string]any{"x": 1}}, {"b", map[string]any{"x": 2}}},
			MergeShallow, MergeArrays,
			map[string]any{"x": 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Merge(tt.sources, tt.strategy, tt.conflict))
		})
	}
}

func TestMergeDoesNotModifySources(t *testing.T) {
	first := map[string]any{"user": map[string]any{"name": "joe"}}
	second := map[string]any{"user": map[string]any{"age": 3}}
	Merge([]Source{{"a", first}, {"b", second}}, MergeDeep, PreferLast)
	require.Equal(t, map[string]any{"name": "joe"}, first["user"])
}

func TestMergerExecutor(t *testing.T) {
	ctx := context.Background()
	executor := &MergerExecutor{}
	input := map[string]any{
		"left":  map[string]any{"tags": []any{"a"}, "id": 1},
		"right": map[string]any{"tags": []any{"b"}},
	}

	output, err := executor.Execute(ctx, nodeInfo(graphflow.NodeMerger, map[string]any{
		"inputs":             []any{"left", "right", "absent"},
		"conflictResolution": "merge_arrays",
	}), input, testContext())
	require.NoError(t, err)
	require.Equal(t, map[string]any{"tags": []any{"a", "b"}, "id": 1}, output["merged"])
	require.Equal(t, 2, output["_source_count"])

	_, err = executor.Execute(ctx, nodeInfo(graphflow.NodeMerger, nil), input, testContext())
	requireConfigError(t, err)

	require.NoError(t, executor.ValidateConfig(map[string]any{"inputs": []any{"a"}, "strategy": "deep"}))
	require.Error(t, executor.ValidateConfig(map[string]any{}))
	require.Error(t, executor.ValidateConfig(map[string]any{"inputs": []any{"a"}, "strategy": "zip"}))
	require.Error(t, executor.ValidateConfig(map[string]any{"inputs": []any{"a"}, "conflictResolution": "random"}))
}
