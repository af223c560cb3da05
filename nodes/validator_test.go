package nodes

import (
	"context"
	"testing"

	"github.com/deepnoodle-ai/graphflow"
	"github.com/stretchr/testify/require"
)

func TestValidatorRules(t *testing.T) {
	five, ten := 5.0, 10.0
	input := map[string]any{
		"email":  "joe@example.com",
		"name":   "joe",
		"age":    7,
		"tags":   []any{"a", "b"},
		"status": "open",
		"blank":  "  ",
	}
	tests := []struct {
		name  string
		rule  ValidationRule
		valid bool
	}{
		{"required present", ValidationRule{Field: "email", Type: RuleRequired}, true},
		{"required missing", ValidationRule{Field: "phone", Type: RuleRequired}, false},
		{"required blank", ValidationRule{Field: "blank", Type: RuleRequired}, false},
		{"type string", ValidationRule{Field: "name", Type: RuleType, Expected: "string"}, true},
		{"type number", ValidationRule{Field: "age", Type: RuleType, Expected: "number"}, true},
		{"type array", ValidationRule{Field: "tags", Type: RuleType, Expected: "array"}, true},
		{"type mismatch", ValidationRule{Field: "age", Type: RuleType, Expected: "string"}, false},
		{"absent field skipped", ValidationRule{Field: "phone", Type: RuleType, Expected: "string"}, true},
		{"min length", ValidationRule{Field: "name", Type: RuleMinLength, Length: 4}, false},
		{"max length", ValidationRule{Field: "tags", Type: RuleMaxLength, Length: 2}, true},
		{"pattern", ValidationRule{Field: "email", Type: RulePattern, Pattern: `^[^@]+@[^@]+$`}, true},
		{"pattern mismatch", ValidationRule{Field: "name", Type: RulePattern, Pattern: `^\d+$`}, false},
		{"range", ValidationRule{Field: "age", Type: RuleRange, Min: &five, Max: &ten}, true},
		{"out of range", ValidationRule{Field: "age", Type: RuleRange, Max: &five}, false},
		{"enum", ValidationRule{Field: "status", Type: RuleEnum, Values: []any{"open", "closed"}}, true},
		{"not in enum", ValidationRule{Field: "status", Type: RuleEnum, Values: []any{"closed"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues, err := Check(input, []ValidationRule{tt.rule}, false)
			require.NoError(t, err)
			require.Equal(t, tt.valid, len(issues) == 0, "issues: %v", issues)
		})
	}
}

func TestValidatorCustomMessage(t *testing.T) {
	issues, err := Check(map[string]any{}, []ValidationRule{
		{Field: "email", Type: RuleRequired, Message: "we need your email"},
	}, false)
	require.NoError(t, err)
	require.Equal(t, []ValidationIssue{{Field: "email", Message: "we need your email"}}, issues)
}

func TestValidatorExecutor(t *testing.T) {
	ctx := context.Background()
	executor := &ValidatorExecutor{}
	rules := []any{
		map[string]any{"field": "email", "type": "required"},
		map[string]any{"field": "name", "type": "minLength", "length": 10},
	}

	output, err := executor.Execute(ctx, nodeInfo(graphflow.NodeValidator, map[string]any{
		"rules": rules[:1],
	}), map[string]any{"email": ""}, testContext())
	require.NoError(t, err)
	require.Equal(t, false, output["valid"])
	require.Equal(t, 1, output["_error_count"])
	require.Equal(t, []any{map[string]any{"field": "email", "message": "email is required"}}, output["errors"])

	input := map[string]any{"name": "joe"}
	output, err = executor.Execute(ctx, nodeInfo(graphflow.NodeValidator, map[string]any{"rules": rules}), input, testContext())
	require.NoError(t, err)
	require.Equal(t, 2, output["_error_count"])

	output, err = executor.Execute(ctx, nodeInfo(graphflow.NodeValidator, map[string]any{
		"rules":    rules,
		"failFast": true,
	}), input, testContext())
	require.NoError(t, err)
	require.Equal(t, 1, output["_error_count"])

	output, err = executor.Execute(ctx, nodeInfo(graphflow.NodeValidator, map[string]any{"rules": rules}),
		map[string]any{"email": "a@b.c", "name": "josephine-long"}, testContext())
	require.NoError(t, err)
	require.Equal(t, true, output["valid"])
	require.Equal(t, []any{}, output["errors"])

	_, err = executor.Execute(ctx, nodeInfo(graphflow.NodeValidator, nil), input, testContext())
	requireConfigError(t, err)

	require.NoError(t, executor.ValidateConfig(map[string]any{"rules": rules}))
	require.Error(t, executor.ValidateConfig(map[string]any{"rules": []any{}}))
	require.Error(t, executor.ValidateConfig(map[string]any{
		"rules": []any{map[string]any{"field": "a", "type": "luhn"}},
	}))
	require.Error(t, executor.ValidateConfig(map[string]any{
		"rules": []any{map[string]any{"field": "a", "type": "pattern", "pattern": "("}},
	}))
	require.Error(t, executor.ValidateConfig(map[string]any{
		"rules": []any{map[string]any{"type": "required"}},
	}))
}
