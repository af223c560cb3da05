package nodes

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/deepnoodle-ai/graphflow"
)

// Validation rule types
const (
	RuleRequired  = "required"
	RuleType      = "type"
	RuleMinLength = "minLength"
	RuleMaxLength = "maxLength"
	RulePattern   = "pattern"
	RuleRange     = "range"
	RuleEnum      = "enum"
)

// ValidationRule checks one field of the input. Expected names the type
// for "type" rules: string, number, boolean, array or object.
type ValidationRule struct {
	Field    string   `mapstructure:"field"`
	Type     string   `mapstructure:"type"`
	Expected string   `mapstructure:"expected"`
	Length   int      `mapstructure:"length"`
	Pattern  string   `mapstructure:"pattern"`
	Min      *float64 `mapstructure:"min"`
	Max      *float64 `mapstructure:"max"`
	Values   []any    `mapstructure:"values"`
	Message  string   `mapstructure:"message"`
}

// ValidatorConfig configures a VALIDATOR node
type ValidatorConfig struct {
	Rules    []ValidationRule `mapstructure:"rules"`
	FailFast bool             `mapstructure:"failFast"`
}

// ValidationIssue is one failed rule
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Check validates a record against the rules. Rules other than "required"
// skip fields that are absent. With failFast the first issue ends the
// check.
func Check(input map[string]any, rules []ValidationRule, failFast bool) ([]ValidationIssue, error) {
	var issues []ValidationIssue
	for _, rule := range rules {
		message, err := checkRule(input, rule)
		if err != nil {
			return nil, fmt.Errorf("rule for %q: %w", rule.Field, err)
		}
		if message == "" {
			continue
		}
		if rule.Message != "" {
			message = rule.Message
		}
		issues = append(issues, ValidationIssue{Field: rule.Field, Message: message})
		if failFast {
			break
		}
	}
	return issues, nil
}

func checkRule(input map[string]any, rule ValidationRule) (string, error) {
	value, present := Lookup(input, rule.Field)
	if present && value == nil {
		present = false
	}
	if rule.Type == RuleRequired {
		if !present {
			return fmt.Sprintf("%s is required", rule.Field), nil
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return fmt.Sprintf("%s is required", rule.Field), nil
		}
		return "", nil
	}
	if !present {
		return "", nil
	}
	switch rule.Type {
	case RuleType:
		if typeName(value) != rule.Expected {
			return fmt.Sprintf("%s must be of type %s", rule.Field, rule.Expected), nil
		}
	case RuleMinLength:
		if n, ok := length(value); ok && n < rule.Length {
			return fmt.Sprintf("%s must have length of at least %d", rule.Field, rule.Length), nil
		}
	case RuleMaxLength:
		if n, ok := length(value); ok && n > rule.Length {
			return fmt.Sprintf("%s must have length of at most %d", rule.Field, rule.Length), nil
		}
	case RulePattern:
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return "", err
		}
		s, ok := value.(string)
		if !ok || !re.MatchString(s) {
			return fmt.Sprintf("%s does not match pattern %s", rule.Field, rule.Pattern), nil
		}
	case RuleRange:
		n, ok := toFloat(value)
		if !ok {
			return fmt.Sprintf("%s must be a number", rule.Field), nil
		}
		if (rule.Min != nil && n < *rule.Min) || (rule.Max != nil && n > *rule.Max) {
			return fmt.Sprintf("%s is out of range", rule.Field), nil
		}
	case RuleEnum:
		for _, allowed := range rule.Values {
			if equal(value, allowed) {
				return "", nil
			}
		}
		return fmt.Sprintf("%s must be one of %v", rule.Field, rule.Values), nil
	default:
		return "", fmt.Errorf("unknown rule type %q", rule.Type)
	}
	return "", nil
}

func typeName(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	}
	if isNumber(value) {
		return "number"
	}
	if _, err := list(value); err == nil {
		return "array"
	}
	return fmt.Sprintf("%T", value)
}

func validateRules(rules []ValidationRule) error {
	for i, rule := range rules {
		if rule.Field == "" {
			return fmt.Errorf("rule %d: field is required", i)
		}
		if err := oneOf("rule type", rule.Type, RuleRequired, RuleType, RuleMinLength,
			RuleMaxLength, RulePattern, RuleRange, RuleEnum); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if rule.Type == "" {
			return fmt.Errorf("rule %d: type is required", i)
		}
		if rule.Type == RuleType {
			if err := oneOf("expected type", rule.Expected, "string", "number", "boolean", "array", "object"); err != nil {
				return fmt.Errorf("rule %d: %w", i, err)
			}
		}
		if rule.Type == RulePattern {
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return fmt.Errorf("rule %d: invalid pattern: %w", i, err)
			}
		}
	}
	return nil
}

// Confirm the interface is implemented correctly.
var _ graphflow.NodeExecutor = (*ValidatorExecutor)(nil)

// ValidatorExecutor runs VALIDATOR nodes. A record that fails validation
// is reported in the output, not as an error; routing on "valid" is left
// to the node's edges.
type ValidatorExecutor struct{}

func (e *ValidatorExecutor) SupportedTypes() []graphflow.NodeType {
	return []graphflow.NodeType{graphflow.NodeValidator}
}

func (e *ValidatorExecutor) Execute(ctx context.Context, node graphflow.NodeInfo, input map[string]any, ec *graphflow.ExecutionContext) (map[string]any, error) {
	cfg := decode[ValidatorConfig](ec, node)
	if len(cfg.Rules) == 0 {
		return nil, required(node, "rules")
	}
	if err := validateRules(cfg.Rules); err != nil {
		return nil, invalid(node, err)
	}
	issues, err := Check(input, cfg.Rules, cfg.FailFast)
	if err != nil {
		return nil, invalid(node, err)
	}
	errs := make([]any, len(issues))
	for i, issue := range issues {
		errs[i] = map[string]any{"field": issue.Field, "message": issue.Message}
	}
	return map[string]any{
		"valid":        len(issues) == 0,
		"errors":       errs,
		"_error_count": len(issues),
	}, nil
}

func (e *ValidatorExecutor) ValidateConfig(config map[string]any) error {
	cfg, err := strict[ValidatorConfig](config)
	if err != nil {
		return err
	}
	if len(cfg.Rules) == 0 {
		return fmt.Errorf("rules is required")
	}
	return validateRules(cfg.Rules)
}
