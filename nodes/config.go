package nodes

import (
	"fmt"

	"github.com/deepnoodle-ai/graphflow"
)

// decode reads a node config into a typed struct. A config that cannot be
// decoded is replaced by the zero config and a warning is logged, so a
// typo in an optional field does not abort the node.
func decode[T any](ec *graphflow.ExecutionContext, node graphflow.NodeInfo) T {
	var cfg T
	if err := graphflow.DecodeConfig(node.Config, &cfg); err != nil {
		ec.Logger().Warn("invalid node config, using defaults",
			"node_key", node.Key,
			"node_type", node.Type,
			"error", err)
		var zero T
		return zero
	}
	return cfg
}

// strict decodes a config for publish-time validation, where any decode
// failure is reported.
func strict[T any](config map[string]any) (T, error) {
	var cfg T
	if err := graphflow.DecodeConfig(config, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func required(node graphflow.NodeInfo, field string) error {
	return &graphflow.ConfigurationError{
		NodeKey:  node.Key,
		NodeType: node.Type,
		Cause:    fmt.Sprintf("%s is required", field),
	}
}

func invalid(node graphflow.NodeInfo, err error) error {
	return &graphflow.ConfigurationError{
		NodeKey:  node.Key,
		NodeType: node.Type,
		Cause:    err.Error(),
		Wrapped:  err,
	}
}

func oneOf(field, value string, allowed ...string) error {
	if value == "" {
		return nil
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("unknown %s %q", field, value)
}

func withDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
