// Package nodes implements the executors for the data, integration and
// AI node types. Together with graphflow.ControlExecutors they cover every
// node type a graph may use.
package nodes

import (
	"net/http"

	"github.com/deepnoodle-ai/graphflow"
	"github.com/deepnoodle-ai/graphflow/expression"
)

// Options holds the collaborators used by the integration executors. Any
// of them may be nil; nodes that need a missing collaborator fail with a
// configuration error.
type Options struct {
	Compiler   expression.Compiler
	ChatModel  graphflow.ChatModel
	Embedder   graphflow.Embedder
	Tools      graphflow.ToolInvoker
	HTTPClient *http.Client
}

// Executors returns an executor for every non-control node type
func Executors(opts Options) []graphflow.NodeExecutor {
	compiler := opts.Compiler
	if compiler == nil {
		compiler = expression.NewCompiler()
	}
	return []graphflow.NodeExecutor{
		NewMapperExecutor(compiler),
		NewFilterExecutor(compiler),
		&ValidatorExecutor{},
		&SplitterExecutor{},
		&MergerExecutor{},
		NewToolExecutor(opts.Tools, compiler),
		NewHTTPExecutor(opts.HTTPClient, compiler),
		NewScriptExecutor(compiler),
		NewAIExecutor(opts.ChatModel, compiler),
		NewEmbeddingExecutor(opts.Embedder),
	}
}

// NewRegistry returns a registry covering every node type
func NewRegistry(opts Options) (*graphflow.Registry, error) {
	executors := graphflow.ControlExecutors(opts.Compiler)
	executors = append(executors, Executors(opts)...)
	return graphflow.NewRegistry(executors...)
}

// ConfigValidators returns the config checks of every node type, for use
// with graphflow.WithConfigValidators when publishing.
func ConfigValidators() map[graphflow.NodeType]graphflow.ConfigValidator {
	registry, err := NewRegistry(Options{})
	if err != nil {
		panic(err)
	}
	return registry.ConfigValidators()
}
