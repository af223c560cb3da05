package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/deepnoodle-ai/graphflow"
	"github.com/deepnoodle-ai/graphflow/expression"
	"github.com/deepnoodle-ai/graphflow/retry"
)

// HTTPConfig configures an HTTP node. URL, header values and body may
// contain ${...} templates. A map or list body is sent as JSON.
type HTTPConfig struct {
	URL         string            `mapstructure:"url"`
	Method      string            `mapstructure:"method"`
	Headers     map[string]string `mapstructure:"headers"`
	Body        any               `mapstructure:"body"`
	OutputField string            `mapstructure:"outputField"`
}

// Confirm the interface is implemented correctly.
var _ graphflow.NodeExecutor = (*HTTPExecutor)(nil)

// HTTPExecutor runs HTTP nodes. Server errors and 429 responses are
// returned as retryable errors; other 4xx responses are not retried.
type HTTPExecutor struct {
	client   *http.Client
	compiler expression.Compiler
}

// NewHTTPExecutor returns the HTTP executor. A nil client uses
// http.DefaultClient; request deadlines come from the node timeout.
func NewHTTPExecutor(client *http.Client, compiler expression.Compiler) *HTTPExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	if compiler == nil {
		compiler = expression.NewCompiler()
	}
	return &HTTPExecutor{client: client, compiler: compiler}
}

func (e *HTTPExecutor) SupportedTypes() []graphflow.NodeType {
	return []graphflow.NodeType{graphflow.NodeHTTP}
}

func (e *HTTPExecutor) Execute(ctx context.Context, node graphflow.NodeInfo, input map[string]any, ec *graphflow.ExecutionContext) (map[string]any, error) {
	cfg := decode[HTTPConfig](ec, node)
	if cfg.URL == "" {
		return nil, required(node, "url")
	}
	method := strings.ToUpper(withDefault(cfg.Method, http.MethodGet))

	url, err := e.renderString(ctx, cfg.URL, input)
	if err != nil {
		return nil, fmt.Errorf("failed to render url: %w", err)
	}

	// Prepare request body
	var bodyReader io.Reader
	isJSON := false
	if cfg.Body != nil {
		body, err := expression.Render(ctx, e.compiler, cfg.Body, input)
		if err != nil {
			return nil, fmt.Errorf("failed to render body: %w", err)
		}
		switch b := body.(type) {
		case string:
			bodyReader = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal JSON body: %w", err)
			}
			bodyReader = bytes.NewReader(data)
			isJSON = true
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, invalid(node, fmt.Errorf("failed to create request: %w", err))
	}
	for key, value := range cfg.Headers {
		rendered, err := e.renderString(ctx, value, input)
		if err != nil {
			return nil, fmt.Errorf("failed to render header %q: %w", key, err)
		}
		req.Header.Set(key, rendered)
	}
	if isJSON && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	ec.Logger().Debug("sending http request", "node_key", node.Key, "method", method, "url", url)
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		statusErr := fmt.Errorf("%s %s returned %s", method, url, resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, retry.NewRecoverableError(statusErr)
		}
		return nil, retry.NewNonRecoverableError(statusErr)
	}

	headers := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}
	var parsed any = string(respBody)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded any
		if err := json.Unmarshal(respBody, &decoded); err == nil {
			parsed = decoded
		}
	}
	return map[string]any{
		withDefault(cfg.OutputField, "response"): map[string]any{
			"status_code": resp.StatusCode,
			"headers":     headers,
			"body":        parsed,
		},
	}, nil
}

func (e *HTTPExecutor) renderString(ctx context.Context, raw string, input map[string]any) (string, error) {
	t, err := expression.NewTemplate(e.compiler, raw)
	if err != nil {
		return "", err
	}
	return t.Eval(ctx, input)
}

func (e *HTTPExecutor) ValidateConfig(config map[string]any) error {
	cfg, err := strict[HTTPConfig](config)
	if err != nil {
		return err
	}
	if cfg.URL == "" {
		return fmt.Errorf("url is required")
	}
	if err := oneOf("method", strings.ToUpper(cfg.Method), http.MethodGet, http.MethodHead, http.MethodPost,
		http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions); err != nil {
		return err
	}
	return compileTemplates(e.compiler, []any{cfg.URL, cfg.Body})
}
