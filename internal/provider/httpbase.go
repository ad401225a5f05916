package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"taskflow/internal/logging"
	"taskflow/internal/taskerr"
	"taskflow/internal/token"
)

// baseClient holds the fields and helpers shared by the HTTP-backed provider
// clients. Configuration is guarded so Configure/SetAPIKey are safe while
// calls are in flight.
type baseClient struct {
	name string

	mu           sync.RWMutex
	baseURL      string
	apiKey       string
	defaultModel string
	headers      map[string]string

	httpClient *http.Client
	logger     logging.Logger

	models  *modelTable
	catalog *Catalog
}

func newBaseClient(name, defaultBaseURL, defaultModel string, builtin []ModelInfo, logger logging.Logger) baseClient {
	return baseClient{
		name:         name,
		baseURL:      defaultBaseURL,
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		logger:       logging.OrNop(logger),
		models:       newModelTable(name, builtin),
		catalog:      sharedCatalog,
	}
}

func (c *baseClient) Name() string { return c.name }

// DefaultModel returns the model used when a request names none.
func (c *baseClient) DefaultModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultModel
}

func (c *baseClient) SetAPIKey(key string) {
	c.mu.Lock()
	c.apiKey = key
	c.mu.Unlock()
}

func (c *baseClient) Configure(cfg ClientConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.BaseURL != "" {
		c.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.APIKey != "" {
		c.apiKey = cfg.APIKey
	}
	if cfg.DefaultModel != "" {
		c.defaultModel = cfg.DefaultModel
	}
	if cfg.Headers != nil {
		c.headers = cfg.Headers
	}
}

func (c *baseClient) SetDynamicModels(models []ModelInfo) {
	c.models.setDynamic(models)
}

func (c *baseClient) GetModelInfo(name string) (ModelInfo, bool) {
	return c.models.lookup(name)
}

func (c *baseClient) EstimateTokens(text string) int {
	return token.Count(text)
}

// snapshot copies the mutable configuration under the read lock.
func (c *baseClient) snapshot() (baseURL, apiKey, defaultModel string, headers map[string]string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL, c.apiKey, c.defaultModel, c.headers
}

// model picks the request model, falling back to the client default.
func (c *baseClient) model(cfg RequestConfig) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	return c.DefaultModel()
}

// doJSON posts a JSON body with bearer auth and returns the raw response.
// The caller closes resp.Body.
func (c *baseClient) doJSON(ctx context.Context, method, endpoint string, body []byte, extraHeaders map[string]string) (*http.Response, error) {
	_, apiKey, _, headers := c.snapshot()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for k, v := range extraHeaders {
		if v == "" {
			// An empty override removes a default header (e.g. the bearer
			// token when a provider authenticates differently).
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}

	c.logger.Debug("=== %s request ===", c.name)
	c.logger.Debug("URL: %s %s", method, endpoint)
	if body != nil {
		c.logger.Debug("Body: %s", redactDataURIs(body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportError(c.name, err)
	}
	c.logger.Debug("Status: %d %s", resp.StatusCode, resp.Status)
	return resp, nil
}

// readError drains an error response and maps it onto the taxonomy. The
// status code travels on the error so retry classification can see 429/5xx.
func readError(provider string, resp *http.Response) *taskerr.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	message := strings.TrimSpace(string(body))

	// Most APIs wrap errors as {"error": {"message": ...}}.
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
		if envelope.Error.Type != "" {
			message = envelope.Error.Type + ": " + envelope.Error.Message
		}
	}

	e := taskerr.New(taskerr.KindProvider, "%s returned HTTP %d: %s", provider, resp.StatusCode, message).WithProvider(provider)
	e.StatusCode = resp.StatusCode
	e.Retryable = taskerr.Retryable(e)
	return e
}

// wrapTransportError converts net-level failures, preserving cancellation.
func wrapTransportError(provider string, err error) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}
	e := taskerr.Wrap(taskerr.KindProvider, err, "%s request failed", provider).WithProvider(provider)
	e.Retryable = taskerr.Retryable(err)
	return e
}

func contextError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return taskerr.Wrap(taskerr.KindCancelled, err, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return taskerr.Wrap(taskerr.KindTimeout, err, "request deadline exceeded")
	default:
		return nil
	}
}

var dataURIPattern = regexp.MustCompile(`"data:[^;"]+;base64,[^"]{64}[^"]*"`)

// redactDataURIs keeps debug logs readable when messages embed images.
func redactDataURIs(body []byte) string {
	return dataURIPattern.ReplaceAllString(string(body), `"data:...(base64 omitted)"`)
}

// modelTable merges builtin model metadata with dynamically fetched entries.
type modelTable struct {
	mu       sync.RWMutex
	provider string
	builtin  []ModelInfo
	dynamic  []ModelInfo
}

func newModelTable(provider string, builtin []ModelInfo) *modelTable {
	for i := range builtin {
		builtin[i].Provider = provider
	}
	return &modelTable{provider: provider, builtin: builtin}
}

func (t *modelTable) setDynamic(models []ModelInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dynamic = make([]ModelInfo, len(models))
	copy(t.dynamic, models)
	for i := range t.dynamic {
		if t.dynamic[i].Provider == "" {
			t.dynamic[i].Provider = t.provider
		}
	}
}

func (t *modelTable) lookup(name string) (ModelInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.dynamic {
		if m.Name == name {
			return m, true
		}
	}
	for _, m := range t.builtin {
		if m.Name == name {
			return m, true
		}
	}
	return ModelInfo{}, false
}

func (t *modelTable) all() []ModelInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ModelInfo, 0, len(t.builtin)+len(t.dynamic))
	seen := make(map[string]bool)
	for _, m := range t.dynamic {
		out = append(out, m)
		seen[m.Name] = true
	}
	for _, m := range t.builtin {
		if !seen[m.Name] {
			out = append(out, m)
		}
	}
	return out
}

// errUnsupported builds the error for capabilities a client does not have.
func errUnsupported(provider, capability string) error {
	return taskerr.New(taskerr.KindConfig, "%s does not support %s", provider, capability).WithProvider(provider)
}

// firstNonEmpty is a tiny config helper shared by the clients.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// formatFloat renders temperatures in request payloads without noise.
func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}
