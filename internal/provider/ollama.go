package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"taskflow/internal/logging"
	"taskflow/internal/taskerr"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// ollamaClient drives a local Ollama daemon over its /api/chat endpoint.
// Streaming is newline-delimited JSON rather than SSE.
type ollamaClient struct {
	baseClient
}

var ollamaBuiltinModels = []ModelInfo{
	{Name: "llama3.2", ContextWindow: 131072, SupportsTools: true},
	{Name: "qwen2.5", ContextWindow: 131072, SupportsTools: true},
	{Name: "llava", ContextWindow: 32768, SupportsVision: true},
}

// NewOllamaClient builds the local-model provider client.
func NewOllamaClient(logger logging.Logger) Client {
	return &ollamaClient{
		baseClient: newBaseClient("ollama", defaultOllamaBaseURL, "llama3.2", ollamaBuiltinModels, logger),
	}
}

// CalculateCost is always zero for local inference; the signature is kept so
// budgets account tokens uniformly.
func (c *ollamaClient) CalculateCost(usage Usage, model string) float64 {
	info, _ := c.GetModelInfo(model)
	return CostFor(c.name, info, model, usage)
}

func (c *ollamaClient) convertMessages(messages []Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		entry := map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		}
		if len(m.Images) > 0 {
			images := make([]string, 0, len(m.Images))
			for _, img := range m.Images {
				if img.Base64 != "" {
					images = append(images, img.Base64)
				}
			}
			if len(images) > 0 {
				entry["images"] = images
			}
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				calls = append(calls, map[string]any{
					"function": map[string]any{"name": tc.Name, "arguments": args},
				})
			}
			entry["tool_calls"] = calls
		}
		out = append(out, entry)
	}
	return out
}

func (c *ollamaClient) buildRequest(messages []Message, cfg RequestConfig, stream bool) map[string]any {
	req := map[string]any{
		"model":    c.model(cfg),
		"messages": c.convertMessages(messages),
		"stream":   stream,
	}
	options := map[string]any{}
	if cfg.Temperature != nil {
		options["temperature"] = *cfg.Temperature
	}
	if cfg.MaxTokens != nil {
		options["num_predict"] = *cfg.MaxTokens
	}
	if len(cfg.StopSequences) > 0 {
		options["stop"] = cfg.StopSequences
	}
	if len(options) > 0 {
		req["options"] = options
	}
	if len(cfg.Tools) > 0 {
		tools := make([]map[string]any, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			params := t.Parameters
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  params,
				},
			})
		}
		req["tools"] = tools
	}
	return req
}

type ollamaChatResponse struct {
	Message struct {
		Content   string `json:"content"`
		ToolCalls []struct {
			Function struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (r *ollamaChatResponse) usage() Usage {
	return Usage{
		PromptTokens:     r.PromptEvalCount,
		CompletionTokens: r.EvalCount,
		TotalTokens:      r.PromptEvalCount + r.EvalCount,
	}
}

func (c *ollamaClient) Execute(ctx context.Context, messages []Message, cfg RequestConfig) (*AIResult, error) {
	model := c.model(cfg)
	body, err := json.Marshal(c.buildRequest(messages, cfg, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	baseURL, _, _, _ := c.snapshot()
	resp, err := c.doJSON(ctx, http.MethodPost, baseURL+"/api/chat", body, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readError(c.name, resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var parsed ollamaChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &AIResult{
		Kind:       KindText,
		Format:     FormatPlain,
		Value:      parsed.Message.Content,
		Provider:   c.name,
		Model:      model,
		StopReason: parsed.DoneReason,
		Usage:      parsed.usage(),
	}
	for i, tc := range parsed.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        fmt.Sprintf("call-%d", i),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

func (c *ollamaClient) StreamExecute(ctx context.Context, messages []Message, cfg RequestConfig, onChunk StreamHandler) (*AIResult, error) {
	model := c.model(cfg)
	body, err := json.Marshal(c.buildRequest(messages, cfg, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	baseURL, _, _, _ := c.snapshot()
	resp, err := c.doJSON(ctx, http.MethodPost, baseURL+"/api/chat", body, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readError(c.name, resp)
	}

	var content strings.Builder
	var usage Usage
	var toolCalls []ToolCall
	doneReason := ""

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			c.logger.Debug("skipping undecodable stream line: %v", err)
			continue
		}

		if delta := chunk.Message.Content; delta != "" {
			content.WriteString(delta)
			if onChunk != nil {
				if err := onChunk(StreamChunk{Delta: delta, Accumulated: content.String()}); err != nil {
					return nil, taskerr.Wrap(taskerr.KindCancelled, err, "stream consumer aborted")
				}
			}
		}
		for _, tc := range chunk.Message.ToolCalls {
			toolCalls = append(toolCalls, ToolCall{
				ID:        fmt.Sprintf("call-%d", len(toolCalls)),
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		if chunk.Done {
			usage = chunk.usage()
			doneReason = chunk.DoneReason
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := contextError(err); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read response stream: %w", err)
	}

	if onChunk != nil {
		if err := onChunk(StreamChunk{Accumulated: content.String(), Done: true}); err != nil {
			return nil, taskerr.Wrap(taskerr.KindCancelled, err, "stream consumer aborted")
		}
	}

	return &AIResult{
		Kind:       KindText,
		Format:     FormatPlain,
		Value:      content.String(),
		Provider:   c.name,
		Model:      model,
		StopReason: doneReason,
		Usage:      usage,
		ToolCalls:  toolCalls,
	}, nil
}

func (c *ollamaClient) GenerateImage(context.Context, string, RequestConfig, ImageOptions) (*AIResult, error) {
	return nil, errUnsupported(c.name, "image generation")
}

func (c *ollamaClient) FetchModels(ctx context.Context) ([]ModelInfo, error) {
	baseURL, _, _, _ := c.snapshot()
	return c.catalog.Fetch(ctx, c.name+"@"+baseURL, func(ctx context.Context) ([]ModelInfo, error) {
		resp, err := c.doJSON(ctx, http.MethodGet, baseURL+"/api/tags", nil, nil)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, readError(c.name, resp)
		}

		var parsed struct {
			Models []struct {
				Name string `json:"name"`
			} `json:"models"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("decode models: %w", err)
		}
		out := make([]ModelInfo, 0, len(parsed.Models))
		for _, m := range parsed.Models {
			info, known := c.GetModelInfo(m.Name)
			if !known {
				info = ModelInfo{Name: m.Name, Provider: c.name}
			}
			out = append(out, info)
		}
		return out, nil
	})
}
