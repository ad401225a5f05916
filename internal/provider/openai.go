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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openaiClient speaks the OpenAI-compatible chat completions API. It also
// serves any compatible gateway (OpenRouter, vLLM, LM Studio) through
// Configure(BaseURL).
type openaiClient struct {
	baseClient
}

var openaiBuiltinModels = []ModelInfo{
	{Name: "gpt-4o", ContextWindow: 128000, MaxOutputTokens: 16384, SupportsTools: true, SupportsVision: true},
	{Name: "gpt-4o-mini", ContextWindow: 128000, MaxOutputTokens: 16384, SupportsTools: true, SupportsVision: true},
	{Name: "gpt-4.1", ContextWindow: 1047576, MaxOutputTokens: 32768, SupportsTools: true, SupportsVision: true},
	{Name: "o3-mini", ContextWindow: 200000, MaxOutputTokens: 100000, SupportsTools: true},
	{Name: "gpt-image-1", ImageGeneration: true, ImageOnly: true},
	{Name: "dall-e-3", ImageGeneration: true, ImageOnly: true},
}

// NewOpenAIClient builds the OpenAI provider client.
func NewOpenAIClient(logger logging.Logger) Client {
	return &openaiClient{
		baseClient: newBaseClient("openai", defaultOpenAIBaseURL, "gpt-4o-mini", openaiBuiltinModels, logger),
	}
}

func (c *openaiClient) CalculateCost(usage Usage, model string) float64 {
	info, _ := c.GetModelInfo(model)
	return CostFor(c.name, info, model, usage)
}

// convertMessages renders provider-neutral messages in chat completions form.
func (c *openaiClient) convertMessages(messages []Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		entry := map[string]any{"role": string(m.Role)}

		if len(m.Images) > 0 {
			parts := []map[string]any{}
			if m.Content != "" {
				parts = append(parts, map[string]any{"type": "text", "text": m.Content})
			}
			for _, img := range m.Images {
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": img.DataURL()},
				})
			}
			entry["content"] = parts
		} else {
			entry["content"] = m.Content
		}

		if m.Role == RoleTool {
			entry["tool_call_id"] = m.ToolCallID
			if m.Name != "" {
				entry["name"] = m.Name
			}
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(args),
					},
				})
			}
			entry["tool_calls"] = calls
		}
		out = append(out, entry)
	}
	return out
}

func (c *openaiClient) convertTools(tools []ToolDefinition) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

func (c *openaiClient) buildRequest(messages []Message, cfg RequestConfig, stream bool) map[string]any {
	req := map[string]any{
		"model":    c.model(cfg),
		"messages": c.convertMessages(messages),
		"stream":   stream,
	}
	if cfg.Temperature != nil {
		req["temperature"] = *cfg.Temperature
	}
	if cfg.MaxTokens != nil {
		req["max_tokens"] = *cfg.MaxTokens
	}
	if len(cfg.Tools) > 0 {
		req["tools"] = c.convertTools(cfg.Tools)
		req["tool_choice"] = "auto"
	}
	if len(cfg.StopSequences) > 0 {
		req["stop"] = cfg.StopSequences
	}
	if stream {
		req["stream_options"] = map[string]any{"include_usage": true}
	}
	return req
}

func (c *openaiClient) Execute(ctx context.Context, messages []Message, cfg RequestConfig) (*AIResult, error) {
	model := c.model(cfg)
	body, err := json.Marshal(c.buildRequest(messages, cfg, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	baseURL, _, _, _ := c.snapshot()
	resp, err := c.doJSON(ctx, http.MethodPost, baseURL+"/chat/completions", body, nil)
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

	var parsed struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		e := taskerr.New(taskerr.KindProvider, "%s returned no choices", c.name).WithProvider(c.name)
		e.Retryable = true
		return nil, e
	}

	choice := parsed.Choices[0]
	result := &AIResult{
		Kind:       KindText,
		Format:     FormatPlain,
		Value:      choice.Message.Content,
		Provider:   c.name,
		Model:      model,
		StopReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				c.logger.Debug("unparseable tool call arguments for %s: %v", tc.Function.Name, err)
			}
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return result, nil
}

func (c *openaiClient) StreamExecute(ctx context.Context, messages []Message, cfg RequestConfig, onChunk StreamHandler) (*AIResult, error) {
	model := c.model(cfg)
	body, err := json.Marshal(c.buildRequest(messages, cfg, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	baseURL, _, _, _ := c.snapshot()
	resp, err := c.doJSON(ctx, http.MethodPost, baseURL+"/chat/completions", body, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readError(c.name, resp)
	}

	type toolAccumulator struct {
		id   string
		name string
		args strings.Builder
	}
	accumulators := make(map[int]*toolAccumulator)
	var toolOrder []int

	var content strings.Builder
	var usage Usage
	finishReason := ""

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
				TotalTokens      int `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("skipping undecodable stream chunk: %v", err)
			continue
		}

		if chunk.Usage != nil {
			usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
		if delta := choice.Delta.Content; delta != "" {
			content.WriteString(delta)
			if onChunk != nil {
				if err := onChunk(StreamChunk{Delta: delta, Accumulated: content.String()}); err != nil {
					return nil, taskerr.Wrap(taskerr.KindCancelled, err, "stream consumer aborted")
				}
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := accumulators[tc.Index]
			if !ok {
				acc = &toolAccumulator{}
				accumulators[tc.Index] = acc
				toolOrder = append(toolOrder, tc.Index)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
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

	result := &AIResult{
		Kind:       KindText,
		Format:     FormatPlain,
		Value:      content.String(),
		Provider:   c.name,
		Model:      model,
		StopReason: finishReason,
		Usage:      usage,
	}
	for _, idx := range toolOrder {
		acc := accumulators[idx]
		var args map[string]any
		if acc.args.Len() > 0 {
			if err := json.Unmarshal([]byte(acc.args.String()), &args); err != nil {
				c.logger.Debug("unparseable streamed tool arguments for %s: %v", acc.name, err)
			}
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{ID: acc.id, Name: acc.name, Arguments: args})
	}
	return result, nil
}

func (c *openaiClient) GenerateImage(ctx context.Context, prompt string, cfg RequestConfig, opts ImageOptions) (*AIResult, error) {
	model := c.model(cfg)
	if info, ok := c.GetModelInfo(model); !ok || !info.ImageGeneration {
		model = "gpt-image-1"
	}

	req := map[string]any{
		"model":  model,
		"prompt": prompt,
	}
	if opts.Size != "" {
		req["size"] = opts.Size
	}
	if opts.Quality != "" {
		req["quality"] = opts.Quality
	}
	if opts.Count > 1 {
		req["n"] = opts.Count
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	baseURL, _, _, _ := c.snapshot()
	resp, err := c.doJSON(ctx, http.MethodPost, baseURL+"/images/generations", body, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readError(c.name, resp)
	}

	var parsed struct {
		Data []struct {
			URL     string `json:"url"`
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, taskerr.New(taskerr.KindProvider, "%s returned no image data", c.name).WithProvider(c.name)
	}

	result := &AIResult{
		Kind:     KindImage,
		SubType:  "png",
		Mime:     "image/png",
		Provider: c.name,
		Model:    model,
	}
	if parsed.Data[0].B64JSON != "" {
		result.Format = FormatBase64
		result.Value = parsed.Data[0].B64JSON
	} else {
		result.Format = FormatURL
		result.Value = parsed.Data[0].URL
	}
	return result, nil
}

func (c *openaiClient) FetchModels(ctx context.Context) ([]ModelInfo, error) {
	baseURL, _, _, _ := c.snapshot()
	return c.catalog.Fetch(ctx, c.name+"@"+baseURL, func(ctx context.Context) ([]ModelInfo, error) {
		resp, err := c.doJSON(ctx, http.MethodGet, baseURL+"/models", nil, nil)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, readError(c.name, resp)
		}

		var parsed struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("decode models: %w", err)
		}
		out := make([]ModelInfo, 0, len(parsed.Data))
		for _, m := range parsed.Data {
			info, known := c.GetModelInfo(m.ID)
			if !known {
				info = ModelInfo{Name: m.ID, Provider: c.name, SupportsTools: true}
			}
			out = append(out, info)
		}
		return out, nil
	})
}
