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

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

// anthropicClient speaks the Anthropic messages API. The system prompt
// travels as a top-level field and tool results as user-role content blocks.
type anthropicClient struct {
	baseClient
}

var anthropicBuiltinModels = []ModelInfo{
	{Name: "claude-sonnet-4-20250514", ContextWindow: 200000, MaxOutputTokens: 64000, SupportsTools: true, SupportsVision: true},
	{Name: "claude-opus-4-20250514", ContextWindow: 200000, MaxOutputTokens: 32000, SupportsTools: true, SupportsVision: true},
	{Name: "claude-3-5-haiku-latest", ContextWindow: 200000, MaxOutputTokens: 8192, SupportsTools: true, SupportsVision: true},
}

// NewAnthropicClient builds the Anthropic provider client.
func NewAnthropicClient(logger logging.Logger) Client {
	return &anthropicClient{
		baseClient: newBaseClient("anthropic", defaultAnthropicBaseURL, "claude-sonnet-4-20250514", anthropicBuiltinModels, logger),
	}
}

func (c *anthropicClient) CalculateCost(usage Usage, model string) float64 {
	info, _ := c.GetModelInfo(model)
	return CostFor(c.name, info, model, usage)
}

// headers returns the Anthropic auth headers; the shared bearer header is
// suppressed in favor of x-api-key.
func (c *anthropicClient) authHeaders() map[string]string {
	_, apiKey, _, _ := c.snapshot()
	return map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
		"Authorization":     "",
	}
}

// convertMessages splits the system prompt out and renders the rest as
// content blocks. Consecutive roles stay as-is; the API tolerates them.
func (c *anthropicClient) convertMessages(messages []Message) (converted []map[string]any, system string) {
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case RoleTool:
			converted = append(converted, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
		case RoleAssistant:
			blocks := []map[string]any{}
			if m.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			converted = append(converted, map[string]any{"role": "assistant", "content": blocks})
		default:
			blocks := []map[string]any{}
			if m.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
			}
			for _, img := range m.Images {
				if img.URL != "" && img.Base64 == "" {
					blocks = append(blocks, map[string]any{
						"type":   "image",
						"source": map[string]any{"type": "url", "url": img.URL},
					})
					continue
				}
				mime := img.Mime
				if mime == "" {
					mime = "image/png"
				}
				blocks = append(blocks, map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": mime,
						"data":       img.Base64,
					},
				})
			}
			converted = append(converted, map[string]any{"role": "user", "content": blocks})
		}
	}
	return converted, system
}

func (c *anthropicClient) buildRequest(messages []Message, cfg RequestConfig, stream bool) map[string]any {
	converted, system := c.convertMessages(messages)
	maxTokens := 4096
	if cfg.MaxTokens != nil {
		maxTokens = *cfg.MaxTokens
	}
	req := map[string]any{
		"model":      c.model(cfg),
		"max_tokens": maxTokens,
		"messages":   converted,
		"stream":     stream,
	}
	if system != "" {
		req["system"] = system
	}
	if cfg.Temperature != nil {
		req["temperature"] = *cfg.Temperature
	}
	if len(cfg.StopSequences) > 0 {
		req["stop_sequences"] = cfg.StopSequences
	}
	if len(cfg.Tools) > 0 {
		tools := make([]map[string]any, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			schema := t.Parameters
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			})
		}
		req["tools"] = tools
	}
	return req
}

func (c *anthropicClient) Execute(ctx context.Context, messages []Message, cfg RequestConfig) (*AIResult, error) {
	model := c.model(cfg)
	body, err := json.Marshal(c.buildRequest(messages, cfg, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	baseURL, _, _, _ := c.snapshot()
	resp, err := c.doJSON(ctx, http.MethodPost, baseURL+"/messages", body, c.authHeaders())
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
		Content []struct {
			Type  string         `json:"type"`
			Text  string         `json:"text"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &AIResult{
		Kind:       KindText,
		Format:     FormatPlain,
		Provider:   c.name,
		Model:      model,
		StopReason: parsed.StopReason,
		Usage: Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}
	result.Value = text.String()
	return result, nil
}

func (c *anthropicClient) StreamExecute(ctx context.Context, messages []Message, cfg RequestConfig, onChunk StreamHandler) (*AIResult, error) {
	model := c.model(cfg)
	body, err := json.Marshal(c.buildRequest(messages, cfg, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	baseURL, _, _, _ := c.snapshot()
	resp, err := c.doJSON(ctx, http.MethodPost, baseURL+"/messages", body, c.authHeaders())
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
	stopReason := ""

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

		var event struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
				StopReason  string `json:"stop_reason"`
			} `json:"delta"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
			Message struct {
				Usage struct {
					InputTokens  int `json:"input_tokens"`
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			} `json:"message"`
			Usage struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			c.logger.Debug("skipping undecodable stream event: %v", err)
			continue
		}

		switch event.Type {
		case "message_start":
			usage.PromptTokens = event.Message.Usage.InputTokens
		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				acc := &toolAccumulator{id: event.ContentBlock.ID, name: event.ContentBlock.Name}
				accumulators[event.Index] = acc
				toolOrder = append(toolOrder, event.Index)
			}
		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				content.WriteString(event.Delta.Text)
				if onChunk != nil {
					if err := onChunk(StreamChunk{Delta: event.Delta.Text, Accumulated: content.String()}); err != nil {
						return nil, taskerr.Wrap(taskerr.KindCancelled, err, "stream consumer aborted")
					}
				}
			case "input_json_delta":
				if acc, ok := accumulators[event.Index]; ok {
					acc.args.WriteString(event.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage.OutputTokens > 0 {
				usage.CompletionTokens = event.Usage.OutputTokens
			}
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

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	result := &AIResult{
		Kind:       KindText,
		Format:     FormatPlain,
		Value:      content.String(),
		Provider:   c.name,
		Model:      model,
		StopReason: stopReason,
		Usage:      usage,
	}
	for _, idx := range toolOrder {
		acc := accumulators[idx]
		var args map[string]any
		if acc.args.Len() > 0 {
			if err := json.Unmarshal([]byte(acc.args.String()), &args); err != nil {
				c.logger.Debug("unparseable streamed tool input for %s: %v", acc.name, err)
			}
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{ID: acc.id, Name: acc.name, Arguments: args})
	}
	return result, nil
}

func (c *anthropicClient) GenerateImage(context.Context, string, RequestConfig, ImageOptions) (*AIResult, error) {
	return nil, errUnsupported(c.name, "image generation")
}

// FetchModels returns the builtin catalog; Anthropic's models endpoint is
// gated, so dynamic discovery goes through SetDynamicModels.
func (c *anthropicClient) FetchModels(context.Context) ([]ModelInfo, error) {
	return c.models.all(), nil
}
