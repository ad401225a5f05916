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

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// geminiClient speaks the Gemini generateContent API. Tool calling maps onto
// function declarations; tool results travel back as functionResponse parts.
type geminiClient struct {
	baseClient
}

var geminiBuiltinModels = []ModelInfo{
	{Name: "gemini-2.5-pro", ContextWindow: 1048576, MaxOutputTokens: 65536, SupportsTools: true, SupportsVision: true},
	{Name: "gemini-2.0-flash", ContextWindow: 1048576, MaxOutputTokens: 8192, SupportsTools: true, SupportsVision: true},
	{Name: "imagen-3.0-generate-002", ImageGeneration: true, ImageOnly: true},
}

// NewGeminiClient builds the Gemini provider client.
func NewGeminiClient(logger logging.Logger) Client {
	return &geminiClient{
		baseClient: newBaseClient("gemini", defaultGeminiBaseURL, "gemini-2.0-flash", geminiBuiltinModels, logger),
	}
}

func (c *geminiClient) CalculateCost(usage Usage, model string) float64 {
	info, _ := c.GetModelInfo(model)
	return CostFor(c.name, info, model, usage)
}

// endpoint assembles the per-model URL. Gemini authenticates via query key
// rather than a bearer header.
func (c *geminiClient) endpoint(model, verb string) string {
	baseURL, apiKey, _, _ := c.snapshot()
	url := fmt.Sprintf("%s/models/%s:%s", baseURL, model, verb)
	if apiKey != "" {
		url += "?key=" + apiKey
	}
	if verb == "streamGenerateContent" {
		if apiKey != "" {
			url += "&alt=sse"
		} else {
			url += "?alt=sse"
		}
	}
	return url
}

// convertMessages renders messages as Gemini contents plus a system
// instruction. Tool call ids do not exist in this API; names correlate.
func (c *geminiClient) convertMessages(messages []Message) (contents []map[string]any, system string) {
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case RoleTool:
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{{
					"functionResponse": map[string]any{
						"name":     m.Name,
						"response": map[string]any{"content": m.Content},
					},
				}},
			})
		case RoleAssistant:
			parts := []map[string]any{}
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{"name": tc.Name, "args": args},
				})
			}
			contents = append(contents, map[string]any{"role": "model", "parts": parts})
		default:
			parts := []map[string]any{}
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, img := range m.Images {
				mime := img.Mime
				if mime == "" {
					mime = "image/png"
				}
				parts = append(parts, map[string]any{
					"inlineData": map[string]any{"mimeType": mime, "data": img.Base64},
				})
			}
			contents = append(contents, map[string]any{"role": "user", "parts": parts})
		}
	}
	return contents, system
}

func (c *geminiClient) buildRequest(messages []Message, cfg RequestConfig) map[string]any {
	contents, system := c.convertMessages(messages)
	req := map[string]any{"contents": contents}
	if system != "" {
		req["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": system}},
		}
	}

	generation := map[string]any{}
	if cfg.Temperature != nil {
		generation["temperature"] = *cfg.Temperature
	}
	if cfg.MaxTokens != nil {
		generation["maxOutputTokens"] = *cfg.MaxTokens
	}
	if len(cfg.StopSequences) > 0 {
		generation["stopSequences"] = cfg.StopSequences
	}
	if len(generation) > 0 {
		req["generationConfig"] = generation
	}

	if len(cfg.Tools) > 0 {
		declarations := make([]map[string]any, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			decl := map[string]any{
				"name":        t.Name,
				"description": t.Description,
			}
			if t.Parameters != nil {
				decl["parameters"] = t.Parameters
			}
			declarations = append(declarations, decl)
		}
		req["tools"] = []map[string]any{{"functionDeclarations": declarations}}
	}
	return req
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text"`
				FunctionCall *struct {
					Name string         `json:"name"`
					Args map[string]any `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (c *geminiClient) Execute(ctx context.Context, messages []Message, cfg RequestConfig) (*AIResult, error) {
	model := c.model(cfg)
	body, err := json.Marshal(c.buildRequest(messages, cfg))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.doJSON(ctx, http.MethodPost, c.endpoint(model, "generateContent"), body, map[string]string{"Authorization": ""})
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
	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		e := taskerr.New(taskerr.KindProvider, "%s returned no candidates", c.name).WithProvider(c.name)
		e.Retryable = true
		return nil, e
	}

	candidate := parsed.Candidates[0]
	result := &AIResult{
		Kind:       KindText,
		Format:     FormatPlain,
		Provider:   c.name,
		Model:      model,
		StopReason: strings.ToLower(candidate.FinishReason),
		Usage: Usage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
		},
	}
	var text strings.Builder
	for i, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
		if part.FunctionCall != nil {
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        fmt.Sprintf("call-%d", i),
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}
	result.Value = text.String()
	return result, nil
}

func (c *geminiClient) StreamExecute(ctx context.Context, messages []Message, cfg RequestConfig, onChunk StreamHandler) (*AIResult, error) {
	model := c.model(cfg)
	body, err := json.Marshal(c.buildRequest(messages, cfg))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.doJSON(ctx, http.MethodPost, c.endpoint(model, "streamGenerateContent"), body, map[string]string{"Authorization": ""})
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

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("skipping undecodable stream chunk: %v", err)
			continue
		}
		if chunk.UsageMetadata.TotalTokenCount > 0 {
			usage = Usage{
				PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
				CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
			}
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		candidate := chunk.Candidates[0]
		if candidate.FinishReason != "" {
			finishReason = strings.ToLower(candidate.FinishReason)
		}
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				content.WriteString(part.Text)
				if onChunk != nil {
					if err := onChunk(StreamChunk{Delta: part.Text, Accumulated: content.String()}); err != nil {
						return nil, taskerr.Wrap(taskerr.KindCancelled, err, "stream consumer aborted")
					}
				}
			}
			if part.FunctionCall != nil {
				toolCalls = append(toolCalls, ToolCall{
					ID:        fmt.Sprintf("call-%d", len(toolCalls)),
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				})
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

	return &AIResult{
		Kind:       KindText,
		Format:     FormatPlain,
		Value:      content.String(),
		Provider:   c.name,
		Model:      model,
		StopReason: finishReason,
		Usage:      usage,
		ToolCalls:  toolCalls,
	}, nil
}

// GenerateImage drives the Imagen predict endpoint.
func (c *geminiClient) GenerateImage(ctx context.Context, prompt string, cfg RequestConfig, opts ImageOptions) (*AIResult, error) {
	model := c.model(cfg)
	if info, ok := c.GetModelInfo(model); !ok || !info.ImageGeneration {
		model = "imagen-3.0-generate-002"
	}

	count := opts.Count
	if count <= 0 {
		count = 1
	}
	req := map[string]any{
		"instances":  []map[string]any{{"prompt": prompt}},
		"parameters": map[string]any{"sampleCount": count},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.doJSON(ctx, http.MethodPost, c.endpoint(model, "predict"), body, map[string]string{"Authorization": ""})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readError(c.name, resp)
	}

	var parsed struct {
		Predictions []struct {
			BytesBase64Encoded string `json:"bytesBase64Encoded"`
			MimeType           string `json:"mimeType"`
		} `json:"predictions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Predictions) == 0 {
		return nil, taskerr.New(taskerr.KindProvider, "%s returned no image predictions", c.name).WithProvider(c.name)
	}

	mime := parsed.Predictions[0].MimeType
	if mime == "" {
		mime = "image/png"
	}
	return &AIResult{
		Kind:     KindImage,
		SubType:  strings.TrimPrefix(mime, "image/"),
		Format:   FormatBase64,
		Value:    parsed.Predictions[0].BytesBase64Encoded,
		Mime:     mime,
		Provider: c.name,
		Model:    model,
	}, nil
}

func (c *geminiClient) FetchModels(ctx context.Context) ([]ModelInfo, error) {
	baseURL, apiKey, _, _ := c.snapshot()
	listURL := baseURL + "/models"
	if apiKey != "" {
		listURL += "?key=" + apiKey
	}
	return c.catalog.Fetch(ctx, c.name+"@"+baseURL, func(ctx context.Context) ([]ModelInfo, error) {
		resp, err := c.doJSON(ctx, http.MethodGet, listURL, nil, map[string]string{"Authorization": ""})
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, readError(c.name, resp)
		}

		var parsed struct {
			Models []struct {
				Name        string `json:"name"` // "models/gemini-2.0-flash"
				DisplayName string `json:"displayName"`
			} `json:"models"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("decode models: %w", err)
		}
		out := make([]ModelInfo, 0, len(parsed.Models))
		for _, m := range parsed.Models {
			name := strings.TrimPrefix(m.Name, "models/")
			info, known := c.GetModelInfo(name)
			if !known {
				info = ModelInfo{Name: name, Provider: c.name, SupportsTools: true}
			}
			out = append(out, info)
		}
		return out, nil
	})
}
