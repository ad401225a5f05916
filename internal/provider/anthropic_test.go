package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"taskflow/internal/logging"
)

func newAnthropicTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewAnthropicClient(logging.Nop())
	c.Configure(ClientConfig{BaseURL: server.URL, APIKey: "sk-ant-test"})
	return c
}

func TestAnthropicExecuteContentBlocks(t *testing.T) {
	c := newAnthropicTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		require.Empty(t, r.Header.Get("Authorization"))

		var req struct {
			System   string           `json:"system"`
			Messages []map[string]any `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "you are a reviewer", req.System)
		require.Len(t, req.Messages, 1)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "Looking it up. "},
				{"type": "tool_use", "id": "tu_1", "name": "github_search", "input": map[string]any{"q": "bug"}},
			},
			"stop_reason": "tool_use",
			"usage":       map[string]int{"input_tokens": 20, "output_tokens": 8},
		})
	})

	result, err := c.Execute(context.Background(), []Message{
		{Role: RoleSystem, Content: "you are a reviewer"},
		{Role: RoleUser, Content: "find the bug"},
	}, RequestConfig{})
	require.NoError(t, err)

	require.Equal(t, "Looking it up. ", result.Value)
	require.Len(t, result.ToolCalls, 1)
	require.Equal(t, "github_search", result.ToolCalls[0].Name)
	require.Equal(t, "bug", result.ToolCalls[0].Arguments["q"])
	require.Equal(t, 28, result.Usage.TotalTokens)
	require.Equal(t, "tool_use", result.StopReason)
}

func TestAnthropicStreamExecuteEvents(t *testing.T) {
	events := []string{
		`data: {"type":"message_start","message":{"usage":{"input_tokens":10}}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi "}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`,
		`data: {"type":"message_stop"}`,
	}
	c := newAnthropicTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			_, _ = w.Write([]byte(e + "\n\n"))
		}
	})

	result, err := c.StreamExecute(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, RequestConfig{}, nil)
	require.NoError(t, err)
	require.Equal(t, "Hi there", result.Value)
	require.Equal(t, "end_turn", result.StopReason)
	require.Equal(t, 13, result.Usage.TotalTokens)
}

func TestAnthropicToolResultsBecomeUserBlocks(t *testing.T) {
	c := newAnthropicTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content []struct {
					Type      string `json:"type"`
					ToolUseID string `json:"tool_use_id"`
				} `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "user", req.Messages[2].Role)
		require.Equal(t, "tool_result", req.Messages[2].Content[0].Type)
		require.Equal(t, "tu_1", req.Messages[2].Content[0].ToolUseID)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]any{{"type": "text", "text": "done"}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 5, "output_tokens": 1},
		})
	})

	_, err := c.Execute(context.Background(), []Message{
		{Role: RoleUser, Content: "check"},
		{Role: RoleAssistant, Content: "", ToolCalls: []ToolCall{{ID: "tu_1", Name: "github_search"}}},
		{Role: RoleTool, Content: `{"ok":true}`, ToolCallID: "tu_1", Name: "github_search"},
	}, RequestConfig{})
	require.NoError(t, err)
}

func TestAnthropicGenerateImageUnsupported(t *testing.T) {
	c := NewAnthropicClient(logging.Nop())
	_, err := c.GenerateImage(context.Background(), "a cat", RequestConfig{}, ImageOptions{})
	require.Error(t, err)
}
