package aiservice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"taskflow/internal/mcpmanager"
	"taskflow/internal/provider"
	"taskflow/internal/task"
	"taskflow/internal/taskerr"
)

const (
	// maxToolIterations bounds the think-act loop per execution.
	maxToolIterations = 5
	// maxToolResultChars caps one tool result inside the conversation.
	maxToolResultChars = 6000
)

// runToolLoop drives the bounded tool loop: call the model with the tool
// catalog, execute any requested tools, feed results back, repeat until the
// model answers without tool calls or the iteration cap is hit.
func (m *Manager) runToolLoop(ctx context.Context, t *task.Task, client provider.Client, providerName string, assembled *assembly, tools []provider.ToolDefinition, cfg provider.RequestConfig, opts Options) (*provider.AIResult, error) {
	messages := assembled.messages()
	cfg.Tools = tools
	slugs := m.serverSlugs()

	var total provider.Usage
	for iteration := 0; iteration < maxToolIterations; iteration++ {
		result, err := client.Execute(ctx, messages, cfg)
		if err != nil {
			return nil, err
		}
		total.PromptTokens += result.Usage.PromptTokens
		total.CompletionTokens += result.Usage.CompletionTokens
		total.TotalTokens += result.Usage.TotalTokens

		calls := result.ToolCalls
		if len(calls) == 0 {
			calls = parseJSONToolCalls(result.Value, slugs)
		}
		if len(calls) == 0 {
			result.Usage = total
			return result, nil
		}

		m.log(opts, "info", "task %d iteration %d: %d tool call(s)", t.ID, iteration+1, len(calls))
		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   result.Value,
			ToolCalls: calls,
		})

		for _, call := range calls {
			content, err := m.executeToolCall(ctx, t, call, slugs)
			if err != nil {
				// Permission denials fall through and abort the execution.
				return nil, err
			}
			messages = append(messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    capToolResult(content),
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}

	return nil, taskerr.New(taskerr.KindTool, "tool loop did not converge within %d iterations", maxToolIterations).WithTask(t.ID).WithProvider(providerName)
}

// executeToolCall resolves the <server>_<tool> name and runs the tool.
// Non-permission failures come back as JSON error content for the model.
func (m *Manager) executeToolCall(ctx context.Context, t *task.Task, call provider.ToolCall, slugs []string) (string, error) {
	server, tool, ok := splitToolName(call.Name, slugs)
	if !ok {
		return errorToolContent(fmt.Sprintf("unknown tool %q: tool names must be <server>_<tool>", call.Name)), nil
	}

	outcome, err := m.mcp.ExecuteTool(ctx, server, tool, call.Arguments, mcpmanager.CallMeta{
		TaskID:    t.ID,
		ProjectID: t.ProjectID,
		Source:    "tool-loop",
	})
	if err != nil {
		if taskerr.IsPermission(err) {
			return "", err
		}
		return errorToolContent(taskerr.FormatForModel(err)), nil
	}
	if !outcome.Success {
		return errorToolContent(outcome.Error), nil
	}
	return outcome.Data, nil
}

func (m *Manager) serverSlugs() []string {
	servers := m.mcp.ListMCPs()
	slugs := make([]string, 0, len(servers))
	for _, s := range servers {
		slugs = append(slugs, s.ID)
	}
	return slugs
}

// splitToolName separates the server slug prefix from the remote tool name.
// Slugs can themselves contain underscores, so the longest registered prefix
// wins before falling back to the first underscore.
func splitToolName(name string, slugs []string) (server, tool string, ok bool) {
	var best string
	for _, slug := range slugs {
		if strings.HasPrefix(name, slug+"_") && len(slug) > len(best) {
			best = slug
		}
	}
	if best != "" {
		return best, name[len(best)+1:], true
	}
	if idx := strings.Index(name, "_"); idx > 0 && idx < len(name)-1 {
		return name[:idx], name[idx+1:], true
	}
	return "", "", false
}

func errorToolContent(message string) string {
	data, _ := json.Marshal(map[string]any{"error": message})
	return string(data)
}

func capToolResult(s string) string {
	runes := []rune(s)
	if len(runes) <= maxToolResultChars {
		return s
	}
	return string(runes[:maxToolResultChars]) + "\n[... tool result truncated ...]"
}

// jsonToolRequest is the fallback shape models without native tool calling
// are instructed to emit.
type jsonToolRequest struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

// parseJSONToolCalls extracts a tool request from plain text: a bare JSON
// object or a fenced block with {tool, parameters}. Strict parsing first,
// then jsonrepair for the usual model-emitted damage.
func parseJSONToolCalls(text string, slugs []string) []provider.ToolCall {
	candidate := extractJSONCandidate(text)
	if candidate == "" {
		return nil
	}

	var req jsonToolRequest
	if err := json.Unmarshal([]byte(candidate), &req); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(candidate)
		if repairErr != nil {
			return nil
		}
		if err := json.Unmarshal([]byte(repaired), &req); err != nil {
			return nil
		}
	}
	if req.Tool == "" {
		return nil
	}
	if _, _, ok := splitToolName(req.Tool, slugs); !ok {
		return nil
	}
	return []provider.ToolCall{{
		ID:        "fallback-1",
		Name:      req.Tool,
		Arguments: req.Parameters,
	}}
}

// extractJSONCandidate pulls the most plausible JSON object out of model
// text: a fenced json block when present, else the text itself when it looks
// like a lone object.
func extractJSONCandidate(text string) string {
	trimmed := strings.TrimSpace(text)
	if start := strings.Index(trimmed, "```json"); start >= 0 {
		rest := trimmed[start+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	if start := strings.Index(trimmed, "```"); start >= 0 {
		rest := trimmed[start+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			inner := strings.TrimSpace(rest[:end])
			if strings.HasPrefix(inner, "{") {
				return inner
			}
		}
	}
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return trimmed
	}
	return ""
}
