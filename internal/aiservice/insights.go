package aiservice

import (
	"context"
	"fmt"
	"strings"

	"taskflow/internal/mcpmanager"
	"taskflow/internal/provider"
	"taskflow/internal/task"
)

// maxInsightSampleChars bounds the sample output folded into the prompt.
const maxInsightSampleChars = 2000

// describeToolNames are generic self-description tools probed during the
// pre-flight pass when a server exposes one.
var describeToolNames = []string{"describe", "summary", "get_context", "info"}

// collectInsights runs the pre-flight pass over the required MCPs. Every
// failure is captured inside the insight; this function never fails the
// execution. The second return value is the tool catalog for the tool loop,
// with names prefixed by the server slug.
func (m *Manager) collectInsights(ctx context.Context, t *task.Task, required []string) ([]mcpmanager.ContextInsight, []provider.ToolDefinition) {
	var insights []mcpmanager.ContextInsight
	var tools []provider.ToolDefinition

	for _, name := range required {
		spec, ok := m.mcp.Effective(name, t.ID)
		if !ok {
			insights = append(insights, mcpmanager.ContextInsight{
				Name:  mcpmanager.Slug(name),
				Error: fmt.Sprintf("MCP server %q is not registered", name),
			})
			continue
		}

		insight := mcpmanager.ContextInsight{
			Name:        spec.ID,
			Description: spec.Description,
			Endpoint:    spec.Endpoint,
			UserContext: spec.UserContext,
			EnvVars:     publicEnv(spec.Env),
		}

		defs, err := m.mcp.ListTools(ctx, spec.ID, t.ID)
		if err != nil {
			insight.Error = err.Error()
			insights = append(insights, insight)
			continue
		}
		for _, def := range defs {
			insight.RecommendedTools = append(insight.RecommendedTools, def.Name)
			tools = append(tools, provider.ToolDefinition{
				Name:        spec.ID + "_" + def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			})
		}

		m.collectSample(ctx, t, spec, defs, &insight)
		insights = append(insights, insight)
	}
	return insights, tools
}

// collectSample runs the service-specific collector for known servers, else
// probes a generic describe tool when the server exposes one.
func (m *Manager) collectSample(ctx context.Context, t *task.Task, spec mcpmanager.Server, defs []mcpmanager.ToolDefinition, insight *mcpmanager.ContextInsight) {
	if spec.ID == "slack" {
		m.collectSlackInsight(ctx, t, spec, defs, insight)
		return
	}

	for _, probe := range describeToolNames {
		def, ok := findTool(defs, probe)
		if !ok {
			continue
		}
		outcome, err := m.mcp.ExecuteTool(ctx, spec.ID, def.Name, map[string]any{}, mcpmanager.CallMeta{
			TaskID:    t.ID,
			ProjectID: t.ProjectID,
			Source:    "preflight",
		})
		if err != nil {
			insight.Error = err.Error()
			return
		}
		if !outcome.Success {
			insight.Error = outcome.Error
			return
		}
		insight.SampleOutput = capSample(outcome.Data)
		return
	}
}

func findTool(defs []mcpmanager.ToolDefinition, name string) (mcpmanager.ToolDefinition, bool) {
	for _, def := range defs {
		if def.Name == name || strings.HasSuffix(def.Name, "_"+name) {
			return def, true
		}
	}
	return mcpmanager.ToolDefinition{}, false
}

func capSample(s string) string {
	runes := []rune(s)
	if len(runes) <= maxInsightSampleChars {
		return s
	}
	return string(runes[:maxInsightSampleChars]) + "\n[... truncated ...]"
}

// publicEnv lists configured variable names without their values, so the
// prompt can mention what is available without leaking secrets.
func publicEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k := range env {
		out[k] = "(configured)"
	}
	return out
}

// renderInsightsBlock formats collected insights for prompt injection.
func renderInsightsBlock(insights []mcpmanager.ContextInsight) string {
	if len(insights) == 0 {
		return ""
	}
	var b strings.Builder
	for _, in := range insights {
		fmt.Fprintf(&b, "### %s\n", in.Name)
		if in.Description != "" {
			fmt.Fprintf(&b, "%s\n", in.Description)
		}
		if in.UserContext != "" {
			fmt.Fprintf(&b, "User context: %s\n", in.UserContext)
		}
		if len(in.RecommendedTools) > 0 {
			fmt.Fprintf(&b, "Available tools: %s\n", strings.Join(in.RecommendedTools, ", "))
		}
		if in.SampleOutput != "" {
			fmt.Fprintf(&b, "Recent data:\n%s\n", in.SampleOutput)
		}
		if in.Error != "" {
			fmt.Fprintf(&b, "Note: context collection failed: %s\n", in.Error)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// systemAlerts renders the trailing alert section for insight failures and
// error-shaped tool payloads; empty when there is nothing to report.
func systemAlerts(insights []mcpmanager.ContextInsight) string {
	var alerts []string
	for _, in := range insights {
		if in.Error != "" {
			alerts = append(alerts, fmt.Sprintf("- %s: %s", in.Name, in.Error))
		}
		if looksLikeErrorPayload(in.SampleOutput) {
			alerts = append(alerts, fmt.Sprintf("- %s returned an error payload during context collection", in.Name))
		}
	}
	if len(alerts) == 0 {
		return ""
	}
	return "\n\n---\n**System Alerts**\n" + strings.Join(alerts, "\n")
}

func looksLikeErrorPayload(s string) bool {
	if s == "" {
		return false
	}
	compact := strings.ReplaceAll(strings.ToLower(s), " ", "")
	return strings.Contains(compact, `"ok":false`) || strings.Contains(compact, `"error":`)
}
