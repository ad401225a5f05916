package aiservice

import (
	"context"
	"fmt"
	"strings"

	"taskflow/internal/mcpmanager"
	"taskflow/internal/provider"
	"taskflow/internal/task"
)

// metadataAttachmentsKey is where the executor forwards upstream binary
// attachments inside the execution context.
const metadataAttachmentsKey = "attachments"

// assembly is the fully assembled request for one AI call.
type assembly struct {
	systemPrompt   string
	userPrompt     string
	images         []provider.ImagePart
	hasInputImages bool
}

// messages renders the assembly as the provider message list.
func (a *assembly) messages() []provider.Message {
	msgs := make([]provider.Message, 0, 2)
	if a.systemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: a.systemPrompt})
	}
	msgs = append(msgs, provider.Message{
		Role:    provider.RoleUser,
		Content: a.userPrompt,
		Images:  a.images,
	})
	return msgs
}

// assemblePrompts builds the system and user prompts per the prompt contract:
// task header, project context, MCP directives and insights in the system
// prompt; the task prompt, dependency context, and a tool reminder in the
// user prompt.
func (m *Manager) assemblePrompts(ctx context.Context, t *task.Task, execCtx *task.ExecutionContext, required []string, insights []mcpmanager.ContextInsight) *assembly {
	var sys strings.Builder

	fmt.Fprintf(&sys, "You are executing task #%d: %s\n", t.ProjectSequence, t.Title)
	if t.Description != "" && t.Description != t.Prompt() {
		fmt.Fprintf(&sys, "Task description: %s\n", t.Description)
	}

	if block := projectBlock(execCtx, m.recallSimilar(ctx, t)); block != "" {
		sys.WriteString("\n## Project Context\n")
		sys.WriteString(block)
	}

	if len(required) > 0 {
		sys.WriteString("\n## Available Services\n")
		fmt.Fprintf(&sys, "You have access to the following MCP services: %s.\n", strings.Join(required, ", "))
		sys.WriteString("Use their tools to gather real data instead of inventing answers. ")
		sys.WriteString("Call a tool whenever the task needs live information from a service.\n")
		if block := renderInsightsBlock(insights); block != "" {
			sys.WriteString("\n## Service Context\n")
			sys.WriteString(block)
			sys.WriteString("\n")
		}
	}

	if clause := formatClause(t); clause != "" {
		sys.WriteString("\n## Output Requirements\n")
		sys.WriteString(clause)
		sys.WriteString("\n")
	}

	var user strings.Builder
	user.WriteString(t.Prompt())

	if execCtx != nil && !strings.Contains(user.String(), "## Context from Dependencies") {
		deps := t.DependencySequences()
		if len(deps) > 0 {
			results := execCtx.ResultsForSequences(deps)
			if block := dependencyBlock(results); block != "" {
				user.WriteString("\n\n## Context from Dependencies\n")
				user.WriteString(block)
			}
		}
	}

	if len(required) > 0 {
		user.WriteString("\n\nRemember to use the available service tools when the task requires live data.")
	}

	images := imagePartsFrom(collectUpstreamAttachments(t, execCtx))
	return &assembly{
		systemPrompt:   strings.TrimRight(sys.String(), "\n"),
		userPrompt:     user.String(),
		images:         images,
		hasInputImages: len(images) > 0,
	}
}

// recallSimilar folds the top similar past results into the memory block.
func (m *Manager) recallSimilar(ctx context.Context, t *task.Task) []string {
	if m.knowledge == nil {
		return nil
	}
	similar, err := m.knowledge.Similar(ctx, t.Prompt(), 3)
	if err != nil {
		m.logger.Debug("knowledge recall failed: %v", err)
		return nil
	}
	return similar
}

func projectBlock(execCtx *task.ExecutionContext, recalled []string) string {
	var b strings.Builder
	if execCtx != nil && execCtx.Project != nil {
		p := execCtx.Project
		if p.Name != "" {
			fmt.Fprintf(&b, "Project: %s\n", p.Name)
		}
		if p.Goal != "" {
			fmt.Fprintf(&b, "Goal: %s\n", p.Goal)
		}
		if p.Constraints != "" {
			fmt.Fprintf(&b, "Constraints: %s\n", p.Constraints)
		}
		if p.Phase != "" {
			fmt.Fprintf(&b, "Current phase: %s\n", p.Phase)
		}
		if p.Memory != "" {
			fmt.Fprintf(&b, "Memory: %s\n", p.Memory)
		}
		if p.Glossary != "" {
			fmt.Fprintf(&b, "Glossary: %s\n", p.Glossary)
		}
		if len(p.Decisions) > 0 {
			b.WriteString("Recent decisions:\n")
			for _, d := range p.Decisions {
				fmt.Fprintf(&b, "- %s\n", d)
			}
		}
	}
	if len(recalled) > 0 {
		b.WriteString("Related past results:\n")
		for _, r := range recalled {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return b.String()
}

func dependencyBlock(results []task.Result) string {
	var sections []string
	for i := range results {
		r := &results[i]
		content := r.Content
		if content == "" {
			content = r.OutputJSON()
		}
		if content == "" || content == "null" {
			continue
		}
		sections = append(sections, fmt.Sprintf("### Task #%d: %s\n%s", r.ProjectSequence, r.Title, content))
	}
	return strings.Join(sections, "\n\n")
}

// collectUpstreamAttachments gathers binary attachments visible to the task:
// those forwarded through context metadata plus those on dependency results.
func collectUpstreamAttachments(t *task.Task, execCtx *task.ExecutionContext) []task.Attachment {
	if execCtx == nil {
		return nil
	}
	var out []task.Attachment
	if forwarded, ok := execCtx.Metadata[metadataAttachmentsKey].([]task.Attachment); ok {
		out = append(out, forwarded...)
	}
	for _, r := range execCtx.ResultsForSequences(t.DependencySequences()) {
		for _, a := range r.Attachments {
			if a.Encoding != task.EncodingText && a.Kind != task.AttachmentText {
				out = append(out, a)
			}
		}
	}
	return out
}

func imagePartsFrom(attachments []task.Attachment) []provider.ImagePart {
	var parts []provider.ImagePart
	for _, a := range attachments {
		if !a.IsImage() {
			continue
		}
		switch a.Encoding {
		case task.EncodingURL:
			parts = append(parts, provider.ImagePart{URL: a.Data, Mime: a.Mime})
		case task.EncodingBase64:
			parts = append(parts, provider.ImagePart{Base64: a.Data, Mime: a.Mime})
		}
	}
	return parts
}

// imageFormats is the closed set of output formats served by the image path.
var imageFormats = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"webp": true,
	"svg":  false, // SVG is text the model writes, not a generated bitmap
}

func isImageFormat(format string) bool {
	return imageFormats[strings.ToLower(format)]
}

// effectiveOutputFormat reclassifies image-output tasks that carry input
// images: unless the model can only generate images, those are vision
// analysis, served by the chat path.
func effectiveOutputFormat(t *task.Task, c provider.Client, model string, hasInputImages bool) string {
	format := strings.ToLower(t.ExpectedOutputFormat)
	if !isImageFormat(format) {
		return format
	}
	if hasInputImages && !provider.IsImageOnlyModel(c, model) {
		return "markdown"
	}
	return format
}

// formatClause renders the strict output-format instruction for the system
// prompt.
func formatClause(t *task.Task) string {
	format := strings.ToLower(t.ExpectedOutputFormat)
	switch format {
	case "", "text":
		return ""
	case "json":
		return "Respond with valid JSON only. No prose, no markdown fences, no explanation before or after the JSON value."
	case "code":
		if t.CodeLanguage != "" {
			return fmt.Sprintf("Respond with %s source code only. No explanation outside code comments.", t.CodeLanguage)
		}
		return "Respond with source code only. No explanation outside code comments."
	case "png", "jpg", "jpeg", "webp":
		return ""
	default:
		return fmt.Sprintf("Respond in %s format only.", format)
	}
}

// stripJSONFences removes a surrounding markdown code fence from a JSON
// response.
func stripJSONFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
