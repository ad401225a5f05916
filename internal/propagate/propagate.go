// Package propagate selects and formats upstream task results so they can be
// injected into a downstream task's prompt.
package propagate

import (
	"fmt"
	"regexp"
	"strings"

	"taskflow/internal/macro"
	"taskflow/internal/task"
)

// Mode controls how much of each upstream result is carried forward.
type Mode string

const (
	ModeFull      Mode = "full"
	ModeSummary   Mode = "summary"
	ModeSelective Mode = "selective"
	ModeNone      Mode = "none"
)

// DefaultMaxContextSize bounds the assembled context string.
const DefaultMaxContextSize = 8000

// TruncationMarker is appended whenever the assembled context is cut.
const TruncationMarker = "\n\n[... context truncated ...]"

// Options tune one propagation pass. The zero value means full mode with the
// default size cap and dependency-only selection.
type Options struct {
	Mode                  Mode
	MaxContextSize        int
	IncludeParentResults  bool
	IncludeSiblingResults bool
	SelectiveFields       []string
	Template              string
}

func (o Options) normalized() Options {
	if o.Mode == "" {
		o.Mode = ModeFull
	}
	if o.MaxContextSize <= 0 {
		o.MaxContextSize = DefaultMaxContextSize
	}
	return o
}

// Propagated is the assembled upstream context for one task.
type Propagated struct {
	PreviousResults    []task.Result
	ContextString      string
	ExtractedVariables map[string]any
	TotalSize          int
	WasTruncated       bool
}

// BinaryAttachments returns the attachments that were carried forward as
// structured items instead of being inlined into the context string.
func (p *Propagated) BinaryAttachments() []task.Attachment {
	var out []task.Attachment
	for i := range p.PreviousResults {
		for _, a := range p.PreviousResults[i].Attachments {
			if !isTextAttachment(a) {
				out = append(out, a)
			}
		}
	}
	return out
}

// Build selects the upstream results visible to t and assembles the context
// string according to opts.
func Build(t *task.Task, results []task.Result, opts Options) Propagated {
	opts = opts.normalized()

	selected := selectResults(t, results, opts)
	out := Propagated{
		PreviousResults:    selected,
		ExtractedVariables: extractVariables(selected),
	}
	if opts.Mode == ModeNone || len(selected) == 0 {
		return out
	}

	sections := make([]string, 0, len(selected))
	for i := range selected {
		sections = append(sections, renderSection(&selected[i], opts))
	}
	assembled := strings.Join(sections, "\n\n")

	if opts.Template != "" {
		assembled = applyTemplate(opts.Template, assembled, selected)
	}

	if len(assembled) > opts.MaxContextSize {
		cut := opts.MaxContextSize - len(TruncationMarker)
		if cut < 0 {
			cut = 0
		}
		assembled = assembled[:cut] + TruncationMarker
		out.WasTruncated = true
	}

	out.ContextString = assembled
	out.TotalSize = len(assembled)
	return out
}

// selectResults applies the selection policy: explicit dependencies first,
// falling back to all prior results when allowed, with siblings appended on
// request.
func selectResults(t *task.Task, results []task.Result, opts Options) []task.Result {
	deps := t.DependencySequences()

	var selected []task.Result
	if len(deps) > 0 {
		selected = task.ResultsForSequences(results, deps)
	} else if opts.IncludeParentResults {
		selected = append(selected, results...)
	}

	if opts.IncludeSiblingResults {
		have := make(map[int]bool, len(selected))
		for i := range selected {
			have[selected[i].ProjectSequence] = true
		}
		for i := range results {
			if !have[results[i].ProjectSequence] && results[i].ProjectSequence != t.ProjectSequence {
				selected = append(selected, results[i])
				have[results[i].ProjectSequence] = true
			}
		}
	}
	return selected
}

// renderSection produces the default Markdown block for one result.
func renderSection(r *task.Result, opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s (Task #%d)\n", r.Title, r.ProjectSequence)
	fmt.Fprintf(&b, "Status: %s\n", r.Status)
	if !r.EndTime.IsZero() {
		fmt.Fprintf(&b, "Completed: %s\n", r.EndTime.UTC().Format("2006-01-02T15:04:05Z07:00"))
	}
	b.WriteString("\n")
	b.WriteString(renderBody(r, opts))

	if inlined := inlineTextAttachments(r); inlined != "" {
		b.WriteString("\n\n### Attached Files Content\n")
		b.WriteString(inlined)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderBody(r *task.Result, opts Options) string {
	switch opts.Mode {
	case ModeSummary:
		return truncateAtBoundary(macro.Field(r, "content"), opts.MaxContextSize/3)
	case ModeSelective:
		fields := opts.SelectiveFields
		if len(fields) == 0 {
			fields = []string{"content"}
		}
		lines := make([]string, 0, len(fields))
		for _, f := range fields {
			lines = append(lines, fmt.Sprintf("%s: %s", f, macro.Field(r, f)))
		}
		return strings.Join(lines, "\n")
	default:
		return macro.Field(r, "content")
	}
}

// truncateAtBoundary cuts s near limit, preferring the last sentence end or
// newline in the allowed range so summaries stay readable.
func truncateAtBoundary(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	window := s[:limit]
	cut := strings.LastIndex(window, ". ")
	if cut >= 0 {
		cut++ // keep the period
	}
	if nl := strings.LastIndex(window, "\n"); nl > cut {
		cut = nl
	}
	if cut < limit/2 {
		cut = limit
	}
	return strings.TrimRight(s[:cut], " \n") + "..."
}

func inlineTextAttachments(r *task.Result) string {
	var b strings.Builder
	for _, a := range r.Attachments {
		if !isTextAttachment(a) {
			continue
		}
		fmt.Fprintf(&b, "#### %s\n%s\n", a.Name, a.Data)
	}
	return strings.TrimRight(b.String(), "\n")
}

func isTextAttachment(a task.Attachment) bool {
	return a.Encoding == task.EncodingText || a.Kind == task.AttachmentText
}

// extractVariables merges `variables` objects exposed by upstream structured
// outputs; later results win on key collisions.
func extractVariables(results []task.Result) map[string]any {
	vars := make(map[string]any)
	for i := range results {
		obj, ok := results[i].Output.(map[string]any)
		if !ok {
			continue
		}
		inner, ok := obj["variables"].(map[string]any)
		if !ok {
			continue
		}
		for k, v := range inner {
			vars[k] = v
		}
	}
	return vars
}

var eachBlockPattern = regexp.MustCompile(`(?s)\{\{#each\}\}(.*?)\{\{/each\}\}`)

// applyTemplate expands a custom context template. {{#each}} blocks repeat
// per result with per-item fields; {{results}} and {{count}} substitute the
// default rendering and the selection size.
func applyTemplate(template, rendered string, results []task.Result) string {
	expanded := eachBlockPattern.ReplaceAllStringFunc(template, func(block string) string {
		inner := eachBlockPattern.FindStringSubmatch(block)[1]
		items := make([]string, 0, len(results))
		for i := range results {
			items = append(items, expandItem(inner, &results[i]))
		}
		return strings.Join(items, "")
	})
	expanded = strings.ReplaceAll(expanded, "{{results}}", rendered)
	expanded = strings.ReplaceAll(expanded, "{{count}}", fmt.Sprintf("%d", len(results)))
	return expanded
}

func expandItem(template string, r *task.Result) string {
	replacer := strings.NewReplacer(
		"{{id}}", fmt.Sprintf("%d", r.ProjectSequence),
		"{{title}}", r.Title,
		"{{status}}", string(r.Status),
		"{{content}}", macro.Field(r, "content"),
		"{{output}}", macro.Field(r, "output"),
		"{{duration}}", macro.Field(r, "duration"),
		"{{cost}}", macro.Field(r, "cost"),
	)
	return replacer.Replace(template)
}
