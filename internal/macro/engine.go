// Package macro implements the {{...}} template language that weaves prior
// task results, variables, and project fields into prompts.
//
// Resolution is textual and single-pass: resolved values are never re-scanned
// for macros, so result content that happens to look like a macro cannot
// trigger further expansion.
package macro

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"taskflow/internal/logging"
	"taskflow/internal/task"
)

// Context supplies the referents macros resolve against.
type Context struct {
	Results   []task.Result
	Variables map[string]any
	Project   *task.Project
	Now       time.Time // zero means time.Now()
	TempDir   string    // zero means os.TempDir()
	Logger    logging.Logger
}

func (c *Context) now() time.Time {
	if c.Now.IsZero() {
		return time.Now()
	}
	return c.Now
}

var macroPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Resolve substitutes every recognized macro in template. Missing referents
// become human-readable placeholders; unrecognized macros are left verbatim.
func Resolve(template string, ctx *Context) string {
	if ctx == nil {
		ctx = &Context{}
	}
	return macroPattern.ReplaceAllStringFunc(template, func(match string) string {
		body := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := resolveMacro(body, ctx); ok {
			return value
		}
		return match
	})
}

// resolveMacro evaluates one macro body. ok=false means the body is not a
// recognized macro and the original text should stand.
func resolveMacro(body string, ctx *Context) (string, bool) {
	switch {
	case body == "date":
		return ctx.now().Format("2006-01-02"), true
	case body == "datetime":
		return ctx.now().Format(time.RFC3339), true
	case body == "project.name":
		if ctx.Project != nil {
			return ctx.Project.Name, true
		}
		return "[no project]", true
	case body == "project.description":
		if ctx.Project != nil {
			return ctx.Project.Description, true
		}
		return "[no project]", true
	case body == "previous_result":
		return resolvePrev(ctx, 0, "output"), true
	case body == "all_results":
		return renderAllResults(ctx.Results), true
	case body == "all_results.summary":
		return renderAllResultsSummary(ctx.Results), true
	case strings.HasPrefix(body, "var:"):
		return resolveVariable(ctx, strings.TrimPrefix(body, "var:")), true
	case strings.HasPrefix(body, "task:") || strings.HasPrefix(body, "task."):
		seq, field, ok := parseTaskRef(body)
		if !ok {
			return "", false
		}
		return resolveTask(ctx, seq, field), true
	case body == "prev" || strings.HasPrefix(body, "prev.") || strings.HasPrefix(body, "prev-"):
		back, field, ok := parsePrevRef(body)
		if !ok {
			return "", false
		}
		return resolvePrev(ctx, back, field), true
	default:
		return "", false
	}
}

// parseTaskRef parses task:N, task.N, task:N.FIELD, task.N.FIELD.
func parseTaskRef(body string) (seq int, field string, ok bool) {
	rest := body[len("task"):]
	if rest == "" || (rest[0] != ':' && rest[0] != '.') {
		return 0, "", false
	}
	rest = rest[1:]

	numEnd := 0
	for numEnd < len(rest) && rest[numEnd] >= '0' && rest[numEnd] <= '9' {
		numEnd++
	}
	if numEnd == 0 {
		return 0, "", false
	}
	seq, err := strconv.Atoi(rest[:numEnd])
	if err != nil {
		return 0, "", false
	}

	field = "content"
	if numEnd < len(rest) {
		if rest[numEnd] != '.' || numEnd+1 == len(rest) {
			return 0, "", false
		}
		field = rest[numEnd+1:]
	}
	return seq, field, true
}

// parsePrevRef parses prev, prev.N, prev-N, each optionally followed by .FIELD.
// A numeric segment directly after prev is a back-offset; anything else is a
// field path.
func parsePrevRef(body string) (back int, field string, ok bool) {
	rest := body[len("prev"):]
	field = "content"
	if rest == "" {
		return 0, field, true
	}

	sep := rest[0]
	rest = rest[1:]
	if rest == "" {
		return 0, "", false
	}

	numEnd := 0
	for numEnd < len(rest) && rest[numEnd] >= '0' && rest[numEnd] <= '9' {
		numEnd++
	}

	switch sep {
	case '-':
		if numEnd == 0 {
			return 0, "", false
		}
	case '.':
		if numEnd == 0 || (numEnd < len(rest) && rest[numEnd] != '.') {
			// prev.content, prev.output.path, ... : the whole rest is a field.
			return 0, rest, true
		}
	default:
		return 0, "", false
	}

	back, err := strconv.Atoi(rest[:numEnd])
	if err != nil {
		return 0, "", false
	}
	if numEnd < len(rest) {
		field = rest[numEnd+1:]
		if field == "" {
			return 0, "", false
		}
	}
	return back, field, true
}

func resolveTask(ctx *Context, seq int, field string) string {
	var found *task.Result
	for i := len(ctx.Results) - 1; i >= 0; i-- {
		if ctx.Results[i].ProjectSequence == seq {
			found = &ctx.Results[i]
			break
		}
	}
	if found == nil {
		return fmt.Sprintf("[no result for task %d]", seq)
	}
	return resolveField(ctx, found, field)
}

func resolvePrev(ctx *Context, back int, field string) string {
	idx := len(ctx.Results) - 1 - back
	if idx < 0 || idx >= len(ctx.Results) {
		return "[no previous result]"
	}
	return resolveField(ctx, &ctx.Results[idx], field)
}

func resolveVariable(ctx *Context, name string) string {
	value, ok := ctx.Variables[name]
	if !ok {
		return fmt.Sprintf("[undefined variable: %s]", name)
	}
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func renderAllResults(results []task.Result) string {
	if len(results) == 0 {
		return "[no prior results]"
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "[no prior results]"
	}
	return string(data)
}

func renderAllResultsSummary(results []task.Result) string {
	if len(results) == 0 {
		return "[no prior results]"
	}
	var b strings.Builder
	for i := range results {
		r := &results[i]
		summary := truncateAt(extractContent(nil, r), 200)
		fmt.Fprintf(&b, "Task #%d (%s): %s\n", r.ProjectSequence, r.Title, summary)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateAt(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
