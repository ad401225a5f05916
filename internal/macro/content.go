package macro

import (
	"encoding/json"
	"fmt"
	"strings"

	"taskflow/internal/task"
)

// contentProbeKeys are checked in order when a result's output is an object.
// The first present, non-empty string wins.
var contentProbeKeys = []string{"imageUrl", "content", "text", "result", "message"}

// Field renders one named field of a result using the same rules as
// {{task.N.FIELD}} substitution, without image spilling.
func Field(r *task.Result, field string) string {
	return resolveField(nil, r, field)
}

// resolveField renders one field of a result for macro substitution.
func resolveField(ctx *Context, r *task.Result, field string) string {
	switch field {
	case "content":
		return extractContent(ctx, r)
	case "output":
		return r.OutputJSON()
	case "summary":
		return truncateAt(extractContent(ctx, r), 500)
	case "status":
		return string(r.Status)
	case "duration":
		return r.Duration.String()
	case "cost":
		return fmt.Sprintf("%.4f", r.Cost)
	case "tokens":
		return fmt.Sprintf("%d", r.Tokens)
	case "error":
		return r.ErrorMessage
	case "metadata":
		if len(r.Metadata) == 0 {
			return "{}"
		}
		data, err := json.Marshal(r.Metadata)
		if err != nil {
			return "{}"
		}
		return string(data)
	default:
		return resolvePath(r, field)
	}
}

// resolvePath walks a dotted path through the result's structured output
// (or metadata when the first segment says so).
func resolvePath(r *task.Result, path string) string {
	parts := strings.Split(path, ".")
	var node any = r.Output
	if parts[0] == "metadata" {
		node = anyMap(r.Metadata)
		parts = parts[1:]
		if len(parts) == 0 {
			return resolveField(nil, r, "metadata")
		}
	}
	for _, part := range parts {
		obj, ok := node.(map[string]any)
		if !ok {
			return fmt.Sprintf("[no field %s in result for task %d]", path, r.ProjectSequence)
		}
		node, ok = obj[part]
		if !ok {
			return fmt.Sprintf("[no field %s in result for task %d]", path, r.ProjectSequence)
		}
	}
	return renderValue(node)
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; render integers without the point.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

// extractContent reduces a result to usable text: plain strings pass through,
// objects are probed for well-known content keys, and anything else becomes
// canonical JSON. Large inline images are spilled to temp files and replaced
// by their path.
func extractContent(ctx *Context, r *task.Result) string {
	text := rawContent(r)
	if ctx == nil {
		return text
	}
	return spillInlineImage(ctx, r.TaskID, text)
}

func rawContent(r *task.Result) string {
	if r.Output == nil {
		return r.Content
	}
	switch out := r.Output.(type) {
	case string:
		return out
	case map[string]any:
		for _, key := range contentProbeKeys {
			if s, ok := out[key].(string); ok && s != "" {
				return s
			}
		}
		data, err := json.Marshal(out)
		if err != nil {
			return r.Content
		}
		return string(data)
	default:
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf("%v", out)
		}
		return string(data)
	}
}
