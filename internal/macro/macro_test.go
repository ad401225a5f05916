package macro

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskflow/internal/task"
)

func testContext(results ...task.Result) *Context {
	return &Context{
		Results: results,
		Variables: map[string]any{
			"region": "eu-west-1",
			"retry":  3,
		},
		Project: &task.Project{Name: "atlas", Description: "internal data platform"},
		Now:     time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
	}
}

func textResult(seq int, title, content string) task.Result {
	return task.Result{
		TaskID:          int64(seq),
		ProjectSequence: seq,
		Title:           title,
		Status:          task.ResultSuccess,
		Output:          content,
		Content:         content,
	}
}

func TestResolveTaskReference(t *testing.T) {
	ctx := testContext(
		textResult(1, "gather", "raw notes"),
		textResult(2, "analyze", "key findings"),
	)

	got := Resolve("Based on {{task:1}} and {{task.2}}.", ctx)
	want := "Based on raw notes and key findings."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolveTaskFieldAccess(t *testing.T) {
	r := textResult(4, "report", strings.Repeat("x", 600))
	r.Cost = 0.0312
	r.Tokens = 1840
	r.Duration = 3 * time.Second
	ctx := testContext(r)

	cases := map[string]string{
		"{{task:4.status}}":  "success",
		"{{task:4.cost}}":    "0.0312",
		"{{task:4.tokens}}":  "1840",
		"{{task.4.summary}}": strings.Repeat("x", 500) + "...",
	}
	for tmpl, want := range cases {
		if got := Resolve(tmpl, ctx); got != want {
			t.Fatalf("Resolve(%q) = %q, want %q", tmpl, got, want)
		}
	}
}

func TestResolveNestedOutputPath(t *testing.T) {
	r := task.Result{
		ProjectSequence: 2,
		Title:           "deploy",
		Status:          task.ResultSuccess,
		Output: map[string]any{
			"content": "deployed",
			"release": map[string]any{"version": "1.4.2", "builds": float64(12)},
		},
	}
	ctx := testContext(r)

	if got := Resolve("{{task:2.release.version}}", ctx); got != "1.4.2" {
		t.Fatalf("nested path = %q", got)
	}
	if got := Resolve("{{task:2.release.builds}}", ctx); got != "12" {
		t.Fatalf("numeric path = %q", got)
	}
	if got := Resolve("{{task:2.release.missing}}", ctx); !strings.Contains(got, "no field") {
		t.Fatalf("missing path = %q", got)
	}
}

func TestResolvePrevVariants(t *testing.T) {
	ctx := testContext(
		textResult(1, "first", "alpha"),
		textResult(2, "second", "beta"),
		textResult(3, "third", "gamma"),
	)

	cases := map[string]string{
		"{{prev}}":        "gamma",
		"{{prev.1}}":      "beta",
		"{{prev-2}}":      "alpha",
		"{{prev.0}}":      "gamma",
		"{{prev-5}}":      "[no previous result]",
		"{{prev.status}}": "success",
	}
	for tmpl, want := range cases {
		if got := Resolve(tmpl, ctx); got != want {
			t.Fatalf("Resolve(%q) = %q, want %q", tmpl, got, want)
		}
	}
}

func TestPreviousResultAliasesPrevOutput(t *testing.T) {
	r := task.Result{
		ProjectSequence: 1,
		Title:           "scan",
		Status:          task.ResultSuccess,
		Output:          map[string]any{"content": "hello", "score": float64(7)},
	}
	ctx := testContext(r)

	alias := Resolve("{{previous_result}}", ctx)
	direct := Resolve("{{prev.output}}", ctx)
	if alias != direct {
		t.Fatalf("previous_result %q != prev.output %q", alias, direct)
	}
	if !strings.Contains(alias, `"score":7`) {
		t.Fatalf("expected full JSON output, got %q", alias)
	}
}

func TestResolveMissingReferentsKeepPrompt(t *testing.T) {
	ctx := testContext()

	got := Resolve("use {{task:9}} and {{var:absent}} and {{prev}}", ctx)
	for _, want := range []string{"[no result for task 9]", "[undefined variable: absent]", "[no previous result]"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing placeholder %q in %q", want, got)
		}
	}
}

func TestResolveVariablesAndBuiltins(t *testing.T) {
	ctx := testContext()

	if got := Resolve("{{var:region}}/{{var:retry}}", ctx); got != "eu-west-1/3" {
		t.Fatalf("vars = %q", got)
	}
	if got := Resolve("{{date}}", ctx); got != "2025-03-14" {
		t.Fatalf("date = %q", got)
	}
	if got := Resolve("{{datetime}}", ctx); got != "2025-03-14T09:26:53Z" {
		t.Fatalf("datetime = %q", got)
	}
	if got := Resolve("{{project.name}}", ctx); got != "atlas" {
		t.Fatalf("project.name = %q", got)
	}
}

func TestResolveAllResultsSummary(t *testing.T) {
	ctx := testContext(
		textResult(1, "collect", "first body"),
		textResult(2, "digest", "second body"),
	)

	got := Resolve("{{all_results.summary}}", ctx)
	if !strings.Contains(got, "Task #1 (collect): first body") {
		t.Fatalf("summary missing first entry: %q", got)
	}
	if !strings.Contains(got, "Task #2 (digest): second body") {
		t.Fatalf("summary missing second entry: %q", got)
	}
}

func TestResolveIsSinglePass(t *testing.T) {
	ctx := testContext(
		textResult(1, "emit", "literal {{task:2}} stays"),
		textResult(2, "other", "should never appear"),
	)

	got := Resolve("{{task:1}}", ctx)
	if got != "literal {{task:2}} stays" {
		t.Fatalf("macro inside result was re-expanded: %q", got)
	}
	// Resolving the resolved text again must be stable for macro-free input.
	if again := Resolve("plain text", ctx); again != "plain text" {
		t.Fatalf("plain text changed: %q", again)
	}
}

func TestUnrecognizedMacroLeftVerbatim(t *testing.T) {
	ctx := testContext()
	in := "keep {{not_a_macro}} and {{task:abc}} as-is"
	if got := Resolve(in, ctx); got != in {
		t.Fatalf("got %q, want unchanged input", got)
	}
}

func TestContentProbeOrder(t *testing.T) {
	r := task.Result{
		ProjectSequence: 1,
		Title:           "render",
		Status:          task.ResultSuccess,
		Output: map[string]any{
			"content":  "textual",
			"imageUrl": "https://cdn.example.com/out.png",
		},
	}
	ctx := testContext(r)

	if got := Resolve("{{task:1}}", ctx); got != "https://cdn.example.com/out.png" {
		t.Fatalf("imageUrl should win the probe, got %q", got)
	}
}

func TestInlineDataURLImageSpilledToFile(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("fake png bytes"))
	r := textResult(3, "screenshot", "data:image/png;base64,"+payload)
	ctx := testContext(r)
	ctx.TempDir = t.TempDir()

	got := Resolve("{{task:3}}", ctx)
	if !strings.HasPrefix(got, filepath.Join(ctx.TempDir, "workflow-manager-images")) {
		t.Fatalf("expected spilled file path, got %q", got)
	}
	if !strings.HasSuffix(got, ".png") {
		t.Fatalf("expected .png extension, got %q", got)
	}
	data, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("read spilled file: %v", err)
	}
	if string(data) != "fake png bytes" {
		t.Fatalf("spilled bytes = %q", data)
	}
}

func TestLargeBareBase64SpilledSmallKept(t *testing.T) {
	big := base64.StdEncoding.EncodeToString(make([]byte, 60*1024))
	small := base64.StdEncoding.EncodeToString([]byte("tiny"))

	ctx := testContext(textResult(1, "big", big), textResult(2, "small", small))
	ctx.TempDir = t.TempDir()

	if got := Resolve("{{task:1}}", ctx); !strings.Contains(got, "workflow-manager-images") {
		t.Fatalf("large base64 not spilled: %.60q", got)
	}
	if got := Resolve("{{task:2}}", ctx); got != small {
		t.Fatalf("small base64 should pass through, got %q", got)
	}
}

func TestValidateFlagsUnknownReferences(t *testing.T) {
	issues := Validate("see {{task:3}} with {{var:missing}} and {{task:1}}", []int{1, 2}, map[string]any{"present": 1})
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d: %v", len(issues), issues)
	}
	if !strings.Contains(issues[0].Message, "not a declared dependency") {
		t.Fatalf("unexpected first issue: %v", issues[0])
	}
	if !strings.Contains(issues[1].Message, "not defined") {
		t.Fatalf("unexpected second issue: %v", issues[1])
	}
}
