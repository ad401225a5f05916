package propagate

import (
	"strings"
	"testing"
	"time"

	"taskflow/internal/task"
)

func doneResult(seq int, title, content string) task.Result {
	return task.Result{
		TaskID:          int64(seq),
		ProjectSequence: seq,
		Title:           title,
		Status:          task.ResultSuccess,
		Output:          content,
		Content:         content,
		EndTime:         time.Date(2025, 5, 2, 11, 0, 0, 0, time.UTC),
	}
}

func TestBuildSelectsDeclaredDependenciesOnly(t *testing.T) {
	results := []task.Result{
		doneResult(1, "fetch", "fetched data"),
		doneResult(2, "clean", "cleaned data"),
		doneResult(3, "chart", "charted data"),
	}
	tk := &task.Task{ProjectSequence: 4, Title: "report", Dependencies: []int{1, 3}}

	got := Build(tk, results, Options{})
	if len(got.PreviousResults) != 2 {
		t.Fatalf("selected %d results, want 2", len(got.PreviousResults))
	}
	if !strings.Contains(got.ContextString, "### fetch (Task #1)") {
		t.Fatalf("missing fetch section:\n%s", got.ContextString)
	}
	if strings.Contains(got.ContextString, "clean") {
		t.Fatalf("undeclared dependency leaked into context:\n%s", got.ContextString)
	}
	if got.TotalSize != len(got.ContextString) {
		t.Fatalf("TotalSize %d != len %d", got.TotalSize, len(got.ContextString))
	}
}

func TestBuildFallsBackToAllPriorResults(t *testing.T) {
	results := []task.Result{doneResult(1, "a", "one"), doneResult(2, "b", "two")}
	tk := &task.Task{ProjectSequence: 3, Title: "joiner"}

	none := Build(tk, results, Options{})
	if len(none.PreviousResults) != 0 {
		t.Fatalf("no deps and no parent flag should select nothing, got %d", len(none.PreviousResults))
	}

	all := Build(tk, results, Options{IncludeParentResults: true})
	if len(all.PreviousResults) != 2 {
		t.Fatalf("parent fallback selected %d, want 2", len(all.PreviousResults))
	}
}

func TestBuildSummaryTruncatesAtBoundary(t *testing.T) {
	long := strings.Repeat("First sentence. ", 400) // ~6400 chars
	results := []task.Result{doneResult(1, "verbose", long)}
	tk := &task.Task{ProjectSequence: 2, Dependencies: []int{1}}

	got := Build(tk, results, Options{Mode: ModeSummary, MaxContextSize: 3000})
	body := got.ContextString
	if len(body) >= len(long) {
		t.Fatalf("summary mode did not shrink the body")
	}
	if !strings.Contains(body, "sentence....") && !strings.Contains(body, "sentence...") {
		t.Fatalf("summary should end near a sentence boundary:\n%.200s", body[len(body)-200:])
	}
}

func TestBuildEnforcesMaxContextSize(t *testing.T) {
	results := []task.Result{doneResult(1, "huge", strings.Repeat("z", 20000))}
	tk := &task.Task{ProjectSequence: 2, Dependencies: []int{1}}

	got := Build(tk, results, Options{})
	if !got.WasTruncated {
		t.Fatalf("expected truncation for oversized context")
	}
	if len(got.ContextString) > DefaultMaxContextSize {
		t.Fatalf("context %d exceeds cap %d", len(got.ContextString), DefaultMaxContextSize)
	}
	if !strings.HasSuffix(got.ContextString, TruncationMarker) {
		t.Fatalf("missing truncation marker")
	}
}

func TestBuildSelectiveKeepsWhitelistedFields(t *testing.T) {
	r := doneResult(1, "score", "ignored")
	r.Cost = 0.25
	results := []task.Result{r}
	tk := &task.Task{ProjectSequence: 2, Dependencies: []int{1}}

	got := Build(tk, results, Options{Mode: ModeSelective, SelectiveFields: []string{"status", "cost"}})
	if !strings.Contains(got.ContextString, "status: success") {
		t.Fatalf("missing status field:\n%s", got.ContextString)
	}
	if !strings.Contains(got.ContextString, "cost: 0.2500") {
		t.Fatalf("missing cost field:\n%s", got.ContextString)
	}
	if strings.Contains(got.ContextString, "ignored") {
		t.Fatalf("selective mode leaked content:\n%s", got.ContextString)
	}
}

func TestBuildNoneModeSkipsContextString(t *testing.T) {
	results := []task.Result{doneResult(1, "a", "one")}
	tk := &task.Task{ProjectSequence: 2, Dependencies: []int{1}}

	got := Build(tk, results, Options{Mode: ModeNone})
	if got.ContextString != "" {
		t.Fatalf("none mode produced context %q", got.ContextString)
	}
	if len(got.PreviousResults) != 1 {
		t.Fatalf("none mode should still select results for attachments")
	}
}

func TestBuildCustomTemplate(t *testing.T) {
	results := []task.Result{doneResult(1, "a", "one"), doneResult(2, "b", "two")}
	tk := &task.Task{ProjectSequence: 3, Dependencies: []int{1, 2}}

	tmpl := "Got {{count}} inputs:\n{{#each}}- {{title}} [{{status}}]: {{content}}\n{{/each}}"
	got := Build(tk, results, Options{Template: tmpl})
	want := "Got 2 inputs:\n- a [success]: one\n- b [success]: two\n"
	if got.ContextString != want {
		t.Fatalf("template output:\n%q\nwant:\n%q", got.ContextString, want)
	}
}

func TestBuildInlinesTextAttachmentsOnly(t *testing.T) {
	r := doneResult(1, "collect", "body text")
	r.Attachments = []task.Attachment{
		{Name: "notes.txt", Kind: task.AttachmentText, Encoding: task.EncodingText, Data: "file contents here"},
		{Name: "photo.png", Kind: task.AttachmentImage, Encoding: task.EncodingBase64, Data: "aWdub3JlZA=="},
	}
	tk := &task.Task{ProjectSequence: 2, Dependencies: []int{1}}

	got := Build(tk, []task.Result{r}, Options{})
	if !strings.Contains(got.ContextString, "### Attached Files Content") {
		t.Fatalf("text attachment not inlined:\n%s", got.ContextString)
	}
	if !strings.Contains(got.ContextString, "file contents here") {
		t.Fatalf("attachment body missing:\n%s", got.ContextString)
	}
	if strings.Contains(got.ContextString, "aWdub3JlZA==") {
		t.Fatalf("binary attachment was inlined:\n%s", got.ContextString)
	}

	bin := got.BinaryAttachments()
	if len(bin) != 1 || bin[0].Name != "photo.png" {
		t.Fatalf("binary attachments carried forward = %+v", bin)
	}
}

func TestBuildExtractsVariables(t *testing.T) {
	r := doneResult(1, "setup", "")
	r.Output = map[string]any{
		"content":   "configured",
		"variables": map[string]any{"env": "staging", "replicas": float64(2)},
	}
	tk := &task.Task{ProjectSequence: 2, Dependencies: []int{1}}

	got := Build(tk, []task.Result{r}, Options{})
	if got.ExtractedVariables["env"] != "staging" {
		t.Fatalf("variables = %+v", got.ExtractedVariables)
	}
}
