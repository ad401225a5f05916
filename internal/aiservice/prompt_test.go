package aiservice

import (
	"context"
	"strings"
	"testing"

	"taskflow/internal/task"
)

func TestAssemblePromptsDependencyContext(t *testing.T) {
	m := New(Config{MCP: &fakeMCP{}})
	execCtx := task.NewExecutionContext("wf", 1)
	execCtx.Project = &task.Project{Name: "Atlas", Goal: "ship v2"}
	execCtx.PreviousResults = []task.Result{
		{ProjectSequence: 1, Title: "research", Status: task.ResultSuccess, Content: "competitors use webhooks"},
		{ProjectSequence: 2, Title: "unrelated", Status: task.ResultSuccess, Content: "noise"},
	}

	tk := &task.Task{
		ID:              20,
		ProjectSequence: 3,
		Title:           "draft plan",
		AIPrompt:        "Write the integration plan.",
		Dependencies:    []int{1},
		Type:            task.TypeAI,
	}
	a := m.assemblePrompts(context.Background(), tk, execCtx, nil, nil)

	if !strings.Contains(a.systemPrompt, "Atlas") || !strings.Contains(a.systemPrompt, "ship v2") {
		t.Fatalf("system prompt missing project context:\n%s", a.systemPrompt)
	}
	if !strings.Contains(a.userPrompt, "## Context from Dependencies") {
		t.Fatalf("user prompt missing dependency section:\n%s", a.userPrompt)
	}
	if !strings.Contains(a.userPrompt, "competitors use webhooks") {
		t.Fatal("dependency content not propagated")
	}
	if strings.Contains(a.userPrompt, "noise") {
		t.Fatal("non-dependency result leaked into the prompt")
	}
}

func TestAssemblePromptsImagesBecomeMultiModal(t *testing.T) {
	m := New(Config{MCP: &fakeMCP{}})
	execCtx := task.NewExecutionContext("wf", 1)
	execCtx.PreviousResults = []task.Result{{
		ProjectSequence: 1,
		Status:          task.ResultSuccess,
		Attachments: []task.Attachment{
			{Name: "chart.png", Kind: task.AttachmentImage, Encoding: task.EncodingBase64, Mime: "image/png", Data: "aW1n"},
			{Name: "notes.txt", Kind: task.AttachmentText, Encoding: task.EncodingText, Data: "inline"},
		},
	}}

	tk := &task.Task{ID: 21, ProjectSequence: 2, Title: "analyze", Dependencies: []int{1}, Type: task.TypeAI}
	a := m.assemblePrompts(context.Background(), tk, execCtx, nil, nil)

	if !a.hasInputImages || len(a.images) != 1 {
		t.Fatalf("images = %+v", a.images)
	}
	msgs := a.messages()
	last := msgs[len(msgs)-1]
	if len(last.Images) != 1 || last.Images[0].Base64 != "aW1n" {
		t.Fatalf("user message images = %+v", last.Images)
	}
}

func TestEffectiveOutputFormatVisionReclassification(t *testing.T) {
	c := &stubClient{name: "openai"}
	tk := &task.Task{ExpectedOutputFormat: "png"}

	if got := effectiveOutputFormat(tk, c, "gpt-4o", true); got != "markdown" {
		t.Fatalf("with input images = %q, want markdown", got)
	}
	if got := effectiveOutputFormat(tk, c, "gpt-4o", false); got != "png" {
		t.Fatalf("without input images = %q, want png", got)
	}
	tk.ExpectedOutputFormat = "json"
	if got := effectiveOutputFormat(tk, c, "gpt-4o", true); got != "json" {
		t.Fatalf("non-image format = %q", got)
	}
}

func TestStripJSONFences(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{`{"a":1}`, `{"a":1}`},
		{"  plain text ", "plain text"},
	}
	for _, tc := range cases {
		if got := stripJSONFences(tc.in); got != tc.want {
			t.Errorf("stripJSONFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatClause(t *testing.T) {
	if clause := formatClause(&task.Task{ExpectedOutputFormat: "json"}); !strings.Contains(clause, "valid JSON only") {
		t.Fatalf("json clause = %q", clause)
	}
	if clause := formatClause(&task.Task{ExpectedOutputFormat: "code", CodeLanguage: "go"}); !strings.Contains(clause, "go source code") {
		t.Fatalf("code clause = %q", clause)
	}
	if clause := formatClause(&task.Task{ExpectedOutputFormat: "text"}); clause != "" {
		t.Fatalf("text clause = %q", clause)
	}
}
