package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskflow/internal/ports"
	"taskflow/internal/task"
)

func TestSaveAndLatest(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	execCtx := task.NewExecutionContext("wf-1", 42)
	execCtx.PreviousResults = []task.Result{{TaskID: 1, ProjectSequence: 1, Status: task.ResultSuccess, Content: "done"}}

	cp := ports.Checkpoint{Stage: 0, CompletedTasks: []int{1}, Context: execCtx}
	if err := store.Save(ctx, "wf-1", cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Latest(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got == nil {
		t.Fatal("Latest returned nil")
	}
	if got.ID == "" {
		t.Fatal("checkpoint id not assigned")
	}
	if got.WorkflowID != "wf-1" || got.Stage != 0 {
		t.Fatalf("checkpoint = %+v", got)
	}
	if len(got.Context.PreviousResults) != 1 || got.Context.PreviousResults[0].Content != "done" {
		t.Fatalf("restored context = %+v", got.Context)
	}
}

func TestLatestWins(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	for stage := 0; stage < 3; stage++ {
		cp := ports.Checkpoint{Stage: stage, CreatedAt: time.Now()}
		if err := store.Save(ctx, "wf-2", cp); err != nil {
			t.Fatalf("Save stage %d: %v", stage, err)
		}
	}

	got, err := store.Latest(ctx, "wf-2")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.Stage != 2 {
		t.Fatalf("stage = %d, want 2", got.Stage)
	}

	list, err := store.List(ctx, "wf-2")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list length = %d", len(list))
	}
}

func TestLatestMissingWorkflow(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	got, err := store.Latest(context.Background(), "nope")
	if err != nil || got != nil {
		t.Fatalf("Latest = %v, %v", got, err)
	}
}

func TestCorruptFileIgnored(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "wf-3.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := store.Latest(context.Background(), "wf-3")
	if err != nil || got != nil {
		t.Fatalf("Latest = %v, %v", got, err)
	}
}

func TestDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Save(ctx, "wf-4", ports.Checkpoint{Stage: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete("wf-4"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, _ := store.Latest(ctx, "wf-4")
	if got != nil {
		t.Fatal("checkpoint survived delete")
	}
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"wf-1":        "wf-1",
		"a/b\\c":      "a_b_c",
		"..":          "..",
		"":            "default",
		"wf 1 (new)":  "wf_1__new_",
		"UPPER.case7": "UPPER.case7",
	}
	for in, want := range cases {
		if got := sanitize(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
