package planner

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"taskflow/internal/task"
	"taskflow/internal/taskerr"
)

func mkTask(seq int, deps ...int) task.Task {
	return task.Task{ID: int64(seq), ProjectSequence: seq, Title: "t", Type: task.TypeAI, Dependencies: deps}
}

func stageSeqs(p *Plan) [][]int {
	out := make([][]int, len(p.Stages))
	for i := range p.Stages {
		out[i] = p.Stages[i].Sequences()
	}
	return out
}

func TestBuildLinearChain(t *testing.T) {
	p, err := Build([]task.Task{mkTask(1), mkTask(2, 1), mkTask(3, 2)})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := [][]int{{1}, {2}, {3}}
	if got := stageSeqs(p); !reflect.DeepEqual(got, want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
}

func TestBuildDiamond(t *testing.T) {
	p, err := Build([]task.Task{mkTask(1), mkTask(2, 1), mkTask(3, 1), mkTask(4, 2, 3)})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := [][]int{{1}, {2, 3}, {4}}
	if got := stageSeqs(p); !reflect.DeepEqual(got, want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	if !p.Stages[1].CanRunInParallel {
		t.Fatal("middle diamond stage must be parallel")
	}
}

func TestBuildIndependentTasksShareStage(t *testing.T) {
	p, err := Build([]task.Task{mkTask(1), mkTask(2), mkTask(3)})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Stages) != 1 || len(p.Stages[0].Tasks) != 3 {
		t.Fatalf("stages = %v", stageSeqs(p))
	}
}

func TestBuildCycle(t *testing.T) {
	_, err := Build([]task.Task{mkTask(1, 3), mkTask(2, 1), mkTask(3, 2)})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	te := taskerr.AsError(err)
	if te == nil || te.Kind != taskerr.KindConfig {
		t.Fatalf("error = %v", err)
	}
	for _, seq := range []string{"#1", "#2", "#3"} {
		if !strings.Contains(err.Error(), seq) {
			t.Fatalf("cycle error %q does not name %s", err.Error(), seq)
		}
	}
}

func TestBuildPartialCycleNamesResidualOnly(t *testing.T) {
	_, err := Build([]task.Task{mkTask(1), mkTask(2, 3), mkTask(3, 2)})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if strings.Contains(err.Error(), "#1") {
		t.Fatalf("error names a resolvable task: %s", err.Error())
	}
	if !strings.Contains(err.Error(), "#2") || !strings.Contains(err.Error(), "#3") {
		t.Fatalf("error = %s", err.Error())
	}
}

func TestBuildUnknownDependencyIgnored(t *testing.T) {
	p, err := Build([]task.Task{mkTask(1, 99), mkTask(2, 1)})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := [][]int{{1}, {2}}
	if got := stageSeqs(p); !reflect.DeepEqual(got, want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
}

func TestBuildDuplicateSequence(t *testing.T) {
	_, err := Build([]task.Task{mkTask(1), mkTask(1)})
	if err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestSerialTaskBlocksParallelism(t *testing.T) {
	serial := mkTask(2)
	serial.ExecutionType = "serial"
	p, err := Build([]task.Task{mkTask(1), serial, mkTask(3)})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Stages[0].CanRunInParallel {
		t.Fatal("serial task must disable stage parallelism")
	}
}

func TestInputTaskBlocksParallelism(t *testing.T) {
	input := mkTask(2)
	input.Type = task.TypeInput
	p, err := Build([]task.Task{mkTask(1), input})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Stages[0].CanRunInParallel {
		t.Fatal("input task must disable stage parallelism")
	}
}

func TestEstimatedDuration(t *testing.T) {
	a := mkTask(1)
	a.EstimatedDuration = 10 * time.Second
	b := mkTask(2)
	b.EstimatedDuration = 40 * time.Second
	c := mkTask(3, 1, 2) // no estimate, default applies

	p, err := Build([]task.Task{a, b, c})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// Stage 1 is parallel: max(10s, 40s); stage 2: default 30s.
	want := 40*time.Second + DefaultTaskEstimate
	if p.EstimatedDuration != want {
		t.Fatalf("estimate = %v, want %v", p.EstimatedDuration, want)
	}
}
