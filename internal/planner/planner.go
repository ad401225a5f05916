// Package planner turns a task list into an ordered set of execution stages
// by topological sorting over the dependency graph.
package planner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"taskflow/internal/task"
	"taskflow/internal/taskerr"
)

// DefaultTaskEstimate is assumed for tasks without an estimated duration.
const DefaultTaskEstimate = 30 * time.Second

// Stage is one round of the plan: tasks with no unmet dependencies at that
// point. Tasks within a parallel stage may run concurrently.
type Stage struct {
	Index            int         `json:"index"`
	Tasks            []task.Task `json:"tasks"`
	CanRunInParallel bool        `json:"canRunInParallel"`
}

// Sequences lists the stage's tasks by projectSequence.
func (s *Stage) Sequences() []int {
	out := make([]int, 0, len(s.Tasks))
	for i := range s.Tasks {
		out = append(out, s.Tasks[i].ProjectSequence)
	}
	return out
}

// Plan is the staged execution order for one workflow.
type Plan struct {
	Stages            []Stage       `json:"stages"`
	TotalTasks        int           `json:"totalTasks"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
}

// Build stages the tasks with Kahn's algorithm. Dependencies that reference
// sequences outside the task list are ignored; they are satisfied by
// definition (completed in an earlier run or supplied externally). A cycle
// fails the plan with a config error naming the residual sequences.
func Build(tasks []task.Task) (*Plan, error) {
	bySeq := make(map[int]*task.Task, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if _, dup := bySeq[t.ProjectSequence]; dup {
			return nil, taskerr.New(taskerr.KindConfig, "duplicate projectSequence %d", t.ProjectSequence)
		}
		bySeq[t.ProjectSequence] = t
	}

	inDegree := make(map[int]int, len(tasks))
	dependents := make(map[int][]int)
	for i := range tasks {
		t := &tasks[i]
		inDegree[t.ProjectSequence] = 0
		for _, dep := range t.DependencySequences() {
			if _, known := bySeq[dep]; !known {
				continue
			}
			inDegree[t.ProjectSequence]++
			dependents[dep] = append(dependents[dep], t.ProjectSequence)
		}
	}

	plan := &Plan{TotalTasks: len(tasks)}
	remaining := len(tasks)
	placed := make(map[int]bool, len(tasks))

	for remaining > 0 {
		var ready []int
		for seq, deg := range inDegree {
			if deg == 0 && !placed[seq] {
				ready = append(ready, seq)
			}
		}
		if len(ready) == 0 {
			return nil, cycleError(inDegree, placed)
		}
		sort.Ints(ready)

		stage := Stage{Index: len(plan.Stages)}
		for _, seq := range ready {
			stage.Tasks = append(stage.Tasks, *bySeq[seq])
			placed[seq] = true
			remaining--
			for _, child := range dependents[seq] {
				inDegree[child]--
			}
		}
		stage.CanRunInParallel = canRunInParallel(stage.Tasks)
		plan.Stages = append(plan.Stages, stage)
		plan.EstimatedDuration += stageEstimate(stage.Tasks)
	}

	return plan, nil
}

// canRunInParallel is false when any task in the stage must run alone:
// explicitly serial tasks, and input tasks that may block on a human.
func canRunInParallel(tasks []task.Task) bool {
	if len(tasks) < 2 {
		return len(tasks) == 1
	}
	for i := range tasks {
		if tasks[i].ExecutionType == "serial" {
			return false
		}
		if tasks[i].Type == task.TypeInput {
			return false
		}
	}
	return true
}

// stageEstimate is the stage's wall-clock estimate: the max task estimate for
// parallel stages, the sum for serial ones.
func stageEstimate(tasks []task.Task) time.Duration {
	estimates := make([]time.Duration, 0, len(tasks))
	for i := range tasks {
		est := tasks[i].EstimatedDuration
		if est <= 0 {
			est = DefaultTaskEstimate
		}
		estimates = append(estimates, est)
	}
	if canRunInParallel(tasks) {
		var max time.Duration
		for _, est := range estimates {
			if est > max {
				max = est
			}
		}
		return max
	}
	var sum time.Duration
	for _, est := range estimates {
		sum += est
	}
	return sum
}

func cycleError(inDegree map[int]int, placed map[int]bool) error {
	var residual []int
	for seq := range inDegree {
		if !placed[seq] {
			residual = append(residual, seq)
		}
	}
	sort.Ints(residual)
	parts := make([]string, len(residual))
	for i, seq := range residual {
		parts[i] = fmt.Sprintf("#%d", seq)
	}
	return taskerr.New(taskerr.KindConfig, "dependency cycle among tasks %s", strings.Join(parts, ", "))
}
