// Package server exposes workflow execution over HTTP: submit and control
// runs, read state and results, stream progress over websockets, and scrape
// Prometheus metrics.
package server

import (
	"sync"
	"time"

	"taskflow/internal/runner"
	"taskflow/internal/task"
)

// Run is one submitted workflow, live or finished.
type Run struct {
	ID        string
	Name      string
	StartedAt time.Time

	mu      sync.Mutex
	execCtx *task.ExecutionContext
	summary *runner.Summary
	err     error
	done    chan struct{}
}

// Finished reports whether the run reached a terminal state.
func (r *Run) Finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Done exposes completion for waiters.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Outcome returns the summary and error once finished, nil before.
func (r *Run) Outcome() (*runner.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary, r.err
}

// Results snapshots the results recorded so far.
func (r *Run) Results() []task.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.summary != nil {
		return append([]task.Result(nil), r.summary.Results...)
	}
	return append([]task.Result(nil), r.execCtx.PreviousResults...)
}

func (r *Run) finish(summary *runner.Summary, err error) {
	r.mu.Lock()
	r.summary = summary
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

// RunRegistry tracks all runs the server has accepted.
type RunRegistry struct {
	mu   sync.Mutex
	runs map[string]*Run
}

// NewRunRegistry builds an empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*Run)}
}

// Add registers a new run.
func (reg *RunRegistry) Add(id, name string, execCtx *task.ExecutionContext) *Run {
	run := &Run{
		ID:        id,
		Name:      name,
		StartedAt: time.Now(),
		execCtx:   execCtx,
		done:      make(chan struct{}),
	}
	reg.mu.Lock()
	reg.runs[id] = run
	reg.mu.Unlock()
	return run
}

// Get looks a run up by id.
func (reg *RunRegistry) Get(id string) (*Run, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	run, ok := reg.runs[id]
	return run, ok
}

// List returns all known runs, newest first not guaranteed.
func (reg *RunRegistry) List() []*Run {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Run, 0, len(reg.runs))
	for _, run := range reg.runs {
		out = append(out, run)
	}
	return out
}
