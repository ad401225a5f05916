// Package runner drives a planned workflow to completion: stage-by-stage
// execution with bounded parallelism, pause/resume/cancel, budget accounting,
// checkpointing, and progress reporting.
package runner

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"taskflow/internal/executor"
	"taskflow/internal/logging"
	"taskflow/internal/planner"
	"taskflow/internal/ports"
	"taskflow/internal/task"
	"taskflow/internal/taskerr"
)

// DefaultParallelism bounds concurrent tasks within a parallel stage.
const DefaultParallelism = 3

// Status is the terminal (or in-flight) state of one workflow run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// TaskExecutor is the slice of executor.Executor the runner consumes.
type TaskExecutor interface {
	Execute(ctx context.Context, t *task.Task, execCtx *task.ExecutionContext, opts executor.Options) (*task.Result, error)
}

// AbortRegistry cancels in-flight AI executions by task id.
type AbortRegistry interface {
	CancelExecution(taskID int64) int
}

// ResultIndexer records successful results for later memory recall. Indexing
// is best-effort; failures are logged and never fail the run.
type ResultIndexer interface {
	IndexResult(ctx context.Context, execCtx *task.ExecutionContext, res *task.Result) error
}

// Metrics receives runner telemetry. All methods must be cheap.
type Metrics interface {
	WorkflowStarted()
	WorkflowFinished(status string)
	ObserveStageDuration(seconds float64)
	TaskFinished(status string)
	AddRetries(n int)
	AddCost(usd float64)
	AddTokens(n int)
}

// Options tune one workflow run.
type Options struct {
	Parallelism int
	Checkpoints bool
	Executor    executor.Options
}

func (o Options) normalized() Options {
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	return o
}

// Summary is the outcome of one workflow run.
type Summary struct {
	WorkflowID string        `json:"workflowId"`
	Status     Status        `json:"status"`
	Results    []task.Result `json:"results"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"duration"`
	TotalCost  float64       `json:"totalCost"`
	TotalToken int           `json:"totalTokens"`
}

// Config wires a Runner.
type Config struct {
	Executor    TaskExecutor
	Aborts      AbortRegistry
	Tasks       ports.TaskRepository
	Checkpoints ports.CheckpointStore
	Sink        ports.ProgressSink
	Metrics     Metrics
	Index       ResultIndexer
	Logger      logging.Logger
}

// Runner executes workflows. Safe for concurrent use across workflows; one
// workflow id runs at most once at a time.
type Runner struct {
	exec        TaskExecutor
	aborts      AbortRegistry
	tasks       ports.TaskRepository
	checkpoints ports.CheckpointStore
	sink        ports.ProgressSink
	metrics     Metrics
	index       ResultIndexer
	logger      logging.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

// ExecutionState is a point-in-time snapshot of one workflow run.
type ExecutionState struct {
	WorkflowID     string    `json:"workflowId"`
	Status         Status    `json:"status"`
	CurrentStage   int       `json:"currentStage"`
	TotalStages    int       `json:"totalStages"`
	CompletedTasks []int     `json:"completedTasks"`
	FailedTasks    []int     `json:"failedTasks"`
	StartedAt      time.Time `json:"startedAt"`
	PausedAt       time.Time `json:"pausedAt,omitempty"`
}

// runState is the control block of one in-flight workflow.
type runState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	stopped bool
	cancel  context.CancelFunc
	active  map[int64]struct{}
	status  Status

	currentStage int
	totalStages  int
	completed    []int
	failed       []int
	startedAt    time.Time
	pausedAt     time.Time
}

func newRunState(cancel context.CancelFunc) *runState {
	s := &runState{cancel: cancel, active: make(map[int64]struct{}), status: StatusRunning, startedAt: time.Now()}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// waitWhilePaused blocks until the run is resumed or stopped. Returns false
// when the run was stopped while waiting.
func (s *runState) waitWhilePaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.paused && !s.stopped {
		s.status = StatusPaused
		s.cond.Wait()
	}
	if !s.stopped {
		s.status = StatusRunning
	}
	return !s.stopped
}

func (s *runState) markActive(taskID int64) {
	s.mu.Lock()
	s.active[taskID] = struct{}{}
	s.mu.Unlock()
}

func (s *runState) markDone(taskID int64) {
	s.mu.Lock()
	delete(s.active, taskID)
	s.mu.Unlock()
}

func (s *runState) activeTasks() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out
}

// New builds a Runner.
func New(cfg Config) *Runner {
	return &Runner{
		exec:        cfg.Executor,
		aborts:      cfg.Aborts,
		tasks:       cfg.Tasks,
		checkpoints: cfg.Checkpoints,
		sink:        cfg.Sink,
		metrics:     cfg.Metrics,
		index:       cfg.Index,
		logger:      logging.OrNop(cfg.Logger),
		runs:        make(map[string]*runState),
	}
}

// Pause stops the workflow before its next stage. In-flight tasks finish.
func (r *Runner) Pause(workflowID string) bool {
	state := r.state(workflowID)
	if state == nil {
		return false
	}
	state.mu.Lock()
	state.paused = true
	state.pausedAt = time.Now()
	state.mu.Unlock()
	r.logger.Info("workflow %s paused", workflowID)
	return true
}

// Resume continues a paused workflow.
func (r *Runner) Resume(workflowID string) bool {
	state := r.state(workflowID)
	if state == nil {
		return false
	}
	state.mu.Lock()
	state.paused = false
	state.pausedAt = time.Time{}
	state.mu.Unlock()
	state.cond.Broadcast()
	r.logger.Info("workflow %s resumed", workflowID)
	return true
}

// Cancel aborts the workflow: the run context is cancelled, paused runs are
// woken, and in-flight AI executions are aborted through the registry.
func (r *Runner) Cancel(workflowID string) bool {
	state := r.state(workflowID)
	if state == nil {
		return false
	}
	state.mu.Lock()
	state.stopped = true
	state.paused = false
	state.status = StatusCancelled
	cancel := state.cancel
	state.mu.Unlock()
	state.cond.Broadcast()
	cancel()

	if r.aborts != nil {
		for _, taskID := range state.activeTasks() {
			r.aborts.CancelExecution(taskID)
		}
	}
	r.logger.Info("workflow %s cancelled", workflowID)
	return true
}

// State snapshots a live run for status endpoints.
func (r *Runner) State(workflowID string) (*ExecutionState, bool) {
	state := r.state(workflowID)
	if state == nil {
		return nil, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	snap := &ExecutionState{
		WorkflowID:     workflowID,
		Status:         state.status,
		CurrentStage:   state.currentStage,
		TotalStages:    state.totalStages,
		CompletedTasks: append([]int(nil), state.completed...),
		FailedTasks:    append([]int(nil), state.failed...),
		StartedAt:      state.startedAt,
		PausedAt:       state.pausedAt,
	}
	return snap, true
}

// WorkflowStatus reports the current status of a run, if known.
func (r *Runner) WorkflowStatus(workflowID string) (Status, bool) {
	state := r.state(workflowID)
	if state == nil {
		return "", false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.status, true
}

func (r *Runner) state(workflowID string) *runState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[workflowID]
}

// Run plans and executes the workflow.
func (r *Runner) Run(ctx context.Context, tasks []task.Task, execCtx *task.ExecutionContext, opts Options) (*Summary, error) {
	return r.run(ctx, tasks, execCtx, opts)
}

// RunFromCheckpoint restores the latest checkpoint for the context's workflow
// id and continues, skipping completed tasks.
func (r *Runner) RunFromCheckpoint(ctx context.Context, tasks []task.Task, execCtx *task.ExecutionContext, opts Options) (*Summary, error) {
	if r.checkpoints == nil {
		return nil, taskerr.New(taskerr.KindConfig, "no checkpoint store configured")
	}
	cp, err := r.checkpoints.Latest(ctx, execCtx.WorkflowID)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindConfig, err, "load checkpoint for %s", execCtx.WorkflowID)
	}
	if cp == nil {
		return r.run(ctx, tasks, execCtx, opts)
	}

	if cp.Context != nil {
		restored := *cp.Context
		restored.WorkflowID = execCtx.WorkflowID
		restored.StartedAt = time.Now()
		execCtx = &restored
	}
	r.logger.Info("workflow %s resuming from stage %d (%d tasks completed)", execCtx.WorkflowID, cp.Stage, len(cp.CompletedTasks))
	return r.run(ctx, tasks, execCtx, opts)
}

func (r *Runner) run(ctx context.Context, tasks []task.Task, execCtx *task.ExecutionContext, opts Options) (*Summary, error) {
	opts = opts.normalized()
	if execCtx == nil {
		return nil, taskerr.New(taskerr.KindConfig, "runner: nil execution context")
	}

	plan, err := planner.Build(tasks)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	state := newRunState(cancel)
	state.totalStages = len(plan.Stages)

	r.mu.Lock()
	if _, exists := r.runs[execCtx.WorkflowID]; exists {
		r.mu.Unlock()
		return nil, taskerr.New(taskerr.KindConfig, "workflow %s is already running", execCtx.WorkflowID)
	}
	r.runs[execCtx.WorkflowID] = state
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.runs, execCtx.WorkflowID)
		r.mu.Unlock()
	}()

	if r.metrics != nil {
		r.metrics.WorkflowStarted()
	}

	started := time.Now()
	summary := &Summary{WorkflowID: execCtx.WorkflowID, Status: StatusRunning}

	sem := semaphore.NewWeighted(int64(opts.Parallelism))
	cancelled := false

stages:
	for i := range plan.Stages {
		stage := &plan.Stages[i]

		if !state.waitWhilePaused() || ctx.Err() != nil {
			cancelled = true
			break stages
		}

		state.mu.Lock()
		state.currentStage = i
		state.mu.Unlock()

		stageStart := time.Now()
		results := r.runStage(ctx, state, stage, execCtx, sem, opts)

		// Append in projectSequence order so downstream macro references and
		// checkpoints are deterministic regardless of completion order.
		sort.Slice(results, func(a, b int) bool {
			return results[a].ProjectSequence < results[b].ProjectSequence
		})
		for idx := range results {
			res := results[idx]
			execCtx.AppendResult(res)
			summary.Results = append(summary.Results, res)
			r.account(&res, summary)
			r.writeStatus(ctx, &res)
			if r.index != nil && res.Status == task.ResultSuccess {
				if err := r.index.IndexResult(ctx, execCtx, &res); err != nil {
					r.logger.Warn("indexing result of task %d: %v", res.TaskID, err)
				}
			}

			state.mu.Lock()
			switch res.Status {
			case task.ResultSuccess:
				state.completed = append(state.completed, res.ProjectSequence)
			case task.ResultFailure:
				state.failed = append(state.failed, res.ProjectSequence)
			}
			state.mu.Unlock()
		}

		if r.metrics != nil {
			r.metrics.ObserveStageDuration(time.Since(stageStart).Seconds())
		}
		if opts.Checkpoints {
			r.saveCheckpoint(ctx, execCtx, i)
		}
		r.reportProgress(execCtx, plan, i, summary, started)

		if ctx.Err() != nil {
			cancelled = true
			break stages
		}
	}

	summary.Duration = time.Since(started)
	if execCtx.Budget != nil {
		summary.TotalCost = execCtx.Budget.CurrentCost
		summary.TotalToken = execCtx.Budget.CurrentTokens
	}
	summary.Status = terminalStatus(summary, plan.TotalTasks, cancelled)

	state.mu.Lock()
	state.status = summary.Status
	state.mu.Unlock()

	if r.metrics != nil {
		r.metrics.WorkflowFinished(string(summary.Status))
	}
	r.logger.Info("workflow %s finished: %s (%d ok, %d failed, %d skipped) in %v",
		execCtx.WorkflowID, summary.Status, summary.Completed, summary.Failed, summary.Skipped, summary.Duration)
	return summary, nil
}

// runStage executes one stage's tasks, respecting the parallelism bound for
// parallel stages and strict ordering for serial ones.
func (r *Runner) runStage(ctx context.Context, state *runState, stage *planner.Stage, execCtx *task.ExecutionContext, sem *semaphore.Weighted, opts Options) []task.Result {
	results := make([]task.Result, len(stage.Tasks))

	runOne := func(idx int) {
		t := stage.Tasks[idx]
		if res, skip := r.preStageSkip(&t, execCtx); skip {
			results[idx] = *res
			return
		}

		state.markActive(t.ID)
		defer state.markDone(t.ID)

		res, err := r.exec.Execute(ctx, &t, execCtx, opts.Executor)
		if err != nil {
			res = &task.Result{
				TaskID:          t.ID,
				ProjectSequence: t.ProjectSequence,
				Title:           t.Title,
				Status:          task.ResultFailure,
				StartTime:       time.Now(),
				EndTime:         time.Now(),
			}
			res.SetError(classify(err, t.ID))
		}
		results[idx] = *res
	}

	if stage.CanRunInParallel && len(stage.Tasks) > 1 {
		var wg sync.WaitGroup
		for idx := range stage.Tasks {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[idx] = cancelledResult(&stage.Tasks[idx])
				continue
			}
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				defer sem.Release(1)
				runOne(idx)
			}(idx)
		}
		wg.Wait()
	} else {
		for idx := range stage.Tasks {
			if ctx.Err() != nil {
				results[idx] = cancelledResult(&stage.Tasks[idx])
				continue
			}
			runOne(idx)
		}
	}
	return results
}

// preStageSkip decides whether a task runs at all: tasks already completed in
// a restored checkpoint and tasks whose dependencies failed are skipped.
func (r *Runner) preStageSkip(t *task.Task, execCtx *task.ExecutionContext) (*task.Result, bool) {
	if prior := execCtx.ResultBySequence(t.ProjectSequence); prior != nil && prior.Status == task.ResultSuccess {
		res := &task.Result{
			TaskID:          t.ID,
			ProjectSequence: t.ProjectSequence,
			Title:           t.Title,
			Status:          task.ResultSkipped,
			Content:         "Already completed in a previous run.",
			StartTime:       time.Now(),
			EndTime:         time.Now(),
		}
		return res, true
	}

	if !dependenciesSatisfied(t, execCtx) {
		res := &task.Result{
			TaskID:          t.ID,
			ProjectSequence: t.ProjectSequence,
			Title:           t.Title,
			Status:          task.ResultSkipped,
			Content:         "Skipped: upstream dependency did not succeed.",
			StartTime:       time.Now(),
			EndTime:         time.Now(),
		}
		return res, true
	}
	return nil, false
}

// dependenciesSatisfied applies the trigger operator: "all" (default)
// requires every known dependency to have succeeded, "any" requires one.
// Dependencies with no recorded result are treated as satisfied; they were
// outside this plan.
func dependenciesSatisfied(t *task.Task, execCtx *task.ExecutionContext) bool {
	deps := t.DependencySequences()
	if len(deps) == 0 {
		return true
	}
	operator := "all"
	if t.TriggerConfig != nil && t.TriggerConfig.DependsOn != nil && t.TriggerConfig.DependsOn.Operator != "" {
		operator = t.TriggerConfig.DependsOn.Operator
	}

	known := 0
	succeeded := 0
	for _, dep := range deps {
		res := execCtx.ResultBySequence(dep)
		if res == nil {
			continue
		}
		known++
		if res.Status == task.ResultSuccess {
			succeeded++
		}
	}
	if known == 0 {
		return true
	}
	if operator == "any" {
		return succeeded > 0
	}
	return succeeded == known
}

func (r *Runner) account(res *task.Result, summary *Summary) {
	switch res.Status {
	case task.ResultSuccess:
		summary.Completed++
	case task.ResultFailure:
		summary.Failed++
	default:
		summary.Skipped++
	}
	if r.metrics != nil {
		r.metrics.TaskFinished(string(res.Status))
		if res.Retries > 0 {
			r.metrics.AddRetries(res.Retries)
		}
		if res.Cost > 0 {
			r.metrics.AddCost(res.Cost)
		}
		if res.Tokens > 0 {
			r.metrics.AddTokens(res.Tokens)
		}
	}
}

// writeStatus pushes the terminal task status through the repository.
func (r *Runner) writeStatus(ctx context.Context, res *task.Result) {
	if r.tasks == nil {
		return
	}
	var status task.Status
	switch res.Status {
	case task.ResultSuccess:
		status = task.StatusDone
	case task.ResultFailure:
		status = task.StatusFailed
	default:
		status = task.StatusSkipped
	}
	if err := r.tasks.UpdateTaskStatus(ctx, res.TaskID, status); err != nil {
		r.logger.Warn("updating status of task %d: %v", res.TaskID, err)
	}
}

func (r *Runner) saveCheckpoint(ctx context.Context, execCtx *task.ExecutionContext, stage int) {
	if r.checkpoints == nil {
		return
	}
	seen := make(map[int]bool)
	var completed []int
	for i := range execCtx.PreviousResults {
		res := &execCtx.PreviousResults[i]
		if res.Status == task.ResultSuccess && !seen[res.ProjectSequence] {
			seen[res.ProjectSequence] = true
			completed = append(completed, res.ProjectSequence)
		}
	}
	sort.Ints(completed)

	cp := ports.Checkpoint{
		WorkflowID:     execCtx.WorkflowID,
		Stage:          stage,
		CompletedTasks: completed,
		Context:        execCtx,
		CreatedAt:      time.Now(),
	}
	if err := r.checkpoints.Save(ctx, execCtx.WorkflowID, cp); err != nil {
		r.logger.Warn("saving checkpoint for %s: %v", execCtx.WorkflowID, err)
	}
}

func (r *Runner) reportProgress(execCtx *task.ExecutionContext, plan *planner.Plan, stageIdx int, summary *Summary, started time.Time) {
	if r.sink == nil {
		return
	}
	done := summary.Completed + summary.Failed + summary.Skipped
	elapsed := time.Since(started)
	var eta time.Duration
	if done > 0 && done < plan.TotalTasks {
		eta = time.Duration(float64(elapsed) / float64(done) * float64(plan.TotalTasks-done))
	}
	pct := 0.0
	if plan.TotalTasks > 0 {
		pct = float64(done) / float64(plan.TotalTasks) * 100
	}
	r.sink.OnProgress(ports.Progress{
		WorkflowID:     execCtx.WorkflowID,
		Stage:          stageIdx + 1,
		TotalStages:    len(plan.Stages),
		CompletedTasks: summary.Completed,
		FailedTasks:    summary.Failed,
		TotalTasks:     plan.TotalTasks,
		Percentage:     pct,
		ETA:            eta,
		Elapsed:        elapsed,
	})
}

func terminalStatus(summary *Summary, total int, cancelled bool) Status {
	switch {
	case cancelled:
		return StatusCancelled
	case summary.Failed > 0 && summary.Completed > 0:
		return StatusPartial
	case summary.Failed > 0:
		return StatusFailed
	default:
		return StatusCompleted
	}
}

func cancelledResult(t *task.Task) task.Result {
	res := task.Result{
		TaskID:          t.ID,
		ProjectSequence: t.ProjectSequence,
		Title:           t.Title,
		Status:          task.ResultFailure,
		StartTime:       time.Now(),
		EndTime:         time.Now(),
	}
	res.SetError(taskerr.New(taskerr.KindCancelled, "workflow cancelled before task %d started", t.ID).WithTask(t.ID))
	return res
}

func classify(err error, taskID int64) *taskerr.Error {
	if te := taskerr.AsError(err); te != nil {
		return te
	}
	return taskerr.Wrap(taskerr.KindOf(err), err, "task %d failed", taskID).WithTask(taskID)
}
