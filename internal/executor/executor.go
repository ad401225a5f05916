// Package executor runs a single task end to end: budget checks, macro
// substitution, dependency context, dispatch to the ai/script/input/output
// adapters, and the retry loop with provider fallback.
package executor

import (
	"context"
	"time"

	"taskflow/internal/aiservice"
	"taskflow/internal/logging"
	"taskflow/internal/macro"
	"taskflow/internal/ports"
	"taskflow/internal/propagate"
	"taskflow/internal/provider"
	"taskflow/internal/task"
	"taskflow/internal/taskerr"
)

// Execution defaults.
const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMultiplier   = 2.0
	DefaultTimeout      = 5 * time.Minute
)

// AIService is the slice of aiservice.Manager the executor consumes.
type AIService interface {
	Execute(ctx context.Context, t *task.Task, execCtx *task.ExecutionContext, opts aiservice.Options) (*aiservice.ExecutionResult, error)
	EstimateTokens(t *task.Task, execCtx *task.ExecutionContext) int
}

// Options tune one task execution.
type Options struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	Timeout           time.Duration
	FallbackProviders []string
	Streaming         bool
	OnToken           provider.StreamHandler
	Propagation       propagate.Options
}

func (o Options) normalized() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.Multiplier <= 1 {
		o.Multiplier = DefaultMultiplier
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Config wires an Executor.
type Config struct {
	AI      AIService
	Scripts ports.ScriptExecutor
	Inputs  ports.InputProvider
	Outputs ports.OutputProvider
	Sink    ports.ProgressSink
	Logger  logging.Logger
}

// Executor dispatches tasks to their adapters. Safe for concurrent use.
type Executor struct {
	ai      AIService
	scripts ports.ScriptExecutor
	inputs  ports.InputProvider
	outputs ports.OutputProvider
	sink    ports.ProgressSink
	logger  logging.Logger
}

// New builds an Executor.
func New(cfg Config) *Executor {
	return &Executor{
		ai:      cfg.AI,
		scripts: cfg.Scripts,
		inputs:  cfg.Inputs,
		outputs: cfg.Outputs,
		sink:    cfg.Sink,
		logger:  logging.OrNop(cfg.Logger),
	}
}

// Execute runs one task. It always returns a Result; failures are recorded on
// it rather than returned, so the runner can log and continue per policy. The
// returned error is reserved for programming mistakes (nil task).
func (e *Executor) Execute(ctx context.Context, t *task.Task, execCtx *task.ExecutionContext, opts Options) (*task.Result, error) {
	if t == nil {
		return nil, taskerr.New(taskerr.KindConfig, "executor: nil task")
	}
	opts = opts.normalized()

	result := &task.Result{
		TaskID:          t.ID,
		ProjectSequence: t.ProjectSequence,
		Title:           t.Title,
		StartTime:       time.Now(),
	}
	finish := func() *task.Result {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		return result
	}

	if t.IsSubdivided {
		result.Status = task.ResultSkipped
		result.Content = "Task is subdivided; subtasks execute individually."
		return finish(), nil
	}

	if execCtx != nil {
		if err := execCtx.Budget.Check(); err != nil {
			result.Status = task.ResultFailure
			result.SetError(err.WithTask(t.ID))
			return finish(), nil
		}
	}

	prepared, taskCtx := e.prepare(t, execCtx, opts)

	attempt := func(ctx context.Context, attemptIdx int) (*task.Result, error) {
		attemptTask := prepared
		if attemptIdx > 0 && attemptIdx-1 < len(opts.FallbackProviders) {
			// Provider fallback: later attempts swap in the next provider.
			clone := *prepared
			clone.AIProvider = opts.FallbackProviders[attemptIdx-1]
			clone.AIModel = ""
			attemptTask = &clone
			e.logger.Info("task %d attempt %d falling back to provider %s", t.ID, attemptIdx+1, clone.AIProvider)
		}
		return e.dispatch(ctx, attemptTask, taskCtx, opts)
	}

	var lastErr *taskerr.Error
	for attemptIdx := 0; attemptIdx <= opts.MaxRetries; attemptIdx++ {
		if err := ctx.Err(); err != nil {
			lastErr = taskerr.Wrap(taskerr.KindCancelled, err, "task %d cancelled", t.ID)
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		attemptResult, err := attempt(attemptCtx, attemptIdx)
		cancel()

		if err == nil && attemptResult != nil && attemptResult.Status != task.ResultFailure {
			attemptResult.StartTime = result.StartTime
			attemptResult.Retries = attemptIdx
			result = attemptResult
			return finish(), nil
		}

		if attemptResult != nil && attemptResult.Error != nil {
			lastErr = attemptResult.Error
		} else if err != nil {
			lastErr = classify(err, t.ID)
		} else {
			lastErr = taskerr.New(taskerr.KindProvider, "task %d failed without detail", t.ID)
		}

		if !taskerr.Retryable(lastErr) || attemptIdx == opts.MaxRetries {
			break
		}

		delay := taskerr.Backoff(attemptIdx, taskerr.RetryConfig{
			BaseDelay:  opts.InitialDelay,
			MaxDelay:   opts.MaxDelay,
			Multiplier: opts.Multiplier,
		})
		e.logger.Warn("task %d attempt %d failed (%s), retrying in %v", t.ID, attemptIdx+1, lastErr.Kind, delay)
		result.Retries = attemptIdx + 1
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = taskerr.Wrap(taskerr.KindCancelled, ctx.Err(), "task %d cancelled during backoff", t.ID)
			attemptIdx = opts.MaxRetries
		}
	}

	result.Status = task.ResultFailure
	result.SetError(lastErr)
	return finish(), nil
}

// prepare resolves macros, merges dependency context into the prompt, appends
// the output-format instruction, and builds the per-task execution context
// with binary attachments forwarded through metadata.
func (e *Executor) prepare(t *task.Task, execCtx *task.ExecutionContext, opts Options) (*task.Task, *task.ExecutionContext) {
	prepared := *t

	mctx := &macro.Context{Logger: e.logger}
	if execCtx != nil {
		mctx.Results = execCtx.PreviousResults
		mctx.Variables = execCtx.Variables
		mctx.Project = execCtx.Project
	}

	if t.ScriptSource != "" {
		prepared.ScriptSource = macro.Resolve(t.ScriptSource, mctx)
	}

	var results []task.Result
	if execCtx != nil {
		results = execCtx.PreviousResults
	}
	prop := propagate.Build(&prepared, results, opts.Propagation)

	// Prompt assembly applies to AI tasks only; the other adapters read their
	// own config blocks.
	if t.Type == task.TypeAI || t.Type == "" {
		prompt := macro.Resolve(t.Prompt(), mctx)
		if prop.ContextString != "" {
			prompt += "\n\n## Context from Dependencies\n" + prop.ContextString
		}
		if instruction := formatInstruction(t.ExpectedOutputFormat, t.CodeLanguage); instruction != "" {
			prompt += "\n\n## Output Format\n" + instruction
		}
		prepared.GeneratedPrompt = prompt
	}

	taskCtx := execCtx
	if execCtx != nil {
		// Shallow copy with private metadata so parallel tasks never share
		// the attachments key.
		clone := *execCtx
		clone.Metadata = make(map[string]any, len(execCtx.Metadata)+1)
		for k, v := range execCtx.Metadata {
			clone.Metadata[k] = v
		}
		if binaries := prop.BinaryAttachments(); len(binaries) > 0 {
			clone.Metadata["attachments"] = binaries
		}
		taskCtx = &clone
	}
	return &prepared, taskCtx
}

// classify converts an arbitrary error into the taxonomy.
func classify(err error, taskID int64) *taskerr.Error {
	if te := taskerr.AsError(err); te != nil {
		if te.TaskID == 0 {
			return te.WithTask(taskID)
		}
		return te
	}
	return taskerr.Wrap(taskerr.KindOf(err), err, "task execution failed").WithTask(taskID)
}
