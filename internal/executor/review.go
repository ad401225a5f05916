package executor

import (
	"context"
	"fmt"
	"time"

	"taskflow/internal/aiservice"
	"taskflow/internal/task"
	"taskflow/internal/taskerr"
)

// ReviewResult is the outcome of an AI review pass over produced content.
type ReviewResult struct {
	Success  bool
	Content  string
	Cost     float64
	Tokens   int
	Provider string
	Model    string
	Duration time.Duration
}

// Review asks a model to review previously produced content. The review runs
// as a forced-text execution with the task's review provider/model overrides.
func (e *Executor) Review(ctx context.Context, t *task.Task, content, reviewPrompt string, opts Options) (*ReviewResult, error) {
	if e.ai == nil {
		return nil, taskerr.New(taskerr.KindConfig, "no AI service configured").WithTask(t.ID)
	}
	opts = opts.normalized()

	if reviewPrompt == "" {
		reviewPrompt = "Review the following output for correctness, completeness, and adherence to the task. " +
			"Point out concrete problems; end with APPROVED or NEEDS_REVISION."
	}

	review := task.Task{
		ID:              t.ID,
		ProjectID:       t.ProjectID,
		ProjectSequence: t.ProjectSequence,
		Title:           fmt.Sprintf("Review: %s", t.Title),
		Type:            task.TypeAI,
		AIProvider:      t.ReviewAIProvider,
		AIModel:         t.ReviewAIModel,
		GeneratedPrompt: fmt.Sprintf("%s\n\n## Task\n%s\n\n## Output Under Review\n%s", reviewPrompt, t.Prompt(), content),
		// Forced text: the review never generates images or calls tools.
		ExpectedOutputFormat: "markdown",
	}
	if review.AIProvider == "" {
		review.AIProvider = t.AIProvider
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	res, err := e.ai.Execute(ctx, &review, nil, aiservice.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, res.Err
	}
	return &ReviewResult{
		Success:  true,
		Content:  res.Content,
		Cost:     res.Cost,
		Tokens:   res.TokensUsed,
		Provider: res.Provider,
		Model:    res.Model,
		Duration: time.Since(started),
	}, nil
}
