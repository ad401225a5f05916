package executor

import (
	"context"
	"encoding/json"
	"strings"

	"taskflow/internal/aiservice"
	"taskflow/internal/ports"
	"taskflow/internal/task"
	"taskflow/internal/taskerr"
)

// dispatch routes one attempt to the adapter for the task's type.
func (e *Executor) dispatch(ctx context.Context, t *task.Task, execCtx *task.ExecutionContext, opts Options) (*task.Result, error) {
	switch t.Type {
	case task.TypeAI, "":
		return e.runAI(ctx, t, execCtx, opts)
	case task.TypeScript:
		return e.runScript(ctx, t, execCtx)
	case task.TypeInput:
		return e.runInput(ctx, t)
	case task.TypeOutput:
		return e.runOutput(ctx, t, execCtx)
	default:
		return nil, taskerr.New(taskerr.KindConfig, "unknown task type %q", t.Type).WithTask(t.ID)
	}
}

func (e *Executor) runAI(ctx context.Context, t *task.Task, execCtx *task.ExecutionContext, opts Options) (*task.Result, error) {
	if e.ai == nil {
		return nil, taskerr.New(taskerr.KindConfig, "no AI service configured").WithTask(t.ID)
	}

	// Pre-check projected spend so a doomed attempt never reaches the
	// provider.
	if execCtx != nil && execCtx.Budget != nil {
		estimated := e.ai.EstimateTokens(t, execCtx)
		if err := execCtx.Budget.CheckSpend(0, estimated); err != nil {
			return nil, err.WithTask(t.ID)
		}
	}

	res, err := e.ai.Execute(ctx, t, execCtx, aiservice.Options{
		Streaming:         opts.Streaming,
		OnToken:           opts.OnToken,
		FallbackProviders: opts.FallbackProviders,
		Timeout:           opts.Timeout,
	})
	if err != nil {
		return nil, err
	}

	result := &task.Result{
		TaskID:          t.ID,
		ProjectSequence: t.ProjectSequence,
		Title:           t.Title,
		Cost:            res.Cost,
		Tokens:          res.TokensUsed,
		Provider:        res.Provider,
		Model:           res.Model,
		Metadata:        res.Metadata,
	}
	if !res.Success {
		result.Status = task.ResultFailure
		result.SetError(res.Err)
		return result, nil
	}

	result.Status = task.ResultSuccess
	result.Content = res.Content
	if res.AIResult != nil {
		if att, ok := attachmentFromAIResult(t, res.AIResult); ok {
			result.Attachments = append(result.Attachments, att)
			if result.Content == "" {
				result.Content = "Generated " + string(att.Kind) + " attachment " + att.Name
			}
		}
	}
	if strings.ToLower(t.ExpectedOutputFormat) == "json" {
		var parsed any
		if err := json.Unmarshal([]byte(res.Content), &parsed); err == nil {
			result.Output = parsed
		}
	}
	return result, nil
}

func (e *Executor) runScript(ctx context.Context, t *task.Task, execCtx *task.ExecutionContext) (*task.Result, error) {
	if e.scripts == nil {
		return nil, taskerr.New(taskerr.KindConfig, "no script executor configured").WithTask(t.ID)
	}

	env := scriptEnv(t, execCtx)
	res, err := e.scripts.RunScript(ctx, t.ScriptLanguage, t.ScriptSource, env)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindScript, err, "script for task %d", t.ID).WithTask(t.ID)
	}
	if res.ExitCode != 0 {
		serr := taskerr.New(taskerr.KindScript, "script exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)).WithTask(t.ID)
		failure := &task.Result{
			TaskID:          t.ID,
			ProjectSequence: t.ProjectSequence,
			Title:           t.Title,
			Status:          task.ResultFailure,
			Content:         res.Stdout,
		}
		failure.SetError(serr)
		return failure, nil
	}

	result := &task.Result{
		TaskID:          t.ID,
		ProjectSequence: t.ProjectSequence,
		Title:           t.Title,
		Status:          task.ResultSuccess,
		Content:         strings.TrimRight(res.Stdout, "\n"),
	}
	var parsed any
	if err := json.Unmarshal([]byte(result.Content), &parsed); err == nil {
		result.Output = parsed
	}
	return result, nil
}

// scriptEnv exposes workflow state to scripts as environment variables.
func scriptEnv(t *task.Task, execCtx *task.ExecutionContext) map[string]string {
	env := map[string]string{
		"TASKFLOW_TASK_ID":       jsonString(t.ID),
		"TASKFLOW_TASK_SEQUENCE": jsonString(t.ProjectSequence),
	}
	if execCtx == nil {
		return env
	}
	env["TASKFLOW_WORKFLOW_ID"] = execCtx.WorkflowID
	if prev := execCtx.ResultBySequence(lastSequence(t)); prev != nil {
		env["TASKFLOW_PREVIOUS_RESULT"] = prev.Content
	}
	for name, value := range execCtx.Variables {
		env["TASKFLOW_VAR_"+strings.ToUpper(name)] = jsonString(value)
	}
	return env
}

func lastSequence(t *task.Task) int {
	deps := t.DependencySequences()
	if len(deps) == 0 {
		return t.ProjectSequence - 1
	}
	return deps[len(deps)-1]
}

func jsonString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(data), `"`)
}

func (e *Executor) runInput(ctx context.Context, t *task.Task) (*task.Result, error) {
	if e.inputs == nil {
		return nil, taskerr.New(taskerr.KindConfig, "no input provider configured").WithTask(t.ID)
	}
	cfg := t.InputConfig
	if cfg == nil {
		return nil, taskerr.New(taskerr.KindInput, "input task %d has no inputConfig", t.ID).WithTask(t.ID)
	}

	req := ports.InputRequest{
		Prompt:             cfg.Prompt,
		Mode:               cfg.Mode,
		Required:           cfg.Required,
		Path:               cfg.Path,
		AcceptedExtensions: cfg.AcceptedExtensions,
		URL:                cfg.URL,
		AuthType:           cfg.AuthType,
	}

	var res *ports.InputResult
	var err error
	switch cfg.Mode {
	case "file":
		res, err = e.inputs.ReadLocalFile(ctx, req)
	case "remote":
		res, err = e.inputs.FetchRemoteResource(ctx, req)
	default:
		res, err = e.inputs.RequestUserInput(ctx, req)
	}
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInput, err, "input for task %d", t.ID).WithTask(t.ID)
	}
	if cfg.Required && res.Text == "" && len(res.Attachments) == 0 {
		return nil, taskerr.New(taskerr.KindInput, "required input for task %d was empty", t.ID).WithTask(t.ID)
	}

	return &task.Result{
		TaskID:          t.ID,
		ProjectSequence: t.ProjectSequence,
		Title:           t.Title,
		Status:          task.ResultSuccess,
		Content:         res.Text,
		Attachments:     res.Attachments,
	}, nil
}

func (e *Executor) runOutput(ctx context.Context, t *task.Task, execCtx *task.ExecutionContext) (*task.Result, error) {
	if e.outputs == nil {
		return nil, taskerr.New(taskerr.KindConfig, "no output provider configured").WithTask(t.ID)
	}
	cfg := t.OutputConfig
	if cfg == nil {
		return nil, taskerr.New(taskerr.KindOutput, "output task %d has no outputConfig", t.ID).WithTask(t.ID)
	}

	content := outputContent(t, execCtx)
	req := ports.OutputRequest{
		Target:  cfg.Target,
		Path:    cfg.Path,
		Mode:    cfg.Mode,
		Channel: cfg.Channel,
		URL:     cfg.URL,
		Headers: cfg.Headers,
		Content: content,
	}

	var err error
	switch cfg.Target {
	case "file":
		err = e.outputs.WriteFile(ctx, req)
	case "notification":
		err = e.outputs.SendNotification(ctx, req)
	case "http":
		err = e.outputs.PostHTTP(ctx, req)
	default:
		err = taskerr.New(taskerr.KindOutput, "unknown output target %q", cfg.Target)
	}
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindOutput, err, "output for task %d", t.ID).WithTask(t.ID)
	}

	return &task.Result{
		TaskID:          t.ID,
		ProjectSequence: t.ProjectSequence,
		Title:           t.Title,
		Status:          task.ResultSuccess,
		Content:         content,
		Metadata:        map[string]any{"target": cfg.Target},
	}, nil
}

// outputContent picks what an output task delivers: the prepared prompt when
// the task authored one, else the concatenated dependency results.
func outputContent(t *task.Task, execCtx *task.ExecutionContext) string {
	if t.GeneratedPrompt != "" && t.GeneratedPrompt != t.Description {
		return t.GeneratedPrompt
	}
	if execCtx == nil {
		return t.Description
	}
	var parts []string
	for _, r := range execCtx.ResultsForSequences(t.DependencySequences()) {
		if r.Content != "" {
			parts = append(parts, r.Content)
		}
	}
	if len(parts) == 0 {
		return t.Description
	}
	return strings.Join(parts, "\n\n")
}
