package task

import "time"

// Project is the read-only project snapshot injected into prompt assembly.
type Project struct {
	Name          string                 `json:"name" yaml:"name"`
	Description   string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Goal          string                 `json:"goal,omitempty" yaml:"goal,omitempty"`
	Constraints   string                 `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Phase         string                 `json:"phase,omitempty" yaml:"phase,omitempty"`
	Memory        string                 `json:"memory,omitempty" yaml:"memory,omitempty"`
	Glossary      string                 `json:"glossary,omitempty" yaml:"glossary,omitempty"`
	Decisions     []string               `json:"decisions,omitempty" yaml:"decisions,omitempty"`
	BaseDevFolder string                 `json:"baseDevFolder,omitempty" yaml:"baseDevFolder,omitempty"`
	MCPConfig     map[string]MCPOverride `json:"mcpConfig,omitempty" yaml:"mcpConfig,omitempty"`
}

// ExecutionContext is the per-workflow state carried into every task. The
// runner owns all mutation: PreviousResults grows and Budget totals move only
// between stages, so executing tasks read it without locks.
type ExecutionContext struct {
	WorkflowID      string         `json:"workflowId"`
	UserID          string         `json:"userId,omitempty"`
	ProjectID       int64          `json:"projectId"`
	Project         *Project       `json:"project,omitempty"`
	Variables       map[string]any `json:"variables,omitempty"`
	PreviousResults []Result       `json:"previousResults"`
	Budget          *Budget        `json:"budget,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	StartedAt       time.Time      `json:"startedAt"`
}

// NewExecutionContext builds an empty context for a workflow run.
func NewExecutionContext(workflowID string, projectID int64) *ExecutionContext {
	return &ExecutionContext{
		WorkflowID: workflowID,
		ProjectID:  projectID,
		Variables:  make(map[string]any),
		Metadata:   make(map[string]any),
		StartedAt:  time.Now(),
	}
}

// ResultBySequence returns the most recent result for a projectSequence.
func (c *ExecutionContext) ResultBySequence(seq int) *Result {
	for i := len(c.PreviousResults) - 1; i >= 0; i-- {
		if c.PreviousResults[i].ProjectSequence == seq {
			return &c.PreviousResults[i]
		}
	}
	return nil
}

// ResultsForSequences selects results whose sequence appears in seqs,
// preserving the order of PreviousResults.
func (c *ExecutionContext) ResultsForSequences(seqs []int) []Result {
	want := make(map[int]struct{}, len(seqs))
	for _, s := range seqs {
		want[s] = struct{}{}
	}
	var out []Result
	for _, r := range c.PreviousResults {
		if _, ok := want[r.ProjectSequence]; ok {
			out = append(out, r)
		}
	}
	return out
}

// AppendResult records a finished task. Runner-only.
func (c *ExecutionContext) AppendResult(r Result) {
	c.PreviousResults = append(c.PreviousResults, r)
	if r.Status == ResultSuccess {
		c.Budget.Add(r.Cost, r.Tokens)
	}
}
