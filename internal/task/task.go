// Package task defines the workflow execution core's domain types: tasks,
// results, attachments, budgets, and the per-workflow execution context.
package task

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders tasks for presentation; execution order comes from the plan.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Status tracks a task through its lifecycle.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// Type selects the executor adapter for a task.
type Type string

const (
	TypeAI     Type = "ai"
	TypeScript Type = "script"
	TypeInput  Type = "input"
	TypeOutput Type = "output"
)

// TriggerConfig carries the dependency operator block some planners attach to
// a task in addition to the plain dependency list.
type TriggerConfig struct {
	DependsOn *DependsOn `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
}

// DependsOn lists upstream tasks by projectSequence.
type DependsOn struct {
	TaskIDs  []int  `json:"taskIds" yaml:"taskIds"`
	Operator string `json:"operator,omitempty" yaml:"operator,omitempty"` // all | any
}

// MCPOverride layers per-task environment and user context over the
// project-level configuration of one MCP server. A task override replaces the
// project entry for that server entirely.
type MCPOverride struct {
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	UserContext string            `json:"userContext,omitempty" yaml:"userContext,omitempty"`
}

// ImageConfig shapes image-generation requests.
type ImageConfig struct {
	Size    string         `json:"size,omitempty" yaml:"size,omitempty"`
	Quality string         `json:"quality,omitempty" yaml:"quality,omitempty"`
	Style   string         `json:"style,omitempty" yaml:"style,omitempty"`
	Format  string         `json:"format,omitempty" yaml:"format,omitempty"`
	Count   int            `json:"count,omitempty" yaml:"count,omitempty"`
	Extra   map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// InputConfig configures input tasks.
type InputConfig struct {
	Mode               string   `json:"mode" yaml:"mode"` // user | file | remote
	Prompt             string   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Required           bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Path               string   `json:"path,omitempty" yaml:"path,omitempty"`
	AcceptedExtensions []string `json:"acceptedExtensions,omitempty" yaml:"acceptedExtensions,omitempty"`
	URL                string   `json:"url,omitempty" yaml:"url,omitempty"`
	AuthType           string   `json:"authType,omitempty" yaml:"authType,omitempty"`
}

// OutputConfig configures output tasks.
type OutputConfig struct {
	Target  string            `json:"target" yaml:"target"` // file | notification | http
	Path    string            `json:"path,omitempty" yaml:"path,omitempty"`
	Mode    string            `json:"mode,omitempty" yaml:"mode,omitempty"` // write | append
	Channel string            `json:"channel,omitempty" yaml:"channel,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Task is the unit of work. Dependencies reference other tasks of the same
// project by projectSequence; legacy plans referencing global ids are
// normalized at load time.
type Task struct {
	ID              int64 `json:"id" yaml:"id"`
	ProjectID       int64 `json:"projectId" yaml:"projectId"`
	ProjectSequence int   `json:"projectSequence" yaml:"projectSequence"`

	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
	Status      Status   `json:"status,omitempty" yaml:"status,omitempty"`
	Type        Type     `json:"taskType" yaml:"taskType"`

	Dependencies  []int          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	TriggerConfig *TriggerConfig `json:"triggerConfig,omitempty" yaml:"triggerConfig,omitempty"`
	ExecutionType string         `json:"executionType,omitempty" yaml:"executionType,omitempty"` // parallel | serial

	// AI task fields.
	AIProvider           string                 `json:"aiProvider,omitempty" yaml:"aiProvider,omitempty"`
	AIModel              string                 `json:"aiModel,omitempty" yaml:"aiModel,omitempty"`
	AITemperature        *float64               `json:"aiTemperature,omitempty" yaml:"aiTemperature,omitempty"`
	AIMaxTokens          *int                   `json:"aiMaxTokens,omitempty" yaml:"aiMaxTokens,omitempty"`
	AIPrompt             string                 `json:"aiPrompt,omitempty" yaml:"aiPrompt,omitempty"`
	GeneratedPrompt      string                 `json:"generatedPrompt,omitempty" yaml:"generatedPrompt,omitempty"`
	ExpectedOutputFormat string                 `json:"expectedOutputFormat,omitempty" yaml:"expectedOutputFormat,omitempty"`
	CodeLanguage         string                 `json:"codeLanguage,omitempty" yaml:"codeLanguage,omitempty"`
	RequiredMCPs         []string               `json:"requiredMcps,omitempty" yaml:"requiredMcps,omitempty"`
	MCPConfig            map[string]MCPOverride `json:"mcpConfig,omitempty" yaml:"mcpConfig,omitempty"`
	ImageConfig          *ImageConfig           `json:"imageConfig,omitempty" yaml:"imageConfig,omitempty"`

	// Script task fields.
	ScriptLanguage string `json:"scriptLanguage,omitempty" yaml:"scriptLanguage,omitempty"` // javascript | python | bash
	ScriptSource   string `json:"scriptSource,omitempty" yaml:"scriptSource,omitempty"`

	// Input/output task fields.
	InputConfig  *InputConfig  `json:"inputConfig,omitempty" yaml:"inputConfig,omitempty"`
	OutputConfig *OutputConfig `json:"outputConfig,omitempty" yaml:"outputConfig,omitempty"`

	// Execution bookkeeping.
	IsSubdivided      bool          `json:"isSubdivided,omitempty" yaml:"isSubdivided,omitempty"`
	IsPaused          bool          `json:"isPaused,omitempty" yaml:"isPaused,omitempty"`
	AutoReview        bool          `json:"autoReview,omitempty" yaml:"autoReview,omitempty"`
	ReviewAIProvider  string        `json:"reviewAiProvider,omitempty" yaml:"reviewAiProvider,omitempty"`
	ReviewAIModel     string        `json:"reviewAiModel,omitempty" yaml:"reviewAiModel,omitempty"`
	EstimatedDuration time.Duration `json:"estimatedDuration,omitempty" yaml:"estimatedDuration,omitempty"`
}

// Prompt returns the text the AI path should execute: the generated prompt
// when present, else the authored prompt, else the description.
func (t *Task) Prompt() string {
	if t.GeneratedPrompt != "" {
		return t.GeneratedPrompt
	}
	if t.AIPrompt != "" {
		return t.AIPrompt
	}
	return t.Description
}

// DependencySequences returns the union of the plain dependency list and the
// trigger block, deduplicated, in ascending order of first occurrence.
func (t *Task) DependencySequences() []int {
	seen := make(map[int]struct{}, len(t.Dependencies))
	var out []int
	add := func(seq int) {
		if _, ok := seen[seq]; ok {
			return
		}
		seen[seq] = struct{}{}
		out = append(out, seq)
	}
	for _, seq := range t.Dependencies {
		add(seq)
	}
	if t.TriggerConfig != nil && t.TriggerConfig.DependsOn != nil {
		for _, seq := range t.TriggerConfig.DependsOn.TaskIDs {
			add(seq)
		}
	}
	return out
}

// Validate normalizes and checks one task in isolation.
func (t *Task) Validate() error {
	t.Title = strings.TrimSpace(t.Title)
	if t.ProjectSequence <= 0 {
		return fmt.Errorf("task %q: projectSequence must be positive", t.Title)
	}
	switch t.Type {
	case TypeAI, TypeScript, TypeInput, TypeOutput:
	case "":
		t.Type = TypeAI
	default:
		return fmt.Errorf("task #%d: unknown task type %q", t.ProjectSequence, t.Type)
	}
	switch t.Priority {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
	case "":
		t.Priority = PriorityMedium
	default:
		return fmt.Errorf("task #%d: unknown priority %q", t.ProjectSequence, t.Priority)
	}
	switch t.Status {
	case StatusTodo, StatusInProgress, StatusInReview, StatusDone, StatusBlocked, StatusSkipped, StatusFailed:
	case "":
		t.Status = StatusTodo
	default:
		return fmt.Errorf("task #%d: unknown status %q", t.ProjectSequence, t.Status)
	}
	if t.Type == TypeScript {
		switch t.ScriptLanguage {
		case "javascript", "python", "bash":
		case "":
			t.ScriptLanguage = "bash"
		default:
			return fmt.Errorf("task #%d: unsupported script language %q", t.ProjectSequence, t.ScriptLanguage)
		}
	}
	for _, dep := range t.DependencySequences() {
		if dep == t.ProjectSequence {
			return fmt.Errorf("task #%d: depends on itself", t.ProjectSequence)
		}
	}
	return nil
}
