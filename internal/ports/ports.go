// Package ports declares the interfaces the execution core consumes from its
// collaborators. The core never constructs these; they are injected at
// workflow start so tests can supply stubs.
package ports

import (
	"context"
	"time"

	"taskflow/internal/task"
)

// TaskRepository provides read access to tasks plus the single status
// write-back the runner performs at terminal states.
type TaskRepository interface {
	GetTask(ctx context.Context, id int64) (*task.Task, error)
	GetTasksForProject(ctx context.Context, projectID int64) ([]task.Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, status task.Status) error
}

// ProjectRepository resolves the project snapshot injected into prompts.
type ProjectRepository interface {
	GetProject(ctx context.Context, projectID int64) (*task.Project, error)
}

// ScriptResult captures a sandboxed script run.
type ScriptResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ScriptExecutor runs task scripts in an isolated process.
type ScriptExecutor interface {
	RunScript(ctx context.Context, language, source string, env map[string]string) (*ScriptResult, error)
}

// InputRequest describes what an input task needs from the outside world.
type InputRequest struct {
	Prompt             string
	Mode               string // user | file | remote
	Required           bool
	Path               string
	AcceptedExtensions []string
	URL                string
	AuthType           string
}

// InputResult is the resolved input: text, attachments, or both.
type InputResult struct {
	Text        string
	Attachments []task.Attachment
}

// InputProvider blocks until the requested input is resolved or ctx ends.
type InputProvider interface {
	RequestUserInput(ctx context.Context, req InputRequest) (*InputResult, error)
	ReadLocalFile(ctx context.Context, req InputRequest) (*InputResult, error)
	FetchRemoteResource(ctx context.Context, req InputRequest) (*InputResult, error)
}

// OutputRequest carries content to a target.
type OutputRequest struct {
	Target  string // file | notification | http
	Path    string
	Mode    string // write | append
	Channel string
	URL     string
	Headers map[string]string
	Content string
}

// OutputProvider delivers task output to external targets.
type OutputProvider interface {
	WriteFile(ctx context.Context, req OutputRequest) error
	SendNotification(ctx context.Context, req OutputRequest) error
	PostHTTP(ctx context.Context, req OutputRequest) error
}

// Progress is the runner's per-stage heartbeat.
type Progress struct {
	WorkflowID     string        `json:"workflowId"`
	Stage          int           `json:"stage"`
	TotalStages    int           `json:"totalStages"`
	CompletedTasks int           `json:"completedTasks"`
	FailedTasks    int           `json:"failedTasks"`
	TotalTasks     int           `json:"totalTasks"`
	Percentage     float64       `json:"percentage"`
	ETA            time.Duration `json:"eta"`
	Elapsed        time.Duration `json:"elapsed"`
}

// PromptRecord lets the outside world observe the exact prompt an AI task ran
// with, before the provider call happens.
type PromptRecord struct {
	ProjectID       int64    `json:"projectId"`
	ProjectSequence int      `json:"projectSequence"`
	Provider        string   `json:"provider"`
	Model           string   `json:"model"`
	Prompt          string   `json:"prompt"`
	SystemPrompt    string   `json:"systemPrompt"`
	RequiredMCPs    []string `json:"requiredMcps,omitempty"`
	MCPContext      string   `json:"mcpContext,omitempty"`
}

// ProgressSink receives execution telemetry. All methods must be non-blocking
// or cheap; the runner calls them inline.
type ProgressSink interface {
	OnProgress(p Progress)
	OnLog(level, message string, details map[string]any)
	OnPromptGenerated(rec PromptRecord)
}

// Checkpoint snapshots a workflow between stages. Latest wins per workflow.
type Checkpoint struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflowId"`
	Stage          int                    `json:"stage"`
	CompletedTasks []int                  `json:"completedTasks"`
	Context        *task.ExecutionContext `json:"context"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// CheckpointStore persists checkpoints. Any durable store suffices.
type CheckpointStore interface {
	Save(ctx context.Context, workflowID string, cp Checkpoint) error
	List(ctx context.Context, workflowID string) ([]Checkpoint, error)
	Latest(ctx context.Context, workflowID string) (*Checkpoint, error)
}
