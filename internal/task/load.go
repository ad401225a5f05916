package task

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MCPServerSpec declares one MCP server a workflow may use.
type MCPServerSpec struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Command     string            `json:"command" yaml:"command"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	UserContext string            `json:"userContext,omitempty" yaml:"userContext,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// RunOptions are the workflow-level execution knobs of a spec file.
type RunOptions struct {
	Parallelism   int    `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
	Checkpoints   bool   `json:"checkpoints,omitempty" yaml:"checkpoints,omitempty"`
	CheckpointDir string `json:"checkpointDir,omitempty" yaml:"checkpointDir,omitempty"`
}

// WorkflowSpec is the on-disk description of a workflow: a project snapshot,
// shared variables, budget caps, MCP servers, and the task DAG.
type WorkflowSpec struct {
	Name       string          `json:"name" yaml:"name"`
	Project    Project         `json:"project" yaml:"project"`
	Variables  map[string]any  `json:"variables,omitempty" yaml:"variables,omitempty"`
	Budget     *Budget         `json:"budget,omitempty" yaml:"budget,omitempty"`
	Options    RunOptions      `json:"options,omitempty" yaml:"options,omitempty"`
	MCPServers []MCPServerSpec `json:"mcpServers,omitempty" yaml:"mcpServers,omitempty"`
	Tasks      []Task          `json:"tasks" yaml:"tasks"`
}

// LoadSpec reads and validates a workflow file.
func LoadSpec(path string) (*WorkflowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow spec: %w", err)
	}
	var spec WorkflowSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse workflow spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate normalizes the spec: per-task validation, sequence assignment,
// duplicate detection, legacy dependency-id normalization, and reference
// checks.
func (s *WorkflowSpec) Validate() error {
	s.Name = strings.TrimSpace(s.Name)
	if len(s.Tasks) == 0 {
		return fmt.Errorf("workflow %q has no tasks", s.Name)
	}

	// Assign missing sequences by position so hand-written files can omit them.
	next := 0
	for i := range s.Tasks {
		if s.Tasks[i].ProjectSequence > next {
			next = s.Tasks[i].ProjectSequence
		}
	}
	for i := range s.Tasks {
		if s.Tasks[i].ProjectSequence == 0 {
			next++
			s.Tasks[i].ProjectSequence = next
		}
	}

	seen := make(map[int]bool, len(s.Tasks))
	for i := range s.Tasks {
		if err := s.Tasks[i].Validate(); err != nil {
			return err
		}
		seq := s.Tasks[i].ProjectSequence
		if seen[seq] {
			return fmt.Errorf("duplicate projectSequence %d", seq)
		}
		seen[seq] = true
	}

	NormalizeDependencies(s.Tasks)

	for i := range s.Tasks {
		for _, dep := range s.Tasks[i].DependencySequences() {
			if !seen[dep] {
				return fmt.Errorf("task #%d depends on unknown task #%d", s.Tasks[i].ProjectSequence, dep)
			}
		}
	}

	sort.SliceStable(s.Tasks, func(i, j int) bool {
		return s.Tasks[i].ProjectSequence < s.Tasks[j].ProjectSequence
	})
	return nil
}
