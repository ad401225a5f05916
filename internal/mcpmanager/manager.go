// Package mcpmanager is the facade between the AI execution loop and MCP
// servers. It owns server registration, per-task configuration overrides,
// client lifecycles, and the serialization of tool calls within one task.
package mcpmanager

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"taskflow/internal/logging"
	"taskflow/internal/mcp"
	"taskflow/internal/task"
	"taskflow/internal/taskerr"
)

// Server is one registered MCP server. ID is the normalized slug.
type Server struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	UserContext string            `json:"userContext,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
}

// ToolDefinition is a tool exposed to the AI loop, tagged with its server.
type ToolDefinition struct {
	Server      string         `json:"server"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// CallMeta identifies the execution a tool call belongs to.
type CallMeta struct {
	TaskID    int64
	ProjectID int64
	Source    string
}

// CallOutcome is the result of one tool invocation. Non-permission failures
// are reported here rather than as Go errors so the AI loop can feed them
// back to the model.
type CallOutcome struct {
	Success       bool
	Data          string
	Error         string
	ExecutionTime time.Duration
}

// toolClient is the slice of mcp.Client the facade needs; tests substitute
// fakes.
type toolClient interface {
	Start(ctx context.Context) error
	Stop() error
	ListTools(ctx context.Context) ([]mcp.ToolSchema, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolCallResult, error)
}

// Manager implements the facade. All methods are safe for concurrent use.
type Manager struct {
	mu               sync.Mutex
	servers          map[string]Server // keyed by slug
	order            []string
	clients          map[string]toolClient // keyed by slug or slug#task-N
	projectOverrides map[string]task.MCPOverride
	taskOverrides    map[int64]map[string]task.MCPOverride
	taskLocks        map[int64]*sync.Mutex

	newClient func(name string, cfg mcp.ProcessConfig) toolClient
	logger    logging.Logger
}

// New builds an empty facade; register servers with SetRuntimeServers.
func New(logger logging.Logger) *Manager {
	return &Manager{
		servers:          make(map[string]Server),
		clients:          make(map[string]toolClient),
		projectOverrides: make(map[string]task.MCPOverride),
		taskOverrides:    make(map[int64]map[string]task.MCPOverride),
		taskLocks:        make(map[int64]*sync.Mutex),
		newClient: func(name string, cfg mcp.ProcessConfig) toolClient {
			return mcp.NewClient(name, mcp.NewProcessTransport(cfg))
		},
		logger: logging.OrNop(logger),
	}
}

var slugTrimPattern = regexp.MustCompile(`-(mcp|server)$`)

// Slug normalizes an MCP server name: lowercase with trailing -mcp/-server
// noise stripped, so "Slack-MCP-Server" and "slack" address the same server.
func Slug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	for {
		trimmed := slugTrimPattern.ReplaceAllString(s, "")
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}

// SetRuntimeServers replaces the registry. Running clients are stopped; new
// connections are established lazily on first use.
func (m *Manager) SetRuntimeServers(specs []task.MCPServerSpec) {
	m.mu.Lock()
	old := m.clients
	m.clients = make(map[string]toolClient)
	m.servers = make(map[string]Server, len(specs))
	m.order = m.order[:0]
	for _, spec := range specs {
		slug := Slug(spec.Name)
		if _, dup := m.servers[slug]; dup {
			m.logger.Warn("duplicate MCP server registration for %q, keeping first", slug)
			continue
		}
		m.servers[slug] = Server{
			ID:          slug,
			Name:        spec.Name,
			Description: spec.Description,
			Command:     spec.Command,
			Args:        spec.Args,
			Env:         spec.Env,
			UserContext: spec.UserContext,
			Endpoint:    spec.Endpoint,
		}
		m.order = append(m.order, slug)
	}
	m.mu.Unlock()

	for key, c := range old {
		if err := c.Stop(); err != nil {
			m.logger.Warn("stopping MCP client %s: %v", key, err)
		}
	}
	m.logger.Info("registered %d MCP servers", len(specs))
}

// SetProjectOverrides installs the project-level per-server configuration.
func (m *Manager) SetProjectOverrides(overrides map[string]task.MCPOverride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projectOverrides = make(map[string]task.MCPOverride, len(overrides))
	for name, ov := range overrides {
		m.projectOverrides[Slug(name)] = ov
	}
}

// SetTaskOverrides layers a task's mcpConfig over the project configuration.
// For any server the task configures, the task entry wins entirely.
func (m *Manager) SetTaskOverrides(taskID int64, overrides map[string]task.MCPOverride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySlug := make(map[string]task.MCPOverride, len(overrides))
	for name, ov := range overrides {
		bySlug[Slug(name)] = ov
	}
	m.taskOverrides[taskID] = bySlug
}

// ClearTaskOverrides removes a task's overrides and stops any clients that
// were spawned with task-specific environments.
func (m *Manager) ClearTaskOverrides(taskID int64) {
	suffix := fmt.Sprintf("#task-%d", taskID)

	m.mu.Lock()
	delete(m.taskOverrides, taskID)
	var stopped []toolClient
	for key, c := range m.clients {
		if strings.HasSuffix(key, suffix) {
			stopped = append(stopped, c)
			delete(m.clients, key)
		}
	}
	m.mu.Unlock()

	for _, c := range stopped {
		_ = c.Stop()
	}
}

// ListMCPs returns the registered servers in registration order.
func (m *Manager) ListMCPs() []Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Server, 0, len(m.order))
	for _, slug := range m.order {
		out = append(out, m.servers[slug])
	}
	return out
}

// FindByName resolves a server by raw name or slug.
func (m *Manager) FindByName(nameOrSlug string) (Server, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[Slug(nameOrSlug)]
	return s, ok
}

// Effective returns the server spec with task and project overrides applied:
// override env entries win per key, user context is replaced when set.
func (m *Manager) Effective(nameOrSlug string, taskID int64) (Server, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slug := Slug(nameOrSlug)
	s, ok := m.servers[slug]
	if !ok {
		return Server{}, false
	}
	ov, has := m.effectiveOverrideLocked(slug, taskID)
	if !has {
		return s, true
	}

	merged := make(map[string]string, len(s.Env)+len(ov.Env))
	for k, v := range s.Env {
		merged[k] = v
	}
	for k, v := range ov.Env {
		merged[k] = v
	}
	s.Env = merged
	if ov.UserContext != "" {
		s.UserContext = ov.UserContext
	}
	return s, true
}

func (m *Manager) effectiveOverrideLocked(slug string, taskID int64) (task.MCPOverride, bool) {
	if perTask, ok := m.taskOverrides[taskID]; ok {
		if ov, ok := perTask[slug]; ok {
			return ov, true
		}
	}
	ov, ok := m.projectOverrides[slug]
	return ov, ok
}

// ListTools returns a server's tool catalog, connecting if necessary.
func (m *Manager) ListTools(ctx context.Context, nameOrSlug string, taskID int64) ([]ToolDefinition, error) {
	spec, ok := m.Effective(nameOrSlug, taskID)
	if !ok {
		return nil, taskerr.New(taskerr.KindConfig, "unknown MCP server %q", nameOrSlug)
	}

	client, err := m.ensureClient(ctx, spec, taskID)
	if err != nil {
		return nil, err
	}
	schemas, err := client.ListTools(ctx)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindTool, err, "list tools on %s", spec.ID)
	}

	out := make([]ToolDefinition, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, ToolDefinition{
			Server:      spec.ID,
			Name:        s.Name,
			Description: s.Description,
			InputSchema: s.InputSchema,
		})
	}
	return out, nil
}

// ExecuteTool invokes one tool. Calls sharing a taskID are serialized so
// stateful tool sessions never interleave. Permission failures are returned
// as errors and abort the caller; every other failure is captured in the
// outcome for the model to react to.
func (m *Manager) ExecuteTool(ctx context.Context, nameOrSlug, toolName string, args map[string]any, meta CallMeta) (CallOutcome, error) {
	lock := m.taskLock(meta.TaskID)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	outcome := func(success bool, data, errMsg string) CallOutcome {
		return CallOutcome{Success: success, Data: data, Error: errMsg, ExecutionTime: time.Since(started)}
	}

	spec, ok := m.Effective(nameOrSlug, meta.TaskID)
	if !ok {
		return outcome(false, "", ""), taskerr.New(taskerr.KindConfig, "unknown MCP server %q", nameOrSlug).WithTask(meta.TaskID)
	}

	client, err := m.ensureClient(ctx, spec, meta.TaskID)
	if err != nil {
		return outcome(false, "", err.Error()), nil
	}

	m.logger.Debug("executing %s/%s for task %d (source=%s)", spec.ID, toolName, meta.TaskID, meta.Source)
	result, err := client.CallTool(ctx, toolName, args)
	if err != nil {
		if isPermissionError(err) {
			perr := taskerr.Wrap(taskerr.KindTool, err, "MCP tool %s/%s denied", spec.ID, toolName).WithTask(meta.TaskID)
			perr.Permission = true
			return outcome(false, "", err.Error()), perr
		}
		m.logger.Warn("tool %s/%s failed for task %d: %v", spec.ID, toolName, meta.TaskID, err)
		return outcome(false, "", err.Error()), nil
	}

	flattened := result.Flatten()
	if result.IsError {
		if isPermissionText(flattened) {
			perr := taskerr.New(taskerr.KindTool, "MCP tool %s/%s denied: %s", spec.ID, toolName, flattened).WithTask(meta.TaskID)
			perr.Permission = true
			return outcome(false, "", flattened), perr
		}
		return outcome(false, "", flattened), nil
	}
	return outcome(true, flattened, ""), nil
}

// Shutdown stops every running client.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]toolClient)
	m.mu.Unlock()

	for key, c := range clients {
		if err := c.Stop(); err != nil {
			m.logger.Warn("stopping MCP client %s: %v", key, err)
		}
	}
}

func (m *Manager) taskLock(taskID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.taskLocks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		m.taskLocks[taskID] = lock
	}
	return lock
}

// clientKey scopes a connection: tasks that override a server's environment
// get their own process so env changes never leak across tasks.
func (m *Manager) clientKey(slug string, taskID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if perTask, ok := m.taskOverrides[taskID]; ok {
		if ov, ok := perTask[slug]; ok && len(ov.Env) > 0 {
			return fmt.Sprintf("%s#task-%d", slug, taskID)
		}
	}
	return slug
}

func (m *Manager) ensureClient(ctx context.Context, spec Server, taskID int64) (toolClient, error) {
	if spec.Command == "" {
		return nil, taskerr.New(taskerr.KindConfig, "MCP server %q has no command configured", spec.ID)
	}
	key := m.clientKey(spec.ID, taskID)

	m.mu.Lock()
	if c, ok := m.clients[key]; ok {
		m.mu.Unlock()
		return c, nil
	}
	factory := m.newClient
	m.mu.Unlock()

	c := factory(spec.Name, mcp.ProcessConfig{Command: spec.Command, Args: spec.Args, Env: spec.Env})
	if err := c.Start(ctx); err != nil {
		return nil, taskerr.Wrap(taskerr.KindTool, err, "connect to MCP server %s", spec.ID)
	}

	m.mu.Lock()
	if existing, ok := m.clients[key]; ok {
		m.mu.Unlock()
		_ = c.Stop()
		return existing, nil
	}
	m.clients[key] = c
	m.mu.Unlock()

	m.logger.Info("connected MCP client %s", key)
	return c, nil
}

var permissionPattern = regexp.MustCompile(`(?i)permission|unauthorized|not authorized|access denied|forbidden`)

func isPermissionError(err error) bool {
	if taskerr.IsPermission(err) {
		return true
	}
	return isPermissionText(err.Error())
}

func isPermissionText(s string) bool {
	return permissionPattern.MatchString(s)
}
