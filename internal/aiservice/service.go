// Package aiservice executes one AI task end to end: provider and model
// resolution, MCP pre-flight, prompt assembly, the bounded tool loop,
// streaming, image generation, and cost accounting.
package aiservice

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskflow/internal/logging"
	"taskflow/internal/mcpmanager"
	"taskflow/internal/ports"
	"taskflow/internal/provider"
	"taskflow/internal/task"
	"taskflow/internal/taskerr"
	"taskflow/internal/token"
)

// Options tune one execution. Retry policy lives in the executor; the
// fallback list here only widens provider resolution when the requested
// provider is unavailable.
type Options struct {
	Streaming         bool
	OnToken           provider.StreamHandler
	OnProgress        func(stage string)
	OnLog             func(level, message string)
	OnPromptGenerated func(rec ports.PromptRecord)
	FallbackProviders []string
	Timeout           time.Duration
}

// ExecutionResult is the normalized outcome of one AI task execution.
type ExecutionResult struct {
	Success      bool
	Content      string
	AIResult     *provider.AIResult
	TokensUsed   int
	Cost         float64
	Duration     time.Duration
	Provider     string
	Model        string
	FinishReason string
	Metadata     map[string]any
	Err          *taskerr.Error
}

// KnowledgeRecaller surfaces similar past results during prompt assembly.
// Implemented by the knowledge index; nil disables recall.
type KnowledgeRecaller interface {
	Similar(ctx context.Context, text string, k int) ([]string, error)
}

// MCPFacade is the slice of mcpmanager.Manager the service consumes; tests
// substitute fakes.
type MCPFacade interface {
	ListMCPs() []mcpmanager.Server
	Effective(nameOrSlug string, taskID int64) (mcpmanager.Server, bool)
	ListTools(ctx context.Context, nameOrSlug string, taskID int64) ([]mcpmanager.ToolDefinition, error)
	ExecuteTool(ctx context.Context, nameOrSlug, toolName string, args map[string]any, meta mcpmanager.CallMeta) (mcpmanager.CallOutcome, error)
	SetTaskOverrides(taskID int64, overrides map[string]task.MCPOverride)
	ClearTaskOverrides(taskID int64)
}

// Manager orchestrates AI task execution. Safe for concurrent use; every
// in-flight execution is registered for cancellation by task id.
type Manager struct {
	registry  *provider.Registry
	mcp       MCPFacade
	knowledge KnowledgeRecaller
	slack     SlackHistoryFetcher
	sink      ports.ProgressSink
	logger    logging.Logger

	mu         sync.Mutex
	autoDetect bool
	active     map[string]context.CancelFunc
}

// Config wires a Manager. Registry and MCP are required; the rest optional.
type Config struct {
	Registry       *provider.Registry
	MCP            MCPFacade
	Knowledge      KnowledgeRecaller
	Slack          SlackHistoryFetcher
	Sink           ports.ProgressSink
	Logger         logging.Logger
	AutoDetectMCPs bool
}

// New builds a Manager.
func New(cfg Config) *Manager {
	return &Manager{
		registry:   cfg.Registry,
		mcp:        cfg.MCP,
		knowledge:  cfg.Knowledge,
		slack:      cfg.Slack,
		sink:       cfg.Sink,
		logger:     logging.OrNop(cfg.Logger),
		autoDetect: cfg.AutoDetectMCPs,
		active:     make(map[string]context.CancelFunc),
	}
}

// SetAutoDetectMCPs toggles requirement auto-detection at runtime.
func (m *Manager) SetAutoDetectMCPs(enabled bool) {
	m.mu.Lock()
	m.autoDetect = enabled
	m.mu.Unlock()
}

func (m *Manager) autoDetectEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoDetect
}

// register adds a cancel function under exec-<taskID>-<startMs> and returns
// the key for deregistration.
func (m *Manager) register(taskID int64, cancel context.CancelFunc) string {
	key := fmt.Sprintf("exec-%d-%d", taskID, time.Now().UnixMilli())
	m.mu.Lock()
	// Collisions are possible when attempts start within the same
	// millisecond; suffix until unique.
	for {
		if _, exists := m.active[key]; !exists {
			break
		}
		key += "+"
	}
	m.active[key] = cancel
	m.mu.Unlock()
	return key
}

func (m *Manager) deregister(key string) {
	m.mu.Lock()
	delete(m.active, key)
	m.mu.Unlock()
}

// CancelExecution aborts every in-flight execution of the given task and
// returns how many were signalled.
func (m *Manager) CancelExecution(taskID int64) int {
	prefix := fmt.Sprintf("exec-%d-", taskID)
	m.mu.Lock()
	var cancels []context.CancelFunc
	for key, cancel := range m.active {
		if strings.HasPrefix(key, prefix) {
			cancels = append(cancels, cancel)
		}
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// CancelAll aborts every in-flight execution.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.active))
	for _, cancel := range m.active {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// resolveProvider widens registry resolution with the caller's fallback list:
// the requested provider first, then each enabled fallback, then the registry
// default.
func (m *Manager) resolveProvider(requested string, fallbacks []string) (string, provider.Client, error) {
	if requested != "" {
		if c, ok := m.registry.Get(requested); ok {
			for _, name := range m.registry.Enabled() {
				if name == requested {
					return requested, c, nil
				}
			}
		}
	}
	for _, name := range fallbacks {
		c, ok := m.registry.Get(name)
		if !ok {
			continue
		}
		for _, enabled := range m.registry.Enabled() {
			if enabled == name {
				return name, c, nil
			}
		}
	}
	return m.registry.Resolve(requested)
}

func (m *Manager) progress(opts Options, stage string) {
	if opts.OnProgress != nil {
		opts.OnProgress(stage)
	}
}

func (m *Manager) log(opts Options, level, format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	switch level {
	case "warn":
		m.logger.Warn("%s", message)
	case "error":
		m.logger.Error("%s", message)
	default:
		m.logger.Info("%s", message)
	}
	if opts.OnLog != nil {
		opts.OnLog(level, message)
	}
}

// Execute runs one AI task. Recoverable failures come back inside the result
// as a populated Err field together with any partial content.
func (m *Manager) Execute(ctx context.Context, t *task.Task, execCtx *task.ExecutionContext, opts Options) (*ExecutionResult, error) {
	started := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	key := m.register(t.ID, cancel)
	defer m.deregister(key)

	if opts.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, opts.Timeout)
		defer timeoutCancel()
	}

	// Task-level MCP overrides are scoped to this execution.
	if len(t.MCPConfig) > 0 {
		m.mcp.SetTaskOverrides(t.ID, t.MCPConfig)
		defer m.mcp.ClearTaskOverrides(t.ID)
	}

	fail := func(err error) (*ExecutionResult, error) {
		te := taskerr.AsError(err)
		if te == nil {
			te = taskerr.Wrap(taskerr.KindOf(err), err, "ai execution failed")
		}
		return &ExecutionResult{
			Success:  false,
			Duration: time.Since(started),
			Err:      te.WithTask(t.ID),
		}, nil
	}

	// Step 1: provider and model resolution.
	providerName, client, err := m.resolveProvider(t.AIProvider, opts.FallbackProviders)
	if err != nil {
		return fail(err)
	}
	m.progress(opts, "resolving")
	model := provider.EffectiveModel(t.AIModel, providerName, client)
	if t.AIModel != "" && model != t.AIModel {
		m.log(opts, "warn", "model %q is incompatible with provider %s, using %q", t.AIModel, providerName, model)
	}

	// Step 2: MCP requirements.
	required := t.RequiredMCPs
	if len(required) == 0 && m.autoDetectEnabled() {
		required = DetectMCPs(t, m.mcp.ListMCPs())
		if len(required) > 0 {
			m.log(opts, "info", "auto-detected MCP requirements: %v", required)
		}
	}

	// Step 3: pre-flight insights and tool collection.
	m.progress(opts, "collecting-context")
	insights, tools := m.collectInsights(ctx, t, required)

	// Step 4: prompt assembly.
	assembled := m.assemblePrompts(ctx, t, execCtx, required, insights)
	rec := ports.PromptRecord{
		ProjectID:       t.ProjectID,
		ProjectSequence: t.ProjectSequence,
		Provider:        providerName,
		Model:           model,
		Prompt:          assembled.userPrompt,
		SystemPrompt:    assembled.systemPrompt,
		RequiredMCPs:    required,
		MCPContext:      renderInsightsBlock(insights),
	}
	if m.sink != nil {
		m.sink.OnPromptGenerated(rec)
	}
	if opts.OnPromptGenerated != nil {
		opts.OnPromptGenerated(rec)
	}

	cfg := provider.RequestConfig{
		Model:       model,
		Temperature: t.AITemperature,
		MaxTokens:   t.AIMaxTokens,
	}

	// Step 5: execution branch.
	m.progress(opts, "executing")
	outputFormat := effectiveOutputFormat(t, client, model, assembled.hasInputImages)
	var result *provider.AIResult
	switch {
	case isImageFormat(outputFormat):
		result, err = m.runImagePath(ctx, t, client, assembled, cfg)
	case len(tools) > 0:
		result, err = m.runToolLoop(ctx, t, client, providerName, assembled, tools, cfg, opts)
	case opts.Streaming && opts.OnToken != nil:
		result, err = client.StreamExecute(ctx, assembled.messages(), cfg, opts.OnToken)
	default:
		result, err = client.Execute(ctx, assembled.messages(), cfg)
	}
	if err != nil {
		res, _ := fail(err)
		res.Provider = providerName
		res.Model = model
		if result != nil {
			res.Content = result.Value
		}
		return res, nil
	}

	// Step 6: post-processing.
	content := result.Value
	if t.ExpectedOutputFormat == "json" {
		content = stripJSONFences(content)
		result.Value = content
	}
	if alerts := systemAlerts(insights); alerts != "" {
		content += alerts
	}

	cost := client.CalculateCost(result.Usage, result.Model)
	return &ExecutionResult{
		Success:      true,
		Content:      content,
		AIResult:     result,
		TokensUsed:   result.Usage.TotalTokens,
		Cost:         cost,
		Duration:     time.Since(started),
		Provider:     providerName,
		Model:        result.Model,
		FinishReason: result.StopReason,
		Metadata: map[string]any{
			"requiredMcps": required,
			"toolCalls":    len(result.ToolCalls),
		},
	}, nil
}

// EstimateTokens approximates prompt size for budget pre-checks, charging
// images at a flat per-attachment rate instead of their base64 length.
func (m *Manager) EstimateTokens(t *task.Task, execCtx *task.ExecutionContext) int {
	text := t.Prompt()
	images := 0
	for _, a := range collectUpstreamAttachments(t, execCtx) {
		if a.IsImage() {
			images++
		} else {
			text += a.Data
		}
	}
	return token.EstimateMessage(text, images)
}
