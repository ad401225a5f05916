package aiservice

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"taskflow/internal/mcpmanager"
	"taskflow/internal/ports"
	"taskflow/internal/provider"
	"taskflow/internal/task"
	"taskflow/internal/taskerr"
)

// stubClient scripts provider responses for the service under test.
type stubClient struct {
	name      string
	responses []*provider.AIResult
	err       error
	calls     [][]provider.Message
	blockCtx  bool

	mu sync.Mutex
}

func (c *stubClient) Name() string { return c.name }

func (c *stubClient) Execute(ctx context.Context, messages []provider.Message, cfg provider.RequestConfig) (*provider.AIResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, messages)
	c.mu.Unlock()
	if c.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := len(c.calls) - 1
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	res := *c.responses[idx]
	return &res, nil
}

func (c *stubClient) StreamExecute(ctx context.Context, messages []provider.Message, cfg provider.RequestConfig, onChunk provider.StreamHandler) (*provider.AIResult, error) {
	res, err := c.Execute(ctx, messages, cfg)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		_ = onChunk(provider.StreamChunk{Delta: res.Value, Accumulated: res.Value, Done: true})
	}
	return res, nil
}

func (c *stubClient) GenerateImage(ctx context.Context, prompt string, cfg provider.RequestConfig, opts provider.ImageOptions) (*provider.AIResult, error) {
	return &provider.AIResult{Kind: provider.KindImage, Format: provider.FormatBase64, Value: "aW1n", Provider: c.name, Model: "img-model"}, nil
}

func (c *stubClient) FetchModels(ctx context.Context) ([]provider.ModelInfo, error) { return nil, nil }
func (c *stubClient) SetDynamicModels(models []provider.ModelInfo)                  {}
func (c *stubClient) GetModelInfo(name string) (provider.ModelInfo, bool) {
	return provider.ModelInfo{}, false
}
func (c *stubClient) EstimateTokens(text string) int { return len(text) / 4 }
func (c *stubClient) CalculateCost(usage provider.Usage, model string) float64 {
	return float64(usage.TotalTokens) * 0.00001
}
func (c *stubClient) SetAPIKey(key string)                {}
func (c *stubClient) Configure(cfg provider.ClientConfig) {}
func (c *stubClient) DefaultModel() string                { return "stub-default" }

func (c *stubClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// fakeMCP records tool executions and serves a fixed server/tool catalog.
type fakeMCP struct {
	servers  []mcpmanager.Server
	tools    map[string][]mcpmanager.ToolDefinition
	outcome  mcpmanager.CallOutcome
	execErr  error
	executed []string

	mu sync.Mutex
}

func (f *fakeMCP) ListMCPs() []mcpmanager.Server { return f.servers }

func (f *fakeMCP) Effective(nameOrSlug string, taskID int64) (mcpmanager.Server, bool) {
	slug := mcpmanager.Slug(nameOrSlug)
	for _, s := range f.servers {
		if s.ID == slug {
			return s, true
		}
	}
	return mcpmanager.Server{}, false
}

func (f *fakeMCP) ListTools(ctx context.Context, nameOrSlug string, taskID int64) ([]mcpmanager.ToolDefinition, error) {
	return f.tools[mcpmanager.Slug(nameOrSlug)], nil
}

func (f *fakeMCP) ExecuteTool(ctx context.Context, nameOrSlug, toolName string, args map[string]any, meta mcpmanager.CallMeta) (mcpmanager.CallOutcome, error) {
	f.mu.Lock()
	f.executed = append(f.executed, mcpmanager.Slug(nameOrSlug)+"/"+toolName)
	f.mu.Unlock()
	if f.execErr != nil {
		return mcpmanager.CallOutcome{}, f.execErr
	}
	return f.outcome, nil
}

func (f *fakeMCP) SetTaskOverrides(taskID int64, overrides map[string]task.MCPOverride) {}
func (f *fakeMCP) ClearTaskOverrides(taskID int64)                                      {}

func (f *fakeMCP) executedTools() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func newTestManager(t *testing.T, client *stubClient, mcp MCPFacade) *Manager {
	t.Helper()
	reg := provider.NewRegistry(nil)
	reg.Register(client)
	if mcp == nil {
		mcp = &fakeMCP{}
	}
	return New(Config{Registry: reg, MCP: mcp})
}

func textResult(value string, tokens int) *provider.AIResult {
	return &provider.AIResult{
		Kind:       provider.KindText,
		Format:     provider.FormatPlain,
		Value:      value,
		Model:      "stub-default",
		Usage:      provider.Usage{PromptTokens: tokens / 2, CompletionTokens: tokens / 2, TotalTokens: tokens},
		StopReason: "stop",
	}
}

func TestExecuteSingleCall(t *testing.T) {
	client := &stubClient{name: "openai", responses: []*provider.AIResult{textResult("fine answer", 100)}}
	m := newTestManager(t, client, nil)

	res, err := m.Execute(context.Background(), &task.Task{ID: 1, ProjectSequence: 1, Title: "answer", Type: task.TypeAI}, task.NewExecutionContext("wf-1", 1), Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Err)
	}
	if res.Content != "fine answer" {
		t.Fatalf("content = %q", res.Content)
	}
	if res.TokensUsed != 100 {
		t.Fatalf("tokens = %d", res.TokensUsed)
	}
	if res.Cost == 0 {
		t.Fatal("expected non-zero cost")
	}
	if res.Provider != "openai" {
		t.Fatalf("provider = %q", res.Provider)
	}
}

func TestExecuteUnknownProviderFallsBack(t *testing.T) {
	client := &stubClient{name: "ollama", responses: []*provider.AIResult{textResult("ok", 10)}}
	m := newTestManager(t, client, nil)

	res, err := m.Execute(context.Background(), &task.Task{ID: 2, ProjectSequence: 1, Title: "t", Type: task.TypeAI, AIProvider: "nonexistent"}, nil, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Provider != "ollama" {
		t.Fatalf("expected fallback to ollama, got %+v", res)
	}
}

func TestToolLoopExecutesAndTerminates(t *testing.T) {
	mcp := &fakeMCP{
		servers: []mcpmanager.Server{{ID: "slack", Name: "slack", Command: "slack-mcp"}},
		tools: map[string][]mcpmanager.ToolDefinition{
			"slack": {{Server: "slack", Name: "post_message", Description: "post"}},
		},
		outcome: mcpmanager.CallOutcome{Success: true, Data: `{"ok":true}`},
	}
	withCall := textResult("", 50)
	withCall.ToolCalls = []provider.ToolCall{{ID: "c1", Name: "slack_post_message", Arguments: map[string]any{"text": "hi"}}}
	client := &stubClient{name: "openai", responses: []*provider.AIResult{withCall, textResult("posted", 30)}}
	m := newTestManager(t, client, mcp)

	tk := &task.Task{ID: 3, ProjectSequence: 1, Title: "post to slack", Type: task.TypeAI, RequiredMCPs: []string{"slack"}}
	res, err := m.Execute(context.Background(), tk, nil, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Err)
	}
	if res.Content != "posted" {
		t.Fatalf("content = %q", res.Content)
	}
	if got := mcp.executedTools(); len(got) != 1 || got[0] != "slack/post_message" {
		t.Fatalf("executed tools = %v", got)
	}
	if res.TokensUsed != 80 {
		t.Fatalf("accumulated tokens = %d", res.TokensUsed)
	}

	// The second model call must carry the tool result back.
	last := client.calls[len(client.calls)-1]
	found := false
	for _, msg := range last {
		if msg.Role == provider.RoleTool && strings.Contains(msg.Content, `"ok":true`) {
			found = true
		}
	}
	if !found {
		t.Fatal("tool result message missing from follow-up call")
	}
}

func TestToolLoopIterationCap(t *testing.T) {
	mcp := &fakeMCP{
		servers: []mcpmanager.Server{{ID: "slack", Name: "slack", Command: "slack-mcp"}},
		tools: map[string][]mcpmanager.ToolDefinition{
			"slack": {{Server: "slack", Name: "history", Description: "history"}},
		},
		outcome: mcpmanager.CallOutcome{Success: true, Data: "more"},
	}
	looping := textResult("", 10)
	looping.ToolCalls = []provider.ToolCall{{ID: "c", Name: "slack_history"}}
	client := &stubClient{name: "openai", responses: []*provider.AIResult{looping}}
	m := newTestManager(t, client, mcp)

	tk := &task.Task{ID: 4, ProjectSequence: 1, Title: "loop forever", Type: task.TypeAI, RequiredMCPs: []string{"slack"}}
	res, err := m.Execute(context.Background(), tk, nil, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure after iteration cap")
	}
	if res.Err == nil || res.Err.Kind != taskerr.KindTool {
		t.Fatalf("err = %+v", res.Err)
	}
	if client.callCount() != maxToolIterations {
		t.Fatalf("model calls = %d, want %d", client.callCount(), maxToolIterations)
	}
}

func TestToolLoopPermissionAborts(t *testing.T) {
	perr := taskerr.New(taskerr.KindTool, "denied")
	perr.Permission = true
	mcp := &fakeMCP{
		servers: []mcpmanager.Server{{ID: "github", Name: "github", Command: "gh-mcp"}},
		tools: map[string][]mcpmanager.ToolDefinition{
			"github": {{Server: "github", Name: "merge", Description: "merge"}},
		},
		execErr: perr,
	}
	withCall := textResult("", 10)
	withCall.ToolCalls = []provider.ToolCall{{ID: "c", Name: "github_merge"}}
	client := &stubClient{name: "openai", responses: []*provider.AIResult{withCall}}
	m := newTestManager(t, client, mcp)

	tk := &task.Task{ID: 5, ProjectSequence: 1, Title: "merge pr", Type: task.TypeAI, RequiredMCPs: []string{"github"}}
	res, err := m.Execute(context.Background(), tk, nil, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Err == nil || !res.Err.Permission {
		t.Fatalf("expected permission error, got %+v", res.Err)
	}
	if client.callCount() != 1 {
		t.Fatalf("model calls after permission denial = %d", client.callCount())
	}
}

func TestToolLoopJSONFallback(t *testing.T) {
	mcp := &fakeMCP{
		servers: []mcpmanager.Server{{ID: "web", Name: "web", Command: "web-mcp"}},
		tools: map[string][]mcpmanager.ToolDefinition{
			"web": {{Server: "web", Name: "fetch", Description: "fetch a page"}},
		},
		outcome: mcpmanager.CallOutcome{Success: true, Data: "<html>page</html>"},
	}
	// Trailing comma: strict parse fails, jsonrepair recovers it.
	fallback := textResult("```json\n{\"tool\": \"web_fetch\", \"parameters\": {\"url\": \"https://example.com\",}}\n```", 10)
	client := &stubClient{name: "openai", responses: []*provider.AIResult{fallback, textResult("done", 10)}}
	m := newTestManager(t, client, mcp)

	tk := &task.Task{ID: 6, ProjectSequence: 1, Title: "fetch page", Type: task.TypeAI, RequiredMCPs: []string{"web"}}
	res, err := m.Execute(context.Background(), tk, nil, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Content != "done" {
		t.Fatalf("result = %+v", res)
	}
	if got := mcp.executedTools(); len(got) != 1 || got[0] != "web/fetch" {
		t.Fatalf("executed tools = %v", got)
	}
}

func TestExplicitRequiredMCPsSkipAutoDetect(t *testing.T) {
	mcp := &fakeMCP{
		servers: []mcpmanager.Server{
			{ID: "slack", Name: "slack", Command: "slack-mcp"},
			{ID: "github", Name: "github", Command: "gh-mcp"},
		},
		tools: map[string][]mcpmanager.ToolDefinition{
			"github": {{Server: "github", Name: "issues", Description: "list issues"}},
		},
	}
	client := &stubClient{name: "openai", responses: []*provider.AIResult{textResult("ok", 10)}}
	reg := provider.NewRegistry(nil)
	reg.Register(client)
	m := New(Config{Registry: reg, MCP: mcp, AutoDetectMCPs: true})

	var recorded []string
	tk := &task.Task{
		ID:              7,
		ProjectSequence: 1,
		Title:           "post a slack message about github issues",
		Type:            task.TypeAI,
		RequiredMCPs:    []string{"github"},
	}
	res, err := m.Execute(context.Background(), tk, nil, Options{
		OnPromptGenerated: func(rec ports.PromptRecord) { recorded = rec.RequiredMCPs },
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res.Err)
	}
	if len(recorded) != 1 || recorded[0] != "github" {
		t.Fatalf("required MCPs = %v, explicit list must suppress detection", recorded)
	}
}

func TestCancelExecution(t *testing.T) {
	client := &stubClient{name: "openai", blockCtx: true}
	m := newTestManager(t, client, nil)

	type outcome struct {
		res *ExecutionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := m.Execute(context.Background(), &task.Task{ID: 8, ProjectSequence: 1, Title: "slow", Type: task.TypeAI}, nil, Options{})
		done <- outcome{res, err}
	}()

	// Wait until the execution registers itself.
	deadline := time.Now().Add(2 * time.Second)
	for m.CancelExecution(8) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("execution never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("Execute: %v", out.err)
		}
		if out.res.Success {
			t.Fatal("expected cancelled result")
		}
		if out.res.Err.Kind != taskerr.KindCancelled {
			t.Fatalf("kind = %s", out.res.Err.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not observe cancellation")
	}
}

func TestImagePath(t *testing.T) {
	client := &stubClient{name: "openai", responses: []*provider.AIResult{textResult("unused", 1)}}
	m := newTestManager(t, client, nil)

	tk := &task.Task{ID: 9, ProjectSequence: 1, Title: "draw", Type: task.TypeAI, ExpectedOutputFormat: "png"}
	res, err := m.Execute(context.Background(), tk, nil, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res.Err)
	}
	if res.AIResult.Kind != provider.KindImage {
		t.Fatalf("kind = %s", res.AIResult.Kind)
	}
	if client.callCount() != 0 {
		t.Fatal("image path must not hit the chat endpoint")
	}
}

func TestSplitToolName(t *testing.T) {
	slugs := []string{"slack", "my_server"}
	cases := []struct {
		name         string
		server, tool string
		ok           bool
	}{
		{"slack_post_message", "slack", "post_message", true},
		{"my_server_fetch", "my_server", "fetch", true},
		{"my_unknown", "my", "unknown", true},
		{"noseparator", "", "", false},
		{"_leading", "", "", false},
	}
	for _, tc := range cases {
		server, tool, ok := splitToolName(tc.name, slugs)
		if server != tc.server || tool != tc.tool || ok != tc.ok {
			t.Errorf("splitToolName(%q) = (%q, %q, %v), want (%q, %q, %v)", tc.name, server, tool, ok, tc.server, tc.tool, tc.ok)
		}
	}
}
