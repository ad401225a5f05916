package mcpmanager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskflow/internal/mcp"
	"taskflow/internal/task"
	"taskflow/internal/taskerr"
)

type fakeClient struct {
	env     map[string]string
	stopped atomic.Bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	tools  []mcp.ToolSchema
	callFn func(name string, args map[string]any) (*mcp.ToolCallResult, error)
}

func (f *fakeClient) Start(ctx context.Context) error { return nil }
func (f *fakeClient) Stop() error                     { f.stopped.Store(true); return nil }

func (f *fakeClient) ListTools(ctx context.Context) ([]mcp.ToolSchema, error) {
	return f.tools, nil
}

func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolCallResult, error) {
	cur := f.inFlight.Add(1)
	for {
		seen := f.maxInFlight.Load()
		if cur <= seen || f.maxInFlight.CompareAndSwap(seen, cur) {
			break
		}
	}
	defer f.inFlight.Add(-1)

	time.Sleep(10 * time.Millisecond)
	if f.callFn != nil {
		return f.callFn(name, args)
	}
	return &mcp.ToolCallResult{Content: []mcp.ContentBlock{{Type: "text", Text: "ok"}}}, nil
}

// newTestManager registers servers and captures every spawned fake client.
func newTestManager(t *testing.T, servers ...task.MCPServerSpec) (*Manager, *sync.Map) {
	t.Helper()
	m := New(nil)
	spawned := &sync.Map{} // name -> *fakeClient (last spawn wins per key count)
	var n atomic.Int32
	m.newClient = func(name string, cfg mcp.ProcessConfig) toolClient {
		c := &fakeClient{env: cfg.Env}
		spawned.Store(n.Add(1), c)
		return c
	}
	m.SetRuntimeServers(servers)
	return m, spawned
}

func slackSpec() task.MCPServerSpec {
	return task.MCPServerSpec{
		Name:    "Slack-MCP-Server",
		Command: "slack-mcp",
		Env:     map[string]string{"SLACK_TOKEN": "base"},
	}
}

func TestSlugNormalization(t *testing.T) {
	cases := map[string]string{
		"Slack-MCP-Server": "slack",
		"github-mcp":       "github",
		"filesystem":       "filesystem",
		"Postgres-Server":  "postgres",
		"  Web-MCP  ":      "web",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Fatalf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFindByNameAcceptsNameOrSlug(t *testing.T) {
	m, _ := newTestManager(t, slackSpec(), task.MCPServerSpec{Name: "github-mcp", Command: "gh"})

	for _, query := range []string{"slack", "Slack-MCP-Server", "slack-mcp"} {
		if _, ok := m.FindByName(query); !ok {
			t.Fatalf("FindByName(%q) should resolve", query)
		}
	}
	if _, ok := m.FindByName("jira"); ok {
		t.Fatalf("unknown server should not resolve")
	}

	list := m.ListMCPs()
	if len(list) != 2 || list[0].ID != "slack" || list[1].ID != "github" {
		t.Fatalf("ListMCPs = %+v", list)
	}
}

func TestExecuteToolSuccess(t *testing.T) {
	m, _ := newTestManager(t, slackSpec())

	outcome, err := m.ExecuteTool(context.Background(), "slack", "post_message", map[string]any{"text": "hi"}, CallMeta{TaskID: 1})
	if err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}
	if !outcome.Success || outcome.Data != "ok" {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.ExecutionTime <= 0 {
		t.Fatalf("execution time not recorded")
	}
}

func TestExecuteToolCapturesNonPermissionFailures(t *testing.T) {
	m, spawned := newTestManager(t, slackSpec())
	_, _ = m.ExecuteTool(context.Background(), "slack", "warm", nil, CallMeta{TaskID: 1})
	spawned.Range(func(_, v any) bool {
		v.(*fakeClient).callFn = func(string, map[string]any) (*mcp.ToolCallResult, error) {
			return nil, errors.New("connection reset by peer")
		}
		return true
	})

	outcome, err := m.ExecuteTool(context.Background(), "slack", "post_message", nil, CallMeta{TaskID: 1})
	if err != nil {
		t.Fatalf("non-permission failure must not be fatal: %v", err)
	}
	if outcome.Success || !strings.Contains(outcome.Error, "connection reset") {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestExecuteToolPermissionIsFatal(t *testing.T) {
	m, spawned := newTestManager(t, slackSpec())
	_, _ = m.ExecuteTool(context.Background(), "slack", "warm", nil, CallMeta{TaskID: 1})
	spawned.Range(func(_, v any) bool {
		v.(*fakeClient).callFn = func(string, map[string]any) (*mcp.ToolCallResult, error) {
			return nil, errors.New("permission denied: missing scope chat:write")
		}
		return true
	})

	_, err := m.ExecuteTool(context.Background(), "slack", "post_message", nil, CallMeta{TaskID: 1})
	if err == nil {
		t.Fatalf("permission failure must abort")
	}
	if !taskerr.IsPermission(err) {
		t.Fatalf("expected permission-flagged error, got %v", err)
	}
}

func TestExecuteToolErrorResultCaptured(t *testing.T) {
	m, spawned := newTestManager(t, slackSpec())
	_, _ = m.ExecuteTool(context.Background(), "slack", "warm", nil, CallMeta{TaskID: 1})
	spawned.Range(func(_, v any) bool {
		v.(*fakeClient).callFn = func(string, map[string]any) (*mcp.ToolCallResult, error) {
			return &mcp.ToolCallResult{
				IsError: true,
				Content: []mcp.ContentBlock{{Type: "text", Text: "rate limited, retry later"}},
			}, nil
		}
		return true
	})

	outcome, err := m.ExecuteTool(context.Background(), "slack", "search", nil, CallMeta{TaskID: 1})
	if err != nil {
		t.Fatalf("tool-reported error must not be fatal: %v", err)
	}
	if outcome.Success || outcome.Error != "rate limited, retry later" {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestExecuteToolSerializesWithinTask(t *testing.T) {
	m, spawned := newTestManager(t, slackSpec())
	_, _ = m.ExecuteTool(context.Background(), "slack", "warm", nil, CallMeta{TaskID: 42})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.ExecuteTool(context.Background(), "slack", "post_message", nil, CallMeta{TaskID: 42})
		}()
	}
	wg.Wait()

	spawned.Range(func(_, v any) bool {
		if peak := v.(*fakeClient).maxInFlight.Load(); peak > 1 {
			t.Fatalf("tool calls interleaved within one task: max in-flight %d", peak)
		}
		return true
	})
}

func TestTaskEnvOverrideSpawnsScopedClient(t *testing.T) {
	m, spawned := newTestManager(t, slackSpec())
	m.SetTaskOverrides(5, map[string]task.MCPOverride{
		"Slack-MCP-Server": {Env: map[string]string{"SLACK_TOKEN": "task-scoped"}},
	})

	if _, err := m.ExecuteTool(context.Background(), "slack", "t", nil, CallMeta{TaskID: 5}); err != nil {
		t.Fatalf("task-scoped call: %v", err)
	}
	if _, err := m.ExecuteTool(context.Background(), "slack", "t", nil, CallMeta{TaskID: 6}); err != nil {
		t.Fatalf("base call: %v", err)
	}

	var envs []string
	spawned.Range(func(_, v any) bool {
		envs = append(envs, v.(*fakeClient).env["SLACK_TOKEN"])
		return true
	})
	if len(envs) != 2 {
		t.Fatalf("expected 2 distinct clients, got %d", len(envs))
	}
	seen := map[string]bool{}
	for _, e := range envs {
		seen[e] = true
	}
	if !seen["task-scoped"] || !seen["base"] {
		t.Fatalf("client envs = %v", envs)
	}
}

func TestClearTaskOverridesStopsScopedClients(t *testing.T) {
	m, spawned := newTestManager(t, slackSpec())
	m.SetTaskOverrides(5, map[string]task.MCPOverride{
		"slack": {Env: map[string]string{"SLACK_TOKEN": "task-scoped"}},
	})
	_, _ = m.ExecuteTool(context.Background(), "slack", "t", nil, CallMeta{TaskID: 5})

	m.ClearTaskOverrides(5)

	stopped := 0
	spawned.Range(func(_, v any) bool {
		if v.(*fakeClient).stopped.Load() {
			stopped++
		}
		return true
	})
	if stopped != 1 {
		t.Fatalf("expected 1 stopped scoped client, got %d", stopped)
	}
}

func TestEffectiveLayersOverrides(t *testing.T) {
	m, _ := newTestManager(t, slackSpec())
	m.SetProjectOverrides(map[string]task.MCPOverride{
		"slack": {Env: map[string]string{"SLACK_TOKEN": "project", "TEAM": "core"}, UserContext: "project ctx"},
	})
	m.SetTaskOverrides(9, map[string]task.MCPOverride{
		"slack": {Env: map[string]string{"SLACK_TOKEN": "task"}},
	})

	// Task 9: its override wins entirely over the project entry.
	s, ok := m.Effective("slack", 9)
	if !ok {
		t.Fatalf("server should resolve")
	}
	if s.Env["SLACK_TOKEN"] != "task" {
		t.Fatalf("task env should win, got %q", s.Env["SLACK_TOKEN"])
	}
	if s.Env["TEAM"] != "" {
		t.Fatalf("project override must not deep-merge into task override, got TEAM=%q", s.Env["TEAM"])
	}

	// Other tasks: project override applies over the base spec.
	s, _ = m.Effective("slack", 10)
	if s.Env["SLACK_TOKEN"] != "project" || s.UserContext != "project ctx" {
		t.Fatalf("project override not applied: %+v", s)
	}
}

func TestListToolsMapsSchemas(t *testing.T) {
	m, _ := newTestManager(t, slackSpec())
	m.newClient = func(name string, cfg mcp.ProcessConfig) toolClient {
		return &fakeClient{tools: []mcp.ToolSchema{
			{Name: "post_message", Description: "send", InputSchema: map[string]any{"type": "object"}},
		}}
	}

	tools, err := m.ListTools(context.Background(), "slack", 1)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Server != "slack" || tools[0].Name != "post_message" {
		t.Fatalf("tools = %+v", tools)
	}
}

func TestExecuteToolUnknownServer(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.ExecuteTool(context.Background(), "nope", "t", nil, CallMeta{TaskID: 1})
	if !taskerr.IsKind(err, taskerr.KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}
