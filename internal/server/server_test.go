package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/events"
	"taskflow/internal/runner"
	"taskflow/internal/task"
)

type stubRunner struct {
	mu        sync.Mutex
	runTasks  []task.Task
	runOpts   runner.Options
	summary   *runner.Summary
	runErr    error
	block     chan struct{}
	pauseOK   bool
	resumeOK  bool
	cancelOK  bool
	liveState *runner.ExecutionState
}

func (r *stubRunner) Run(ctx context.Context, tasks []task.Task, execCtx *task.ExecutionContext, opts runner.Options) (*runner.Summary, error) {
	r.mu.Lock()
	r.runTasks = tasks
	r.runOpts = opts
	block := r.block
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	if r.summary != nil && r.summary.WorkflowID == "" {
		r.summary.WorkflowID = execCtx.WorkflowID
	}
	return r.summary, r.runErr
}

func (r *stubRunner) Pause(string) bool  { return r.pauseOK }
func (r *stubRunner) Resume(string) bool { return r.resumeOK }
func (r *stubRunner) Cancel(string) bool { return r.cancelOK }

func (r *stubRunner) State(workflowID string) (*runner.ExecutionState, bool) {
	if r.liveState == nil {
		return nil, false
	}
	st := *r.liveState
	st.WorkflowID = workflowID
	return &st, true
}

type stubMCP struct {
	mu    sync.Mutex
	specs []task.MCPServerSpec
}

func (m *stubMCP) SetRuntimeServers(specs []task.MCPServerSpec) {
	m.mu.Lock()
	m.specs = specs
	m.mu.Unlock()
}

func newTestServer(t *testing.T, run *stubRunner, mcp MCPConfigurer) (*Server, *RunRegistry, *events.Bus) {
	t.Helper()
	reg := NewRunRegistry()
	bus := events.NewBus(nil)
	s := New(Config{
		Addr:     ":0",
		Runner:   run,
		Registry: reg,
		Bus:      bus,
		MCP:      mcp,
		Options:  runner.Options{Parallelism: 2},
	})
	return s, reg, bus
}

const yamlSpec = `
name: release notes
project:
  name: demo
  goal: ship it
variables:
  channel: "#releases"
mcpServers:
  - name: github
    command: github-mcp
tasks:
  - title: summarize
    taskType: ai
    aiPrompt: summarize the diff
  - title: announce
    taskType: output
    dependencies: [1]
`

func postWorkflow(t *testing.T, s *Server, body, contentType string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/workflows", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, decodeJSON(rec.Body.Bytes(), &resp))
	return resp
}

func decodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func waitForRun(t *testing.T, reg *RunRegistry, id string) *Run {
	t.Helper()
	run, ok := reg.Get(id)
	require.True(t, ok)
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	return run
}

func TestStartWorkflowYAML(t *testing.T) {
	stub := &stubRunner{summary: &runner.Summary{Status: runner.StatusCompleted, Completed: 2}}
	mcp := &stubMCP{}
	s, reg, _ := newTestServer(t, stub, mcp)

	resp := postWorkflow(t, s, yamlSpec, "application/yaml")
	id, _ := resp["workflowId"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, float64(2), resp["tasks"])

	run := waitForRun(t, reg, id)
	summary, err := run.Outcome()
	require.NoError(t, err)
	assert.Equal(t, runner.StatusCompleted, summary.Status)

	mcp.mu.Lock()
	defer mcp.mu.Unlock()
	require.Len(t, mcp.specs, 1)
	assert.Equal(t, "github", mcp.specs[0].Name)
}

func TestStartWorkflowJSON(t *testing.T) {
	stub := &stubRunner{summary: &runner.Summary{Status: runner.StatusCompleted}}
	s, reg, _ := newTestServer(t, stub, nil)

	body := `{"name":"inline","project":{"name":"demo"},"tasks":[{"title":"one","taskType":"script","codeLanguage":"bash"}]}`
	resp := postWorkflow(t, s, body, "application/json")
	id, _ := resp["workflowId"].(string)
	waitForRun(t, reg, id)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.runTasks, 1)
	assert.Equal(t, task.TypeScript, stub.runTasks[0].Type)
	assert.Equal(t, 1, stub.runTasks[0].ProjectSequence)
}

func TestStartWorkflowRejectsInvalidSpec(t *testing.T) {
	s, _, _ := newTestServer(t, &stubRunner{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/workflows", strings.NewReader("name: empty\ntasks: []\n"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSpecOptionsOverrideServerDefaults(t *testing.T) {
	stub := &stubRunner{summary: &runner.Summary{Status: runner.StatusCompleted}}
	s, reg, _ := newTestServer(t, stub, nil)

	body := yamlSpec + "options:\n  parallelism: 7\n  checkpoints: true\n"
	resp := postWorkflow(t, s, body, "application/yaml")
	id, _ := resp["workflowId"].(string)
	waitForRun(t, reg, id)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, 7, stub.runOpts.Parallelism)
	assert.True(t, stub.runOpts.Checkpoints)
}

func TestWorkflowStateWhileRunning(t *testing.T) {
	block := make(chan struct{})
	stub := &stubRunner{
		block:   block,
		summary: &runner.Summary{Status: runner.StatusCompleted},
		liveState: &runner.ExecutionState{
			Status:       runner.StatusRunning,
			CurrentStage: 1,
			TotalStages:  2,
		},
	}
	s, reg, _ := newTestServer(t, stub, nil)

	resp := postWorkflow(t, s, yamlSpec, "application/yaml")
	id, _ := resp["workflowId"].(string)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/workflows/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var state map[string]any
	require.NoError(t, decodeJSON(rec.Body.Bytes(), &state))
	assert.Equal(t, string(runner.StatusRunning), state["status"])
	assert.Equal(t, float64(1), state["currentStage"])

	close(block)
	waitForRun(t, reg, id)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/workflows/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var final map[string]any
	require.NoError(t, decodeJSON(rec.Body.Bytes(), &final))
	assert.Equal(t, string(runner.StatusCompleted), final["status"])
}

func TestWorkflowResults(t *testing.T) {
	stub := &stubRunner{summary: &runner.Summary{
		Status:  runner.StatusCompleted,
		Results: []task.Result{{ProjectSequence: 1, Status: task.ResultSuccess, Content: "done"}},
	}}
	s, reg, _ := newTestServer(t, stub, nil)

	resp := postWorkflow(t, s, yamlSpec, "application/yaml")
	id, _ := resp["workflowId"].(string)
	waitForRun(t, reg, id)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/workflows/"+id+"/results", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, decodeJSON(rec.Body.Bytes(), &body))
	results, _ := body["results"].([]any)
	require.Len(t, results, 1)
}

func TestWorkflowNotFound(t *testing.T) {
	s, _, _ := newTestServer(t, &stubRunner{}, nil)
	for _, path := range []string{
		"/api/workflows/nope",
		"/api/workflows/nope/results",
	} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/workflows/nope/pause", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestControlEndpoints(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stub := &stubRunner{block: block, pauseOK: true, resumeOK: true}
	s, _, _ := newTestServer(t, stub, nil)

	resp := postWorkflow(t, s, yamlSpec, "application/yaml")
	id, _ := resp["workflowId"].(string)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/workflows/"+id+"/pause", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/workflows/"+id+"/resume", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Cancel is wired to return false: the run is not cancellable.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/workflows/"+id+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListWorkflows(t *testing.T) {
	stub := &stubRunner{summary: &runner.Summary{Status: runner.StatusCompleted}}
	s, reg, _ := newTestServer(t, stub, nil)

	resp := postWorkflow(t, s, yamlSpec, "application/yaml")
	id, _ := resp["workflowId"].(string)
	waitForRun(t, reg, id)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/workflows", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, decodeJSON(rec.Body.Bytes(), &body))
	workflows, _ := body["workflows"].([]any)
	require.Len(t, workflows, 1)
	entry, _ := workflows[0].(map[string]any)
	assert.Equal(t, id, entry["workflowId"])
	assert.Equal(t, string(runner.StatusCompleted), entry["status"])
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t, &stubRunner{}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamWorkflowDeliversEvents(t *testing.T) {
	block := make(chan struct{})
	stub := &stubRunner{block: block, summary: &runner.Summary{Status: runner.StatusCompleted}}
	s, _, bus := newTestServer(t, stub, nil)

	httpServer := httptest.NewServer(s.Handler())
	defer httpServer.Close()

	resp := postWorkflow(t, s, yamlSpec, "application/yaml")
	id, _ := resp["workflowId"].(string)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws/workflows/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to subscribe before emitting.
	time.Sleep(100 * time.Millisecond)
	bus.Emit(events.Event{Type: events.TypeLog, WorkflowID: id, Payload: map[string]any{"message": "stage 1"}})
	bus.Emit(events.Event{Type: events.TypeLog, WorkflowID: "other", Payload: map[string]any{"message": "noise"}})
	close(block)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first events.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, events.TypeLog, first.Type)
	assert.Equal(t, id, first.WorkflowID)

	var second events.Event
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, events.TypeTerminal, second.Type)
}

func TestStreamWorkflowUnknownID(t *testing.T) {
	s, _, _ := newTestServer(t, &stubRunner{}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/workflows/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
