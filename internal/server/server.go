package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"taskflow/internal/events"
	"taskflow/internal/logging"
	"taskflow/internal/runner"
	"taskflow/internal/task"
)

// WorkflowRunner is the slice of runner.Runner the server drives.
type WorkflowRunner interface {
	Run(ctx context.Context, tasks []task.Task, execCtx *task.ExecutionContext, opts runner.Options) (*runner.Summary, error)
	Pause(workflowID string) bool
	Resume(workflowID string) bool
	Cancel(workflowID string) bool
	State(workflowID string) (*runner.ExecutionState, bool)
}

// MCPConfigurer receives workflow-level MCP server declarations before a run.
type MCPConfigurer interface {
	SetRuntimeServers(specs []task.MCPServerSpec)
}

// Config wires a Server.
type Config struct {
	Addr     string
	Runner   WorkflowRunner
	Registry *RunRegistry
	Bus      *events.Bus
	MCP      MCPConfigurer
	Options  runner.Options
	Debug    bool
	Logger   logging.Logger
}

// Server is the HTTP face of the workflow engine.
type Server struct {
	addr     string
	engine   *gin.Engine
	runner   WorkflowRunner
	registry *RunRegistry
	bus      *events.Bus
	mcp      MCPConfigurer
	options  runner.Options
	logger   logging.Logger
}

// New builds the Server and its routes.
func New(cfg Config) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	registry := cfg.Registry
	if registry == nil {
		registry = NewRunRegistry()
	}

	s := &Server{
		addr:     cfg.Addr,
		engine:   engine,
		runner:   cfg.Runner,
		registry: registry,
		bus:      cfg.Bus,
		mcp:      cfg.MCP,
		options:  cfg.Options,
		logger:   logging.OrNop(cfg.Logger),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	api.POST("/workflows", s.startWorkflow)
	api.GET("/workflows", s.listWorkflows)
	api.GET("/workflows/:id", s.workflowState)
	api.GET("/workflows/:id/results", s.workflowResults)
	api.POST("/workflows/:id/pause", s.controlHandler((WorkflowRunner).Pause))
	api.POST("/workflows/:id/resume", s.controlHandler((WorkflowRunner).Resume))
	api.POST("/workflows/:id/cancel", s.controlHandler((WorkflowRunner).Cancel))

	s.engine.GET("/ws/workflows/:id", s.streamWorkflow)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening on %s", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// startWorkflow accepts a workflow file body (JSON or YAML), validates it,
// and starts the run in the background.
func (s *Server) startWorkflow(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 4<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}

	spec, err := parseSpec(body, c.ContentType())
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	workflowID := uuid.NewString()
	execCtx := task.NewExecutionContext(workflowID, 0)
	execCtx.Project = &spec.Project
	for k, v := range spec.Variables {
		execCtx.Variables[k] = v
	}
	if spec.Budget != nil {
		execCtx.Budget = &task.Budget{MaxCost: spec.Budget.MaxCost, MaxTokens: spec.Budget.MaxTokens}
	}
	if s.mcp != nil && len(spec.MCPServers) > 0 {
		s.mcp.SetRuntimeServers(spec.MCPServers)
	}

	opts := s.options
	if spec.Options.Parallelism > 0 {
		opts.Parallelism = spec.Options.Parallelism
	}
	if spec.Options.Checkpoints {
		opts.Checkpoints = true
	}

	run := s.registry.Add(workflowID, spec.Name, execCtx)
	tasks := spec.Tasks
	go func() {
		summary, runErr := s.runner.Run(context.Background(), tasks, execCtx, opts)
		run.finish(summary, runErr)
		if s.bus != nil {
			payload := any(summary)
			if runErr != nil {
				payload = gin.H{"error": runErr.Error()}
			}
			s.bus.Terminal(workflowID, payload)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"workflowId": workflowID, "name": spec.Name, "tasks": len(tasks)})
}

func (s *Server) listWorkflows(c *gin.Context) {
	runs := s.registry.List()
	out := make([]gin.H, 0, len(runs))
	for _, run := range runs {
		entry := gin.H{"workflowId": run.ID, "name": run.Name, "startedAt": run.StartedAt}
		if run.Finished() {
			if summary, runErr := run.Outcome(); runErr != nil {
				entry["status"] = "error"
			} else if summary != nil {
				entry["status"] = summary.Status
			}
		} else if state, ok := s.runner.State(run.ID); ok {
			entry["status"] = state.Status
		} else {
			entry["status"] = runner.StatusRunning
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"workflows": out})
}

func (s *Server) workflowState(c *gin.Context) {
	id := c.Param("id")
	run, ok := s.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown workflow " + id})
		return
	}

	if !run.Finished() {
		if state, ok := s.runner.State(id); ok {
			c.JSON(http.StatusOK, state)
			return
		}
	}
	summary, runErr := run.Outcome()
	if runErr != nil {
		c.JSON(http.StatusOK, gin.H{"workflowId": id, "status": "error", "error": runErr.Error()})
		return
	}
	if summary == nil {
		c.JSON(http.StatusOK, gin.H{"workflowId": id, "status": runner.StatusRunning})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) workflowResults(c *gin.Context) {
	run, ok := s.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown workflow " + c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflowId": run.ID, "results": run.Results()})
}

func (s *Server) controlHandler(action func(WorkflowRunner, string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := s.registry.Get(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown workflow " + id})
			return
		}
		if !action(s.runner, id) {
			c.JSON(http.StatusConflict, gin.H{"error": "workflow " + id + " is not running"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"workflowId": id, "ok": true})
	}
}

// parseSpec decodes a workflow file body, JSON or YAML, and validates it.
func parseSpec(body []byte, contentType string) (*task.WorkflowSpec, error) {
	var spec task.WorkflowSpec
	trimmed := strings.TrimSpace(string(body))
	if strings.Contains(contentType, "json") || strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(body, &spec); err != nil {
			return nil, err
		}
	} else {
		if err := yaml.Unmarshal(body, &spec); err != nil {
			return nil, err
		}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}
