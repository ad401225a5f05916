package main

import (
	"context"
	"sort"
	"time"

	"taskflow/internal/aiservice"
	"taskflow/internal/checkpoint"
	"taskflow/internal/config"
	"taskflow/internal/events"
	"taskflow/internal/executor"
	"taskflow/internal/inputs"
	"taskflow/internal/knowledge"
	"taskflow/internal/logging"
	"taskflow/internal/mcpmanager"
	"taskflow/internal/observability"
	"taskflow/internal/outputs"
	"taskflow/internal/ports"
	"taskflow/internal/provider"
	"taskflow/internal/runner"
	"taskflow/internal/script"
)

// app is the assembled engine: every component behind one workflow run or
// one server process.
type app struct {
	cfg       config.RuntimeConfig
	logger    logging.Logger
	bus       *events.Bus
	providers *provider.Registry
	mcp       *mcpmanager.Manager
	ai        *aiservice.Manager
	runner    *runner.Runner
	knowledge *knowledge.Index
	tracer    *observability.TracerProvider

	cleanups []func()
}

// buildApp wires the engine from the runtime configuration. The sink receives
// progress and log events; the CLI passes a terminal printer, the server
// passes the event bus.
func buildApp(cfg config.RuntimeConfig, sink ports.ProgressSink) (*app, error) {
	logger := logging.NewComponentLogger("taskflow")
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))

	a := &app{cfg: cfg, logger: logger, bus: events.NewBus(logger)}
	if sink == nil {
		sink = a.bus
	}

	if cfg.Tracing.Enabled {
		tracer, err := observability.NewTracerProvider(cfg.Tracing)
		if err != nil {
			return nil, err
		}
		a.tracer = tracer
		a.cleanups = append(a.cleanups, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracer.Shutdown(ctx)
		})
	}

	a.providers = provider.NewDefaultRegistry(logger)
	var enabled []string
	for _, name := range providerOrder(cfg) {
		settings := cfg.Providers[name]
		client, ok := a.providers.Get(name)
		if !ok {
			logger.Warn("configured provider %q is not registered", name)
			continue
		}
		client.Configure(provider.ClientConfig{
			BaseURL:      settings.BaseURL,
			APIKey:       settings.APIKey,
			DefaultModel: settings.DefaultModel,
		})
		if settings.Enabled {
			enabled = append(enabled, name)
		}
	}
	a.providers.SetEnabled(enabled)

	a.mcp = mcpmanager.New(logger)
	a.cleanups = append(a.cleanups, a.mcp.Shutdown)

	if cfg.KnowledgeEnabled {
		index, err := knowledge.NewIndex(knowledge.Config{
			PersistDir: cfg.KnowledgeDir,
			Embedder:   buildEmbedder(cfg),
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		a.knowledge = index
	}

	aiCfg := aiservice.Config{
		Registry:       a.providers,
		MCP:            a.mcp,
		Sink:           sink,
		Logger:         logger,
		AutoDetectMCPs: cfg.AutoDetectMCPs,
	}
	if a.knowledge != nil {
		aiCfg.Knowledge = a.knowledge
	}
	if cfg.SlackBotToken != "" {
		aiCfg.Slack = aiservice.NewSlackFetcher(cfg.SlackBotToken)
	}
	a.ai = aiservice.New(aiCfg)

	store, err := checkpoint.NewStore(cfg.CheckpointDir)
	if err != nil {
		return nil, err
	}

	exec := executor.New(executor.Config{
		AI:      a.ai,
		Scripts: script.NewRunner(script.Config{Logger: logger}),
		Inputs:  inputs.NewProvider(inputs.Config{Logger: logger}),
		Outputs: outputs.NewDispatcher(outputs.Config{Logger: logger}),
		Sink:    sink,
		Logger:  logger,
	})

	runnerCfg := runner.Config{
		Executor:    exec,
		Aborts:      a.ai,
		Checkpoints: store,
		Sink:        sink,
		Metrics:     observability.NewRunnerMetrics(),
		Logger:      logger,
	}
	if a.knowledge != nil {
		runnerCfg.Index = a.knowledge
	}
	a.runner = runner.New(runnerCfg)

	return a, nil
}

// close tears components down in reverse construction order.
func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

// executorOptions maps the runtime config onto per-task execution knobs.
func (a *app) executorOptions() executor.Options {
	return executor.Options{
		MaxRetries:        a.cfg.MaxRetries,
		InitialDelay:      a.cfg.RetryInitialDelay,
		MaxDelay:          a.cfg.RetryMaxDelay,
		Multiplier:        a.cfg.RetryMultiplier,
		Timeout:           a.cfg.TaskTimeout,
		FallbackProviders: a.cfg.FallbackProviders,
	}
}

// runnerOptions maps the runtime config onto workflow-level knobs.
func (a *app) runnerOptions(checkpoints bool) runner.Options {
	return runner.Options{
		Parallelism: a.cfg.Parallelism,
		Checkpoints: checkpoints,
		Executor:    a.executorOptions(),
	}
}

// providerOrder lists configured providers with the fallback chain first, so
// registry preference order matches the config.
func providerOrder(cfg config.RuntimeConfig) []string {
	seen := make(map[string]bool, len(cfg.Providers))
	var order []string
	for _, name := range cfg.FallbackProviders {
		if _, ok := cfg.Providers[name]; ok && !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range cfg.Providers {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// buildEmbedder prefers the OpenAI-compatible embedder when a key is
// available; otherwise the deterministic local fallback keeps recall working
// offline.
func buildEmbedder(cfg config.RuntimeConfig) knowledge.Embedder {
	apiKey := cfg.Providers["openai"].APIKey
	if apiKey == "" {
		return knowledge.NewLocalEmbedder()
	}
	embedder, err := knowledge.NewHTTPEmbedder(knowledge.EmbedderConfig{
		Model:   cfg.EmbeddingModel,
		APIKey:  apiKey,
		BaseURL: cfg.EmbeddingBaseURL,
	})
	if err != nil {
		return knowledge.NewLocalEmbedder()
	}
	return embedder
}
