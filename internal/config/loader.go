package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskflow/internal/taskerr"
)

// EnvLookup resolves one environment variable.
type EnvLookup func(key string) (string, bool)

// DefaultEnvLookup reads the process environment.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	configPath string
	overrides  Overrides
}

// Option customizes Load.
type Option func(*loadOptions)

// WithEnv substitutes the environment lookup, for tests.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithConfigPath points Load at a specific config file.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) { o.configPath = path }
}

// WithFileReader substitutes the file reader, for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = reader }
}

// WithHomeDir substitutes home directory resolution, for tests.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) { o.homeDir = resolver }
}

// WithOverrides applies caller overrides as the last layer.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) { o.overrides = overrides }
}

// Overrides are explicit top-layer settings, typically from CLI flags. Nil
// pointers leave the lower layers untouched.
type Overrides struct {
	Parallelism     *int
	MaxRetries      *int
	BudgetMaxCost   *float64
	BudgetMaxTokens *int
	AutoDetectMCPs  *bool
	CheckpointDir   *string
	ServerAddr      *string
	NATSURL         *string
	LogLevel        *string
	Providers       map[string]ProviderSettings
}

// Load assembles the runtime configuration.
func Load(opts ...Option) (RuntimeConfig, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	cfg := defaults()

	if err := applyFile(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	applyEnv(&cfg, &meta, options.envLookup)
	applyOverrides(&cfg, &meta, options.overrides)
	normalize(&cfg)
	return cfg, meta, nil
}

func defaults() RuntimeConfig {
	return RuntimeConfig{
		Providers: map[string]ProviderSettings{
			"openai":    {BaseURL: "https://api.openai.com/v1", DefaultModel: "gpt-4o", Enabled: true},
			"anthropic": {BaseURL: "https://api.anthropic.com", DefaultModel: "claude-sonnet-4-20250514", Enabled: true},
			"gemini":    {BaseURL: "https://generativelanguage.googleapis.com", DefaultModel: "gemini-2.0-flash", Enabled: true},
		},
		FallbackProviders: []string{"openai", "anthropic"},
		Parallelism:       3,
		MaxRetries:        3,
		RetryInitialDelay: time.Second,
		RetryMaxDelay:     30 * time.Second,
		RetryMultiplier:   2,
		TaskTimeout:       5 * time.Minute,
		AutoDetectMCPs:    true,
		CheckpointDir:     "~/.taskflow/checkpoints",
		KnowledgeDir:      "",
		KnowledgeEnabled:  true,
		EmbeddingModel:    "text-embedding-3-small",
		ServerAddr:        ":8080",
		LogLevel:          "info",
	}
}

// applyFile merges ~/.taskflow/config.yaml (or the explicit path) over the
// defaults. A missing file is not an error.
func applyFile(cfg *RuntimeConfig, meta *Metadata, options loadOptions) error {
	path := options.configPath
	if path == "" {
		home, err := options.homeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(home, ".taskflow", "config.yaml")
	}

	data, err := options.readFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return taskerr.Wrap(taskerr.KindConfig, err, "read config file %s", path)
	}

	var fileCfg RuntimeConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return taskerr.Wrap(taskerr.KindConfig, err, "parse config file %s", path)
	}
	mergeLayer(cfg, meta, fileCfg, SourceFile)
	return nil
}

// mergeLayer copies non-zero fields of layer onto cfg, stamping provenance.
func mergeLayer(cfg *RuntimeConfig, meta *Metadata, layer RuntimeConfig, source ValueSource) {
	for name, settings := range layer.Providers {
		base := cfg.Providers[name]
		if settings.APIKey != "" {
			base.APIKey = settings.APIKey
		}
		if settings.BaseURL != "" {
			base.BaseURL = settings.BaseURL
		}
		if settings.DefaultModel != "" {
			base.DefaultModel = settings.DefaultModel
		}
		if settings.Enabled {
			base.Enabled = true
		}
		if cfg.Providers == nil {
			cfg.Providers = map[string]ProviderSettings{}
		}
		cfg.Providers[name] = base
		meta.set("providers."+name, source)
	}
	if len(layer.FallbackProviders) > 0 {
		cfg.FallbackProviders = layer.FallbackProviders
		meta.set("fallback_providers", source)
	}
	if layer.Parallelism > 0 {
		cfg.Parallelism = layer.Parallelism
		meta.set("parallelism", source)
	}
	if layer.MaxRetries > 0 {
		cfg.MaxRetries = layer.MaxRetries
		meta.set("max_retries", source)
	}
	if layer.RetryInitialDelay > 0 {
		cfg.RetryInitialDelay = layer.RetryInitialDelay
		meta.set("retry_initial_delay", source)
	}
	if layer.RetryMaxDelay > 0 {
		cfg.RetryMaxDelay = layer.RetryMaxDelay
		meta.set("retry_max_delay", source)
	}
	if layer.RetryMultiplier > 0 {
		cfg.RetryMultiplier = layer.RetryMultiplier
		meta.set("retry_multiplier", source)
	}
	if layer.TaskTimeout > 0 {
		cfg.TaskTimeout = layer.TaskTimeout
		meta.set("task_timeout", source)
	}
	if layer.BudgetMaxCost > 0 {
		cfg.BudgetMaxCost = layer.BudgetMaxCost
		meta.set("budget_max_cost", source)
	}
	if layer.BudgetMaxTokens > 0 {
		cfg.BudgetMaxTokens = layer.BudgetMaxTokens
		meta.set("budget_max_tokens", source)
	}
	if layer.SlackBotToken != "" {
		cfg.SlackBotToken = layer.SlackBotToken
		meta.set("slack_bot_token", source)
	}
	if layer.CheckpointDir != "" {
		cfg.CheckpointDir = layer.CheckpointDir
		meta.set("checkpoint_dir", source)
	}
	if layer.KnowledgeDir != "" {
		cfg.KnowledgeDir = layer.KnowledgeDir
		meta.set("knowledge_dir", source)
	}
	if layer.EmbeddingModel != "" {
		cfg.EmbeddingModel = layer.EmbeddingModel
		meta.set("embedding_model", source)
	}
	if layer.EmbeddingBaseURL != "" {
		cfg.EmbeddingBaseURL = layer.EmbeddingBaseURL
		meta.set("embedding_base_url", source)
	}
	if layer.ServerAddr != "" {
		cfg.ServerAddr = layer.ServerAddr
		meta.set("server_addr", source)
	}
	if layer.NATSURL != "" {
		cfg.NATSURL = layer.NATSURL
		meta.set("nats_url", source)
	}
	if layer.Tracing.Enabled || layer.Tracing.Exporter != "" {
		cfg.Tracing = layer.Tracing
		meta.set("tracing", source)
	}
	if layer.LogLevel != "" {
		cfg.LogLevel = layer.LogLevel
		meta.set("log_level", source)
	}
}

// providerKeyEnvs maps provider names to their conventional key variables.
var providerKeyEnvs = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

func applyEnv(cfg *RuntimeConfig, meta *Metadata, lookup EnvLookup) {
	for provider, envKey := range providerKeyEnvs {
		if v, ok := lookup(envKey); ok && v != "" {
			settings := cfg.Providers[provider]
			settings.APIKey = v
			settings.Enabled = true
			cfg.Providers[provider] = settings
			meta.set("providers."+provider+".api_key", SourceEnv)
		}
	}
	if v, ok := lookup("SLACK_BOT_TOKEN"); ok && v != "" {
		cfg.SlackBotToken = v
		meta.set("slack_bot_token", SourceEnv)
	}

	setString := func(envKey, field string, target *string) {
		if v, ok := lookup(envKey); ok && v != "" {
			*target = v
			meta.set(field, SourceEnv)
		}
	}
	setInt := func(envKey, field string, target *int) {
		if v, ok := lookup(envKey); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
				*target = n
				meta.set(field, SourceEnv)
			}
		}
	}
	setFloat := func(envKey, field string, target *float64) {
		if v, ok := lookup(envKey); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
				*target = f
				meta.set(field, SourceEnv)
			}
		}
	}

	setString("TASKFLOW_LOG_LEVEL", "log_level", &cfg.LogLevel)
	setString("TASKFLOW_CHECKPOINT_DIR", "checkpoint_dir", &cfg.CheckpointDir)
	setString("TASKFLOW_KNOWLEDGE_DIR", "knowledge_dir", &cfg.KnowledgeDir)
	setString("TASKFLOW_SERVER_ADDR", "server_addr", &cfg.ServerAddr)
	setString("TASKFLOW_NATS_URL", "nats_url", &cfg.NATSURL)
	setInt("TASKFLOW_PARALLELISM", "parallelism", &cfg.Parallelism)
	setInt("TASKFLOW_MAX_RETRIES", "max_retries", &cfg.MaxRetries)
	setInt("TASKFLOW_BUDGET_MAX_TOKENS", "budget_max_tokens", &cfg.BudgetMaxTokens)
	setFloat("TASKFLOW_BUDGET_MAX_COST", "budget_max_cost", &cfg.BudgetMaxCost)

	if v, ok := lookup("TASKFLOW_AUTO_DETECT_MCPS"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.AutoDetectMCPs = b
			meta.set("auto_detect_mcps", SourceEnv)
		}
	}
}

func applyOverrides(cfg *RuntimeConfig, meta *Metadata, o Overrides) {
	if o.Parallelism != nil {
		cfg.Parallelism = *o.Parallelism
		meta.set("parallelism", SourceOverride)
	}
	if o.MaxRetries != nil {
		cfg.MaxRetries = *o.MaxRetries
		meta.set("max_retries", SourceOverride)
	}
	if o.BudgetMaxCost != nil {
		cfg.BudgetMaxCost = *o.BudgetMaxCost
		meta.set("budget_max_cost", SourceOverride)
	}
	if o.BudgetMaxTokens != nil {
		cfg.BudgetMaxTokens = *o.BudgetMaxTokens
		meta.set("budget_max_tokens", SourceOverride)
	}
	if o.AutoDetectMCPs != nil {
		cfg.AutoDetectMCPs = *o.AutoDetectMCPs
		meta.set("auto_detect_mcps", SourceOverride)
	}
	if o.CheckpointDir != nil {
		cfg.CheckpointDir = *o.CheckpointDir
		meta.set("checkpoint_dir", SourceOverride)
	}
	if o.ServerAddr != nil {
		cfg.ServerAddr = *o.ServerAddr
		meta.set("server_addr", SourceOverride)
	}
	if o.NATSURL != nil {
		cfg.NATSURL = *o.NATSURL
		meta.set("nats_url", SourceOverride)
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
		meta.set("log_level", SourceOverride)
	}
	for name, settings := range o.Providers {
		cfg.Providers[name] = settings
		meta.set("providers."+name, SourceOverride)
	}
}

// normalize expands ~ paths and clamps nonsense values.
func normalize(cfg *RuntimeConfig) {
	cfg.CheckpointDir = expandHome(cfg.CheckpointDir)
	cfg.KnowledgeDir = expandHome(cfg.KnowledgeDir)
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 3
	}
	if cfg.RetryMultiplier < 1 {
		cfg.RetryMultiplier = 2
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
