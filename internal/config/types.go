// Package config loads the runtime configuration with layered precedence:
// built-in defaults, then ~/.taskflow/config.yaml, then environment
// variables, then explicit overrides. Every field remembers which layer set
// it so diagnostics can answer "where did this value come from".
package config

import (
	"time"

	"taskflow/internal/observability"
)

// ValueSource identifies the layer that set a field.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "env"
	SourceOverride ValueSource = "override"
)

// ProviderSettings configures one AI provider.
type ProviderSettings struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	Enabled      bool   `yaml:"enabled"`
}

// RuntimeConfig is the full runtime configuration.
type RuntimeConfig struct {
	Providers         map[string]ProviderSettings `yaml:"providers"`
	FallbackProviders []string                    `yaml:"fallback_providers"`

	Parallelism       int           `yaml:"parallelism"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	RetryMultiplier   float64       `yaml:"retry_multiplier"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`

	BudgetMaxCost   float64 `yaml:"budget_max_cost"`
	BudgetMaxTokens int     `yaml:"budget_max_tokens"`

	AutoDetectMCPs bool   `yaml:"auto_detect_mcps"`
	SlackBotToken  string `yaml:"slack_bot_token"`

	CheckpointDir string `yaml:"checkpoint_dir"`

	KnowledgeDir     string `yaml:"knowledge_dir"`
	KnowledgeEnabled bool   `yaml:"knowledge_enabled"`
	EmbeddingModel   string `yaml:"embedding_model"`
	EmbeddingBaseURL string `yaml:"embedding_base_url"`

	ServerAddr string `yaml:"server_addr"`
	NATSURL    string `yaml:"nats_url"`

	Tracing observability.TracingConfig `yaml:"tracing"`

	LogLevel string `yaml:"log_level"`
}

// Metadata records load provenance.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
}

// Source reports which layer set a field, by field name.
func (m Metadata) Source(field string) ValueSource {
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// LoadedAt reports when the configuration was assembled.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

func (m *Metadata) set(field string, source ValueSource) {
	m.sources[field] = source
}
