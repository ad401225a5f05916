// Package provider contains the AI provider clients (OpenAI, Anthropic,
// Gemini, Ollama) behind one capability-set interface, plus the registry that
// resolves which provider serves a given task.
package provider

import (
	"context"
	"time"
)

// Kind classifies what an AIResult carries.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindData     Kind = "data"
)

// Format describes how the result value is encoded.
type Format string

const (
	FormatPlain  Format = "plain"
	FormatBase64 Format = "base64"
	FormatURL    Format = "url"
	FormatBinary Format = "binary"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ImagePart is one image in a multi-modal user message. Exactly one of URL or
// Base64 is set.
type ImagePart struct {
	URL    string `json:"url,omitempty"`
	Base64 string `json:"base64,omitempty"`
	Mime   string `json:"mime,omitempty"`
}

// DataURL renders the part as something an API accepts inline.
func (p ImagePart) DataURL() string {
	if p.URL != "" {
		return p.URL
	}
	mime := p.Mime
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + p.Base64
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolDefinition describes a callable tool in provider-neutral form.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Message is one chat turn. Tool responses set Role=RoleTool plus ToolCallID;
// assistant turns that requested tools carry ToolCalls.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	Images     []ImagePart `json:"images,omitempty"`
	ToolCalls  []ToolCall  `json:"toolCalls,omitempty"`
	ToolCallID string      `json:"toolCallId,omitempty"`
	Name       string      `json:"name,omitempty"`
}

// Usage is the token accounting of one call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// AIResult is the normalized output of any provider call. A non-text result
// must carry a URL, base64 payload, or binary blob in Value.
type AIResult struct {
	Kind       Kind           `json:"kind"`
	SubType    string         `json:"subType,omitempty"`
	Format     Format         `json:"format"`
	Value      string         `json:"value"`
	Mime       string         `json:"mime,omitempty"`
	Provider   string         `json:"provider"`
	Model      string         `json:"model"`
	Usage      Usage          `json:"usage"`
	StopReason string         `json:"stopReason,omitempty"`
	ToolCalls  []ToolCall     `json:"toolCalls,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// StreamChunk is delivered to stream handlers per content delta.
type StreamChunk struct {
	Delta       string
	Accumulated string
	Done        bool
}

// StreamHandler consumes streaming deltas. Returning an error aborts the
// stream and surfaces from StreamExecute.
type StreamHandler func(chunk StreamChunk) error

// RequestConfig tunes one provider call.
type RequestConfig struct {
	Model         string
	Temperature   *float64
	MaxTokens     *int
	Tools         []ToolDefinition
	StopSequences []string
	Timeout       time.Duration
	Metadata      map[string]any
}

// ImageOptions tune image generation.
type ImageOptions struct {
	Size    string // e.g. "1024x1024"
	Quality string
	Count   int
}

// ModelInfo is model metadata; capabilities are expressed here only.
type ModelInfo struct {
	Name            string  `json:"name"`
	Provider        string  `json:"provider"`
	ContextWindow   int     `json:"contextWindow,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	SupportsTools   bool    `json:"supportsTools"`
	SupportsVision  bool    `json:"supportsVision"`
	ImageGeneration bool    `json:"imageGeneration"`
	ImageOnly       bool    `json:"imageOnly"`
	InputPricePerM  float64 `json:"inputPricePerM,omitempty"`  // USD per 1M prompt tokens
	OutputPricePerM float64 `json:"outputPricePerM,omitempty"` // USD per 1M completion tokens
}

// ClientConfig reconfigures a provider client at runtime.
type ClientConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Headers      map[string]string
}

// Client is the capability set every provider implements. Unsupported
// capabilities return a config-kind error rather than panicking.
type Client interface {
	Name() string
	Execute(ctx context.Context, messages []Message, cfg RequestConfig) (*AIResult, error)
	StreamExecute(ctx context.Context, messages []Message, cfg RequestConfig, onChunk StreamHandler) (*AIResult, error)
	GenerateImage(ctx context.Context, prompt string, cfg RequestConfig, opts ImageOptions) (*AIResult, error)
	FetchModels(ctx context.Context) ([]ModelInfo, error)
	SetDynamicModels(models []ModelInfo)
	GetModelInfo(name string) (ModelInfo, bool)
	EstimateTokens(text string) int
	CalculateCost(usage Usage, model string) float64
	SetAPIKey(key string)
	Configure(cfg ClientConfig)
}
