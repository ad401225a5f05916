package provider

import (
	"strings"
	"sync"

	"taskflow/internal/logging"
	"taskflow/internal/taskerr"
)

// Registry holds the constructed provider clients and answers the resolution
// questions of the AI service: which provider serves this task, and which
// model should the call actually use.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
	order   []string
	enabled map[string]bool
	logger  logging.Logger
}

// NewRegistry builds an empty registry. Registered providers start enabled.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		clients: make(map[string]Client),
		enabled: make(map[string]bool),
		logger:  logging.OrNop(logger),
	}
}

// NewDefaultRegistry registers the four built-in clients.
func NewDefaultRegistry(logger logging.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(NewOpenAIClient(logger))
	r.Register(NewAnthropicClient(logger))
	r.Register(NewGeminiClient(logger))
	r.Register(NewOllamaClient(logger))
	return r
}

// Register adds a client under its own name; re-registering replaces it.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := c.Name()
	if _, exists := r.clients[name]; !exists {
		r.order = append(r.order, name)
		r.enabled[name] = true
	}
	r.clients[name] = c
}

// Get returns a client by name.
func (r *Registry) Get(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// SetEnabled restricts resolution to the listed providers, in the given
// preference order. An empty list enables every registered provider.
func (r *Registry) SetEnabled(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(names) == 0 {
		for name := range r.clients {
			r.enabled[name] = true
		}
		return
	}
	for name := range r.enabled {
		r.enabled[name] = false
	}
	var order []string
	for _, name := range names {
		if _, ok := r.clients[name]; !ok {
			r.logger.Warn("enabling unknown provider %q ignored", name)
			continue
		}
		r.enabled[name] = true
		order = append(order, name)
	}
	for _, name := range r.order {
		if !r.enabled[name] {
			order = append(order, name)
		}
	}
	r.order = order
}

// Enabled lists the enabled providers in preference order.
func (r *Registry) Enabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.order {
		if r.enabled[name] {
			out = append(out, name)
		}
	}
	return out
}

// Resolve picks the provider for a task: the requested provider when it is
// registered and enabled, else the first enabled provider, else the first
// registered one as a last resort.
func (r *Registry) Resolve(requested string) (string, Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if requested != "" {
		if c, ok := r.clients[requested]; ok && r.enabled[requested] {
			return requested, c, nil
		}
		r.logger.Debug("requested provider %q unavailable, falling back", requested)
	}
	for _, name := range r.order {
		if r.enabled[name] {
			return name, r.clients[name], nil
		}
	}
	for _, name := range r.order {
		return name, r.clients[name], nil
	}
	return "", nil, taskerr.New(taskerr.KindConfig, "no providers registered")
}

// modelPrefixes maps lexical model-name prefixes onto the provider family
// they belong to. A model that matches another provider's prefix is dropped
// rather than sent to an API that will reject it.
var modelPrefixes = map[string][]string{
	"openai":    {"gpt-", "o1-", "o3-", "o4-", "dall-e", "chatgpt-", "text-embedding-"},
	"anthropic": {"claude-"},
	"gemini":    {"gemini-", "imagen-", "models/"},
}

// ModelCompatible reports whether a model name lexically fits a provider.
// Unknown prefixes are treated as compatible: gateways and local daemons
// serve arbitrary tags.
func ModelCompatible(model, providerName string) bool {
	if model == "" {
		return true
	}
	lower := strings.ToLower(model)
	for p, prefixes := range modelPrefixes {
		for _, prefix := range prefixes {
			if strings.HasPrefix(lower, prefix) {
				return p == providerName
			}
		}
	}
	return true
}

// EffectiveModel keeps the requested model when it fits the resolved
// provider, otherwise drops it in favor of the provider default.
func EffectiveModel(requested, providerName string, c Client) string {
	if requested != "" && ModelCompatible(requested, providerName) {
		return requested
	}
	type defaulter interface{ DefaultModel() string }
	if d, ok := c.(defaulter); ok {
		return d.DefaultModel()
	}
	return ""
}

// imageModelHints recognizes image models by name when metadata is missing.
var imageModelHints = []string{"dall-e", "gpt-image", "imagen", "stable-diffusion", "flux"}

// IsImageModel reports whether model generates images for the provider.
func IsImageModel(c Client, model string) bool {
	if info, ok := c.GetModelInfo(model); ok {
		return info.ImageGeneration
	}
	lower := strings.ToLower(model)
	for _, hint := range imageModelHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// IsImageOnlyModel reports whether the model cannot do chat at all.
func IsImageOnlyModel(c Client, model string) bool {
	if info, ok := c.GetModelInfo(model); ok {
		return info.ImageOnly
	}
	return IsImageModel(c, model)
}
