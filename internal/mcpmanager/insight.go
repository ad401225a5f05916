package mcpmanager

// ContextInsight is the digest of one required MCP server, gathered by the
// AI service's pre-flight pass and injected into prompts. Errors during
// collection are recorded here instead of failing the execution.
type ContextInsight struct {
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Endpoint         string            `json:"endpoint,omitempty"`
	RecommendedTools []string          `json:"recommendedTools,omitempty"`
	SampleOutput     string            `json:"sampleOutput,omitempty"`
	Error            string            `json:"error,omitempty"`
	UserContext      string            `json:"userContext,omitempty"`
	EnvVars          map[string]string `json:"envVars,omitempty"`
}
